// Package algorand implements the Chain Provider contract for Algorand
// using atomic transfer groups: the facilitator prepares a two-transaction
// group (the client's zero-fee ASA transfer plus its own fee-bearing leg),
// the client signs its leg, and the facilitator signs and submits the
// group. The group ID binds both legs together so neither can be replayed
// or substituted independently.
package algorand

const (
	// SchemeExact is the only payment scheme this provider implements.
	SchemeExact = "exact"

	// PrepareValidityWindow is the round window stamped onto prepared
	// groups. The client has this many rounds to sign and submit before
	// the prepared session is swept.
	PrepareValidityWindow = 100

	// MaxValidityWindow is the largest first-to-last round span accepted
	// at verify. Anything wider would keep replay-cache entries alive for
	// an unreasonable time.
	MaxValidityWindow = 1000
)

// AssetInfo describes one ASA deployment: its integer asset index and
// decimals.
type AssetInfo struct {
	AssetID  uint64
	Decimals int
}

// NetworkConfig is the per-network configuration a Provider needs: the
// genesis ID stamped into every transaction, the default USDC ASA, and
// the environment variables naming its algod and indexer endpoints.
type NetworkConfig struct {
	GenesisID     string
	AlgodEnvVar   string
	IndexerEnvVar string
	DefaultAsset  AssetInfo
}

// Networks is the static table of Algorand networks spec.md names, keyed
// by CAIP-2 identifier (algorand:<genesis-id>).
var Networks = map[string]NetworkConfig{
	"algorand:mainnet-v1.0": {
		GenesisID:     "mainnet-v1.0",
		AlgodEnvVar:   "ALGORAND_ALGOD_MAINNET",
		IndexerEnvVar: "ALGORAND_INDEXER_MAINNET",
		DefaultAsset:  AssetInfo{AssetID: 31566704, Decimals: 6},
	},
	"algorand:testnet-v1.0": {
		GenesisID:     "testnet-v1.0",
		AlgodEnvVar:   "ALGORAND_ALGOD_TESTNET",
		IndexerEnvVar: "ALGORAND_INDEXER_TESTNET",
		DefaultAsset:  AssetInfo{AssetID: 10458941, Decimals: 6},
	},
}

// NetworkConfigFor looks up a network's static configuration.
func NetworkConfigFor(network string) (NetworkConfig, bool) {
	cfg, ok := Networks[network]
	return cfg, ok
}

// PrepareRequest is what a client sends before signing anything: the
// transfer it intends to make. The facilitator answers with the exact
// unsigned transaction the client must sign, already stamped with the
// atomic group ID binding it to the facilitator's own leg.
type PrepareRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Amount  string `json:"amount"` // microunits, decimal string
	AssetID uint64 `json:"assetId"`
}

// PrepareResponse carries the prepared client leg back to the caller.
type PrepareResponse struct {
	UnsignedTransaction string `json:"unsignedTransaction"` // base64 msgpack
	TxID                string `json:"txId"`
	GroupID             string `json:"groupId"` // base64, 32 bytes
	FirstValid          uint64 `json:"firstValid"`
	LastValid           uint64 `json:"lastValid"`
}
