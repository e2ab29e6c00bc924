// Package svm implements the Chain Provider contract for Solana and
// Fogo: facilitator-cosigned SPL transfer-checked transfers where the
// client assembles the entire transaction and leaves the fee-payer
// signature slot empty.
package svm

const (
	// SchemeExact is the only payment scheme this provider implements.
	SchemeExact = "exact"

	// MaxComputeUnitPriceMicrolamports caps the compute-unit price a
	// client-built transaction may request, so a malicious payload can't
	// force the facilitator to pay an inflated priority fee.
	MaxComputeUnitPriceMicrolamports = 5_000_000
)

// AssetInfo describes one SPL mint deployment: its base58 address and
// decimals.
type AssetInfo struct {
	Mint     string
	Decimals int
}

// NetworkConfig is the per-network configuration a Provider needs: the
// default USDC mint and the environment variable naming its RPC endpoint.
type NetworkConfig struct {
	DefaultAsset AssetInfo
	RPCEnvVar    string
}

// Networks is the static table of every SVM-family network spec.md names:
// Solana mainnet/devnet and Fogo mainnet/testnet share the same wire
// format, differing only in genesis hash and RPC endpoint.
var Networks = map[string]NetworkConfig{
	"solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdpKuc147dw2N9d": {
		RPCEnvVar: "SVM_RPC_SOLANA_MAINNET",
		DefaultAsset: AssetInfo{
			Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6,
		},
	},
	"solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1": {
		RPCEnvVar: "SVM_RPC_SOLANA_DEVNET",
		DefaultAsset: AssetInfo{
			Mint: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", Decimals: 6,
		},
	},
	"solana:fogoMainnetGenesisHash11111111111111111": {
		RPCEnvVar: "SVM_RPC_FOGO_MAINNET",
		DefaultAsset: AssetInfo{
			Mint: "FogoUSDCMint1111111111111111111111111111111", Decimals: 6,
		},
	},
	"solana:fogoTestnetGenesisHash11111111111111111": {
		RPCEnvVar: "SVM_RPC_FOGO_TESTNET",
		DefaultAsset: AssetInfo{
			Mint: "FogoTestUSDCMint111111111111111111111111111", Decimals: 6,
		},
	},
}

// NetworkConfigFor looks up a network's static configuration.
func NetworkConfigFor(network string) (NetworkConfig, bool) {
	cfg, ok := Networks[network]
	return cfg, ok
}
