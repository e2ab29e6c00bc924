// Package near implements the Chain Provider contract for NEAR: NEP-366
// meta-transactions where the client signs a DelegateAction and the
// facilitator wraps it in its own SignedTransaction, paying gas and an
// optional storage deposit on the recipient's behalf.
package near

const (
	// SchemeExact is the only payment scheme this provider implements.
	SchemeExact = "exact"

	// keyTypeED25519 is the Borsh/JSON discriminant NEAR uses for
	// Ed25519 public keys and signatures; NEAR has never shipped a
	// second key type in production.
	keyTypeED25519 = 0

	// delegateActionSignaturePrefix is NEP-366's signing-domain
	// separator: the facilitator verifies the user's signature over
	// sha256(prefix_u32_LE || borsh(DelegateAction)), not over the raw
	// action bytes, so a delegate action can never be replayed as an
	// ordinary signed transaction.
	delegateActionSignaturePrefix uint32 = (1 << 30) + 366

	// ftTransferMethod is the NEP-141 method the facilitator expects
	// the client's single action to invoke.
	ftTransferMethod = "ft_transfer"

	// storageDepositMethod registers a recipient with the token
	// contract before the transfer, if it isn't already.
	storageDepositMethod = "storage_deposit"

	// ftTransferGas and storageDepositGas are fixed gas allowances,
	// generous relative to typical NEP-141 implementations.
	ftTransferGas       uint64 = 30_000_000_000_000
	storageDepositGas   uint64 = 30_000_000_000_000
	defaultStorageYocto        = "1250000000000000000000" // 0.00125 NEAR, NEP-145 minimum
)

// AssetInfo describes one NEP-141 token deployment.
type AssetInfo struct {
	ContractID string
	Decimals   int
}

// NetworkConfig is the per-network configuration a Provider needs.
type NetworkConfig struct {
	DefaultAsset AssetInfo
	RPCEnvVar    string
}

// Networks is the static table of NEAR networks spec.md names.
var Networks = map[string]NetworkConfig{
	"near:mainnet": {
		RPCEnvVar:    "NEAR_RPC_MAINNET",
		DefaultAsset: AssetInfo{ContractID: "17208628f84f5d6ad33f0da3bbbeb27ffcb398eac501a31bd6ad2011e36133a", Decimals: 6},
	},
	"near:testnet": {
		RPCEnvVar:    "NEAR_RPC_TESTNET",
		DefaultAsset: AssetInfo{ContractID: "usdc.fakes.testnet", Decimals: 6},
	},
}

// NetworkConfigFor looks up a network's static configuration.
func NetworkConfigFor(network string) (NetworkConfig, bool) {
	cfg, ok := Networks[network]
	return cfg, ok
}
