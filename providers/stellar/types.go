// Package stellar implements the Chain Provider contract for Stellar:
// Soroban authorization entries signed by the client and relayed by the
// facilitator inside an InvokeHostFunction transaction it simulates, pads,
// and submits itself.
package stellar

const (
	// SchemeExact is the only payment scheme this provider implements.
	SchemeExact = "exact"

	// AmountDecimals is USDC's decimal precision on Stellar, one more
	// than every other chain family this facilitator serves.
	AmountDecimals = 7

	// DefaultResourceFeePaddingPercent is added on top of the simulated
	// resource fee before submission, absorbing small footprint drift
	// between simulate and the ledger the transaction actually lands in.
	DefaultResourceFeePaddingPercent = 20
)

// AssetInfo describes one Soroban token contract deployment.
type AssetInfo struct {
	ContractID string
	Decimals   int
}

// NetworkConfig is the per-network configuration a Provider needs: the
// exact network passphrase (hashed into every authorization and
// transaction signature base), the default USDC contract, and the
// environment variables naming its Soroban RPC and Horizon endpoints.
type NetworkConfig struct {
	Passphrase       string
	DefaultAsset     AssetInfo
	SorobanRPCEnvVar string
	HorizonEnvVar    string
}

// Networks is the static table of Stellar networks spec.md names, keyed by
// CAIP-2 identifier (stellar:pubnet, stellar:testnet).
var Networks = map[string]NetworkConfig{
	"stellar:pubnet": {
		Passphrase:       "Public Global Stellar Network ; September 2015",
		SorobanRPCEnvVar: "STELLAR_SOROBAN_RPC_PUBNET",
		HorizonEnvVar:    "STELLAR_HORIZON_PUBNET",
		DefaultAsset:     AssetInfo{ContractID: "CCW67TSZV3SSS2HXMBQ5JFGCKJNXKZM7UQUWUZPUTHXSTZLEO7SJMI75", Decimals: AmountDecimals},
	},
	"stellar:testnet": {
		Passphrase:       "Test SDF Network ; September 2015",
		SorobanRPCEnvVar: "STELLAR_SOROBAN_RPC_TESTNET",
		HorizonEnvVar:    "STELLAR_HORIZON_TESTNET",
		DefaultAsset:     AssetInfo{ContractID: "CAQCFVLOBK5GIULPNZRGATJJMIZL5BSP7X5YJVMGCPTUEPFM4AVSRCJU", Decimals: AmountDecimals},
	},
}

// NetworkConfigFor looks up a network's static configuration.
func NetworkConfigFor(network string) (NetworkConfig, bool) {
	cfg, ok := Networks[network]
	return cfg, ok
}
