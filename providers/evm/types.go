// Package evm implements the Chain Provider contract for EIP-3009
// transferWithAuthorization meta-transfers across every EVM-family network
// the facilitator supports.
package evm

import "math/big"

// TypedDataDomain is the EIP-712 domain separator tuple. Every field must
// match the on-chain token contract's own domain exactly; a single mismatch
// (wrong name, wrong version, wrong chain ID) yields universal signature
// failures rather than a clear error, so network configuration is the one
// place this repo hard-codes chain data.
type TypedDataDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// TypedDataField is one field of an EIP-712 struct type definition.
type TypedDataField struct {
	Name string
	Type string
}

// AssetInfo describes one ERC-20 deployment on a network: its address, the
// name/version pair its EIP-712 domain advertises, and its decimals.
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig is the per-network configuration a Provider needs: chain
// ID, default USDC deployment, and the environment variable naming its
// RPC endpoint.
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
	RPCEnvVar    string
}

// Networks is the static table of every EVM-family network spec.md names.
// Adding a network requires only a new entry here plus an RPC URL in
// config — no provider code changes, per SPEC_FULL.md's extensibility note.
var Networks = map[string]NetworkConfig{
	"eip155:1": {
		ChainID:   big.NewInt(1),
		RPCEnvVar: "EVM_RPC_ETHEREUM",
		DefaultAsset: AssetInfo{
			Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Name: "USD Coin", Version: "2", Decimals: 6,
		},
	},
	"eip155:8453": {
		ChainID:   big.NewInt(8453),
		RPCEnvVar: "EVM_RPC_BASE",
		DefaultAsset: AssetInfo{
			Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Name: "USD Coin", Version: "2", Decimals: 6,
		},
	},
	"eip155:84532": {
		ChainID:   big.NewInt(84532),
		RPCEnvVar: "EVM_RPC_BASE_SEPOLIA",
		DefaultAsset: AssetInfo{
			Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Name: "USDC", Version: "2", Decimals: 6,
		},
	},
	"eip155:137": {
		ChainID:   big.NewInt(137),
		RPCEnvVar: "EVM_RPC_POLYGON",
		DefaultAsset: AssetInfo{
			Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Name: "USD Coin", Version: "2", Decimals: 6,
		},
	},
	"eip155:43114": {
		ChainID:   big.NewInt(43114),
		RPCEnvVar: "EVM_RPC_AVALANCHE",
		DefaultAsset: AssetInfo{
			Address: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", Name: "USD Coin", Version: "2", Decimals: 6,
		},
	},
	"eip155:42220": {
		ChainID:   big.NewInt(42220),
		RPCEnvVar: "EVM_RPC_CELO",
		DefaultAsset: AssetInfo{
			Address: "0xcebA9300f2b948710d2653dD7B07f33A8B32118C", Name: "USDC", Version: "2", Decimals: 6,
		},
	},
	"eip155:10": {
		ChainID:   big.NewInt(10),
		RPCEnvVar: "EVM_RPC_OPTIMISM",
		DefaultAsset: AssetInfo{
			Address: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Name: "USD Coin", Version: "2", Decimals: 6,
		},
	},
	"eip155:42161": {
		ChainID:   big.NewInt(42161),
		RPCEnvVar: "EVM_RPC_ARBITRUM",
		DefaultAsset: AssetInfo{
			Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Name: "USD Coin", Version: "2", Decimals: 6,
		},
	},
	"eip155:177": {
		ChainID:   big.NewInt(177),
		RPCEnvVar: "EVM_RPC_HYPEREVM",
		DefaultAsset: AssetInfo{
			Address: "0x6d1e7cde53ba9467b783cb7c530ce0540dF7738", Name: "USD Coin", Version: "2", Decimals: 6,
		},
	},
	"eip155:130": {
		ChainID:   big.NewInt(130),
		RPCEnvVar: "EVM_RPC_UNICHAIN",
		DefaultAsset: AssetInfo{
			Address: "0x078D782b760474a361dDA0AF3839290b0EF57AD6", Name: "USD Coin", Version: "2", Decimals: 6,
		},
	},
	"eip155:143": {
		ChainID:   big.NewInt(143),
		RPCEnvVar: "EVM_RPC_MONAD",
		DefaultAsset: AssetInfo{
			Address: "0xf817257fed379853cDe0fa4F97AB987181B1E5Ea", Name: "USD Coin", Version: "2", Decimals: 6,
		},
	},
}

// NetworkConfigFor looks up a network's static configuration.
func NetworkConfigFor(network string) (NetworkConfig, bool) {
	cfg, ok := Networks[network]
	return cfg, ok
}

// AssetInfoFor returns the network's default USDC deployment. The asset
// address argument is not consulted; no other deployment is resolved.
func AssetInfoFor(network, assetAddressOrDefault string) (AssetInfo, bool) {
	cfg, ok := NetworkConfigFor(network)
	if !ok {
		return AssetInfo{}, false
	}
	return cfg.DefaultAsset, true
}

// ERC6492SignatureData is the parsed form of a (possibly) ERC-6492-wrapped
// signature: a counterfactual-deploy factory + calldata, plus the inner
// signature to verify once the wallet is known to exist (or will exist).
type ERC6492SignatureData struct {
	Factory         [20]byte
	FactoryCalldata []byte
	InnerSignature  []byte
}

// TransactionReceipt is the subset of a mined transaction's receipt the
// provider needs: whether it succeeded and which block it landed in.
type TransactionReceipt struct {
	Status      uint64
	BlockNumber uint64
	TxHash      string
}
