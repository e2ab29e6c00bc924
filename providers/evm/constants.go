package evm

const (
	// SchemeExact is the only payment scheme this provider implements.
	SchemeExact = "exact"

	// ErrUndeployedSmartWallet names the case where an ERC-6492 signature
	// carries deployment info but the provider is configured not to deploy.
	ErrUndeployedSmartWallet = "undeployed_smart_wallet"

	// TxStatusSuccess is the receipt status value of a successful transaction.
	TxStatusSuccess = uint64(1)

	// MaxAuthorizationTimeoutSeconds clamps how far in the future an
	// authorization's validBefore may sit; caller-requested timeouts above
	// this are cut down to it.
	MaxAuthorizationTimeoutSeconds = 3600
)

// transferWithAuthorizationVRSABI is the EOA-signature overload of EIP-3009's
// transferWithAuthorization, taking a (v, r, s) triple.
var transferWithAuthorizationVRSABI = []byte(`[
	{
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"name": "transferWithAuthorization",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`)

// transferWithAuthorizationBytesABI is the smart-wallet overload, taking a
// single opaque signature blob (EIP-1271 or ERC-6492).
var transferWithAuthorizationBytesABI = []byte(`[
	{
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "signature", "type": "bytes"}
		],
		"name": "transferWithAuthorization",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`)

// authorizationStateABI matches EIP-3009's replay-guard view function.
var authorizationStateABI = []byte(`[
	{
		"inputs": [
			{"name": "authorizer", "type": "address"},
			{"name": "nonce", "type": "bytes32"}
		],
		"name": "authorizationState",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	}
]`)

// erc20BalanceOfABI is the minimal ABI needed to read a token balance.
var erc20BalanceOfABI = []byte(`[
	{
		"constant": true,
		"inputs": [{"name": "owner", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"payable": false,
		"stateMutability": "view",
		"type": "function"
	}
]`)
