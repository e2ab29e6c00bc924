package core

import "context"

// ChainProvider is the contract every chain family implements. A provider
// is constructed once per network and shared read-only afterward; its
// signing material is held in memory for the process lifetime and never
// logged.
//
// Settle MUST re-invoke Verify against the same request before doing any
// non-reversible on-chain work. This is the single most important security
// invariant in the system: the verify-to-settle gap can straddle sanctions
// list updates, balance changes, or new chain heads, so settle can never
// trust a verdict produced even milliseconds earlier.
type ChainProvider interface {
	// Network returns the exact network this provider instance serves.
	Network() Network

	// Scheme returns the payment scheme this provider implements ("exact"
	// for the core).
	Scheme() string

	// Verify checks a payload against requirements without submitting
	// anything on-chain.
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error)

	// Settle re-verifies, then submits the transfer on-chain and waits for
	// inclusion.
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error)

	// Supported describes the (scheme, network, extra) kinds this provider
	// accepts, one entry per fee-payer/signer configuration it exposes.
	Supported() []SupportedKind

	// SignerAddresses returns every address this provider can sign with on
	// its network, in the order supported() advertised them.
	SignerAddresses() []string
}

// AddressExtractor is implemented by every provider alongside ChainProvider.
// It is kept as a separate interface because spec §4.2 names exactly four
// operations on the Chain Provider contract itself (verify/settle/
// supported/signer_address); address extraction for compliance screening
// is a facilitator-core concern that happens to be family-specific, so it
// rides alongside the contract rather than inside it.
type AddressExtractor interface {
	// ExtractAddresses reads the payer and payee out of a raw payload
	// without doing any signature or balance verification. Each family
	// extracts differently: EVM reads the authorization struct, SVM parses
	// the transaction's declared signer and SPL-transfer accounts, NEAR
	// decodes the delegate action, Stellar reads from/to directly, and
	// Algorand decodes the signed transaction.
	ExtractAddresses(payload *PaymentPayload) (payer, payee string, err error)
}

// HealthProbe is optionally implemented by a ChainProvider to support
// /health/deep: a connectivity check against the provider's RPC endpoint
// that must not be run on the liveness path.
type HealthProbe interface {
	ProbeHealth(ctx context.Context) error
}
