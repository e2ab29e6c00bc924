package core

import (
	"context"
	"fmt"
	"sync"
)

// providerEntry pairs a registered ChainProvider with the exact network it
// serves; the facilitator looks these up by exact match only.
type providerEntry struct {
	provider ChainProvider
	network  Network
}

// Facilitator is the dispatch core: a registry of one ChainProvider per
// network gated by a ComplianceScreener, with a lifecycle hook fan-out.
// Providers are registered once at startup and are shared read-only for
// the process lifetime; Facilitator itself is safe for concurrent use.
type Facilitator struct {
	mu        sync.RWMutex
	providers map[Network]providerEntry
	screener  ComplianceScreener
	hooks     Hooks
}

// NewFacilitator constructs an empty dispatch core gated by screener.
// screener must not be nil: spec §4.8 invariant (i) is "every verify call
// screens before any other chain work" with no bypass for any family.
func NewFacilitator(screener ComplianceScreener) *Facilitator {
	return &Facilitator{
		providers: make(map[Network]providerEntry),
		screener:  screener,
	}
}

// Register adds a provider for its own Network(). Registering the same
// network twice replaces the earlier provider (used by config reload in
// tests; production startup registers each network exactly once).
func (f *Facilitator) Register(p ChainProvider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[p.Network()] = providerEntry{provider: p, network: p.Network()}
}

// OnBeforeVerify registers a hook fired before every verify dispatch.
func (f *Facilitator) OnBeforeVerify(fn func(Network, *PaymentPayload, *PaymentRequirements)) *Facilitator {
	f.hooks.OnBeforeVerify = append(f.hooks.OnBeforeVerify, fn)
	return f
}

// OnAfterVerify registers a hook fired after a verify call completes
// without error (including Invalid verdicts).
func (f *Facilitator) OnAfterVerify(fn func(VerifyContext)) *Facilitator {
	f.hooks.OnAfterVerify = append(f.hooks.OnAfterVerify, fn)
	return f
}

// OnVerifyFailure registers a hook fired when verify returns an error.
func (f *Facilitator) OnVerifyFailure(fn func(VerifyFailureContext)) *Facilitator {
	f.hooks.OnVerifyFailure = append(f.hooks.OnVerifyFailure, fn)
	return f
}

// OnBeforeSettle registers a hook fired before every settle dispatch.
func (f *Facilitator) OnBeforeSettle(fn func(Network, *PaymentPayload, *PaymentRequirements)) *Facilitator {
	f.hooks.OnBeforeSettle = append(f.hooks.OnBeforeSettle, fn)
	return f
}

// OnAfterSettle registers a hook fired after a settle call completes
// without error (including Success=false verdicts).
func (f *Facilitator) OnAfterSettle(fn func(SettleContext)) *Facilitator {
	f.hooks.OnAfterSettle = append(f.hooks.OnAfterSettle, fn)
	return f
}

// OnSettleFailure registers a hook fired when settle returns an error.
func (f *Facilitator) OnSettleFailure(fn func(SettleFailureContext)) *Facilitator {
	f.hooks.OnSettleFailure = append(f.hooks.OnSettleFailure, fn)
	return f
}

func (f *Facilitator) lookup(network Network) (ChainProvider, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.providers[network]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// Verify decodes payloadBytes/requirementsBytes, compliance-screens the
// extracted payer/payee, and dispatches to the provider registered for
// the requirements' network. Compliance Block and Review both surface as
// BlockedAddress (Review is tagged "manual review required" in Reason);
// neither issues any chain RPC.
func (f *Facilitator) Verify(ctx context.Context, payloadBytes, requirementsBytes []byte) (*VerifyResponse, error) {
	payload, requirements, provider, err := f.decodeAndResolve(payloadBytes, requirementsBytes)
	if err != nil {
		f.hooks.fireVerifyFailure(VerifyFailureContext{Err: err})
		return nil, err
	}

	f.hooks.fireBeforeVerify(requirements.Network, payload, requirements)

	if err := f.screenOrFail(ctx, provider, payload, requirements); err != nil {
		f.hooks.fireVerifyFailure(VerifyFailureContext{Network: requirements.Network, Payload: payload, Requirements: requirements, Err: err})
		return nil, err
	}

	resp, err := provider.Verify(ctx, payload, requirements)
	if err != nil {
		f.hooks.fireVerifyFailure(VerifyFailureContext{Network: requirements.Network, Payload: payload, Requirements: requirements, Err: err})
		return nil, err
	}

	f.hooks.fireAfterVerify(VerifyContext{Network: requirements.Network, Payload: payload, Requirements: requirements, Response: resp})
	return resp, nil
}

// Settle re-screens (the verify-time verdict is never trusted — lists may
// have changed) and dispatches to the provider's Settle, which itself
// re-runs the full verify logic before submitting anything on-chain.
// Settle screens once, before dispatch; the provider's internal re-verify
// does not screen again, so a payment that is verified and then settled
// is screened twice in total.
func (f *Facilitator) Settle(ctx context.Context, payloadBytes, requirementsBytes []byte) (*SettleResponse, error) {
	payload, requirements, provider, err := f.decodeAndResolve(payloadBytes, requirementsBytes)
	if err != nil {
		f.hooks.fireSettleFailure(SettleFailureContext{Err: err})
		return nil, err
	}

	f.hooks.fireBeforeSettle(requirements.Network, payload, requirements)

	if err := f.screenOrFail(ctx, provider, payload, requirements); err != nil {
		f.hooks.fireSettleFailure(SettleFailureContext{Network: requirements.Network, Payload: payload, Requirements: requirements, Err: err})
		return nil, err
	}

	resp, err := provider.Settle(ctx, payload, requirements)
	if err != nil {
		f.hooks.fireSettleFailure(SettleFailureContext{Network: requirements.Network, Payload: payload, Requirements: requirements, Err: err})
		return nil, err
	}

	f.hooks.fireAfterSettle(SettleContext{Network: requirements.Network, Payload: payload, Requirements: requirements, Response: resp})
	return resp, nil
}

// GetSupported aggregates every registered provider's Supported() kinds
// and SignerAddresses() into the union the /supported endpoint returns.
func (f *Facilitator) GetSupported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	resp := SupportedResponse{Signers: make(map[string][]string)}
	for _, entry := range f.providers {
		for _, kind := range entry.provider.Supported() {
			// Advertise the canonical short name on the wire; dispatch
			// accepts it back (or the CAIP-2 form).
			if short := kind.Network.ShortName(); short != "" {
				kind.Network = Network(short)
			}
			resp.Kinds = append(resp.Kinds, kind)
		}
		family := string(entry.network.Family())
		resp.Signers[family] = append(resp.Signers[family], entry.provider.SignerAddresses()...)
	}
	return resp
}

func (f *Facilitator) decodeAndResolve(payloadBytes, requirementsBytes []byte) (*PaymentPayload, *PaymentRequirements, ChainProvider, error) {
	requirements, err := ToPaymentRequirements(requirementsBytes)
	if err != nil {
		return nil, nil, nil, NewVerifyError(ErrBadPayload, "malformed payment requirements", "", "", nil, err)
	}
	payload, err := ToPaymentPayload(payloadBytes)
	if err != nil {
		return nil, nil, nil, NewVerifyError(ErrBadPayload, "malformed payment payload", "", requirements.Network, nil, err)
	}

	// The wire form is the canonical short name; CAIP-2 identifiers are
	// admitted as the fallback. Providers only ever see the canonical
	// CAIP-2 Network.
	network, ok := ResolveNetwork(string(requirements.Network))
	if !ok {
		return nil, nil, nil, NewVerifyError(ErrInvalidScheme, fmt.Sprintf("unsupported network %q", requirements.Network), "", requirements.Network, nil, nil)
	}
	requirements.Network = network

	if payload.Accepted.Network != "" {
		accepted, ok := ResolveNetwork(string(payload.Accepted.Network))
		if !ok || accepted != network {
			return nil, nil, nil, NewVerifyError(ErrPayloadMismatch, "payload accepted-network does not match requirements network", "", network, nil, nil)
		}
	}

	provider, ok := f.lookup(network)
	if !ok {
		return nil, nil, nil, NewVerifyError(ErrInvalidScheme, fmt.Sprintf("unsupported network %q", network), "", network, nil, nil)
	}
	if requirements.Scheme != "" && requirements.Scheme != provider.Scheme() {
		return nil, nil, nil, NewVerifyError(ErrInvalidScheme, fmt.Sprintf("unsupported scheme %q for network %q", requirements.Scheme, requirements.Network), "", requirements.Network, nil, nil)
	}
	return payload, requirements, provider, nil
}

// screenOrFail extracts payer/payee addresses (family-specific) and runs
// them through the compliance screener. Every code path through Verify and
// Settle calls this before any provider chain work.
func (f *Facilitator) screenOrFail(ctx context.Context, provider ChainProvider, payload *PaymentPayload, requirements *PaymentRequirements) error {
	extractor, ok := provider.(AddressExtractor)
	if !ok {
		return NewVerifyError(ErrInternal, "provider does not implement address extraction", "", requirements.Network, nil, nil)
	}
	payer, payee, err := extractor.ExtractAddresses(payload)
	if err != nil {
		return NewVerifyError(ErrBadPayload, "could not extract addresses for compliance screening", "", requirements.Network, nil, err)
	}

	result, err := f.screener.ScreenPayment(ctx, payer, payee, ScreeningContext{
		Network: requirements.Network,
		Scheme:  requirements.Scheme,
	})
	if err != nil {
		return NewVerifyError(ErrProviderUnavailable, "compliance screening unavailable", payer, requirements.Network, nil, err)
	}

	switch result.Decision {
	case DecisionClear:
		return nil
	case DecisionReview:
		return NewVerifyError(ErrBlockedAddress, "manual review required: "+result.Reason, payer, requirements.Network, map[string]any{"auditId": result.AuditID}, nil)
	default: // DecisionBlock
		return NewVerifyError(ErrBlockedAddress, result.Reason, payer, requirements.Network, map[string]any{"auditId": result.AuditID}, nil)
	}
}
