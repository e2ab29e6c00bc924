package core

// VerifyContext carries the request and result of a completed verify call
// to lifecycle hooks.
type VerifyContext struct {
	Network      Network
	Payload      *PaymentPayload
	Requirements *PaymentRequirements
	Response     *VerifyResponse
}

// VerifyFailureContext carries the request and error of a failed verify
// call to lifecycle hooks.
type VerifyFailureContext struct {
	Network      Network
	Payload      *PaymentPayload
	Requirements *PaymentRequirements
	Err          error
}

// SettleContext carries the request and result of a completed settle call
// to lifecycle hooks.
type SettleContext struct {
	Network      Network
	Payload      *PaymentPayload
	Requirements *PaymentRequirements
	Response     *SettleResponse
}

// SettleFailureContext carries the request and error of a failed settle
// call to lifecycle hooks.
type SettleFailureContext struct {
	Network      Network
	Payload      *PaymentPayload
	Requirements *PaymentRequirements
	Err          error
}

// Hooks are fired around every verify/settle dispatch. They never affect
// the outcome; a panicking or slow hook is the caller's problem, not the
// facilitator's — hooks are invoked best-effort and synchronously in
// registration order. cmd/facilitator uses them for structured decision
// logging without hard-wiring it into the Facilitator's Verify/Settle.
type Hooks struct {
	OnBeforeVerify  []func(network Network, payload *PaymentPayload, requirements *PaymentRequirements)
	OnAfterVerify   []func(VerifyContext)
	OnVerifyFailure []func(VerifyFailureContext)
	OnBeforeSettle  []func(network Network, payload *PaymentPayload, requirements *PaymentRequirements)
	OnAfterSettle   []func(SettleContext)
	OnSettleFailure []func(SettleFailureContext)
}

func (h *Hooks) fireBeforeVerify(network Network, p *PaymentPayload, r *PaymentRequirements) {
	for _, fn := range h.OnBeforeVerify {
		fn(network, p, r)
	}
}

func (h *Hooks) fireAfterVerify(c VerifyContext) {
	for _, fn := range h.OnAfterVerify {
		fn(c)
	}
}

func (h *Hooks) fireVerifyFailure(c VerifyFailureContext) {
	for _, fn := range h.OnVerifyFailure {
		fn(c)
	}
}

func (h *Hooks) fireBeforeSettle(network Network, p *PaymentPayload, r *PaymentRequirements) {
	for _, fn := range h.OnBeforeSettle {
		fn(network, p, r)
	}
}

func (h *Hooks) fireAfterSettle(c SettleContext) {
	for _, fn := range h.OnAfterSettle {
		fn(c)
	}
}

func (h *Hooks) fireSettleFailure(c SettleFailureContext) {
	for _, fn := range h.OnSettleFailure {
		fn(c)
	}
}
