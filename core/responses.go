package core

// VerifyRequest is the envelope of {payment_payload, payment_requirements}
// a /verify or /settle call is made with.
type VerifyRequest struct {
	PaymentPayload      []byte
	PaymentRequirements []byte
}

// VerifyResponse is the outcome of verify: either Valid{Payer} or
// Invalid{InvalidReason, Payer?}.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the outcome of settle.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction,omitempty"`
	Network     Network `json:"network,omitempty"`
}

// SupportedKind describes one (scheme, network) pair a facilitator accepts,
// annotated with the signing address the client should target as fee-payer
// or counterparty on that network.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is the /supported payload: every kind the facilitator
// accepts plus, per CAIP-2 family, the set of signer addresses it controls.
type SupportedResponse struct {
	Kinds   []SupportedKind     `json:"kinds"`
	Signers map[string][]string `json:"signers"`
}
