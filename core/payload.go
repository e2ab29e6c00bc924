package core

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion marks the wire schema of a payload/requirements pair.
// Only the V2 schema is modelled (PaymentPayload/PaymentRequirements
// below); there is no separate V1 type.
type ProtocolVersion int

const (
	ProtocolVersionV1 ProtocolVersion = 1
	ProtocolVersionV2 ProtocolVersion = 2
)

// DetectVersion extracts the x402Version marker from raw JSON without fully
// unmarshaling the rest of the document. The facilitator's Verify and Settle
// do not call it; they decode every payload with ToPaymentPayload.
func DetectVersion(data []byte) (ProtocolVersion, error) {
	var v struct {
		Version int `json:"x402Version"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, fmt.Errorf("detect protocol version: %w", err)
	}
	if v.Version < 1 {
		return 0, fmt.Errorf("detect protocol version: missing or invalid x402Version")
	}
	return ProtocolVersion(v.Version), nil
}

// EVMPayload is the "exact" scheme payload for the EVM family: an
// EIP-3009 TransferWithAuthorization plus its signature, optionally wrapped
// in an EIP-6492 counterfactual-deploy envelope.
type EVMPayload struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`       // decimal string, 256-bit
	ValidAfter  int64  `json:"validAfter"`  // unix seconds
	ValidBefore int64  `json:"validBefore"` // unix seconds
	Nonce       string `json:"nonce"`       // 0x-prefixed 32 bytes
	Signature   string `json:"signature"`   // 0x-prefixed, 65 bytes or EIP-6492-wrapped
}

// SVMPayload is the "exact" scheme payload for Solana/Fogo: a base64 blob of
// the fully assembled, partially-signed transaction with the facilitator's
// fee-payer slot reserved empty.
type SVMPayload struct {
	Transaction string `json:"transaction"` // base64
}

// NEARPayload carries a base64 Borsh-encoded SignedDelegateAction whose
// inner action is an ft_transfer on the USDC contract.
type NEARPayload struct {
	SignedDelegateAction string `json:"signedDelegateAction"` // base64 borsh
}

// StellarPayload carries the addressing fields plus a client-signed Soroban
// authorization entry authorizing one transfer(from, to, amount) call.
type StellarPayload struct {
	From             string `json:"from"`
	To               string `json:"to"`
	Amount           string `json:"amount"`    // stroops, decimal string
	Asset            string `json:"asset"`     // token C-address
	AuthEntry        string `json:"authEntry"` // base64 XDR
	Nonce            string `json:"nonce"`     // decimal string, 64-bit
	ExpirationLedger uint32 `json:"expirationLedger"`
}

// AlgorandPayload carries the addressing fields plus the base64
// msgpack-encoded signed ASA-transfer transaction produced against a prior
// /prepare group.
type AlgorandPayload struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Amount     string `json:"amount"` // microunits, decimal string
	AssetID    uint64 `json:"assetId"`
	SignedTxn  string `json:"signedTxn"` // base64 msgpack
	TxID       string `json:"txId"`
	FirstValid uint64 `json:"firstValid"`
	LastValid  uint64 `json:"lastValid"`
	GroupID    string `json:"groupId"` // base64, 32 bytes
}

// PaymentPayload is the tagged union over the five supported chain
// families. Exactly one of the family-specific fields is populated,
// selected by Network's family at dispatch time; Payload carries that
// family's fields as a raw map so the facilitator core never needs to know
// the concrete shape, only the provider does.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Payload     map[string]interface{} `json:"payload"`
	Accepted    PaymentRequirements    `json:"accepted"`
}

// DecodeEVM parses Payload as an EVMPayload.
func (p PaymentPayload) DecodeEVM() (*EVMPayload, error) { return decodeInto[EVMPayload](p.Payload) }

// DecodeSVM parses Payload as an SVMPayload.
func (p PaymentPayload) DecodeSVM() (*SVMPayload, error) { return decodeInto[SVMPayload](p.Payload) }

// DecodeNEAR parses Payload as a NEARPayload.
func (p PaymentPayload) DecodeNEAR() (*NEARPayload, error) { return decodeInto[NEARPayload](p.Payload) }

// DecodeStellar parses Payload as a StellarPayload.
func (p PaymentPayload) DecodeStellar() (*StellarPayload, error) {
	return decodeInto[StellarPayload](p.Payload)
}

// DecodeAlgorand parses Payload as an AlgorandPayload.
func (p PaymentPayload) DecodeAlgorand() (*AlgorandPayload, error) {
	return decodeInto[AlgorandPayload](p.Payload)
}

func decodeInto[T any](m map[string]interface{}) (*T, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ToPaymentPayload unmarshals bytes into a PaymentPayload.
func ToPaymentPayload(data []byte) (*PaymentPayload, error) {
	var p PaymentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payment payload: %w", err)
	}
	return &p, nil
}
