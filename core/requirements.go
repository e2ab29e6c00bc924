package core

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// PaymentRequirements is what the resource server demands for a resource:
// scheme, network, the asset identifier, a minimum amount, the recipient,
// a max acceptable timeout, and an extension blob carrying family-specific
// hints (e.g. SVM's "feePayer", EVM's override "name"/"version" for EIP-712
// domain resolution).
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount"` // decimal string, 256-bit
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// AmountBigInt parses Amount as a nonnegative big.Int.
func (r PaymentRequirements) AmountBigInt() (*big.Int, error) {
	v, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid requirements amount %q", r.Amount)
	}
	return v, nil
}

// ExtraString reads a string field out of Extra, returning "" if absent or
// of the wrong type.
func (r PaymentRequirements) ExtraString(key string) string {
	if r.Extra == nil {
		return ""
	}
	if v, ok := r.Extra[key].(string); ok {
		return v
	}
	return ""
}

// ToPaymentRequirements unmarshals bytes into PaymentRequirements.
func ToPaymentRequirements(data []byte) (*PaymentRequirements, error) {
	var r PaymentRequirements
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode payment requirements: %w", err)
	}
	return &r, nil
}
