package core

import "context"

// ScreeningDecision is the outcome of a compliance screen.
type ScreeningDecision string

const (
	DecisionClear  ScreeningDecision = "clear"
	DecisionReview ScreeningDecision = "review"
	DecisionBlock  ScreeningDecision = "block"
)

// MatchedEntry records one sanctions/blocklist hit contributing to a
// screening decision, for the audit record.
type MatchedEntry struct {
	List    string `json:"list"`
	Version string `json:"version"`
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// ScreeningResult is the Compliance Screener's verdict on a (payer, payee)
// pair.
type ScreeningResult struct {
	Decision ScreeningDecision
	Reason   string
	Matched  []MatchedEntry
	AuditID  string
}

// ScreeningContext carries request metadata into the screener for audit
// correlation (network, scheme, a request-scoped correlation ID).
type ScreeningContext struct {
	Network       Network
	Scheme        string
	CorrelationID string
}

// ComplianceScreener is consulted by the facilitator core before any other
// chain work on every verify and again on every settle; the earlier
// verdict is never trusted at settle time since lists may have changed.
type ComplianceScreener interface {
	ScreenPayment(ctx context.Context, payerAddress, payeeAddress string, sc ScreeningContext) (*ScreeningResult, error)
}
