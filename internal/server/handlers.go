package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fogoware/x402facilitator/core"
	"github.com/fogoware/x402facilitator/providers/algorand"
)

// VerifyRequest is the request body for /verify.
type VerifyRequest struct {
	PaymentPayload      json.RawMessage `json:"paymentPayload" binding:"required"`
	PaymentRequirements json.RawMessage `json:"paymentRequirements" binding:"required"`
}

// SettleRequest is the request body for /settle.
type SettleRequest struct {
	PaymentPayload      json.RawMessage `json:"paymentPayload" binding:"required"`
	PaymentRequirements json.RawMessage `json:"paymentRequirements" binding:"required"`
}

// PrepareRequest is the request body for /prepare: Stage 1 of the
// Algorand two-stage protocol, addressed by network.
type PrepareRequest struct {
	Network string `json:"network" binding:"required"`
	algorand.PrepareRequest
}

// errorBody is the stable wire form every typed error is rendered as.
type errorBody struct {
	ErrorKind string         `json:"errorKind"`
	Reason    string         `json:"reason"`
	Payer     string         `json:"payer,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// handleVerify handles POST /verify.
func (s *Server) handleVerify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request body",
			"details": err.Error(),
		})
		return
	}

	network, scheme := extractNetworkScheme(req.PaymentRequirements)

	result, err := s.facilitator.Verify(
		c.Request.Context(),
		req.PaymentPayload,
		req.PaymentRequirements,
	)

	if err != nil {
		s.metrics.RecordVerify(network, scheme, false)
		kind, body := errorWireForm(err)
		c.JSON(verifyStatus(kind), body)
		return
	}

	s.metrics.RecordVerify(network, scheme, result.IsValid)
	c.JSON(http.StatusOK, result)
}

// handleSettle handles POST /settle. The in-flight counter brackets the
// whole call: once a signed transaction may have left the process, a
// graceful shutdown waits for the response to be reported.
func (s *Server) handleSettle(c *gin.Context) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request body",
			"details": err.Error(),
		})
		return
	}

	network, scheme := extractNetworkScheme(req.PaymentRequirements)

	s.settleInFlight.Add(1)
	result, err := s.facilitator.Settle(
		c.Request.Context(),
		req.PaymentPayload,
		req.PaymentRequirements,
	)
	s.settleInFlight.Done()

	if err != nil {
		s.metrics.RecordSettle(network, scheme, false)
		kind, body := errorWireForm(err)
		c.JSON(settleStatus(kind), body)
		return
	}

	s.metrics.RecordSettle(network, scheme, result.Success)

	status := http.StatusOK
	if !result.Success {
		status = http.StatusPaymentRequired
	}
	c.JSON(status, result)
}

// handleSupported handles GET /supported.
func (s *Server) handleSupported(c *gin.Context) {
	supported := s.facilitator.GetSupported()
	c.JSON(http.StatusOK, supported)
}

// handlePrepare handles POST /prepare, Stage 1 of the Algorand protocol.
// Networks without a two-stage protocol have nothing to prepare.
func (s *Server) handlePrepare(c *gin.Context) {
	var req PrepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request body",
			"details": err.Error(),
		})
		return
	}

	network, ok := core.ResolveNetwork(req.Network)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unsupported network",
		})
		return
	}
	preparer, ok := s.preparers[network]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "network does not support prepared payments",
		})
		return
	}

	resp, err := preparer.Prepare(c.Request.Context(), &req.PrepareRequest)
	if err != nil {
		kind, body := errorWireForm(err)
		c.JSON(verifyStatus(kind), body)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// errorWireForm renders a typed core error into the stable
// {errorKind, reason, payer, details} wire shape.
func errorWireForm(err error) (core.ErrorKind, errorBody) {
	var ve *core.VerifyError
	if errors.As(err, &ve) {
		return ve.Kind, errorBody{ErrorKind: string(ve.Kind), Reason: ve.Reason, Payer: ve.Payer, Details: ve.Details}
	}
	var se *core.SettleError
	if errors.As(err, &se) {
		details := se.Details
		if se.Transaction != "" {
			if details == nil {
				details = map[string]any{}
			}
			details["transaction"] = se.Transaction
		}
		return se.Kind, errorBody{ErrorKind: string(se.Kind), Reason: se.Reason, Payer: se.Payer, Details: details}
	}
	return core.ErrInternal, errorBody{ErrorKind: string(core.ErrInternal), Reason: err.Error()}
}

// verifyStatus maps an error kind to /verify's HTTP status: decided
// verdicts are 200-level responses, malformed input is the caller's
// fault, compliance blocks are 403, screening or chain outages 503.
func verifyStatus(kind core.ErrorKind) int {
	switch kind {
	case core.ErrBadPayload, core.ErrInvalidScheme, core.ErrPayloadMismatch:
		return http.StatusBadRequest
	case core.ErrInvalidTiming, core.ErrReceiverMismatch, core.ErrAmountMismatch,
		core.ErrAssetMismatch, core.ErrInvalidSignature, core.ErrInsufficientFunds,
		core.ErrNotOptedIn, core.ErrNotRegistered:
		return http.StatusOK
	case core.ErrBlockedAddress:
		return http.StatusForbidden
	case core.ErrReplay:
		return http.StatusConflict
	case core.ErrProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// settleStatus maps an error kind to /settle's HTTP status. Verify-level
// rejections surface as 402 (the payment was not acceptable), replays as
// 409, submission failures as 500.
func settleStatus(kind core.ErrorKind) int {
	switch kind {
	case core.ErrBadPayload, core.ErrInvalidScheme, core.ErrPayloadMismatch:
		return http.StatusBadRequest
	case core.ErrInvalidTiming, core.ErrReceiverMismatch, core.ErrAmountMismatch,
		core.ErrAssetMismatch, core.ErrInvalidSignature, core.ErrInsufficientFunds,
		core.ErrNotOptedIn, core.ErrNotRegistered:
		return http.StatusPaymentRequired
	case core.ErrBlockedAddress:
		return http.StatusForbidden
	case core.ErrReplay:
		return http.StatusConflict
	case core.ErrProviderUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// extractNetworkScheme extracts network and scheme from requirements JSON
// for metrics labels.
func extractNetworkScheme(requirements json.RawMessage) (string, string) {
	var req struct {
		Network string `json:"network"`
		Scheme  string `json:"scheme"`
	}
	if err := json.Unmarshal(requirements, &req); err != nil {
		return "unknown", "unknown"
	}
	return req.Network, req.Scheme
}
