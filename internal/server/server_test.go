package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fogoware/x402facilitator/core"
	"github.com/fogoware/x402facilitator/internal/config"
	"github.com/fogoware/x402facilitator/internal/health"
	"github.com/fogoware/x402facilitator/internal/logging"
	"github.com/fogoware/x402facilitator/internal/metrics"
)

// Prometheus collectors register globally, so the package shares one set.
var testMetrics = metrics.New()

type fakeFacilitator struct {
	verifyResp *core.VerifyResponse
	verifyErr  error
	settleResp *core.SettleResponse
	settleErr  error
}

func (f *fakeFacilitator) Verify(ctx context.Context, payload, requirements []byte) (*core.VerifyResponse, error) {
	return f.verifyResp, f.verifyErr
}

func (f *fakeFacilitator) Settle(ctx context.Context, payload, requirements []byte) (*core.SettleResponse, error) {
	return f.settleResp, f.settleErr
}

func (f *fakeFacilitator) GetSupported() core.SupportedResponse {
	return core.SupportedResponse{
		Kinds:   []core.SupportedKind{{X402Version: 2, Scheme: "exact", Network: "eip155:8453"}},
		Signers: map[string][]string{"eip155": {"0xfac"}},
	}
}

func newTestServer(f Facilitator) *Server {
	cfg := &config.Config{Environment: "test"}
	logger := logging.New("test")
	return New(f, nil, nil, health.NewChecker(nil, "test"), testMetrics, cfg, logger)
}

const requestBody = `{"paymentPayload":{"x402Version":2,"payload":{}},"paymentRequirements":{"scheme":"exact","network":"eip155:8453"}}`

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestVerifyReturnsDecidedVerdictWith200(t *testing.T) {
	s := newTestServer(&fakeFacilitator{
		verifyResp: &core.VerifyResponse{IsValid: false, InvalidReason: "InvalidTiming", Payer: "0xpayer"},
	})
	w := doRequest(t, s, http.MethodPost, "/verify", requestBody)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp core.VerifyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.IsValid || resp.InvalidReason != "InvalidTiming" {
		t.Fatalf("unexpected verdict: %+v", resp)
	}
}

func TestVerifyMapsComplianceBlockTo403(t *testing.T) {
	s := newTestServer(&fakeFacilitator{
		verifyErr: core.NewVerifyError(core.ErrBlockedAddress, "sanctioned address", "0xbad", "eip155:8453", nil, nil),
	})
	w := doRequest(t, s, http.MethodPost, "/verify", requestBody)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.ErrorKind != string(core.ErrBlockedAddress) {
		t.Fatalf("expected BlockedAddress, got %q", body.ErrorKind)
	}
}

func TestVerifyMapsMalformedInputTo400(t *testing.T) {
	s := newTestServer(&fakeFacilitator{
		verifyErr: core.NewVerifyError(core.ErrBadPayload, "malformed payment payload", "", "", nil, nil),
	})
	w := doRequest(t, s, http.MethodPost, "/verify", requestBody)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSettleMapsReplayTo409(t *testing.T) {
	s := newTestServer(&fakeFacilitator{
		settleErr: core.NewSettleError(core.ErrReplay, "transaction already settled", "0xpayer", "algorand:testnet-v1.0", "", nil, nil),
	})
	w := doRequest(t, s, http.MethodPost, "/settle", requestBody)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestSettleMapsVerifyRejectionTo402(t *testing.T) {
	s := newTestServer(&fakeFacilitator{
		settleResp: &core.SettleResponse{Success: false, ErrorReason: "InsufficientBalance", Payer: "0xpayer"},
	})
	w := doRequest(t, s, http.MethodPost, "/settle", requestBody)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
}

func TestSettleSuccessReturns200WithTransaction(t *testing.T) {
	s := newTestServer(&fakeFacilitator{
		settleResp: &core.SettleResponse{Success: true, Payer: "0xpayer", Transaction: "0xabc", Network: "eip155:8453"},
	})
	w := doRequest(t, s, http.MethodPost, "/settle", requestBody)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp core.SettleResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Transaction != "0xabc" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSupportedListsKindsAndSigners(t *testing.T) {
	s := newTestServer(&fakeFacilitator{})
	w := doRequest(t, s, http.MethodGet, "/supported", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp core.SupportedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Kinds) != 1 || resp.Kinds[0].Network != "eip155:8453" {
		t.Fatalf("unexpected kinds: %+v", resp.Kinds)
	}
}

func TestPrepareRejectsNetworkWithoutPreparer(t *testing.T) {
	s := newTestServer(&fakeFacilitator{})
	w := doRequest(t, s, http.MethodPost, "/prepare", `{"network":"eip155:8453","from":"a","to":"b","amount":"1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHealthIsAlwaysAlive(t *testing.T) {
	s := newTestServer(&fakeFacilitator{})
	w := doRequest(t, s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
