package compliance

import (
	"context"
	"testing"

	"github.com/fogoware/x402facilitator/core"
)

func TestScreenPaymentBlocksOnExactAddressMatch(t *testing.T) {
	ofac := NewStaticList("ofac-sdn", "2026-07-01", map[string]string{
		"0xBADGUY": "OFAC SDN digital currency address list match",
	})
	sink := NewInMemoryAuditSink(10)
	s := NewScreener([]List{ofac}, nil, sink)

	result, err := s.ScreenPayment(context.Background(), "0xBadGuy", "0xBEEF", core.ScreeningContext{Network: "eip155:8453"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != core.DecisionBlock {
		t.Fatalf("expected Block, got %v", result.Decision)
	}
	if len(sink.Records()) != 1 {
		t.Fatalf("expected one audit record, got %d", len(sink.Records()))
	}
}

func TestScreenPaymentReviewOnFuzzyListOnly(t *testing.T) {
	fuzzy := NewStaticList("name-level-watchlist", "v1", map[string]string{
		"0xSUSPECT": "name-level partial match",
	})
	s := NewScreener(nil, []List{fuzzy}, NopAuditSink{})

	result, err := s.ScreenPayment(context.Background(), "0xsuspect", "0xBEEF", core.ScreeningContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != core.DecisionReview {
		t.Fatalf("expected Review, got %v", result.Decision)
	}
}

func TestScreenPaymentClearWhenNoMatch(t *testing.T) {
	ofac := NewStaticList("ofac-sdn", "2026-07-01", map[string]string{"0xBADGUY": "match"})
	s := NewScreener([]List{ofac}, nil, NopAuditSink{})

	result, err := s.ScreenPayment(context.Background(), "0xALICE", "0xBEEF", core.ScreeningContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != core.DecisionClear {
		t.Fatalf("expected Clear, got %v", result.Decision)
	}
}

func TestNormalizeAddressLowercasesEVMOnly(t *testing.T) {
	if NormalizeAddress("0xABCDEF") != "0xabcdef" {
		t.Fatal("EVM address should be lowercased")
	}
	if NormalizeAddress("GABCDEF...") != "GABCDEF..." {
		t.Fatal("non-EVM strkey should pass through unchanged")
	}
}

func TestParseSDNFile(t *testing.T) {
	entries, err := ParseSDNFile([]string{
		"# comment",
		"",
		"0xBADGUY,Sanctioned entity XYZ",
		"0xOTHER",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries["0xOTHER"] == "" {
		t.Fatal("expected default reason for entry without explicit reason")
	}
}
