package compliance

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fogoware/x402facilitator/core"
)

// AuditSink receives one append-only Record per screening invocation.
// Records are intended for long retention; the screener only hands them
// off, it never queries or truncates its own history.
type AuditSink interface {
	Record(rec AuditRecord)
}

// AuditRecord is the structured record spec §4.8 requires for every
// screening invocation.
type AuditRecord struct {
	Timestamp     time.Time
	AuditID       string
	Decision      core.ScreeningDecision
	Payer         string
	Payee         string
	Matched       []core.MatchedEntry
	Network       core.Network
	Scheme        string
	CorrelationID string
}

// NopAuditSink discards records; used where no durable audit store is
// configured (tests, local dev).
type NopAuditSink struct{}

func (NopAuditSink) Record(AuditRecord) {}

// InMemoryAuditSink keeps the last N records in memory, useful for
// /health/deep freshness probes and for tests.
type InMemoryAuditSink struct {
	mu      sync.Mutex
	records []AuditRecord
	cap     int
}

func NewInMemoryAuditSink(capacity int) *InMemoryAuditSink {
	return &InMemoryAuditSink{cap: capacity}
}

func (s *InMemoryAuditSink) Record(rec AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if len(s.records) > s.cap {
		s.records = s.records[len(s.records)-s.cap:]
	}
}

func (s *InMemoryAuditSink) Records() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Screener implements core.ComplianceScreener. Every configured List is
// consulted in parallel for both addresses via errgroup, matching spec
// §4.8's "consult every configured list in parallel" algorithm. A match on
// either payer or payee yields Block; review-only (fuzzy/name-level) lists
// are consulted the same way but yield Review instead.
type Screener struct {
	blockLists  []List // exact address matches -> Block
	reviewLists []List // weaker/fuzzy matches -> Review
	sink        AuditSink
}

// NewScreener builds a screener over blockLists (hard matches) and
// reviewLists (matches that require manual review rather than an outright
// block). sink may be NopAuditSink{} if no durable store is wired.
func NewScreener(blockLists, reviewLists []List, sink AuditSink) *Screener {
	if sink == nil {
		sink = NopAuditSink{}
	}
	return &Screener{blockLists: blockLists, reviewLists: reviewLists, sink: sink}
}

// ScreenPayment implements core.ComplianceScreener.
func (s *Screener) ScreenPayment(ctx context.Context, payerAddress, payeeAddress string, sc core.ScreeningContext) (*core.ScreeningResult, error) {
	payer := NormalizeAddress(payerAddress)
	payee := NormalizeAddress(payeeAddress)

	blockMatches, err := s.consult(ctx, s.blockLists, payer, payee)
	if err != nil {
		return nil, fmt.Errorf("compliance screening unavailable: %w", err)
	}
	if len(blockMatches) > 0 {
		return s.finalize(core.DecisionBlock, blockMatches[0].Reason, blockMatches, payer, payee, sc), nil
	}

	reviewMatches, err := s.consult(ctx, s.reviewLists, payer, payee)
	if err != nil {
		return nil, fmt.Errorf("compliance screening unavailable: %w", err)
	}
	if len(reviewMatches) > 0 {
		return s.finalize(core.DecisionReview, reviewMatches[0].Reason, reviewMatches, payer, payee, sc), nil
	}

	return s.finalize(core.DecisionClear, "", nil, payer, payee, sc), nil
}

func (s *Screener) consult(ctx context.Context, lists []List, payer, payee string) ([]core.MatchedEntry, error) {
	if len(lists) == 0 {
		return nil, nil
	}
	var mu sync.Mutex
	var matches []core.MatchedEntry

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range lists {
		l := l
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			for _, addr := range []string{payer, payee} {
				if reason, ok := l.Contains(addr); ok {
					mu.Lock()
					matches = append(matches, core.MatchedEntry{
						List: l.Name(), Version: l.Version(), Address: addr, Reason: reason,
					})
					mu.Unlock()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return matches, nil
}

func (s *Screener) finalize(decision core.ScreeningDecision, reason string, matched []core.MatchedEntry, payer, payee string, sc core.ScreeningContext) *core.ScreeningResult {
	auditID := newAuditID()
	s.sink.Record(AuditRecord{
		Timestamp:     time.Now(),
		AuditID:       auditID,
		Decision:      decision,
		Payer:         payer,
		Payee:         payee,
		Matched:       matched,
		Network:       sc.Network,
		Scheme:        sc.Scheme,
		CorrelationID: sc.CorrelationID,
	})
	return &core.ScreeningResult{Decision: decision, Reason: reason, Matched: matched, AuditID: auditID}
}

func newAuditID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
