package algorand

import (
	"context"
	"sync"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"
)

// PreparedGroup is one Stage-1 session: the two unsigned legs, the group
// ID binding them, and the round window they are valid in. Sessions live
// until their LastValid round passes, then are swept.
type PreparedGroup struct {
	ClientTxn      types.Transaction
	FacilitatorTxn types.Transaction
	TxID           string
	GroupID        types.Digest
	FirstValid     uint64
	LastValid      uint64
}

// sessionStore holds prepared groups keyed by the client leg's
// transaction ID, plus the settled-transaction replay cache keyed the
// same way. Both maps are bounded by round: an entry expires once the
// chain head passes its LastValid. A settled group's prepared session is
// already gone by then, so a resubmission is rejected as an unknown
// preparation before Verify reaches the indexer lookup.
type sessionStore struct {
	mu       sync.RWMutex
	prepared map[string]PreparedGroup
	settled  map[string]uint64 // txid -> last_valid round
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		prepared: make(map[string]PreparedGroup),
		settled:  make(map[string]uint64),
	}
}

func (s *sessionStore) PutPrepared(g PreparedGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared[g.TxID] = g
}

func (s *sessionStore) GetPrepared(txid string) (PreparedGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.prepared[txid]
	return g, ok
}

// MarkSettled records a submitted transaction in the replay cache until
// its LastValid round passes, and discards its prepared session.
func (s *sessionStore) MarkSettled(txid string, lastValid uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled[txid] = lastValid
	delete(s.prepared, txid)
}

func (s *sessionStore) IsSettled(txid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.settled[txid]
	return ok
}

// Sweep evicts every prepared session and replay-cache entry whose
// LastValid round has passed. Rejected submissions are never marked
// settled, so a failed group simply ages out of prepared.
func (s *sessionStore) Sweep(currentRound uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for txid, g := range s.prepared {
		if g.LastValid < currentRound {
			delete(s.prepared, txid)
		}
	}
	for txid, lastValid := range s.settled {
		if lastValid < currentRound {
			delete(s.settled, txid)
		}
	}
}

// RunSweeper periodically reads the chain head and sweeps expired
// sessions until ctx is cancelled. Run it once per provider as a
// background goroutine.
func (p *Provider) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			round, err := p.signer.LastRound(ctx)
			if err != nil {
				continue
			}
			p.sessions.Sweep(round)
		}
	}
}
