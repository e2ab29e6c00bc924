// Package compliance implements the facilitator's sanctions/blocklist
// screening contract (spec §4.8): address normalization, parallel
// consultation of every configured list, and structured append-only audit
// records. No teacher or pack repo implements anything like this; the
// shape below (small interface + concrete struct + context.Context +
// errgroup fan-out) follows the general idiom the teacher uses everywhere
// else in its facilitator service.
package compliance

import (
	"fmt"
	"strings"
	"sync"
)

// List is one sanctions or blocklist source: an exact-match set of
// normalized addresses plus metadata for audit records.
type List interface {
	// Name identifies the list in audit records ("ofac-sdn", "operator-blocklist").
	Name() string
	// Version identifies the loaded snapshot ("2026-07-01" or a content hash).
	Version() string
	// Contains reports whether the normalized address is present, and if
	// so the human reason recorded on the list.
	Contains(normalizedAddress string) (reason string, ok bool)
}

// StaticList is a List backed by an in-memory set, used for both the OFAC
// SDN digital-currency-address list and the operator blocklist: both are
// simple exact-match address sets loaded once at startup.
type StaticList struct {
	name    string
	version string
	mu      sync.RWMutex
	entries map[string]string // normalized address -> reason
}

// NewStaticList builds a List from a name, a version tag, and an initial
// set of (address, reason) entries.
func NewStaticList(name, version string, entries map[string]string) *StaticList {
	normalized := make(map[string]string, len(entries))
	for addr, reason := range entries {
		normalized[NormalizeAddress(addr)] = reason
	}
	return &StaticList{name: name, version: version, entries: normalized}
}

func (l *StaticList) Name() string    { return l.name }
func (l *StaticList) Version() string { return l.version }

func (l *StaticList) Contains(normalizedAddress string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	reason, ok := l.entries[normalizedAddress]
	return reason, ok
}

// Reload atomically replaces the list's contents. The startup failure
// policy (spec §4.8: "if the list cannot be loaded at startup, the core
// exits") lives in the loader that calls this, not here.
func (l *StaticList) Reload(entries map[string]string) {
	normalized := make(map[string]string, len(entries))
	for addr, reason := range entries {
		normalized[NormalizeAddress(addr)] = reason
	}
	l.mu.Lock()
	l.entries = normalized
	l.mu.Unlock()
}

// NormalizeAddress canonicalizes an address for cross-family exact-match
// comparison: EVM addresses are lowercased (they are never mixed-case
// checksum-compared for screening purposes), every other family's strkey/
// base58/account-id encoding is already canonical and is passed through
// after trimming whitespace.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		return strings.ToLower(addr)
	}
	return addr
}

// ParseSDNFile parses a flat OFAC-style "address,reason" file into entries
// suitable for NewStaticList. Real deployments point this at the published
// SDN digital-currency-address CSV extract; the format here is simplified
// to what the screener actually needs (address + reason), not the full SDN
// schema.
func ParseSDNFile(lines []string) (map[string]string, error) {
	entries := make(map[string]string, len(lines))
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) == 0 || parts[0] == "" {
			return nil, fmt.Errorf("sdn file line %d: missing address", i+1)
		}
		reason := "OFAC SDN digital currency address list match"
		if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
			reason = strings.TrimSpace(parts[1])
		}
		entries[parts[0]] = reason
	}
	return entries, nil
}
