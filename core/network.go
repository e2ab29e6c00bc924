// Package core implements the facilitator's chain-agnostic protocol surface:
// network identity, the payment payload/requirements wire types, the typed
// error taxonomy, the Chain Provider contract, and the dispatch core that
// wires compliance screening and providers together behind verify/settle/supported.
package core

import "strings"

// Family identifies which of the five supported chain families a Network
// belongs to.
type Family string

const (
	FamilyEVM      Family = "eip155"
	FamilySVM      Family = "solana"
	FamilyNEAR     Family = "near"
	FamilyStellar  Family = "stellar"
	FamilyAlgorand Family = "algorand"
)

// Network is a CAIP-2-compatible chain identifier, e.g. "eip155:8453",
// "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdpKuc147dw2N9d", "near:mainnet",
// "stellar:pubnet", "algorand:mainnet-v1.0". A trailing "*" after the
// namespace separator (e.g. "eip155:*") is a wildcard matching every
// network in that family; it is produced internally by the facilitator
// core and never accepted on the wire.
type Network string

// Parse splits a Network into its CAIP-2 namespace and reference.
func (n Network) Parse() (namespace, reference string) {
	parts := strings.SplitN(string(n), ":", 2)
	if len(parts) != 2 {
		return string(n), ""
	}
	return parts[0], parts[1]
}

// Family returns the chain family this network belongs to.
func (n Network) Family() Family {
	ns, _ := n.Parse()
	return Family(ns)
}

// IsWildcard reports whether n is a family-wide wildcard pattern ("eip155:*").
func (n Network) IsWildcard() bool {
	_, ref := n.Parse()
	return ref == "*"
}

// Match reports whether n matches the pattern, honoring family wildcards.
// An exact match always succeeds; "eip155:*" matches every eip155:<ref>.
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}
	pns, pref := pattern.Parse()
	if pref != "*" {
		return false
	}
	nns, _ := n.Parse()
	return nns == pns
}

// WildcardFor returns the family-wide wildcard pattern for family f.
func WildcardFor(f Family) Network {
	return Network(string(f) + ":*")
}

// shortNames maps each network's canonical short name (lowercase,
// hyphenated — the form the wire protocol uses) to its CAIP-2 identifier.
// Dispatch tries this table first; raw CAIP-2 identifiers are admitted as
// the forward-compatibility fallback.
var shortNames = map[string]Network{
	"ethereum":     "eip155:1",
	"base":         "eip155:8453",
	"base-sepolia": "eip155:84532",
	"polygon":      "eip155:137",
	"avalanche":    "eip155:43114",
	"celo":         "eip155:42220",
	"optimism":     "eip155:10",
	"arbitrum":     "eip155:42161",
	"hyperevm":     "eip155:177",
	"unichain":     "eip155:130",
	"monad":        "eip155:143",

	"solana":        "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdpKuc147dw2N9d",
	"solana-devnet": "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
	"fogo":          "solana:fogoMainnetGenesisHash11111111111111111",
	"fogo-testnet":  "solana:fogoTestnetGenesisHash11111111111111111",

	"near":         "near:mainnet",
	"near-testnet": "near:testnet",

	"stellar":         "stellar:pubnet",
	"stellar-testnet": "stellar:testnet",

	"algorand":         "algorand:mainnet-v1.0",
	"algorand-testnet": "algorand:testnet-v1.0",
}

// canonicalShortNames is the reverse of shortNames, built once at init.
var canonicalShortNames = func() map[Network]string {
	out := make(map[Network]string, len(shortNames))
	for short, network := range shortNames {
		out[network] = short
	}
	return out
}()

// knownFamilies guards the CAIP-2 fallback so arbitrary namespaced
// strings don't resolve.
var knownFamilies = map[Family]bool{
	FamilyEVM:      true,
	FamilySVM:      true,
	FamilyNEAR:     true,
	FamilyStellar:  true,
	FamilyAlgorand: true,
}

// ResolveNetwork turns a wire-form network field into its canonical
// CAIP-2 Network: exact-match on canonical short name first, then a
// CAIP-2 parse for forward compatibility. Returns false for anything
// else.
func ResolveNetwork(s string) (Network, bool) {
	if n, ok := shortNames[s]; ok {
		return n, true
	}
	n := Network(s)
	ns, ref := n.Parse()
	if ref == "" || ref == "*" || !knownFamilies[Family(ns)] {
		return "", false
	}
	return n, true
}

// ShortName returns the network's canonical short name, or "" for a
// network outside the static table (e.g. a raw CAIP-2 identifier for a
// chain this build doesn't know by name).
func (n Network) ShortName() string {
	return canonicalShortNames[n]
}

// DerivePattern returns a wildcard pattern if every network in the set
// shares one family, or "" if the set spans multiple families (in which
// case the caller must register per-exact-network instead of by pattern).
func DerivePattern(networks []Network) Network {
	if len(networks) == 0 {
		return ""
	}
	fam := networks[0].Family()
	for _, n := range networks[1:] {
		if n.Family() != fam {
			return ""
		}
	}
	return WildcardFor(fam)
}
