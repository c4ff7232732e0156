package keypool

import (
	"fmt"
	"slices"
	"strings"
)

type SelectorKind int

const (
	SelectKey SelectorKind = iota
	SelectID
	SelectOwner
	SelectHas
	SelectOneOf
)

func (k SelectorKind) String() string {
	switch k {
	case SelectKey:
		return "key"
	case SelectID:
		return "id"
	case SelectOwner:
		return "owner"
	case SelectHas:
		return "has"
	case SelectOneOf:
		return "one_of"
	default:
		return "unknown"
	}
}

// Selector is an immutable query over the stored keys. Build one with
// BySecret, ByID, ByOwner, Has or OneOf.
type Selector struct {
	kind         SelectorKind
	secret       string
	id           KeyID
	owner        int64
	domains      []Domain
	alternatives [][]Domain
}

func BySecret(secret string) Selector {
	return Selector{kind: SelectKey, secret: secret}
}

func ByID(id KeyID) Selector {
	return Selector{kind: SelectID, id: id}
}

func ByOwner(owner int64) Selector {
	return Selector{kind: SelectOwner, owner: owner}
}

// Has matches keys carrying every one of domains.
func Has(domains ...Domain) Selector {
	return Selector{kind: SelectHas, domains: slices.Clone(domains)}
}

// OneOf matches keys carrying every domain of at least one alternative.
func OneOf(alternatives ...[]Domain) Selector {
	alts := make([][]Domain, len(alternatives))
	for i, alt := range alternatives {
		alts[i] = slices.Clone(alt)
	}
	return Selector{kind: SelectOneOf, alternatives: alts}
}

func (s Selector) Kind() SelectorKind { return s.kind }

func (s Selector) Secret() string { return s.secret }

func (s Selector) ID() KeyID { return s.id }

func (s Selector) Owner() int64 { return s.owner }

func (s Selector) Domains() []Domain { return slices.Clone(s.domains) }

func (s Selector) Alternatives() [][]Domain {
	alts := make([][]Domain, len(s.alternatives))
	for i, alt := range s.alternatives {
		alts[i] = slices.Clone(alt)
	}
	return alts
}

// IsIdentity reports whether the selector names a specific key or owner
// rather than an eligibility scope.
func (s Selector) IsIdentity() bool {
	return s.kind == SelectKey || s.kind == SelectID || s.kind == SelectOwner
}

// Matches evaluates the selector against a key in memory.
func (s Selector) Matches(k *Key) bool {
	switch s.kind {
	case SelectKey:
		return k.Secret == s.secret
	case SelectID:
		return k.ID == s.id
	case SelectOwner:
		return k.OwnerID == s.owner
	case SelectHas:
		return hasAll(k, s.domains)
	case SelectOneOf:
		for _, alt := range s.alternatives {
			if hasAll(k, alt) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (s Selector) String() string {
	switch s.kind {
	case SelectKey:
		return "key(" + redact(s.secret) + ")"
	case SelectID:
		return "id(" + s.id.String() + ")"
	case SelectOwner:
		return fmt.Sprintf("owner(%d)", s.owner)
	case SelectHas:
		return "has(" + joinDomains(s.domains) + ")"
	case SelectOneOf:
		parts := make([]string, len(s.alternatives))
		for i, alt := range s.alternatives {
			parts[i] = "[" + joinDomains(alt) + "]"
		}
		return "one_of(" + strings.Join(parts, " ") + ")"
	default:
		return "unknown"
	}
}

func hasAll(k *Key, domains []Domain) bool {
	for _, d := range domains {
		if !k.HasDomain(d) {
			return false
		}
	}
	return true
}

func joinDomains(domains []Domain) string {
	parts := make([]string, len(domains))
	for i, d := range domains {
		parts[i] = string(d)
	}
	return strings.Join(parts, ",")
}

func redact(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:2] + "****" + secret[len(secret)-2:]
}
