package keypool

import (
	"errors"
	"fmt"
	"strings"
)

// Domain is an authorization scope a key may be used for, written as
// "kind" or "kind:id" (for example "all", "owner:123", "faction:7").
type Domain string

const (
	domainSeparator = ":"
	kindWildcard    = "*"
)

// DomainAll is the conventional catch-all scope.
const DomainAll Domain = "all"

var ErrFallbackCycle = errors.New("domain fallback rules form a cycle")

func NewDomain(kind string, id ...any) Domain {
	if len(id) == 0 {
		return Domain(kind)
	}
	parts := make([]string, 0, len(id)+1)
	parts = append(parts, kind)
	for _, v := range id {
		parts = append(parts, fmt.Sprint(v))
	}
	return Domain(strings.Join(parts, domainSeparator))
}

// Kind is the part of the domain before the first separator.
func (d Domain) Kind() string {
	kind, _, _ := strings.Cut(string(d), domainSeparator)
	return kind
}

func (d Domain) String() string {
	return string(d)
}

// Hierarchy maps domains to the broader domain substituted when no key
// carries them. Rules are either exact ("faction:7" -> "all") or apply to a
// whole kind ("faction:*" -> "all"); an exact rule wins over a kind rule.
// A nil *Hierarchy has no fallbacks.
type Hierarchy struct {
	exact  map[Domain]Domain
	byKind map[string]Domain
}

// NewHierarchy validates rules and rejects any configuration in which a
// chain of fallbacks revisits a domain.
func NewHierarchy(rules map[string]Domain) (*Hierarchy, error) {
	h := &Hierarchy{
		exact:  make(map[Domain]Domain),
		byKind: make(map[string]Domain),
	}

	for from, to := range rules {
		if from == "" || to == "" {
			return nil, fmt.Errorf("invalid fallback rule %q -> %q", from, to)
		}
		if kind, ok := strings.CutSuffix(from, domainSeparator+kindWildcard); ok {
			h.byKind[kind] = to
			continue
		}
		h.exact[Domain(from)] = to
	}

	if err := h.checkCycles(); err != nil {
		return nil, err
	}
	return h, nil
}

// Fallback returns the broader domain for d, if any.
func (h *Hierarchy) Fallback(d Domain) (Domain, bool) {
	if h == nil {
		return "", false
	}
	if to, ok := h.exact[d]; ok {
		return to, true
	}
	if to, ok := h.byKind[d.Kind()]; ok && to != d {
		return to, true
	}
	return "", false
}

// FallbackSelector broadens a domain selector one step. Identity selectors
// never fall back.
func (h *Hierarchy) FallbackSelector(s Selector) (Selector, bool) {
	switch s.kind {
	case SelectHas:
		domains, ok := h.fallbackAll(s.domains)
		if !ok {
			return Selector{}, false
		}
		return Has(domains...), true
	case SelectOneOf:
		alternatives := make([][]Domain, 0, len(s.alternatives))
		for _, alt := range s.alternatives {
			if domains, ok := h.fallbackAll(alt); ok {
				alternatives = append(alternatives, domains)
			}
		}
		if len(alternatives) == 0 {
			return Selector{}, false
		}
		return OneOf(alternatives...), true
	default:
		return Selector{}, false
	}
}

func (h *Hierarchy) fallbackAll(domains []Domain) ([]Domain, bool) {
	var out []Domain
	for _, d := range domains {
		if fb, ok := h.Fallback(d); ok {
			out = MergeDomains(out, []Domain{fb})
		}
	}
	return out, len(out) > 0
}

// Every chain leaves the rule targets after one step, so walking from each
// rule source and target covers all reachable cycles.
func (h *Hierarchy) checkCycles() error {
	nodes := make([]Domain, 0, len(h.exact)*2+len(h.byKind))
	for from, to := range h.exact {
		nodes = append(nodes, from, to)
	}
	for _, to := range h.byKind {
		nodes = append(nodes, to)
	}

	for _, start := range nodes {
		seen := map[Domain]struct{}{start: {}}
		current := start
		for {
			next, ok := h.Fallback(current)
			if !ok {
				break
			}
			if _, dup := seen[next]; dup {
				return fmt.Errorf("%w: %s -> %s", ErrFallbackCycle, current, next)
			}
			seen[next] = struct{}{}
			current = next
		}
	}
	return nil
}
