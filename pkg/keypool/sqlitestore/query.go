package sqlitestore

import (
	"strings"

	"github.com/spounge-ai/keypool/pkg/keypool"
)

type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return "?"
}

// predicate renders selector as a WHERE condition. Parameters are appended
// to a in placeholder order.
func predicate(selector keypool.Selector, a *args) string {
	switch selector.Kind() {
	case keypool.SelectKey:
		return "secret = " + a.add(selector.Secret())
	case keypool.SelectID:
		return "id = " + a.add(selector.ID().String())
	case keypool.SelectOwner:
		return "owner_id = " + a.add(selector.Owner())
	case keypool.SelectHas:
		return hasAll(selector.Domains(), a)
	case keypool.SelectOneOf:
		alternatives := selector.Alternatives()
		if len(alternatives) == 0 {
			return "0"
		}
		parts := make([]string, len(alternatives))
		for i, alt := range alternatives {
			parts[i] = "(" + hasAll(alt, a) + ")"
		}
		return "(" + strings.Join(parts, " OR ") + ")"
	default:
		return "0"
	}
}

func hasAll(domains []keypool.Domain, a *args) string {
	if len(domains) == 0 {
		return "1"
	}
	parts := make([]string, len(domains))
	for i, d := range domains {
		parts[i] = "EXISTS (SELECT 1 FROM json_each(api_keys.domains) WHERE json_each.value = " + a.add(string(d)) + ")"
	}
	return strings.Join(parts, " AND ")
}
