package pgstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spounge-ai/keypool/pkg/keypool"
	"github.com/spounge-ai/keypool/pkg/postgres"
)

const keyColumns = "id, owner_id, secret, uses, domains, last_used, cooldown_until, flag, created_at"

// effectiveUses is the usage counter as of the transaction's timestamp.
const effectiveUses = "CASE WHEN last_used >= date_trunc('minute', now()) THEN uses ELSE 0 END"

const notCoolingDown = "(cooldown_until IS NULL OR cooldown_until <= now())"

// args collects positional query parameters.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

// queries holds the SQL bound to one namespace.
type queries struct {
	table  string
	union  string
	remove string
}

func newQueries(namespace string) queries {
	return queries{
		table:  postgres.Table(namespace, "api_keys"),
		union:  postgres.Function(namespace, "keypool_domains_union"),
		remove: postgres.Function(namespace, "keypool_domains_remove"),
	}
}

// predicate renders selector as a WHERE condition over the keys table.
func predicate(selector keypool.Selector, a *args) string {
	switch selector.Kind() {
	case keypool.SelectKey:
		return "secret = " + a.add(selector.Secret())
	case keypool.SelectID:
		return "id = " + a.add(selector.ID().UUID())
	case keypool.SelectOwner:
		return "owner_id = " + a.add(selector.Owner())
	case keypool.SelectHas:
		return "domains @> " + a.add(domainList(selector.Domains())) + "::jsonb"
	case keypool.SelectOneOf:
		alternatives := selector.Alternatives()
		alts := make([][]string, len(alternatives))
		for i, alt := range alternatives {
			alts[i] = domainList(alt)
		}
		return "EXISTS (SELECT 1 FROM jsonb_array_elements(" + a.add(alts) + "::jsonb) AS alt(v) WHERE domains @> alt.v)"
	default:
		return "FALSE"
	}
}

// domainList converts domains to the JSON array stored in the domains column.
// It never returns nil, which would encode as JSON null.
func domainList(domains []keypool.Domain) []string {
	out := make([]string, len(domains))
	for i, d := range domains {
		out[i] = string(d)
	}
	return out
}

// firstMatch selects the id of the first key matching selector in storage order.
func (q queries) firstMatch(selector keypool.Selector, a *args) string {
	return fmt.Sprintf("(SELECT id FROM %s WHERE %s ORDER BY seq LIMIT 1)", q.table, predicate(selector, a))
}

func (q queries) acquireOne(selector keypool.Selector, limit int) (string, []any) {
	var a args
	sql := fmt.Sprintf(`WITH picked AS (
    SELECT id FROM %[1]s
    WHERE %[2]s AND %[3]s AND %[4]s < %[5]s
    ORDER BY %[4]s, seq
    LIMIT 1
)
UPDATE %[1]s AS k
SET uses = CASE WHEN k.last_used >= date_trunc('minute', now()) THEN k.uses + 1 ELSE 1 END,
    last_used = now(),
    cooldown_until = NULL,
    flag = NULL
FROM picked
WHERE k.id = picked.id
RETURNING %[6]s`,
		q.table, predicate(selector, &a), notCoolingDown, effectiveUses, a.add(limit), prefixed("k", keyColumns))
	return sql, a
}

func (q queries) candidates(selector keypool.Selector) (string, []any) {
	var a args
	sql := fmt.Sprintf("SELECT id, %s FROM %s WHERE %s AND %s ORDER BY seq",
		effectiveUses, q.table, predicate(selector, &a), notCoolingDown)
	return sql, a
}

func (q queries) chargeMany() string {
	return fmt.Sprintf(`UPDATE %s AS k
SET uses = u.uses, last_used = now(), cooldown_until = NULL, flag = NULL
FROM unnest($1::text[], $2::int[]) AS u(id, uses)
WHERE k.id = u.id::uuid
RETURNING %s`, q.table, prefixed("k", keyColumns))
}

func (q queries) upsert() string {
	return fmt.Sprintf(`INSERT INTO %[1]s AS k (id, owner_id, secret, domains)
VALUES ($1, $2, $3, %[2]s('[]'::jsonb, $4::jsonb))
ON CONFLICT (secret) DO UPDATE SET domains = %[2]s(k.domains, EXCLUDED.domains)
RETURNING %[3]s`, q.table, q.union, prefixed("k", keyColumns))
}

func (q queries) readKeys(selector keypool.Selector, limit int) (string, []any) {
	var a args
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY seq", keyColumns, q.table, predicate(selector, &a))
	if limit > 0 {
		sql += " LIMIT " + strconv.Itoa(limit)
	}
	return sql, a
}

func (q queries) removeKey(selector keypool.Selector) (string, []any) {
	var a args
	sql := fmt.Sprintf("DELETE FROM %s WHERE id = %s RETURNING %s", q.table, q.firstMatch(selector, &a), keyColumns)
	return sql, a
}

// setDomains updates the domains of the first matching key to expr, where
// expr may reference the current value as "domains" and use "$1".
func (q queries) setDomains(selector keypool.Selector, value any, expr string) (string, []any) {
	a := args{value}
	sql := fmt.Sprintf("UPDATE %s SET domains = %s WHERE id = %s RETURNING %s",
		q.table, expr, q.firstMatch(selector, &a), keyColumns)
	return sql, a
}

func (q queries) addDomain(selector keypool.Selector, d keypool.Domain) (string, []any) {
	return q.setDomains(selector, []string{string(d)}, q.union+"(domains, $1::jsonb)")
}

func (q queries) removeDomain(selector keypool.Selector, d keypool.Domain) (string, []any) {
	return q.setDomains(selector, string(d), q.remove+"(domains, $1::text)")
}

func (q queries) replaceDomains(selector keypool.Selector, domains []keypool.Domain) (string, []any) {
	return q.setDomains(selector, domainList(domains), q.union+"('[]'::jsonb, $1::jsonb)")
}

func (q queries) timeout(selector keypool.Selector, seconds float64) (string, []any) {
	a := args{seconds}
	sql := fmt.Sprintf("UPDATE %s SET cooldown_until = now() + make_interval(secs => $1::double precision) WHERE %s",
		q.table, predicate(selector, &a))
	return sql, a
}

func (q queries) flag(selector keypool.Selector, code int) (string, []any) {
	a := args{code}
	sql := fmt.Sprintf("UPDATE %s SET flag = $1::smallint WHERE %s", q.table, predicate(selector, &a))
	return sql, a
}

func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
