package pgstore

import (
	"testing"

	"github.com/spounge-ai/keypool/pkg/keypool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredicate(t *testing.T) {
	id := keypool.NewKeyID()

	tests := []struct {
		name     string
		selector keypool.Selector
		want     string
		args     []any
	}{
		{name: "secret", selector: keypool.BySecret("abc"), want: "secret = $1", args: []any{"abc"}},
		{name: "id", selector: keypool.ByID(id), want: "id = $1", args: []any{id.UUID()}},
		{name: "owner", selector: keypool.ByOwner(7), want: "owner_id = $1", args: []any{int64(7)}},
		{
			name:     "has",
			selector: keypool.Has("all", "faction:1"),
			want:     "domains @> $1::jsonb",
			args:     []any{[]string{"all", "faction:1"}},
		},
		{
			name:     "one of",
			selector: keypool.OneOf([]keypool.Domain{"guild:1"}, []keypool.Domain{"all"}),
			want:     "EXISTS (SELECT 1 FROM jsonb_array_elements($1::jsonb) AS alt(v) WHERE domains @> alt.v)",
			args:     []any{[][]string{{"guild:1"}, {"all"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a args
			assert.Equal(t, tt.want, predicate(tt.selector, &a))
			assert.Equal(t, tt.args, []any(a))
		})
	}
}

func TestHasWithoutDomainsEncodesEmptyArray(t *testing.T) {
	var a args
	predicate(keypool.Has(), &a)
	require.Len(t, a, 1)
	assert.Equal(t, []string{}, a[0])
}

func TestQueriesAreNamespaced(t *testing.T) {
	q := newQueries("tenant_a")
	assert.Equal(t, `"tenant_a"."api_keys"`, q.table)
	assert.Contains(t, q.upsert(), `"tenant_a"."keypool_domains_union"`)

	sql, a := q.timeout(keypool.ByOwner(3), 1.5)
	assert.Contains(t, sql, "WHERE owner_id = $2")
	assert.Equal(t, []any{1.5, int64(3)}, a)

	plain := newQueries("")
	assert.Equal(t, `"api_keys"`, plain.table)
}

func TestAcquireOneBindsLimitAfterSelector(t *testing.T) {
	sql, a := newQueries("").acquireOne(keypool.Has("all"), 100)
	assert.Contains(t, sql, "< $2")
	assert.Equal(t, []any{[]string{"all"}, 100}, a)
}

func TestMigrationURL(t *testing.T) {
	got, err := migrationURL("postgres://u:p@localhost:5432/db?sslmode=disable", "tenant_a")
	require.NoError(t, err)
	assert.Contains(t, got, "search_path=tenant_a")
	assert.Contains(t, got, "x-migrations-table="+migrationsTable)
	assert.Contains(t, got, "sslmode=disable")

	_, err = migrationURL("mysql://localhost/db", "")
	assert.Error(t, err)
}

func TestPrefixed(t *testing.T) {
	assert.Equal(t, "k.id, k.secret", prefixed("k", "id, secret"))
}
