package keypool_test

import (
	"context"
	"testing"

	"github.com/spounge-ai/keypool/pkg/keypool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDomain(t *testing.T) {
	assert.Equal(t, keypool.Domain("all"), keypool.NewDomain("all"))
	assert.Equal(t, keypool.Domain("faction:7"), keypool.NewDomain("faction", 7))
	assert.Equal(t, "faction", keypool.NewDomain("faction", 7).Kind())
}

func TestHierarchyFallback(t *testing.T) {
	h, err := keypool.NewHierarchy(map[string]keypool.Domain{
		"faction:*":  "all",
		"faction:7":  "alliance:1",
		"alliance:*": "all",
	})
	require.NoError(t, err)

	to, ok := h.Fallback("faction:7")
	require.True(t, ok)
	assert.Equal(t, keypool.Domain("alliance:1"), to, "exact rule wins over kind rule")

	to, ok = h.Fallback("faction:3")
	require.True(t, ok)
	assert.Equal(t, keypool.DomainAll, to)

	_, ok = h.Fallback(keypool.DomainAll)
	assert.False(t, ok)

	var none *keypool.Hierarchy
	_, ok = none.Fallback("faction:3")
	assert.False(t, ok)
}

func TestHierarchyRejectsCycles(t *testing.T) {
	_, err := keypool.NewHierarchy(map[string]keypool.Domain{
		"guild:1":   "faction:1",
		"faction:*": "guild:1",
	})
	require.ErrorIs(t, err, keypool.ErrFallbackCycle)

	_, err = keypool.NewHierarchy(map[string]keypool.Domain{"": "all"})
	assert.Error(t, err)
}

func TestFallbackSelector(t *testing.T) {
	h, err := keypool.NewHierarchy(map[string]keypool.Domain{
		"faction:*": "all",
		"guild:*":   "all",
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		selector keypool.Selector
		want     string
		ok       bool
	}{
		{name: "has maps and dedupes", selector: keypool.Has("faction:1", "guild:2"), want: "has(all)", ok: true},
		{name: "has drops domains without fallback", selector: keypool.Has("faction:1", "user:3"), want: "has(all)", ok: true},
		{name: "has with nothing left", selector: keypool.Has("user:3"), ok: false},
		{
			name:     "one of keeps surviving alternatives",
			selector: keypool.OneOf([]keypool.Domain{"user:3"}, []keypool.Domain{"guild:2"}),
			want:     "one_of([all])",
			ok:       true,
		},
		{name: "one of with nothing left", selector: keypool.OneOf([]keypool.Domain{"user:3"}), ok: false},
		{name: "secret never falls back", selector: keypool.BySecret("abcdefgh"), ok: false},
		{name: "owner never falls back", selector: keypool.ByOwner(3), ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := h.FallbackSelector(tt.selector)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got.String())
			}
		})
	}
}

func TestSelectorMatches(t *testing.T) {
	key := &keypool.Key{
		ID:      keypool.NewKeyID(),
		OwnerID: 9,
		Secret:  "abcdefgh",
		Domains: []keypool.Domain{"all", "faction:1"},
	}

	assert.True(t, keypool.BySecret("abcdefgh").Matches(key))
	assert.True(t, keypool.ByID(key.ID).Matches(key))
	assert.True(t, keypool.ByOwner(9).Matches(key))
	assert.True(t, keypool.Has("all", "faction:1").Matches(key))
	assert.False(t, keypool.Has("all", "faction:2").Matches(key))
	assert.True(t, keypool.OneOf([]keypool.Domain{"faction:2"}, []keypool.Domain{"faction:1"}).Matches(key))
	assert.False(t, keypool.OneOf([]keypool.Domain{"faction:2"}).Matches(key))

	assert.Equal(t, "key(ab****gh)", keypool.BySecret("abcdefgh").String())
	assert.True(t, key.Selector().IsIdentity())
}

func TestWithFallbackWalksUntilFound(t *testing.T) {
	h, err := keypool.NewHierarchy(map[string]keypool.Domain{
		"guild:*":   "faction:1",
		"faction:*": "all",
	})
	require.NoError(t, err)

	var tried []string
	got, err := keypool.WithFallback(context.Background(), h, keypool.Has("guild:4"),
		func(_ context.Context, s keypool.Selector) (string, bool, error) {
			tried = append(tried, s.String())
			return s.String(), s.String() == "has(all)", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "has(all)", got)
	assert.Equal(t, []string{"has(guild:4)", "has(faction:1)", "has(all)"}, tried)

	_, err = keypool.WithFallback(context.Background(), h, keypool.Has("guild:4"),
		func(context.Context, keypool.Selector) (string, bool, error) { return "", false, nil })
	var unavailable *keypool.UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "has(guild:4)", unavailable.Selector.String(), "reports the original selector")
}

func TestMergeDomains(t *testing.T) {
	merged := keypool.MergeDomains([]keypool.Domain{"a", "b", "a"}, []keypool.Domain{"c", "b"})
	assert.Equal(t, []keypool.Domain{"a", "b", "c"}, merged)
	assert.Equal(t, []keypool.Domain{"a", "c"}, keypool.WithoutDomain(merged, "b"))
}

func TestParseErrorAction(t *testing.T) {
	for _, s := range []string{"delete", "fatal", "cooldown:minute", "cooldown:day", " Delete "} {
		action, err := keypool.ParseErrorAction(s)
		require.NoError(t, err, s)
		assert.NotEmpty(t, action.String())
	}

	action, err := keypool.ParseErrorAction("cooldown:90s")
	require.NoError(t, err)
	assert.Equal(t, "cooldown:1m30s", action.String())

	for _, s := range []string{"", "retry", "cooldown:soon", "cooldown:-1s"} {
		_, err := keypool.ParseErrorAction(s)
		assert.Error(t, err, s)
	}
}
