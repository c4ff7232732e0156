package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cli struct {
	t      *testing.T
	config string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	config := filepath.Join(dir, "keypool.yaml")
	body := fmt.Sprintf(`
log:
  level: error
pool:
  limit: 3
storage:
  backend: sqlite
  sqlite:
    path: %s
domains:
  fallbacks:
    "guild:*": all
`, filepath.Join(dir, "keys.db"))
	require.NoError(t, os.WriteFile(config, []byte(body), 0o600))
	return &cli{t: t, config: config}
}

func (c *cli) run(args ...string) (int, string, string) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), append([]string{"--config", c.config}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (c *cli) ok(v any, args ...string) {
	c.t.Helper()
	code, stdout, stderr := c.run(args...)
	require.Equal(c.t, 0, code, "stderr: %s", stderr)
	if v != nil {
		require.NoError(c.t, json.Unmarshal([]byte(stdout), v), stdout)
	}
}

func TestKeyLifecycle(t *testing.T) {
	c := newCLI(t)
	c.ok(nil, "migrate")

	var added keyView
	c.ok(&added, "add", "42", "abcdefgh", "--domain", "all", "--domain", "faction:1")
	assert.Equal(t, int64(42), added.OwnerID)
	assert.Equal(t, "abcd****", added.Secret)
	assert.Equal(t, []string{"all", "faction:1"}, added.Domains)

	var edited keyView
	c.ok(&edited, "domain", "add", "guild:5", "--id", added.ID)
	assert.Equal(t, []string{"all", "faction:1", "guild:5"}, edited.Domains)
	c.ok(&edited, "domain", "remove", "faction:1", "--owner", "42")
	assert.Equal(t, []string{"all", "guild:5"}, edited.Domains)
	c.ok(&edited, "domain", "set", "all", "--secret", "abcdefgh")
	assert.Equal(t, []string{"all"}, edited.Domains)

	var acquired []keyView
	c.ok(&acquired, "acquire", "--domain", "guild:9", "-n", "5", "--show-secrets")
	require.Len(t, acquired, 3)
	assert.Equal(t, "abcdefgh", acquired[0].Secret)

	code, _, _ := c.run("acquire", "--domain", "all")
	assert.Equal(t, 4, code)

	var listed []keyView
	c.ok(&listed, "list")
	require.Len(t, listed, 1)
	assert.Equal(t, 3, listed[0].Uses)

	var removed keyView
	c.ok(&removed, "remove", "--id", added.ID)
	assert.Equal(t, added.ID, removed.ID)

	code, _, stderr := c.run("remove", "--id", added.ID)
	assert.Equal(t, 3, code)
	assert.Contains(t, stderr, "No key matches the selector")
}

func TestTimeoutAndFlag(t *testing.T) {
	c := newCLI(t)

	var key keyView
	c.ok(&key, "add", "1", "secret-one")

	c.ok(nil, "timeout", "1h", "--owner", "1")
	var listed []keyView
	c.ok(&listed, "list", "--owner", "1")
	require.Len(t, listed, 1)
	require.NotNil(t, listed[0].CooldownUntil)

	var flagged struct {
		ID    string `json:"id"`
		Retry bool   `json:"retry"`
	}
	c.ok(&flagged, "flag", "16", "--id", key.ID)
	assert.False(t, flagged.Retry)
	c.ok(&listed, "list", "--id", key.ID)
	require.NotNil(t, listed[0].Flag)
	assert.Equal(t, 16, *listed[0].Flag)

	c.ok(&flagged, "flag", "2", "--id", key.ID)
	assert.True(t, flagged.Retry)
	c.ok(&listed, "list")
	assert.Empty(t, listed)
}

func TestInvalidInput(t *testing.T) {
	c := newCLI(t)

	code, _, _ := c.run("add", "not-a-number", "secret")
	assert.Equal(t, 2, code)

	code, _, _ = c.run("remove")
	assert.Equal(t, 2, code)

	code, _, _ = c.run("remove", "--owner", "1", "--secret", "x")
	assert.Equal(t, 1, code)

	code, _, _ = c.run("timeout", "soon", "--owner", "1")
	assert.Equal(t, 2, code)
}

func TestBadConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "list"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
}

func TestHealth(t *testing.T) {
	c := newCLI(t)

	var health map[string]healthView
	c.ok(&health, "health")
	require.Contains(t, health, "sqlite")
	assert.True(t, health["sqlite"].Healthy)
}
