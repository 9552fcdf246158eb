package main

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetledger/auditchain/internal/chain"
	"github.com/assetledger/auditchain/internal/store"
)

func TestIsLoopback(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:5000":   true,
		"127.1.2.3:80":     true,
		"[::1]:3200":       true,
		"10.0.0.4:3200":    false,
		"[fe80::1]:3200":   false,
		"192.168.1.1:1234": false,
	}
	for addr, want := range tests {
		assert.Equal(t, want, isLoopback(addr), addr)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})

	req := httptest.NewRequest("GET", "/api/ws", nil)
	assert.True(t, check(req), "no Origin header")

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}

func TestDisplayValue(t *testing.T) {
	assert.Equal(t, "(none)", displayValue(nil))
	assert.Equal(t, `""`, displayValue(chain.Val("")))
	assert.Equal(t, `"bob"`, displayValue(chain.Val("bob")))
	assert.Equal(t, "abcdef012345", shortHash("abcdef0123456789"))
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	return rootCmd.Execute()
}

func TestCLI_RecordVerifyList(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, execute(t, "--config-dir", dir, "config", "generate"))
	require.Error(t, execute(t, "--config-dir", dir, "config", "generate"), "existing config without --force")

	require.NoError(t, execute(t, "--config-dir", dir, "record", "ASSET-1", "assignedTo",
		"--old", "alice", "--new", "bob", "--actor", "u-admin", "--meta", "source=cli"))
	require.NoError(t, execute(t, "--config-dir", dir, "verify", "ASSET-1"))
	require.NoError(t, execute(t, "--config-dir", dir, "list", "ASSET-1"))

	db, err := store.OpenSQLite(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	recs, err := db.GetAllOrdered(context.Background(), "ASSET-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "bob", *recs[0].NewValue)
	assert.Equal(t, "cli", recs[0].Metadata["source"])
	assert.Equal(t, chain.Genesis, recs[0].PreviousDigest)
	require.NoError(t, db.Close())

	assert.Error(t, execute(t, "--config-dir", dir, "record", "ASSET-1", "assignedTo",
		"--new", "carol", "--actor", "u-admin", "--meta", "broken"))
}
