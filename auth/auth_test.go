package auth

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeCreds(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ".credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestStatusValidToken(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	future := time.Now().Add(time.Hour).UnixMilli()
	path := writeCreds(t, t.TempDir(),
		fmt.Sprintf(`{"claudeAiOauth":{"accessToken":"sk-ant-oat01-test","expiresAt":%d}}`, future))

	status := NewChecker(path, testLogger()).Status()
	assert.True(t, status.Available)
	assert.Equal(t, "oauth", status.Method)
	assert.False(t, status.Expired)
	assert.WithinDuration(t, time.UnixMilli(future), status.ExpiresAt, time.Second)
}

func TestStatusExpiredToken(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	past := time.Now().Add(-time.Hour).UnixMilli()
	path := writeCreds(t, t.TempDir(),
		fmt.Sprintf(`{"claudeAiOauth":{"accessToken":"sk-ant-oat01-old","expiresAt":%d}}`, past))

	status := NewChecker(path, testLogger()).Status()
	assert.False(t, status.Available)
	assert.Equal(t, "oauth", status.Method)
	assert.True(t, status.Expired)
}

func TestStatusNoExpiry(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	path := writeCreds(t, t.TempDir(),
		`{"claudeAiOauth":{"accessToken":"sk-ant-oat01-forever","expiresAt":0}}`)

	status := NewChecker(path, testLogger()).Status()
	assert.True(t, status.Available)
	assert.False(t, status.Expired)
	assert.True(t, status.ExpiresAt.IsZero())
}

func TestStatusMissingFile(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	path := filepath.Join(t.TempDir(), ".credentials.json")

	status := NewChecker(path, testLogger()).Status()
	assert.False(t, status.Available)
	assert.Empty(t, status.Method)
}

func TestStatusMalformedFile(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	path := writeCreds(t, t.TempDir(), "not json")

	status := NewChecker(path, testLogger()).Status()
	assert.False(t, status.Available)
}

func TestStatusEmptyToken(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	path := writeCreds(t, t.TempDir(), `{"claudeAiOauth":{"accessToken":"","expiresAt":0}}`)

	status := NewChecker(path, testLogger()).Status()
	assert.False(t, status.Available)
}

func TestStatusEnvironmentAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-api03-test")
	path := filepath.Join(t.TempDir(), ".credentials.json")

	status := NewChecker(path, testLogger()).Status()
	assert.True(t, status.Available)
	assert.Equal(t, "api_key", status.Method)
}

func TestWatchPicksUpLogin(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	dir := t.TempDir()
	path := filepath.Join(dir, ".credentials.json")

	checker := NewChecker(path, testLogger())
	require.NoError(t, checker.Watch())
	defer checker.Close()

	assert.False(t, checker.Status().Available)

	// Simulate "claude login" creating the file.
	writeCreds(t, dir, `{"claudeAiOauth":{"accessToken":"sk-ant-oat01-new","expiresAt":0}}`)

	deadline := time.After(5 * time.Second)
	for !checker.Status().Available {
		select {
		case <-deadline:
			t.Fatal("watcher never picked up the new credentials file")
		case <-time.After(20 * time.Millisecond):
		}
	}
	assert.Equal(t, "oauth", checker.Status().Method)
}
