// Package auth reports whether the Claude CLI has usable credentials. The
// status is diagnostic only: conversation operations never consult it, and a
// missing or expired credential never blocks a spawn. Clients poll
// /auth/status to explain failures to users.
package auth

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Status describes the current credential situation.
type Status struct {
	Available bool      `json:"available"`
	Method    string    `json:"method,omitempty"` // "oauth" or "api_key"
	Expired   bool      `json:"expired,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Path      string    `json:"path,omitempty"`
}

// oauthCredentials is the JSON structure of ~/.claude/.credentials.json,
// written by "claude login".
type oauthCredentials struct {
	ClaudeAiOauth struct {
		AccessToken string `json:"accessToken"`
		ExpiresAt   int64  `json:"expiresAt"` // unix millis, 0 means no expiry
	} `json:"claudeAiOauth"`
}

// Checker caches the credential status and keeps it fresh by watching the
// credentials file for changes.
type Checker struct {
	path string
	log  *slog.Logger

	mu     sync.RWMutex
	status Status

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewChecker creates a checker for the given credentials file and computes
// the initial status.
func NewChecker(path string, log *slog.Logger) *Checker {
	c := &Checker{
		path: path,
		log:  log,
		done: make(chan struct{}),
	}
	c.refresh()
	return c
}

// Status returns the cached credential status.
func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// refresh re-reads the credentials file and recomputes the status.
func (c *Checker) refresh() {
	status := c.check()

	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	c.log.Debug("credential status refreshed",
		"available", status.Available, "method", status.Method, "expired", status.Expired)
}

func (c *Checker) check() Status {
	// An API key in the environment works regardless of the file.
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return Status{Available: true, Method: "api_key"}
	}

	status := Status{Path: c.path}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return status
	}

	var creds oauthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		c.log.Warn("unreadable credentials file", "path", c.path, "error", err)
		return status
	}
	if creds.ClaudeAiOauth.AccessToken == "" {
		return status
	}

	status.Method = "oauth"
	if ms := creds.ClaudeAiOauth.ExpiresAt; ms > 0 {
		status.ExpiresAt = time.UnixMilli(ms)
		status.Expired = time.Now().UnixMilli() >= ms
	}
	status.Available = !status.Expired
	return status
}

// Watch keeps the cached status fresh as the credentials file changes. The
// parent directory is watched because "claude login" replaces the file rather
// than writing in place.
func (c *Checker) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		return err
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case <-c.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == filepath.Clean(c.path) {
					c.refresh()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.log.Warn("credentials watcher error", "error", err)
			}
		}
	}()

	c.log.Debug("watching credentials file", "path", c.path)
	return nil
}

// Close stops the watcher.
func (c *Checker) Close() {
	close(c.done)
	if c.watcher != nil {
		c.watcher.Close()
	}
}
