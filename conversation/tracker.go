package conversation

import "sync"

// Tracker remembers which session ids have been seen before. The first sight
// of a session id records it and reports a new session; every later sight
// reports resume. Entries deliberately outlive conversation state: a
// conversation whose process died can be respawned against the same session.
type Tracker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{seen: make(map[string]struct{})}
}

// Observe records the session id and reports whether it was already known.
// Consulted only at spawn time; the answer feeds the --resume / --session-id
// choice in process argument construction.
func (t *Tracker) Observe(sessionID string) (resume bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[sessionID]; ok {
		return true
	}
	t.seen[sessionID] = struct{}{}
	return false
}

// Known reports whether the session id has been observed, without recording.
func (t *Tracker) Known(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[sessionID]
	return ok
}
