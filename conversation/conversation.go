package conversation

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zhubert/plural-bridge/claude"
)

// Message is one entry in a conversation's in-memory history. History lives
// only as long as the conversation record; there is no cross-restart
// durability.
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation holds the live state for one conversation id: the backing
// process, the partial-line buffer, the bound sink, and the message history.
// All fields behind mu; the Registry reaches in only through methods.
type Conversation struct {
	ID        string
	SessionID string
	Resume    bool
	Model     string
	CreatedAt time.Time

	mu      sync.Mutex
	process Process
	buffer  claude.LineBuffer
	sink    Sink
	history []Message
	rawLog  io.WriteCloser // per-conversation raw stream log, may be nil

	log *slog.Logger
}

// Summary is the externally visible snapshot of a conversation.
type Summary struct {
	ConversationID string    `json:"conversationId"`
	SessionID      string    `json:"sessionId"`
	Resumed        bool      `json:"resumed"`
	Model          string    `json:"model"`
	Running        bool      `json:"running"`
	CreatedAt      time.Time `json:"createdAt"`
	MessageCount   int       `json:"messageCount"`
}

// Summary returns a point-in-time snapshot.
func (c *Conversation) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		ConversationID: c.ID,
		SessionID:      c.SessionID,
		Resumed:        c.Resume,
		Model:          c.Model,
		Running:        c.process != nil && c.process.IsRunning(),
		CreatedAt:      c.CreatedAt,
		MessageCount:   len(c.history),
	}
}

// History returns a copy of the message history.
func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

// Running reports whether the backing process is live.
func (c *Conversation) Running() bool {
	c.mu.Lock()
	p := c.process
	c.mu.Unlock()
	return p != nil && p.IsRunning()
}

func (c *Conversation) appendHistory(role, content string) {
	c.mu.Lock()
	c.history = append(c.history, Message{Role: role, Content: content, Timestamp: time.Now()})
	c.mu.Unlock()
}

// attachSink binds a sink, superseding and closing any previous one.
func (c *Conversation) attachSink(sink Sink) {
	c.mu.Lock()
	old := c.sink
	c.sink = sink
	c.mu.Unlock()

	if old != nil {
		c.log.Debug("superseding previously attached sink")
		old.Close()
	}
}

// detachSink unbinds the given sink without closing it. A stale detach (the
// sink was already superseded) is a no-op: client disconnects race new
// attaches.
func (c *Conversation) detachSink(sink Sink) {
	c.mu.Lock()
	if c.sink == sink {
		c.sink = nil
	}
	c.mu.Unlock()
}

// handleLine translates one complete output line and delivers the resulting
// events. Runs on the process's reader goroutine; delivery order matches line
// order because there is exactly one reader per process.
func (c *Conversation) handleLine(line string) {
	c.mu.Lock()
	if c.rawLog != nil {
		c.rawLog.Write([]byte(line + "\n"))
	}
	c.mu.Unlock()

	events := claude.Translate(line, c.log)
	c.deliver(events)
}

// closeRawLog closes the raw stream log, if one was opened.
func (c *Conversation) closeRawLog() {
	c.mu.Lock()
	rawLog := c.rawLog
	c.rawLog = nil
	c.mu.Unlock()

	if rawLog != nil {
		rawLog.Close()
	}
}

// deliver sends events to the bound sink in order. Events with no sink are
// dropped; there is no queueing while detached. A terminal event closes and
// unbinds the sink after the whole batch has been delivered, so an error
// event is never cut off from its trailing done. Terminal delivery also
// discards any pending demux fragment: output buffered before the turn ended
// must never leak into the next turn.
func (c *Conversation) deliver(events []claude.Event) {
	if len(events) == 0 {
		return
	}

	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()

	terminal := false
	for _, event := range events {
		if event.Terminal() {
			terminal = true
		}
		if event.Type == claude.EventText {
			if text, ok := event.Data.(string); ok {
				c.appendHistory("assistant", text)
			}
		}
		if sink == nil {
			c.log.Debug("dropping event, no sink attached", "eventType", event.Type)
			continue
		}
		if err := sink.Send(event); err != nil {
			c.log.Warn("sink send failed, detaching", "error", err)
			c.detachSink(sink)
			sink.Close()
			sink = nil
		}
	}

	if terminal {
		c.mu.Lock()
		c.buffer.Reset()
		c.mu.Unlock()

		if sink != nil {
			c.detachSink(sink)
			sink.Close()
		}
	}
}

// feed pushes a raw output chunk through the demultiplexer and translates
// every complete line it unlocks. Wired as the process's OnOutput callback;
// ordering holds because each process has exactly one reader goroutine.
func (c *Conversation) feed(chunk string) {
	c.mu.Lock()
	lines := c.buffer.Feed(chunk)
	c.mu.Unlock()

	for _, line := range lines {
		c.handleLine(line)
	}
}
