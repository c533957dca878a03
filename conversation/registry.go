package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/plural-bridge/claude"
	"github.com/zhubert/plural-bridge/logger"
)

// ErrNotFound reports an operation against an unknown conversation id.
var ErrNotFound = errors.New("conversation not found")

// ErrProcessMissing reports a control operation against a conversation with no
// live process. Plain message writes deliberately do not raise it; see
// SendMessage.
var ErrProcessMissing = errors.New("no live process for conversation")

// Process is the supervisor surface the Registry drives. *claude.ProcessManager
// satisfies it; tests substitute an in-memory fake through the factory.
type Process interface {
	Start() error
	Stop()
	Signal()
	IsRunning() bool
	WriteMessage(data []byte) error
}

// ProcessFactory creates a supervisor for a conversation. Allows tests to
// inject fake processes.
type ProcessFactory func(cfg claude.ProcessConfig, callbacks claude.ProcessCallbacks, log *slog.Logger) Process

func defaultProcessFactory(cfg claude.ProcessConfig, callbacks claude.ProcessCallbacks, log *slog.Logger) Process {
	return claude.NewProcessManager(cfg, callbacks, log)
}

// openStreamLog opens the raw stream log for a conversation. Best effort:
// failures degrade to no raw log, never to a failed spawn.
func openStreamLog(conversationID string, log *slog.Logger) io.WriteCloser {
	path, err := logger.StreamLogPath(conversationID)
	if err != nil {
		log.Warn("stream log unavailable", "error", err)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Warn("stream log unavailable", "error", err)
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Warn("stream log unavailable", "error", err)
		return nil
	}
	return f
}

// RegistryConfig carries the process-spawning settings the Registry needs.
// *config.Config provides these fields directly.
type RegistryConfig struct {
	Binary       string
	WorkingDir   string
	DefaultModel string

	// StreamLogs enables per-conversation raw stream logs under the logs
	// directory (stream-<id>.log), one line per wire record as received.
	StreamLogs bool
}

// SpawnOptions selects how a new conversation's process is started. All fields
// are ignored when the conversation already has a live process (idempotent
// reuse is not an error and does not reconfigure anything).
type SpawnOptions struct {
	SessionID    string // generated when empty
	Model        string
	SystemPrompt string
	Schema       string
}

// Registry owns every live conversation: creation, message dispatch, sink
// binding, and teardown when the backing process exits. One Registry per
// bridge instance.
type Registry struct {
	cfg     RegistryConfig
	tracker *Tracker
	factory ProcessFactory
	log     *slog.Logger

	mu            sync.Mutex
	conversations map[string]*Conversation
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, log *slog.Logger) *Registry {
	return &Registry{
		cfg:           cfg,
		tracker:       NewTracker(),
		factory:       defaultProcessFactory,
		conversations: make(map[string]*Conversation),
		log:           log,
	}
}

// SetProcessFactory sets a custom process factory (for testing).
func (r *Registry) SetProcessFactory(factory ProcessFactory) {
	r.factory = factory
}

// Tracker exposes the session resume tracker.
func (r *Registry) Tracker() *Tracker {
	return r.tracker
}

// SpawnOrAttach returns the conversation for the given id, starting a backing
// process if none is live. Returns created=false on idempotent reuse, in which
// case opts were ignored. An empty conversationID allocates a fresh one.
//
// The resume decision comes from the tracker: a session id seen before (by any
// conversation) is resumed, a fresh one starts a new session.
func (r *Registry) SpawnOrAttach(conversationID string, opts SpawnOptions) (conv *Conversation, created bool, err error) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conversations[conversationID]; ok && existing.Running() {
		r.log.Debug("reusing live conversation", "conversationID", conversationID)
		return existing, false, nil
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	resume := r.tracker.Observe(sessionID)

	model := opts.Model
	if model == "" {
		model = r.cfg.DefaultModel
	}

	log := r.log.With("conversationID", conversationID)
	conv = &Conversation{
		ID:        conversationID,
		SessionID: sessionID,
		Resume:    resume,
		Model:     model,
		CreatedAt: time.Now(),
		log:       log,
	}

	if r.cfg.StreamLogs {
		conv.rawLog = openStreamLog(conversationID, log)
	}

	process := r.factory(
		claude.ProcessConfig{
			ConversationID: conversationID,
			SessionID:      sessionID,
			Resume:         resume,
			Binary:         r.cfg.Binary,
			WorkingDir:     r.cfg.WorkingDir,
			Model:          model,
			SystemPrompt:   opts.SystemPrompt,
			Schema:         opts.Schema,
		},
		claude.ProcessCallbacks{
			OnOutput: conv.feed,
			OnReady: func() {
				log.Debug("process ready")
			},
			OnExit: func(exitErr error, stderr string) {
				r.handleProcessExit(conv, exitErr, stderr)
			},
		},
		log,
	)

	if err := process.Start(); err != nil {
		return nil, false, fmt.Errorf("failed to start process: %w", err)
	}

	conv.mu.Lock()
	conv.process = process
	conv.mu.Unlock()

	r.conversations[conversationID] = conv
	log.Info("conversation started", "sessionID", sessionID, "resume", resume, "model", model)
	return conv, true, nil
}

// Get returns the conversation for the given id.
func (r *Registry) Get(conversationID string) (*Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[conversationID]
	return conv, ok
}

// List returns a snapshot of all live conversations.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	convs := make([]*Conversation, 0, len(r.conversations))
	for _, conv := range r.conversations {
		convs = append(convs, conv)
	}
	r.mu.Unlock()

	summaries := make([]Summary, len(convs))
	for i, conv := range convs {
		summaries[i] = conv.Summary()
	}
	return summaries
}

// SendMessage writes one user turn to the conversation's process. A missing
// conversation or dead process skips the write with a log entry and still
// reports success; the HTTP layer acknowledges regardless. Known gap carried
// over from the original contract: callers cannot distinguish a delivered
// turn from a dropped one.
func (r *Registry) SendMessage(conversationID, content string, attachments []string) error {
	conv, ok := r.Get(conversationID)
	if !ok {
		r.log.Warn("message for unknown conversation, skipping", "conversationID", conversationID)
		return nil
	}

	conv.mu.Lock()
	process := conv.process
	conv.mu.Unlock()

	if process == nil || !process.IsRunning() {
		conv.log.Warn("message for conversation without live process, skipping")
		return nil
	}

	data, err := claude.BuildUserMessage(content, attachments, conv.log)
	if err != nil {
		return err
	}
	if err := process.WriteMessage(data); err != nil {
		return err
	}

	conv.appendHistory("user", content)
	return nil
}

// SendControl writes an approve/deny record for a pending tool invocation.
// Unlike SendMessage, a missing process is a hard error.
func (r *Registry) SendControl(conversationID, requestID, behavior string, data json.RawMessage, reason string) error {
	conv, ok := r.Get(conversationID)
	if !ok {
		return ErrNotFound
	}

	conv.mu.Lock()
	process := conv.process
	conv.mu.Unlock()

	if process == nil || !process.IsRunning() {
		return ErrProcessMissing
	}

	msg, err := claude.BuildControlMessage(requestID, behavior, data, reason)
	if err != nil {
		return err
	}
	return process.WriteMessage(msg)
}

// AttachSink binds a sink to the conversation, superseding (and closing) any
// previously attached one. At most one sink is bound at a time; there is no
// fan-out.
func (r *Registry) AttachSink(conversationID string, sink Sink) error {
	conv, ok := r.Get(conversationID)
	if !ok {
		return ErrNotFound
	}
	conv.attachSink(sink)
	return nil
}

// DetachSink unbinds the sink if it is still the bound one. Detaching never
// touches the backing process; the conversation keeps running headless.
func (r *Registry) DetachSink(conversationID string, sink Sink) {
	if conv, ok := r.Get(conversationID); ok {
		conv.detachSink(sink)
	}
}

// Terminate deliberately stops a conversation's process and removes its
// record. The bound sink, if any, receives a final done event. The tracker
// entry survives so the session can be resumed by a later spawn.
func (r *Registry) Terminate(conversationID string) error {
	conv, ok := r.Get(conversationID)
	if !ok {
		return ErrNotFound
	}

	conv.mu.Lock()
	process := conv.process
	conv.process = nil
	conv.mu.Unlock()

	conv.deliver([]claude.Event{claude.DoneEvent()})

	if process != nil {
		process.Stop()
	}
	conv.closeRawLog()

	r.mu.Lock()
	delete(r.conversations, conversationID)
	r.mu.Unlock()

	conv.log.Info("conversation terminated")
	return nil
}

// Shutdown signals every live process, fire and forget, and closes every
// bound sink. Used on bridge shutdown; nothing waits for the processes to die.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	convs := make([]*Conversation, 0, len(r.conversations))
	for _, conv := range r.conversations {
		convs = append(convs, conv)
	}
	r.conversations = make(map[string]*Conversation)
	r.mu.Unlock()

	for _, conv := range convs {
		conv.mu.Lock()
		process := conv.process
		conv.process = nil
		sink := conv.sink
		conv.sink = nil
		conv.mu.Unlock()

		if process != nil {
			process.Signal()
		}
		if sink != nil {
			sink.Close()
		}
		conv.closeRawLog()
	}
	r.log.Info("registry shut down", "conversations", len(convs))
}

// handleProcessExit reclaims all per-conversation state after the backing
// process dies on its own. The bound sink always sees a terminal error+done
// pair before closing; no client is left hanging. The tracker entry survives
// so a respawn of the same session id resumes.
func (r *Registry) handleProcessExit(conv *Conversation, exitErr error, stderr string) {
	msg := "conversation process exited"
	if exitErr != nil {
		msg = fmt.Sprintf("conversation process exited: %v", exitErr)
	}
	if stderr != "" {
		conv.log.Warn("process stderr at exit", "stderr", stderr)
	}
	conv.log.Info("process exited, reclaiming conversation", "error", exitErr)

	conv.mu.Lock()
	conv.process = nil
	conv.buffer.Reset()
	conv.mu.Unlock()

	conv.deliver([]claude.Event{claude.ErrorEvent(msg), claude.DoneEvent()})
	conv.closeRawLog()

	r.mu.Lock()
	delete(r.conversations, conv.ID)
	r.mu.Unlock()
}
