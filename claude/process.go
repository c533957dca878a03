package claude

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// stopGracePeriod is how long Stop waits for a natural exit before killing.
const stopGracePeriod = 2 * time.Second

// readResult holds the result of a read operation for cancellation handling.
type readResult struct {
	chunk string
	err   error
}

// ProcessConfig holds the configuration for starting a Claude CLI process.
// Options take effect only at first spawn; spawn-or-attach for a conversation
// that already has a live process ignores them (idempotency contract).
type ProcessConfig struct {
	ConversationID string
	SessionID      string // External session identifier passed to the CLI
	Resume         bool   // Resume a previously seen session instead of starting fresh
	Binary         string // CLI executable, default "claude"
	WorkingDir     string
	Model          string // Model tier, default "sonnet"
	SystemPrompt   string // Optional custom system prompt
	Schema         string // Structured-output schema; DefaultSchema when empty
}

// ProcessCallbacks defines callbacks the ProcessManager invokes during
// operation. All callbacks run on the ProcessManager's internal goroutines;
// implementations must be thread-safe and must not block.
type ProcessCallbacks struct {
	// OnOutput is called for each raw chunk read from stdout, in arrival
	// order. Chunk boundaries are arbitrary; callers reassemble lines with a
	// LineBuffer.
	OnOutput func(chunk string)

	// OnReady is called once, when the process emits its first stdout
	// output. Writes queued before readiness have been flushed by the time
	// it runs.
	OnReady func()

	// OnExit is called when the process exits for any reason other than an
	// explicit Stop. err may be nil for a clean exit; stderrContent carries
	// captured diagnostics. The process is never restarted: the conversation
	// ends with its process.
	OnExit func(err error, stderrContent string)
}

// ProcessManager owns one Claude CLI process for one conversation: it spawns
// the process, feeds it input turns, surfaces stdout lines through callbacks,
// and observes exit. Exactly one live ProcessManager exists per conversation.
type ProcessManager struct {
	config    ProcessConfig
	callbacks ProcessCallbacks
	log       *slog.Logger

	// Process state (protected by mu)
	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stdout        io.Reader
	stderr        io.ReadCloser
	stderrContent string
	stderrDone    chan struct{} // closed when stderr has been fully read
	running       bool

	// Readiness: the CLI signals a live input loop with its first stdout
	// line. Until then WriteMessage queues instead of writing, so a turn
	// can never race process startup.
	ready         bool
	pendingWrites [][]byte

	// waitDone is closed by monitorExit when cmd.Wait() completes. Stop()
	// selects on this channel instead of calling cmd.Wait() again, preventing
	// undefined behavior from double Wait().
	waitDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessManager creates a ProcessManager with the given configuration and
// callbacks. The process is not started until Start is called.
func NewProcessManager(config ProcessConfig, callbacks ProcessCallbacks, log *slog.Logger) *ProcessManager {
	return &ProcessManager{
		config:    config,
		callbacks: callbacks,
		log:       log,
	}
}

// BuildCommandArgs builds the CLI argument list for the given config.
// Exported for testing argument construction.
func BuildCommandArgs(config ProcessConfig) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}

	if config.Resume {
		args = append(args, "--resume", config.SessionID)
	} else if config.SessionID != "" {
		args = append(args, "--session-id", config.SessionID)
	}

	model := config.Model
	if model == "" {
		model = "sonnet"
	}
	args = append(args, "--model", model)

	schema := config.Schema
	if schema == "" {
		schema = DefaultSchema
	}
	systemPrompt := structuredOutputPrompt(schema)
	if config.SystemPrompt != "" {
		systemPrompt += "\n\n" + config.SystemPrompt
	}
	args = append(args, "--append-system-prompt", systemPrompt)

	return args
}

// Start starts the CLI process. Calling Start on a running manager is a no-op.
func (pm *ProcessManager) Start() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return nil
	}

	pm.log.Info("starting process", "resume", pm.config.Resume, "sessionID", pm.config.SessionID)
	startTime := time.Now()

	args := BuildCommandArgs(pm.config)

	binary := pm.config.Binary
	if binary == "" {
		binary = "claude"
	}

	pm.log.Debug("starting process", "command", binary+" "+strings.Join(args, " "))
	cmd := exec.Command(binary, args...)
	if pm.config.WorkingDir != "" {
		cmd.Dir = pm.config.WorkingDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		pm.log.Error("failed to get stdin pipe", "error", err)
		return fmt.Errorf("failed to get stdin pipe: %v", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		pm.log.Error("failed to get stdout pipe", "error", err)
		return fmt.Errorf("failed to get stdout pipe: %v", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		pm.log.Error("failed to get stderr pipe", "error", err)
		return fmt.Errorf("failed to get stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		pm.log.Error("failed to start process", "error", err)
		return fmt.Errorf("failed to start process: %v", err)
	}

	pm.cmd = cmd
	pm.stdin = stdin
	pm.stdout = stdout
	pm.stderr = stderr
	pm.stderrContent = ""
	pm.stderrDone = make(chan struct{})
	pm.waitDone = make(chan struct{})
	pm.running = true
	pm.ready = false
	pm.pendingWrites = nil

	// Cancel any previous context to prevent goroutine leaks from prior runs
	if pm.cancel != nil {
		pm.cancel()
	}
	pm.ctx, pm.cancel = context.WithCancel(context.Background())

	pm.log.Info("process started", "elapsed", time.Since(startTime), "pid", cmd.Process.Pid)

	pm.wg.Add(3)
	go func() {
		defer pm.wg.Done()
		pm.readOutput()
	}()
	go func() {
		defer pm.wg.Done()
		pm.drainStderr()
	}()
	go func() {
		defer pm.wg.Done()
		pm.monitorExit()
	}()

	return nil
}

// Stop stops the process. It waits for all goroutines to complete before
// returning. Safe to call multiple times — subsequent calls are no-ops.
func (pm *ProcessManager) Stop() {
	pm.mu.Lock()
	wasRunning := pm.running

	// Cancel context first to signal goroutines to exit
	if pm.cancel != nil {
		pm.cancel()
		pm.cancel = nil
	}

	if !wasRunning {
		pm.mu.Unlock()
		return
	}

	pm.log.Debug("stopping process")

	// Mark as not running immediately to prevent concurrent Stop() from
	// doing duplicate cleanup
	pm.running = false

	// Close stdin to signal EOF to the process
	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}

	cmd := pm.cmd
	waitDone := pm.waitDone
	pm.mu.Unlock()

	// Wait for the process to exit using the waitDone channel from monitorExit.
	// monitorExit is the sole caller of cmd.Wait().
	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			pm.log.Debug("process exited gracefully")
		case <-time.After(stopGracePeriod):
			pm.log.Debug("force killing process")
			cmd.Process.Kill()
			<-waitDone
		}
	}

	// Wait for goroutines (readOutput, drainStderr, monitorExit) to complete
	pm.wg.Wait()

	pm.mu.Lock()
	if pm.stderr != nil {
		pm.stderr.Close()
		pm.stderr = nil
	}
	pm.cmd = nil
	pm.stdout = nil
	pm.mu.Unlock()
}

// Signal delivers a termination signal without waiting for exit. Used on
// supervisor shutdown: fire-and-forget.
func (pm *ProcessManager) Signal() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.running || pm.cmd == nil || pm.cmd.Process == nil {
		return
	}
	pm.log.Info("sending SIGTERM", "pid", pm.cmd.Process.Pid)
	if err := pm.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		pm.log.Warn("failed to signal process", "error", err)
	}
}

// IsRunning returns whether the process is currently running.
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// WriteMessage writes one line-delimited record to the process stdin. Writes
// issued before the process signals readiness are queued and flushed, in
// order, when the first output line arrives.
func (pm *ProcessManager) WriteMessage(data []byte) error {
	pm.mu.Lock()

	if !pm.running || pm.stdin == nil {
		pm.mu.Unlock()
		return fmt.Errorf("process not running")
	}

	if !pm.ready {
		pm.pendingWrites = append(pm.pendingWrites, data)
		pending := len(pm.pendingWrites)
		pm.mu.Unlock()
		pm.log.Debug("queued write until process ready", "queued", pending)
		return nil
	}

	stdin := pm.stdin
	pm.mu.Unlock()

	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to process: %v", err)
	}
	return nil
}

// markReady flushes queued writes and fires OnReady. Called from readOutput on
// the first observed stdout output.
func (pm *ProcessManager) markReady() {
	pm.mu.Lock()
	if pm.ready {
		pm.mu.Unlock()
		return
	}
	pm.ready = true
	queued := pm.pendingWrites
	pm.pendingWrites = nil
	stdin := pm.stdin
	pm.mu.Unlock()

	for _, data := range queued {
		if stdin == nil {
			break
		}
		if _, err := stdin.Write(data); err != nil {
			pm.log.Warn("failed to flush queued write", "error", err)
			break
		}
	}
	if len(queued) > 0 {
		pm.log.Debug("flushed queued writes", "count", len(queued))
	}

	if pm.callbacks.OnReady != nil {
		pm.callbacks.OnReady()
	}
}

// readOutput continuously reads from stdout and invokes callbacks.
func (pm *ProcessManager) readOutput() {
	pm.log.Debug("output reader started")

	for {
		select {
		case <-pm.ctx.Done():
			pm.log.Debug("output reader exiting - context cancelled")
			return
		default:
		}

		pm.mu.Lock()
		running := pm.running
		reader := pm.stdout
		pm.mu.Unlock()

		if !running || reader == nil {
			pm.log.Debug("output reader exiting - process not running")
			return
		}

		chunk, err := pm.readChunk(reader)

		if len(chunk) > 0 {
			// First stdout output means the input loop is live
			pm.markReady()

			if pm.callbacks.OnOutput != nil {
				pm.callbacks.OnOutput(chunk)
			}
		}

		if err != nil {
			select {
			case <-pm.ctx.Done():
				pm.log.Debug("output reader exiting - context cancelled during read")
				return
			default:
			}

			if err == io.EOF {
				pm.log.Debug("EOF on stdout - process exited")
			} else {
				pm.log.Debug("error reading stdout", "error", err)
			}
			// Process exit is handled by monitorExit goroutine
			return
		}
	}
}

// readChunk reads the next raw chunk from the reader, blocking until data is
// available. Chunk boundaries carry no meaning; a chunk may end mid-line.
//
// The spawned goroutine doing Read() cannot be cancelled (Go's blocking I/O
// limitation), but on context cancel Stop() closes stdin and kills the
// process, which unblocks the read with EOF. The channel is buffered so the
// goroutine can always send its result even after this function has returned.
func (pm *ProcessManager) readChunk(reader io.Reader) (string, error) {
	resultCh := make(chan readResult, 1)

	go func() {
		buf := make([]byte, 4096)
		n, err := reader.Read(buf)
		resultCh <- readResult{chunk: string(buf[:n]), err: err}
	}()

	select {
	case <-pm.ctx.Done():
		return "", pm.ctx.Err()
	case result := <-resultCh:
		return result.chunk, result.err
	}
}

// drainStderr reads all stderr content and stores it for later retrieval.
// This must run concurrently with the process so stderr is captured before
// cmd.Wait() closes the pipe. stderr is diagnostics only, never protocol data.
func (pm *ProcessManager) drainStderr() {
	defer close(pm.stderrDone)

	pm.mu.Lock()
	stderr := pm.stderr
	pm.mu.Unlock()

	if stderr == nil {
		return
	}

	stderrBytes, err := io.ReadAll(stderr)
	if err != nil {
		pm.log.Debug("error reading stderr", "error", err)
		return
	}
	if len(stderrBytes) > 0 {
		content := strings.TrimSpace(string(stderrBytes))
		pm.mu.Lock()
		pm.stderrContent = content
		pm.mu.Unlock()
		pm.log.Debug("captured stderr", "content", content)
	}
}

// monitorExit waits for the process to exit and handles cleanup. It is the
// sole caller of cmd.Wait() — Stop() coordinates via the waitDone channel.
func (pm *ProcessManager) monitorExit() {
	pm.mu.Lock()
	cmd := pm.cmd
	waitDone := pm.waitDone
	pm.mu.Unlock()

	if cmd == nil {
		if waitDone != nil {
			close(waitDone)
		}
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		pm.log.Debug("process exited", "error", err)
		// Signal that cmd.Wait() has completed before handling exit,
		// so Stop() can proceed while handleExit runs
		if waitDone != nil {
			close(waitDone)
		}
		pm.handleExit(err)
	case <-pm.ctx.Done():
		pm.log.Debug("process monitor - context cancelled, waiting for cmd.Wait()")
		// Stop() closes stdin and may kill the process, which unblocks Wait().
		<-done
		if waitDone != nil {
			close(waitDone)
		}
	}
}

// handleExit handles cleanup when the process exits spontaneously.
func (pm *ProcessManager) handleExit(err error) {
	pm.mu.Lock()

	if !pm.running {
		pm.mu.Unlock()
		return
	}

	pm.log.Debug("handling process exit")
	stderrDone := pm.stderrDone

	// Check if context was cancelled (Stop() was called)
	ctxCancelled := pm.ctx != nil && pm.ctx.Err() != nil
	pm.mu.Unlock()

	// Wait for stderr to be fully drained
	if stderrDone != nil {
		<-stderrDone
	}

	pm.mu.Lock()
	stderrContent := pm.stderrContent
	pm.cleanupLocked()
	pm.mu.Unlock()

	if ctxCancelled {
		pm.log.Debug("process exit due to stop, skipping exit callback")
		return
	}

	if pm.callbacks.OnExit != nil {
		pm.callbacks.OnExit(err, stderrContent)
	}
}

// cleanupLocked cleans up process resources. Must be called with mu held.
func (pm *ProcessManager) cleanupLocked() {
	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}
	if pm.stderr != nil {
		pm.stderr.Close()
		pm.stderr = nil
	}
	pm.cmd = nil
	pm.stdout = nil
	pm.stderrContent = ""
	pm.stderrDone = nil
	pm.waitDone = nil
	pm.running = false
	pm.ready = false
	pm.pendingWrites = nil
}
