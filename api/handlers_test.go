package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhubert/plural-bridge/auth"
	"github.com/zhubert/plural-bridge/claude"
	"github.com/zhubert/plural-bridge/conversation"
	"github.com/zhubert/plural-bridge/snapshot"
)

type fakeProcess struct {
	mu      sync.Mutex
	running bool
	writes  []string
}

func (f *fakeProcess) Start() error { f.mu.Lock(); f.running = true; f.mu.Unlock(); return nil }
func (f *fakeProcess) Stop()        { f.mu.Lock(); f.running = false; f.mu.Unlock() }
func (f *fakeProcess) Signal()      {}

func (f *fakeProcess) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeProcess) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(data))
	return nil
}

type testEnv struct {
	server   *httptest.Server
	registry *conversation.Registry

	mu        sync.Mutex
	processes []*fakeProcess
	callbacks []claude.ProcessCallbacks
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &testEnv{}
	env.registry = conversation.NewRegistry(conversation.RegistryConfig{Binary: "claude", DefaultModel: "sonnet"}, log)
	env.registry.SetProcessFactory(func(cfg claude.ProcessConfig, cb claude.ProcessCallbacks, _ *slog.Logger) conversation.Process {
		p := &fakeProcess{}
		env.mu.Lock()
		env.processes = append(env.processes, p)
		env.callbacks = append(env.callbacks, cb)
		env.mu.Unlock()
		return p
	})

	checker := auth.NewChecker(filepath.Join(t.TempDir(), ".credentials.json"), log)
	handler := NewHandler(env.registry, snapshot.NewStore(), checker, log)
	env.server = httptest.NewServer(NewRouter(handler))
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) lastCallbacks() claude.ProcessCallbacks {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callbacks[len(e.callbacks)-1]
}

func (e *testEnv) lastProcess() *fakeProcess {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processes[len(e.processes)-1]
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func TestCreateConversation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/conversations", map[string]string{"sessionId": "sess-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created createConversationResponse
	decodeData(t, resp, &created)
	assert.NotEmpty(t, created.ConversationID)
	assert.Equal(t, "sess-1", created.SessionID)
	assert.False(t, created.Resumed)
	assert.True(t, created.Created)

	// Same conversation id again: idempotent reuse, 200 not 201.
	resp = env.post(t, "/conversations", map[string]string{"conversationId": created.ConversationID})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reused createConversationResponse
	decodeData(t, resp, &reused)
	assert.Equal(t, created.ConversationID, reused.ConversationID)
	assert.False(t, reused.Created)
}

func TestCreateConversationBadBody(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Post(env.server.URL+"/conversations", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/conversations", map[string]string{"conversationId": "conv-1"})
	resp.Body.Close()

	resp = env.post(t, "/conversations/conv-1/messages", map[string]string{"content": "hello"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	proc := env.lastProcess()
	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.writes, 1)
	assert.Contains(t, proc.writes[0], `"hello"`)
}

// A message for a conversation with no live process is still acknowledged.
func TestSendMessageMissingProcessStillAcks(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/conversations/no-such/messages", map[string]string{"content": "hello"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendMessageRequiresContent(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/conversations/conv-1/messages", map[string]string{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApproveDeny(t *testing.T) {
	env := newTestEnv(t)

	// Control against a missing conversation is a client error, unlike messages.
	resp := env.post(t, "/conversations/no-such/approve", map[string]string{"requestId": "req-1"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.post(t, "/conversations", map[string]string{"conversationId": "conv-1"})
	resp.Body.Close()

	resp = env.post(t, "/conversations/conv-1/approve", map[string]any{
		"requestId": "req-1",
		"data":      map[string]string{"confirmed": "yes"},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.post(t, "/conversations/conv-1/deny", map[string]string{
		"requestId": "req-2",
		"reason":    "not allowed",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	proc := env.lastProcess()
	proc.mu.Lock()
	writes := append([]string(nil), proc.writes...)
	proc.mu.Unlock()
	require.Len(t, writes, 2)
	assert.Contains(t, writes[0], `"approve"`)
	assert.Contains(t, writes[1], `"deny"`)

	// Dead process: 400.
	proc.Stop()
	resp = env.post(t, "/conversations/conv-1/approve", map[string]string{"requestId": "req-3"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetAndListAndDelete(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/conversations", map[string]string{"conversationId": "conv-1", "sessionId": "sess-1"})
	resp.Body.Close()

	resp, err := http.Get(env.server.URL + "/conversations/conv-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail conversationDetail
	decodeData(t, resp, &detail)
	assert.Equal(t, "conv-1", detail.ConversationID)
	assert.Equal(t, "sess-1", detail.SessionID)

	resp, err = http.Get(env.server.URL + "/conversations")
	require.NoError(t, err)
	var list []conversation.Summary
	decodeData(t, resp, &list)
	assert.Len(t, list, 1)

	req, err := http.NewRequest(http.MethodDelete, env.server.URL+"/conversations/conv-1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, env.lastProcess().IsRunning())

	resp, err = http.Get(env.server.URL + "/conversations/conv-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSnapshotRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/conversations/conv-1/snapshot", map[string]string{
		"html": `<html><body><h1 id="title">Hi</h1></body></html>`,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(env.server.URL + "/conversations/conv-1/elements?selector=%23title")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var elements []snapshot.Element
	decodeData(t, resp, &elements)
	require.Len(t, elements, 1)
	assert.Equal(t, "h1", elements[0].Tag)
	assert.Equal(t, "Hi", elements[0].Text)

	// Both or neither query parameter: client error.
	resp, err = http.Get(env.server.URL + "/conversations/conv-1/elements")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/conversations/other/elements?selector=h1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	decodeData(t, resp, &health)
	assert.Equal(t, "ok", health["status"])
}

func TestAuthStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/auth/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status auth.Status
	decodeData(t, resp, &status)
	// No credentials file in the test environment; availability depends on
	// whether the host has ANTHROPIC_API_KEY set, so only shape is asserted.
	_ = status
}

func TestStreamUnknownConversation(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/conversations/no-such/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// End to end: process output flows through demux and translator onto the SSE
// response, and the stream ends after the terminal event.
func TestStreamDeliversEvents(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/conversations", map[string]string{"conversationId": "conv-1"})
	resp.Body.Close()

	stream, err := http.Get(env.server.URL + "/conversations/conv-1/stream")
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	// Wait for the sink to be attached before producing output; the initial
	// comment frame doubles as the attach signal.
	reader := bufio.NewReader(stream.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, ":"))

	cb := env.lastCallbacks()
	go func() {
		out := `{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}` + "\n" +
			`{"type":"result","subtype":"success"}` + "\n"
		// Fragmented deliberately; the demux must reassemble.
		cb.OnOutput(out[:17])
		cb.OnOutput(out[17:])
	}()

	var events []claude.Event
	deadline := time.After(5 * time.Second)
	for len(events) < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out, events so far: %v", events)
		default:
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event claude.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &event))
		events = append(events, event)
	}

	require.Len(t, events, 2)
	assert.Equal(t, claude.EventText, events[0].Type)
	assert.Equal(t, "hi", events[0].Data)
	assert.Equal(t, claude.EventDone, events[1].Type)

	// The response must end after the terminal event.
	_, err = io.ReadAll(reader)
	assert.NoError(t, err)
}

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/conversations", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestSinkBufferFull(t *testing.T) {
	sink := newSSESink()
	for i := 0; i < sseSinkBuffer; i++ {
		require.NoError(t, sink.Send(claude.TextEvent(fmt.Sprintf("event %d", i))))
	}
	assert.Error(t, sink.Send(claude.TextEvent("overflow")), "full buffer must reject, not block")

	sink.Close()
	sink.Close() // idempotent
	assert.Error(t, sink.Send(claude.TextEvent("after close")))
}
