package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/zhubert/plural-bridge/claude"
)

// sseSinkBuffer bounds how far event production may run ahead of a slow
// client before the sink is detached. There is no backpressure on the
// process; a full buffer drops the client, not the conversation.
const sseSinkBuffer = 64

// sseKeepaliveInterval is how often a comment frame is sent to hold the
// connection open through proxies.
const sseKeepaliveInterval = 30 * time.Second

// sseSink adapts an SSE response to the conversation.Sink contract. Events
// are handed off through a buffered channel; the HTTP handler goroutine drains
// it and writes frames. Send never blocks the process's reader goroutine.
type sseSink struct {
	events chan claude.Event
	done   chan struct{}
	once   sync.Once
}

func newSSESink() *sseSink {
	return &sseSink{
		events: make(chan claude.Event, sseSinkBuffer),
		done:   make(chan struct{}),
	}
}

func (s *sseSink) Send(event claude.Event) error {
	select {
	case <-s.done:
		return errors.New("sink closed")
	default:
	}

	select {
	case s.events <- event:
		return nil
	default:
		return errors.New("sink buffer full, client too slow")
	}
}

func (s *sseSink) Close() {
	s.once.Do(func() { close(s.done) })
}

// serveSSE writes the event stream until the sink closes or the client goes
// away. Frames are the normalized event JSON: {"type": ..., "data": ...}.
func serveSSE(w http.ResponseWriter, r *http.Request, sink *sseSink) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, CodeInternalError, "streaming not supported")
		return
	}

	// Initial comment so the client sees the stream is open
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(sseKeepaliveInterval)
	defer ticker.Stop()

	writeEvent := func(event claude.Event) {
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case event := <-sink.events:
			writeEvent(event)
		case <-sink.done:
			// Terminal events may still sit in the buffer; flush them
			// before ending the response.
			for {
				select {
				case event := <-sink.events:
					writeEvent(event)
				default:
					return
				}
			}
		}
	}
}
