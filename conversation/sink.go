package conversation

import "github.com/zhubert/plural-bridge/claude"

// Sink receives normalized events for one conversation. The HTTP layer
// implements it over an SSE response; tests implement it in memory.
//
// Send is called from process-owned goroutines and must not block
// indefinitely. A Send error detaches the sink. Close ends the sink, either
// because a newer attach superseded it or a terminal event ended the turn;
// those can race, so Close must tolerate a second call.
type Sink interface {
	Send(event claude.Event) error
	Close()
}
