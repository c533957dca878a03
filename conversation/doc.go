// Package conversation multiplexes independent conversations, each bound 1:1
// to a long-running Claude CLI process. The Registry composes a process
// supervisor, a line demultiplexer, and the event translator per conversation,
// and binds at most one stream sink per conversation for event delivery.
//
// Lifecycle: SpawnOrAttach is idempotent per conversation id; the backing
// process exiting (for any reason) delivers terminal events to the bound sink
// and reclaims all per-conversation state. Session ids outlive conversations:
// the resume tracker remembers every session it has seen so a later spawn with
// the same session id resumes instead of starting fresh.
package conversation
