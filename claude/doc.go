// Package claude manages Claude CLI processes and translates their
// stream-json output into the bridge's normalized event vocabulary.
//
// Each conversation owns one ProcessManager, which wraps a single long-running
// `claude` process in stream-json mode: user turns are written to stdin as
// line-delimited JSON, and stdout is surfaced as raw chunks with arbitrary
// boundaries. A LineBuffer reassembles complete lines before they reach
// Translate, the stateless classifier that maps one wire record to zero or
// more Events (text, tool_use, done, error, or a pass-through of an
// unrecognized record).
//
// Process readiness: the CLI emits a `system`/`init` record on stdout once its
// input loop is live. WriteMessage calls issued before that first line are
// queued inside the ProcessManager and flushed in order when it arrives, so no
// turn is lost to a write racing process startup.
//
// stderr is captured for diagnostics only and never parsed as protocol data.
package claude
