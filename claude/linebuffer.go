package claude

import "strings"

// LineBuffer reassembles complete lines from a stream of raw output chunks.
// Chunk boundaries are arbitrary: a chunk may contain several lines, a partial
// line, or no terminator at all. At most one incomplete trailing fragment is
// retained between calls.
//
// LineBuffer is not safe for concurrent use; each conversation owns one and
// feeds it from a single goroutine.
type LineBuffer struct {
	pending string
}

// Feed appends a raw chunk and returns the complete lines it unlocked, in
// arrival order, without their terminators. The trailing fragment (everything
// after the last newline) becomes the new pending buffer. A line is never
// returned before its terminator has been observed.
func (b *LineBuffer) Feed(chunk string) []string {
	data := b.pending + chunk
	parts := strings.Split(data, "\n")
	b.pending = parts[len(parts)-1]
	return parts[:len(parts)-1]
}

// Pending returns the current incomplete fragment, if any.
func (b *LineBuffer) Pending() string {
	return b.pending
}

// Reset discards any pending fragment. Called on process exit: unterminated
// trailing output is invisible downstream.
func (b *LineBuffer) Reset() {
	b.pending = ""
}
