package claude

// EventType identifies a normalized event in the bridge's outward vocabulary.
// Pass-through events carry the raw record's own type string instead of one of
// these constants.
type EventType string

const (
	EventText    EventType = "text"
	EventToolUse EventType = "tool_use"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Event is one normalized event as delivered to an attached stream sink.
// The JSON shape matches the SSE wire format: {"type": ..., "data": ...}.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// Terminal reports whether this event ends the current turn. After a terminal
// event the bound sink is closed and the conversation's demux buffer released.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// TextEvent returns a text event carrying assistant prose.
func TextEvent(text string) Event {
	return Event{Type: EventText, Data: text}
}

// ToolUseEvent returns a tool_use event carrying a structured input object,
// either a parsed page directive or a raw tool invocation input.
func ToolUseEvent(input any) Event {
	return Event{Type: EventToolUse, Data: input}
}

// DoneEvent returns the terminal done event.
func DoneEvent() Event {
	return Event{Type: EventDone}
}

// ErrorEvent returns an error event with a human-readable message.
func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Data: msg}
}

// PassThroughEvent forwards an unrecognized record verbatim, typed by the
// record's own discriminator. Forward-compatibility escape hatch: new record
// kinds flow to clients instead of failing.
func PassThroughEvent(recordType string, record map[string]any) Event {
	return Event{Type: EventType(recordType), Data: record}
}
