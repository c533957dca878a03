package claude

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// MalformedFallbackMessage is emitted as a text event when a wire record
// cannot be decoded at all. The turn is then terminated; a malformed record is
// never retried.
const MalformedFallbackMessage = "The assistant produced an unreadable response."

// GenericErrorMessage is used when an error record carries no message of its own.
const GenericErrorMessage = "The assistant reported an error."

// wireRecord is the subset of Claude's stream-json output the translator
// inspects. Everything else rides along via the pass-through path.
type wireRecord struct {
	Type    string `json:"type"` // "assistant", "result", "error", ...
	Message struct {
		Content []struct {
			Type  string          `json:"type"` // "text", "tool_use", ...
			Text  string          `json:"text,omitempty"`
			Name  string          `json:"name,omitempty"`
			Input json.RawMessage `json:"input,omitempty"`
		} `json:"content"`
	} `json:"message"`
	Error string `json:"error,omitempty"`
}

// Directive is the structured output shape the CLI is instructed to emit: a
// list of page mutations, a human-readable explanation, and an action
// discriminator. All three fields are required for a text block to be treated
// as a directive.
type Directive struct {
	DOMChanges []any  `json:"domChanges"`
	Response   string `json:"response"`
	Action     string `json:"action"`
}

// Translate classifies one complete output line into zero or more normalized
// events. It is stateless: the same line always yields the same sequence.
//
// Classification priority:
//  1. assistant records: content blocks in array order; text blocks that parse
//     as a Directive yield tool_use then text, otherwise text verbatim;
//     tool_use blocks yield tool_use (plus text when the input carries a
//     response field); other block kinds are logged and skipped.
//  2. result records: done (terminal).
//  3. error records: error then done (terminal).
//  4. any other record type: passed through verbatim.
//  5. lines that do not decode as JSON: fixed fallback text then done
//     (terminal). A line that decodes but carries no type discriminator is not
//     protocol output; it is logged and skipped without ending the turn.
func Translate(line string, log *slog.Logger) []Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var msg wireRecord
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Warn("malformed wire record", "line", truncateForLog(line))
		return []Event{TextEvent(MalformedFallbackMessage), DoneEvent()}
	}
	if msg.Type == "" {
		log.Debug("wire record without a type, ignoring", "line", truncateForLog(line))
		return nil
	}

	switch msg.Type {
	case "assistant":
		var events []Event
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				events = append(events, translateTextBlock(block.Text)...)
			case "tool_use":
				events = append(events, translateToolUseBlock(block.Name, block.Input, log)...)
			default:
				log.Debug("ignoring content block", "blockType", block.Type)
			}
		}
		return events

	case "result":
		return []Event{DoneEvent()}

	case "error":
		errMsg := msg.Error
		if errMsg == "" {
			errMsg = GenericErrorMessage
		}
		return []Event{ErrorEvent(errMsg), DoneEvent()}

	default:
		// Unrecognized record kind - forward verbatim so newer CLI versions
		// degrade gracefully instead of being dropped.
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			log.Warn("malformed wire record", "line", truncateForLog(line))
			return []Event{TextEvent(MalformedFallbackMessage), DoneEvent()}
		}
		return []Event{PassThroughEvent(msg.Type, record)}
	}
}

// translateTextBlock handles an assistant text block. The model replies either
// with prose or with the structured directive embedded as JSON text; both are
// served through the same downstream contract.
func translateTextBlock(text string) []Event {
	if directive, ok := parseDirective(text); ok {
		return []Event{ToolUseEvent(directive), TextEvent(directive.Response)}
	}
	return []Event{TextEvent(text)}
}

// translateToolUseBlock handles an assistant tool_use block carrying a
// structured input object.
func translateToolUseBlock(name string, input json.RawMessage, log *slog.Logger) []Event {
	if len(input) == 0 {
		log.Debug("tool_use block without input", "tool", name)
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal(input, &obj); err != nil {
		log.Warn("undecodable tool_use input", "tool", name, "error", err)
		return nil
	}

	events := []Event{ToolUseEvent(obj)}
	if response := responseField(obj); response != "" {
		events = append(events, TextEvent(response))
	}
	return events
}

// parseDirective attempts to decode a text block as the structured directive.
// All three fields must be present with the right shapes; anything less is
// treated as plain prose.
func parseDirective(text string) (*Directive, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, false
	}
	for _, key := range []string{"domChanges", "response", "action"} {
		if _, ok := raw[key]; !ok {
			return nil, false
		}
	}

	var d Directive
	if err := json.Unmarshal([]byte(trimmed), &d); err != nil {
		return nil, false
	}
	if d.DOMChanges == nil {
		d.DOMChanges = []any{}
	}
	return &d, true
}

// responseField extracts the explanation text from a tool input, checking the
// directive's field name first and the legacy alias second.
func responseField(obj map[string]any) string {
	if s, ok := obj["response"].(string); ok {
		return s
	}
	if s, ok := obj["explanation"].(string); ok {
		return s
	}
	return ""
}

// truncateForLog truncates long strings for log messages
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
