package claude

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// ContentType represents the type of content in a message block
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

// ContentBlock represents a single piece of content in a user turn
type ContentBlock struct {
	Type   ContentType  `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource represents an embedded image attachment
type ImageSource struct {
	Type      string `json:"type"`       // "base64"
	MediaType string `json:"media_type"` // "image/png", "image/jpeg", etc.
	Data      string `json:"data"`       // base64 encoded image data
}

// StreamInputMessage is the format written to the CLI's stdin in stream-json mode
type StreamInputMessage struct {
	Type    string `json:"type"` // "user"
	Message struct {
		Role    string         `json:"role"`    // "user"
		Content []ContentBlock `json:"content"` // content blocks
	} `json:"message"`
}

// ControlMessage approves or denies a pending tool invocation. It rides the
// same stdin channel as user turns, discriminated by type "control".
type ControlMessage struct {
	Type      string          `json:"type"` // "control"
	RequestID string          `json:"request_id"`
	Behavior  string          `json:"behavior"`         // "approve" or "deny"
	Data      json.RawMessage `json:"data,omitempty"`   // approval payload
	Reason    string          `json:"reason,omitempty"` // denial reason
}

// dataURIPattern matches inline attachments of the form
// data:<mime-type>;base64,<payload>.
var dataURIPattern = regexp.MustCompile(`^data:([a-zA-Z0-9.+/-]+);base64,(.+)$`)

// ParseDataURI decodes one data-URI attachment into an ImageSource. Returns an
// error for non-data-URIs, non-image media types, and invalid base64 payloads.
func ParseDataURI(uri string) (*ImageSource, error) {
	m := dataURIPattern.FindStringSubmatch(uri)
	if m == nil {
		return nil, fmt.Errorf("not a base64 data-URI")
	}
	mediaType, payload := m[1], m[2]

	if !strings.HasPrefix(mediaType, "image/") {
		return nil, fmt.Errorf("unsupported attachment media type %q", mediaType)
	}

	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}

	return &ImageSource{
		Type:      "base64",
		MediaType: mediaType,
		Data:      payload,
	}, nil
}

// BuildUserMessage serializes one user turn as a single line-delimited JSON
// record: a text part plus zero or more inline attachments. Malformed
// attachments are skipped with a warning, never fatal to the turn.
func BuildUserMessage(content string, attachments []string, log *slog.Logger) ([]byte, error) {
	blocks := []ContentBlock{{Type: ContentTypeText, Text: content}}

	for i, uri := range attachments {
		source, err := ParseDataURI(uri)
		if err != nil {
			log.Warn("skipping malformed attachment", "index", i, "error", err)
			continue
		}
		blocks = append(blocks, ContentBlock{Type: ContentTypeImage, Source: source})
	}

	msg := StreamInputMessage{Type: "user"}
	msg.Message.Role = "user"
	msg.Message.Content = blocks

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user message: %w", err)
	}
	return append(data, '\n'), nil
}

// BuildControlMessage serializes an approve/deny record for a pending tool
// invocation.
func BuildControlMessage(requestID, behavior string, data json.RawMessage, reason string) ([]byte, error) {
	msg := ControlMessage{
		Type:      "control",
		RequestID: requestID,
		Behavior:  behavior,
		Data:      data,
		Reason:    reason,
	}

	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal control message: %w", err)
	}
	return append(out, '\n'), nil
}
