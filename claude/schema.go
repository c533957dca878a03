package claude

import "fmt"

// DefaultSchema is the structured-output shape the CLI is instructed to emit
// when a conversation does not declare its own: a page-directive object with a
// list of DOM mutations, an explanation for the user, and an action
// discriminator.
const DefaultSchema = `{
  "type": "object",
  "properties": {
    "domChanges": {"type": "array", "items": {"type": "object"}},
    "response": {"type": "string"},
    "action": {"type": "string"}
  },
  "required": ["domChanges", "response", "action"]
}`

// structuredOutputPrompt builds the system-prompt fragment that instructs the
// model to reply with machine-parseable JSON conforming to the given schema.
// The translator recognizes conforming text blocks and surfaces them as
// tool_use events (see parseDirective).
func structuredOutputPrompt(schema string) string {
	return fmt.Sprintf(
		"When you respond, reply with exactly one JSON object conforming to this schema, with no surrounding prose or code fences:\n%s\n"+
			"Put the message for the user in the \"response\" field.",
		schema,
	)
}
