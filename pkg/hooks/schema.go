package hooks

// JSON schemas for the host lifecycle payloads. Unknown extra fields
// are allowed; hosts add fields between releases.

const postToolUseSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["session_id", "tool_name"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"cwd": {"type": "string"},
		"tool_name": {"type": "string", "minLength": 1},
		"tool_input": {},
		"tool_response": {}
	}
}`

const sessionEndSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["session_id"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"cwd": {"type": "string"},
		"reason": {"type": "string"}
	}
}`

const sessionStartSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["session_id"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"cwd": {"type": "string"},
		"source": {"type": "string"}
	}
}`
