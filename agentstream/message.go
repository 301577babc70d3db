// Package agentstream drives the external agent subprocess: it feeds it a
// prompt, consumes its line-delimited tagged message stream, and persists
// each message as an event with correct parent-uuid chaining.
package agentstream

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Message types observed on the wire. The agent is a black box; these are
// the only tags the streamer inspects.
const (
	TypeSystem    = "system"
	TypeUser      = "user"
	TypeAssistant = "assistant"
	TypeResult    = "result"
)

// Message is one raw tagged message from the agent subprocess. The streamer
// reads only the handful of named fields it needs (type, session_id,
// subtype, tool_use_id) out of the envelope via gjson rather than fully
// unmarshaling it, since the rest of the payload is opaque and stored
// verbatim as the event's data.
type Message struct {
	Raw []byte
}

// ParseMessage wraps one raw JSON line from the agent subprocess.
func ParseMessage(line []byte) Message {
	return Message{Raw: line}
}

// Type returns the message's top-level "type" tag.
func (m Message) Type() string {
	return gjson.GetBytes(m.Raw, "type").String()
}

// Subtype returns the message's top-level "subtype" tag, if any.
func (m Message) Subtype() string {
	return gjson.GetBytes(m.Raw, "subtype").String()
}

// SessionID returns the agent-assigned session id carried on this message,
// if any.
func (m Message) SessionID() string {
	return gjson.GetBytes(m.Raw, "session_id").String()
}

// IsAssistant reports whether this message is an assistant turn.
func (m Message) IsAssistant() bool {
	return m.Type() == TypeAssistant
}

// IsResult reports whether this message is the terminal result frame.
func (m Message) IsResult() bool {
	return m.Type() == TypeResult
}

// ToolUseIDs returns every tool_use_id this message's content parts
// reference — present on assistant tool_use parts and user tool_result
// parts, used to pair requests with their results.
func (m Message) ToolUseIDs() []string {
	var ids []string
	for _, part := range gjson.GetBytes(m.Raw, "message.content").Array() {
		if id := part.Get("tool_use_id"); id.Exists() {
			ids = append(ids, id.String())
		}
		if id := part.Get("id"); id.Exists() && part.Get("type").String() == "tool_use" {
			ids = append(ids, id.String())
		}
	}
	return ids
}

// IsToolResultOnly reports whether this is a user message whose entire
// content is tool_result parts with no new human text — the agent's echo
// of a tool's output back into the conversation, not a message a user
// typed. These carry no information a UI reader needs and are stored
// Visible=false, same as system frames.
func (m Message) IsToolResultOnly() bool {
	if m.Type() != TypeUser {
		return false
	}
	content := gjson.GetBytes(m.Raw, "message.content")
	if !content.IsArray() {
		return false
	}
	parts := content.Array()
	if len(parts) == 0 {
		return false
	}
	for _, part := range parts {
		if part.Get("type").String() != "tool_result" {
			return false
		}
	}
	return true
}

// WithSessionID returns a copy of the raw message with session_id patched
// to id, used when the agent rotates its session id mid-stream and the
// stored event must reflect the rotated id.
func (m Message) WithSessionID(id string) (Message, error) {
	patched, err := sjson.SetBytes(m.Raw, "session_id", id)
	if err != nil {
		return Message{}, err
	}
	return Message{Raw: patched}, nil
}
