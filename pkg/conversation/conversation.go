// Package conversation models the ordered message history of a session and
// the size-bounding operations applied to it: overflow detection against a
// model's context window and lossy compaction of older turns.
package conversation

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single conversation turn.
type Message struct {
	Role            string                 `json:"role"`
	Content         string                 `json:"content"`
	OriginatingTool string                 `json:"originating_tool,omitempty"`
	ToolCallID      string                 `json:"tool_call_id,omitempty"`
	ToolCalls       []ToolCall             `json:"tool_calls,omitempty"`
	Timestamp       time.Time              `json:"timestamp,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall is a model-requested tool invocation recorded on an assistant
// turn.
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// Conversation is an ordered message sequence. It is mutated only by
// appending or by a single atomic compaction that replaces a prefix with
// one summary message; the recent suffix is never rewritten.
type Conversation []Message

// Append returns the conversation with msg appended.
func (c Conversation) Append(msg Message) Conversation {
	return append(c, msg)
}

// Clone returns a copy safe to mutate independently.
func (c Conversation) Clone() Conversation {
	out := make(Conversation, len(c))
	copy(out, c)
	return out
}
