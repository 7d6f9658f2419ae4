// Package history defines the conversation history contract: an ordered,
// append-only log of turns per conversation. Routers append every turn
// they observe and reload the full sequence before each responder
// invocation, so a router restart loses no conversational state as long
// as the store survives.
package history

import (
	"context"
	"fmt"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolCall is a tool invocation requested by an assistant turn.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Entry is one turn in a conversation. Sequence is assigned by the store
// on append and is strictly increasing within a conversation.
type Entry struct {
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content,omitempty"`
	ToolCalls      []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID     string          `json:"tool_call_id,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	Sequence       uint64          `json:"sequence"`
	CreatedAt      strfmt.DateTime `json:"created_at,omitempty"`
}

// Validate checks the parts of an entry the caller must supply.
func (e Entry) Validate() error {
	if !e.Role.valid() {
		return fmt.Errorf("history: invalid role %q", e.Role)
	}
	if e.Role == RoleTool && e.ToolCallID == "" {
		return fmt.Errorf("history: tool entry has no tool call id")
	}
	return nil
}

// Store persists conversation turns. Append is atomic: either every entry
// in the call is recorded with consecutive sequence numbers, or none are.
// Load returns copies in append order, so callers can mutate the result.
type Store interface {
	Append(ctx context.Context, conversationID string, entries ...Entry) error
	Load(ctx context.Context, conversationID string) ([]Entry, error)
	Delete(ctx context.Context, conversationID string) error
}
