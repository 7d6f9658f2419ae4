package node

import (
	json "github.com/goccy/go-json"

	"github.com/drover-io/drover/history"
	"github.com/drover-io/drover/provider"
)

// Input is the payload of an envelope on a router's input topic.
// SystemPrompt, when set, replaces the router's configured instructions
// for this conversation.
type Input struct {
	Content      string `json:"content"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Sender       string `json:"sender,omitempty"`
}

// Output is the payload of a terminal result envelope.
type Output struct {
	Content string `json:"content"`
}

// ToolCallRequest is the payload of an envelope on a tool-call topic.
type ToolCallRequest struct {
	ToolCallID string          `json:"tool_call_id"`
	Tool       string          `json:"tool"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Caller     string          `json:"caller,omitempty"`
}

// ToolResult is the payload a tool node publishes to the caller's reply
// topic. Error is set instead of Result when the invocation failed in a
// way the model should see.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Tool       string `json:"tool"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TurnRequest is the payload a router sends to a remote responder: the
// full turn sequence plus the capabilities on offer.
type TurnRequest struct {
	Instructions      string             `json:"instructions,omitempty"`
	Entries           []history.Entry    `json:"entries"`
	Tools             []provider.ToolDef `json:"tools,omitempty"`
	ParallelToolCalls bool               `json:"parallel_tool_calls,omitempty"`
}

// TurnResponse is a responder's answer to a TurnRequest.
type TurnResponse struct {
	Content      string             `json:"content,omitempty"`
	ToolCalls    []history.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string             `json:"finish_reason,omitempty"`
}
