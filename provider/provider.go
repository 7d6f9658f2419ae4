// Package provider defines the model-completion port. A responder hands
// the full turn sequence to a Completer and gets back either a terminal
// assistant turn or a set of requested tool calls; everything about how
// the completion is produced stays behind the interface.
package provider

import (
	"context"

	"github.com/invopop/jsonschema"

	"github.com/drover-io/drover/history"
)

// ToolDef describes one tool capability offered to the model.
type ToolDef struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Schema      *jsonschema.Schema `json:"schema,omitempty"`
}

// CompletionRequest carries everything a Completer needs for one turn.
// Entries is the ordered conversation history; Instructions, when set,
// is injected as the leading system turn.
type CompletionRequest struct {
	Instructions      string
	Entries           []history.Entry
	Tools             []ToolDef
	ParallelToolCalls bool
}

// Completion is the model's answer. Either Content is a terminal
// assistant turn, or ToolCalls names the work the model wants done
// before it can produce one.
type Completion struct {
	Content      string
	ToolCalls    []history.ToolCall
	FinishReason string
}

// Completer produces one completion per call. Implementations must be
// safe for concurrent use.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}
