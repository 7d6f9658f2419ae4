package node

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/drover-io/drover/envelope"
	"github.com/drover-io/drover/pkg/slogx"
	"github.com/drover-io/drover/provider"
)

var _ Node = (*Responder)(nil)

// Responder is the model-backed node: it consumes a TurnRequest carrying
// the full turn sequence, runs one completion, and replies with a
// TurnResponse that is either terminal or requests tool calls. It holds no
// conversation state of its own, so it can run anywhere on the broker and
// scale horizontally.
type Responder struct {
	name      string
	completer provider.Completer
}

// NewResponder creates a responder node.
func NewResponder(name string, completer provider.Completer) (*Responder, error) {
	if name == "" {
		return nil, fmt.Errorf("node: responder has no name")
	}
	if completer == nil {
		return nil, fmt.Errorf("node: responder %s has no completer", name)
	}
	return &Responder{name: name, completer: completer}, nil
}

func (r *Responder) Name() string { return r.name }

func (r *Responder) Subscriptions() []string {
	return []string{envelope.InputTopic(r.name)}
}

// Handle runs one completion for the inbound turn sequence.
func (r *Responder) Handle(ctx context.Context, env *envelope.Envelope, nc *Context) ([]*envelope.Envelope, error) {
	var req TurnRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, fmt.Errorf("node: responder %s: decode turn request: %w", r.name, err)
	}

	completion, err := r.completer.Complete(ctx, provider.CompletionRequest{
		Instructions:      req.Instructions,
		Entries:           req.Entries,
		Tools:             req.Tools,
		ParallelToolCalls: req.ParallelToolCalls,
	})
	if err != nil {
		return nil, fmt.Errorf("node: responder %s: %w", r.name, err)
	}

	nc.Logger().DebugContext(ctx, "turn completed",
		slogx.Node(r.name),
		slogx.Conversation(env.ConversationID()),
		slogx.Envelope(env.ID))

	resp := TurnResponse{
		Content:      completion.Content,
		ToolCalls:    completion.ToolCalls,
		FinishReason: completion.FinishReason,
	}
	replyTo := env.ReplyTo()
	if replyTo == "" {
		replyTo = envelope.OutputTopic(r.name)
	}
	reply, err := env.Reply(replyTo, resp)
	if err != nil {
		return nil, err
	}
	return []*envelope.Envelope{reply}, nil
}
