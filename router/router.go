// Package router implements the conversation-owning node: it accepts
// input envelopes, drives the responder over the full turn sequence,
// fans tool calls out over the broker, and resolves or delegates the
// conversation. All conversation state lives here; responders and tool
// nodes stay stateless.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/fogfish/opts"
	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/drover-io/drover/correlation"
	"github.com/drover-io/drover/envelope"
	"github.com/drover-io/drover/handoff"
	"github.com/drover-io/drover/history"
	"github.com/drover-io/drover/node"
	"github.com/drover-io/drover/provider"
)

// HandoffToolName is the built-in tool the responder calls to delegate a
// conversation to another router.
const HandoffToolName = "handoff"

// DefaultResponderTimeout bounds one remote responder round trip.
const DefaultResponderTimeout = 2 * time.Minute

// metadata key marking an input envelope as a delegated conversation, so
// the receiving router knows its terminal result returns via the stack.
const metaDelegated = "delegated"

var _ node.Node = (*Router)(nil)

// Router owns conversations addressed to agent.<name>.input.
//
// Conversation state is retained after a turn resolves so a follow-up
// input with the same conversation id continues the thread. A caller that
// knows a conversation is over releases it with Forget; without that the
// working state lives as long as the router does.
type Router struct {
	name             string
	instructions     string
	store            history.Store
	completer        provider.Completer
	requester        *correlation.Requester
	responderTopic   string
	responderTimeout time.Duration
	stack            *handoff.Stack
	tracker          *handoff.Tracker

	tools    []provider.ToolDef
	toolSet  map[string]struct{}
	handoffs map[string]string

	convs *haxmap.Map[string, *conversation]
}

var (
	// WithInstructions sets the system prompt injected before every
	// responder invocation. An inbound Input payload may override it for
	// its conversation.
	WithInstructions = opts.ForName[Router, string]("instructions")
	// WithHistory sets the history store. Without one the router keeps the
	// turn sequence in memory and routes tool calls sequentially.
	WithHistory = opts.ForName[Router, history.Store]("store")
	// WithCompleter makes the responder local: turns run in process.
	WithCompleter = opts.ForName[Router, provider.Completer]("completer")
	// WithStack sets the handoff stack shared by the routers of one
	// deployment. Required when handoff targets are declared.
	WithStack = opts.ForName[Router, *handoff.Stack]("stack")
	// WithResponderTimeout bounds a remote responder round trip.
	WithResponderTimeout = opts.ForName[Router, time.Duration]("responderTimeout")
)

// WithRemoteResponder makes the responder remote: turn requests go to
// topic over the broker and the reply is awaited via the correlation
// registry.
func WithRemoteResponder(topic string, requester *correlation.Requester) opts.Option[Router] {
	return opts.Type[Router](func(r *Router) error {
		r.responderTopic = topic
		r.requester = requester
		return nil
	})
}

// WithTools declares the tool capabilities offered to the responder. The
// tool nodes themselves are registered with the dispatch loop separately;
// the router only needs their definitions for addressing and discovery.
func WithTools(tool *node.Tool, extra ...*node.Tool) opts.Option[Router] {
	return opts.Type[Router](func(r *Router) error {
		for _, t := range append([]*node.Tool{tool}, extra...) {
			def := t.Definition()
			r.tools = append(r.tools, def)
			r.toolSet[def.Name] = struct{}{}
		}
		return nil
	})
}

// WithHandoffTarget declares a router this one may delegate to.
func WithHandoffTarget(name string) opts.Option[Router] {
	return opts.Type[Router](func(r *Router) error {
		r.handoffs[name] = envelope.InputTopic(name)
		return nil
	})
}

// New creates a router.
func New(name string, options ...opts.Option[Router]) (*Router, error) {
	r := &Router{
		name:             name,
		responderTimeout: DefaultResponderTimeout,
		tracker:          handoff.NewTracker(),
		toolSet:          make(map[string]struct{}),
		handoffs:         make(map[string]string),
		convs:            haxmap.New[string, *conversation](),
	}
	if err := opts.Apply(r, options); err != nil {
		return nil, err
	}

	var err error
	if r.name == "" {
		err = errors.Join(err, errors.New("router: name is required"))
	}
	if r.completer == nil && r.requester == nil {
		err = errors.Join(err, errors.New("router: a completer or a remote responder is required"))
	}
	if r.completer != nil && r.requester != nil {
		err = errors.Join(err, errors.New("router: completer and remote responder are mutually exclusive"))
	}
	if len(r.handoffs) > 0 && r.stack == nil {
		err = errors.Join(err, errors.New("router: handoff targets require a stack"))
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Router) Name() string { return r.name }

// Forget drops everything the router holds for a conversation: working
// state, state-machine position, and, when a history store is configured,
// the stored turns. A later input with the same conversation id starts a
// fresh thread.
func (r *Router) Forget(ctx context.Context, conversationID string) error {
	r.convs.Del(conversationID)
	r.tracker.Remove(conversationID)
	if r.store != nil {
		return r.store.Delete(ctx, conversationID)
	}
	return nil
}

func (r *Router) Subscriptions() []string {
	return []string{
		envelope.InputTopic(r.name),
		envelope.ToolResultTopic(r.name),
	}
}

// Handle dispatches on topic: new input starts or continues a turn, tool
// results resume a suspended one.
func (r *Router) Handle(ctx context.Context, env *envelope.Envelope, nc *node.Context) ([]*envelope.Envelope, error) {
	switch env.Topic {
	case envelope.InputTopic(r.name):
		return r.handleInput(ctx, env, nc)
	case envelope.ToolResultTopic(r.name):
		return r.handleToolResult(ctx, env, nc)
	default:
		return nil, fmt.Errorf("router %s: unexpected topic %s", r.name, env.Topic)
	}
}

// conversation is the router's working state for one conversation id.
// With a history store configured this is reconstructible; without one it
// is the only copy of the turn sequence.
type conversation struct {
	mu        sync.Mutex
	replyTo   string
	corrID    string
	traceID   string
	overrides string
	delegated bool
	pending   map[string]history.ToolCall
	queued    []history.ToolCall
	entries   []history.Entry
	seq       uint64
}

func (r *Router) conversation(cid string) *conversation {
	conv, _ := r.convs.GetOrCompute(cid, func() *conversation {
		return &conversation{pending: make(map[string]history.ToolCall)}
	})
	return conv
}

// sequential reports whether tool calls are routed one at a time. Without
// a durable store a lost process loses the conversation anyway, so the
// simpler one-in-flight discipline is used.
func (r *Router) sequential() bool { return r.store == nil }

func (r *Router) appendEntries(ctx context.Context, conv *conversation, cid string, entries ...history.Entry) error {
	if r.store != nil {
		return r.store.Append(ctx, cid, entries...)
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
		conv.seq++
		e.ConversationID = cid
		e.Sequence = conv.seq
		conv.entries = append(conv.entries, e)
	}
	return nil
}

func (r *Router) loadEntries(ctx context.Context, conv *conversation, cid string) ([]history.Entry, error) {
	if r.store != nil {
		return r.store.Load(ctx, cid)
	}
	out := make([]history.Entry, len(conv.entries))
	copy(out, conv.entries)
	return out, nil
}

// capabilities is the tool surface offered to the responder: the declared
// tools plus the built-in handoff tool when targets exist.
func (r *Router) capabilities() []provider.ToolDef {
	defs := make([]provider.ToolDef, 0, len(r.tools)+1)
	defs = append(defs, r.tools...)
	if len(r.handoffs) > 0 {
		defs = append(defs, r.handoffDef())
	}
	return defs
}

func (r *Router) handoffDef() provider.ToolDef {
	targets := make([]any, 0, len(r.handoffs))
	for name := range r.handoffs {
		targets = append(targets, name)
	}
	props := orderedmap.New[string, *jsonschema.Schema]()
	props.Set("target", &jsonschema.Schema{Type: "string", Enum: targets})
	props.Set("message", &jsonschema.Schema{Type: "string"})
	return provider.ToolDef{
		Name:        HandoffToolName,
		Description: "Hand the conversation to another agent and return its answer.",
		Schema: &jsonschema.Schema{
			Type:       "object",
			Properties: props,
			Required:   []string{"target"},
		},
	}
}
