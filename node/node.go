// Package node defines the unit of computation attached to the broker: a
// named handler with declared subscriptions. The dispatch loop owns the
// subscription lifecycle and delivery semantics; a node only transforms an
// inbound envelope into zero or more outbound ones.
package node

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/drover-io/drover/envelope"
	"github.com/drover-io/drover/history"
	"github.com/drover-io/drover/internal/registry"
)

// Node is attached to the broker by the dispatch loop under a consumer
// group named after the node, so running N copies of a process shares the
// node's work instead of duplicating it.
type Node interface {
	// Name is the stable identity of the node, used as the consumer group.
	Name() string
	// Subscriptions lists the topic patterns the node consumes.
	Subscriptions() []string
	// Handle processes one delivery. Returned envelopes are published by
	// the dispatch loop after Handle returns without error.
	Handle(ctx context.Context, env *envelope.Envelope, nc *Context) ([]*envelope.Envelope, error)
}

// Context is the per-delivery execution context the dispatch loop hands to
// Handle. Emit publishes an envelope mid-handling, for nodes that need to
// produce output before they return.
type Context struct {
	ConversationID string
	EnvelopeID     string
	History        history.Store
	Emit           func(ctx context.Context, env *envelope.Envelope) error
	Log            *slog.Logger
}

// Logger returns the context logger, falling back to slog.Default.
func (c *Context) Logger() *slog.Logger {
	if c == nil || c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

// Registry is the explicit node table a process builds at startup.
// Registration is by plain constructor calls; there is no scanning.
type Registry struct {
	nodes registry.Registry[Node]
}

// NewRegistry creates an empty node registry.
func NewRegistry() *Registry {
	return &Registry{nodes: registry.New[Node]()}
}

// Add registers a node under its name. Duplicate names are an error, a
// second node with the same name would silently steal deliveries.
func (r *Registry) Add(n Node) error {
	if n == nil {
		return fmt.Errorf("node: cannot register nil node")
	}
	if n.Name() == "" {
		return fmt.Errorf("node: cannot register node without a name")
	}
	if _, loaded := r.nodes.GetOrAdd(n.Name(), func() Node { return n }); loaded {
		return fmt.Errorf("node: %s is already registered", n.Name())
	}
	return nil
}

// Get returns the node registered under name.
func (r *Registry) Get(name string) (Node, bool) {
	return r.nodes.Get(name)
}

// Names lists the registered node names.
func (r *Registry) Names() []string {
	return r.nodes.Names()
}
