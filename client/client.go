// Package client is the synchronous edge of the routing layer: one call
// publishes an input envelope to a router and blocks until the terminal
// result arrives on a private reply topic. Redelivery, correlation, and
// timeouts are absorbed here; callers see one typed result per request.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fogfish/opts"

	"github.com/drover-io/drover/broker"
	"github.com/drover-io/drover/correlation"
	"github.com/drover-io/drover/envelope"
	"github.com/drover-io/drover/node"
	"github.com/drover-io/drover/pkg/uuidx"
)

// DefaultTimeout bounds one invocation end to end.
const DefaultTimeout = 2 * time.Minute

// Client invokes routers over the broker.
type Client struct {
	name      string
	timeout   time.Duration
	requester *correlation.Requester
}

var (
	// WithName names the client; it shows up in reply topics on the wire.
	WithName = opts.ForName[Client, string]("name")
	// WithTimeout sets the default invocation deadline.
	WithTimeout = opts.ForName[Client, time.Duration]("timeout")
)

// New creates a client publishing through b and correlating replies
// through reg.
func New(b broker.Broker, reg *correlation.Registry, options ...opts.Option[Client]) (*Client, error) {
	if b == nil {
		return nil, errors.New("client: broker is required")
	}
	if reg == nil {
		return nil, errors.New("client: correlation registry is required")
	}
	c := &Client{name: "client", timeout: DefaultTimeout}
	if err := opts.Apply(c, options); err != nil {
		return nil, err
	}
	c.requester = correlation.NewRequester(b, reg, c.name)
	return c, nil
}

// Result is the terminal answer to one invocation.
type Result struct {
	Content        string
	ConversationID string
	Envelope       *envelope.Envelope
}

type invokeParams struct {
	conversationID string
	traceID        string
	systemPrompt   string
	timeout        time.Duration
}

// InvokeOption configures one invocation.
type InvokeOption func(*invokeParams)

// WithConversation threads the invocation into an existing conversation,
// for multi-turn exchanges.
func WithConversation(id string) InvokeOption {
	return func(p *invokeParams) { p.conversationID = id }
}

// WithTraceID propagates a trace id through every envelope the
// invocation produces.
func WithTraceID(id string) InvokeOption {
	return func(p *invokeParams) { p.traceID = id }
}

// WithSystemPrompt overrides the router's instructions for this
// conversation.
func WithSystemPrompt(prompt string) InvokeOption {
	return func(p *invokeParams) { p.systemPrompt = prompt }
}

// WithDeadline overrides the client default timeout for this invocation.
func WithDeadline(d time.Duration) InvokeOption {
	return func(p *invokeParams) { p.timeout = d }
}

// Invoke sends content to the named router and blocks for the terminal
// result. The deadline elapsing returns correlation.ErrTimeout.
func (c *Client) Invoke(ctx context.Context, routerName, content string, options ...InvokeOption) (*Result, error) {
	if routerName == "" {
		return nil, errors.New("client: router name is required")
	}
	params := invokeParams{
		conversationID: uuidx.NewString(),
		timeout:        c.timeout,
	}
	for _, opt := range options {
		opt(&params)
	}

	env, err := envelope.New(envelope.InputTopic(routerName), node.Input{
		Content:      content,
		SystemPrompt: params.systemPrompt,
		Sender:       c.name,
	})
	if err != nil {
		return nil, err
	}
	env = env.WithMeta(envelope.KeyConversationID, params.conversationID)
	if params.traceID != "" {
		env = env.WithMeta(envelope.KeyTraceID, params.traceID)
	}

	fut, err := c.requester.Request(ctx, env.Topic, env, params.timeout)
	if err != nil {
		return nil, fmt.Errorf("client: invoke %s: %w", routerName, err)
	}
	reply, err := fut.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: invoke %s: %w", routerName, err)
	}

	return &Result{
		Content:        reply.PayloadField("content").String(),
		ConversationID: params.conversationID,
		Envelope:       reply,
	}, nil
}
