package correlation

import (
	"context"
	"fmt"
	"time"

	"github.com/drover-io/drover/broker"
	"github.com/drover-io/drover/envelope"
	"github.com/drover-io/drover/pkg/uuidx"
)

const defaultRequestTimeout = 30 * time.Second

// Requester turns the publish/listen/resolve dance into one call: it opens
// a private ephemeral reply topic, registers a waiter, publishes the
// request, and hands back the Future.
type Requester struct {
	broker   broker.Broker
	registry *Registry
	name     string
	timeout  time.Duration
}

// RequesterOption configures a Requester.
type RequesterOption func(*Requester)

// WithRequestTimeout sets the default per-request deadline.
func WithRequestTimeout(d time.Duration) RequesterOption {
	return func(r *Requester) { r.timeout = d }
}

// NewRequester creates a requester publishing through b and correlating
// through reg. The name becomes part of the ephemeral reply topics so
// operators can tell callers apart on the wire.
func NewRequester(b broker.Broker, reg *Registry, name string, options ...RequesterOption) *Requester {
	r := &Requester{
		broker:   b,
		registry: reg,
		name:     name,
		timeout:  defaultRequestTimeout,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Request publishes env to topic and returns a Future that resolves when a
// reply tagged with the request's correlation id arrives on the private
// reply topic. A zero timeout uses the requester default.
func (r *Requester) Request(ctx context.Context, topic string, env *envelope.Envelope, timeout time.Duration) (Future, error) {
	if timeout <= 0 {
		timeout = r.timeout
	}
	correlationID := env.CorrelationID()
	if correlationID == "" {
		correlationID = uuidx.NewString()
	}
	replyTopic := envelope.EphemeralReplyTopic(r.name)
	deadline := time.Now().Add(timeout)

	// The subscription outlives the deadline slightly so a reply racing the
	// timeout still reaches the registry for its no-op resolution.
	sub, err := r.broker.EphemeralSubscribe(ctx, replyTopic, timeout+time.Second)
	if err != nil {
		return nil, fmt.Errorf("subscribe reply topic: %w", err)
	}

	fut, err := r.registry.Register(correlationID, deadline, sub.Unsubscribe)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}

	go r.listen(sub)

	req := env.WithCorrelation(correlationID, replyTopic)
	if err := r.broker.Publish(ctx, topic, req); err != nil {
		r.registry.Fail(correlationID, err)
		return nil, fmt.Errorf("publish request: %w", err)
	}
	return fut, nil
}

// listen resolves waiters from the reply stream. Replies whose correlation
// id has no pending entry are ignored: they are redeliveries or late
// arrivals for settled requests.
func (r *Requester) listen(sub broker.Subscription) {
	for d := range sub.C() {
		if id := d.Envelope.CorrelationID(); id != "" {
			r.registry.Resolve(id, d.Envelope)
		}
		d.Ack()
	}
}
