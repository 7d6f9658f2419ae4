// Package broker defines the narrow port the routing layer needs from a
// publish/subscribe transport, plus two implementations: an in-process
// broker for tests and single-binary deployments, and a NATS adapter.
//
// The port assumes at-least-once delivery ordered per partition key within
// a consumer group. It never assumes deduplication; redelivery is normal
// and is handled above this layer.
package broker

import (
	"context"
	"time"

	"github.com/drover-io/drover/envelope"
)

// Broker is the transport contract consumed by dispatch loops, routers,
// and clients.
type Broker interface {
	// Publish sends the envelope to topic. Transient transport failures
	// are retried with exponential backoff before an error surfaces.
	Publish(ctx context.Context, topic string, env *envelope.Envelope) error

	// Subscribe attaches a durable consumer-group subscription to a topic
	// pattern. Envelopes sharing a partition key arrive in publish order;
	// within a group each envelope is delivered to one member.
	Subscribe(ctx context.Context, pattern, group string) (Subscription, error)

	// EphemeralSubscribe attaches a short-lived private subscription to an
	// exact topic, typically a per-request reply topic. It unsubscribes
	// itself after ttl.
	EphemeralSubscribe(ctx context.Context, topic string, ttl time.Duration) (Subscription, error)

	// Close releases the transport. Subscriptions are drained.
	Close() error
}

// Subscription is a live stream of deliveries.
type Subscription interface {
	ID() string
	// C yields deliveries until Unsubscribe or broker close. Consumers
	// acknowledge each delivery once the unit of work is complete.
	C() <-chan Delivery
	Unsubscribe()
}

// Delivery pairs an envelope with its acknowledgement.
type Delivery struct {
	Envelope *envelope.Envelope
	ack      func()
}

// NewDelivery builds a delivery with the given ack callback. Exported for
// broker implementations; consumers only call Ack.
func NewDelivery(env *envelope.Envelope, ack func()) Delivery {
	return Delivery{Envelope: env, ack: ack}
}

// Ack marks the unit of work done. Safe to call on a zero ack.
func (d Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}
