package broker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/drover-io/drover/envelope"
	"github.com/drover-io/drover/pkg/slogx"
	"github.com/drover-io/drover/pkg/uuidx"
)

// Connect establishes a NATS connection using the NATS_URL environment
// variable. Without explicit options the connection is named "drover" with
// compression enabled.
func Connect(opts ...nats.Option) (*nats.Conn, error) {
	if len(opts) == 0 {
		opts = append(opts, nats.Name("drover"), nats.Compression(true))
	}
	return nats.Connect(os.Getenv("NATS_URL"), opts...)
}

// NATS adapts a nats.Conn to the Broker port. Consumer groups map to NATS
// queue groups; topic patterns use the NATS subject wildcards ("*", ">"),
// which match the conventions in the envelope package.
type NATS struct {
	conn *nats.Conn
}

// NewNATS wraps an established connection.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn}
}

func (b *NATS) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if env == nil {
		return errors.New("envelope is required")
	}
	if env.Topic != topic {
		clone := *env
		clone.Topic = topic
		env = &clone
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}

	// Transient transport failures are retried with exponential backoff;
	// exhausting the retries surfaces as a transport error to the caller.
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(func() error {
		return b.conn.Publish(topic, data)
	}, policy)
}

func (b *NATS) Subscribe(_ context.Context, pattern, group string) (Subscription, error) {
	if pattern == "" {
		return nil, errors.New("pattern is required")
	}
	if group == "" {
		return nil, errors.New("group is required")
	}

	ch := make(chan Delivery, 64)
	nsub, err := b.conn.QueueSubscribe(pattern, group, func(msg *nats.Msg) {
		b.forward(ch, msg)
	})
	if err != nil {
		return nil, err
	}
	return newNATSSub(nsub, ch), nil
}

func (b *NATS) EphemeralSubscribe(_ context.Context, topic string, ttl time.Duration) (Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	ch := make(chan Delivery, 64)
	nsub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		b.forward(ch, msg)
	})
	if err != nil {
		return nil, err
	}
	sub := newNATSSub(nsub, ch)
	if ttl > 0 {
		sub.timer = time.AfterFunc(ttl, sub.Unsubscribe)
	}
	return sub, nil
}

func (b *NATS) forward(ch chan<- Delivery, msg *nats.Msg) {
	env, err := envelope.Unmarshal(msg.Data)
	if err != nil {
		slog.Error("dropping undecodable envelope", slogx.Error(err), slogx.Topic(msg.Subject))
		return
	}
	ack := func() {
		if msg.Reply == "" {
			return
		}
		if aerr := msg.Ack(); aerr != nil {
			slog.Error("failed to ack message", slogx.Error(aerr), slogx.Envelope(env.ID))
		}
	}
	defer func() {
		// Subscription torn down between receive and forward.
		_ = recover()
	}()
	ch <- NewDelivery(env, ack)
}

func (b *NATS) Close() error {
	return b.conn.Drain()
}

type natsSub struct {
	id        string
	sub       *nats.Subscription
	ch        chan Delivery
	timer     *time.Timer
	closeOnce sync.Once
}

func newNATSSub(sub *nats.Subscription, ch chan Delivery) *natsSub {
	return &natsSub{
		id:  uuidx.NewString(),
		sub: sub,
		ch:  ch,
	}
}

func (s *natsSub) ID() string { return s.id }

func (s *natsSub) C() <-chan Delivery { return s.ch }

func (s *natsSub) Unsubscribe() {
	s.closeOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		if err := s.sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", slogx.Error(err), slog.String("subscription", s.id))
		}
		close(s.ch)
	})
}
