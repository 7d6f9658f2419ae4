package broker

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/drover-io/drover/envelope"
	"github.com/drover-io/drover/pkg/uuidx"
)

const defaultSlowSubscriberTimeout = 100 * time.Millisecond

// ErrClosed is returned by Publish after the broker has been closed.
var ErrClosed = errors.New("broker is closed")

// Local is an in-process broker. Within a consumer group, envelopes are
// routed to one member chosen by partition key, so envelopes sharing a key
// land on the same member in publish order. Across groups every envelope
// fans out.
type Local struct {
	subs                  *haxmap.Map[string, *localSub]
	slowSubscriberTimeout time.Duration
	acked                 atomic.Int64
	closed                atomic.Bool
}

// NewLocal creates an empty in-process broker.
func NewLocal() *Local {
	return &Local{
		subs:                  haxmap.New[string, *localSub](),
		slowSubscriberTimeout: defaultSlowSubscriberTimeout,
	}
}

// WithSlowSubscriberTimeout configures how long Publish waits on a full
// subscriber channel before dropping the subscriber.
func (b *Local) WithSlowSubscriberTimeout(timeout time.Duration) *Local {
	b.slowSubscriberTimeout = timeout
	return b
}

// Acked reports how many deliveries have been acknowledged. Test hook.
func (b *Local) Acked() int64 { return b.acked.Load() }

func (b *Local) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if env == nil {
		return errors.New("envelope is required")
	}
	if env.Topic != topic {
		clone := *env
		clone.Topic = topic
		env = &clone
	}

	groups := make(map[string][]*localSub)
	b.subs.ForEach(func(_ string, sub *localSub) bool {
		if envelope.MatchTopic(sub.pattern, topic) {
			groups[sub.group] = append(groups[sub.group], sub)
		}
		return true
	})

	for _, members := range groups {
		sub := pickMember(members, env.PartitionKey())
		if err := b.deliver(ctx, sub, env); err != nil {
			return err
		}
	}
	return nil
}

// pickMember maps a partition key onto one group member. Members are
// ordered by subscription id so the mapping is stable while membership is.
func pickMember(members []*localSub, key string) *localSub {
	if len(members) == 1 {
		return members[0]
	}
	sort.Slice(members, func(i, j int) bool { return members[i].id < members[j].id })
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return members[int(h.Sum32())%len(members)]
}

func (b *Local) deliver(ctx context.Context, sub *localSub, env *envelope.Envelope) error {
	d := NewDelivery(env, func() { b.acked.Add(1) })
	sub.mu.RLock()
	if sub.closed {
		sub.mu.RUnlock()
		return nil
	}
	select {
	case <-ctx.Done():
		sub.mu.RUnlock()
		return ctx.Err()
	case sub.ch <- d:
		sub.mu.RUnlock()
		return nil
	case <-time.After(b.slowSubscriberTimeout):
		sub.mu.RUnlock()
		// Channel stayed full; drop the subscriber rather than block
		// unrelated partition keys behind it.
		sub.Unsubscribe()
		return nil
	}
}

func (b *Local) Subscribe(_ context.Context, pattern, group string) (Subscription, error) {
	if pattern == "" {
		return nil, errors.New("pattern is required")
	}
	if group == "" {
		return nil, errors.New("group is required")
	}
	return b.newSub(pattern, group), nil
}

func (b *Local) EphemeralSubscribe(_ context.Context, topic string, ttl time.Duration) (Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	// A unique group gives the ephemeral listener its own copy of every
	// envelope on the topic.
	sub := b.newSub(topic, "ephemeral."+uuidx.NewString())
	if ttl > 0 {
		sub.timer = time.AfterFunc(ttl, sub.Unsubscribe)
	}
	return sub, nil
}

func (b *Local) newSub(pattern, group string) *localSub {
	id := uuidx.NewString()
	sub := &localSub{
		id:      id,
		pattern: pattern,
		group:   group,
		ch:      make(chan Delivery, 64),
		onClose: func() { b.subs.Del(id) },
	}
	b.subs.Set(id, sub)
	return sub
}

func (b *Local) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.subs.ForEach(func(_ string, sub *localSub) bool {
		sub.Unsubscribe()
		return true
	})
	return nil
}

type localSub struct {
	id        string
	pattern   string
	group     string
	ch        chan Delivery
	timer     *time.Timer
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	onClose   func()
}

func (s *localSub) ID() string { return s.id }

func (s *localSub) C() <-chan Delivery { return s.ch }

func (s *localSub) Unsubscribe() {
	s.closeOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		if s.onClose != nil {
			s.onClose()
		}
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
