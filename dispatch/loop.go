// Package dispatch connects nodes to the broker and owns the delivery
// semantics the nodes themselves stay ignorant of: consumer groups,
// worker concurrency, per-partition ordering, handler deadlines, bounded
// retries, and the idempotency record that absorbs redelivery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fogfish/opts"

	"github.com/drover-io/drover/broker"
	"github.com/drover-io/drover/envelope"
	"github.com/drover-io/drover/history"
	"github.com/drover-io/drover/node"
	"github.com/drover-io/drover/pkg/slogx"
)

const (
	// DefaultWorkers is the size of the worker pool.
	DefaultWorkers = 8
	// DefaultHandlerTimeout bounds one Handle invocation.
	DefaultHandlerTimeout = 30 * time.Second
	// DefaultMaxRetries is how many times a failed invocation is retried
	// before the envelope goes to the node's error topic.
	DefaultMaxRetries = 3
)

// Loop runs a set of nodes against a broker.
type Loop struct {
	broker         broker.Broker
	nodes          *node.Registry
	store          history.Store
	seen           *SeenStore
	log            *slog.Logger
	workers        int
	handlerTimeout time.Duration
	maxRetries     uint64

	queues  []chan workItem
	subs    []broker.Subscription
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex
}

type workItem struct {
	n node.Node
	d broker.Delivery
}

var (
	// WithWorkers sets the worker pool size.
	WithWorkers = opts.ForName[Loop, int]("workers")
	// WithHandlerTimeout bounds one Handle invocation.
	WithHandlerTimeout = opts.ForName[Loop, time.Duration]("handlerTimeout")
	// WithMaxRetries sets the retry bound before error-topic routing.
	WithMaxRetries = opts.ForName[Loop, uint64]("maxRetries")
	// WithHistory provides the history store handed to nodes via their
	// execution context.
	WithHistory = opts.ForName[Loop, history.Store]("store")
	// WithLogger overrides the default logger.
	WithLogger = opts.ForName[Loop, *slog.Logger]("log")
	// WithSeenStore overrides the default idempotency record, for sharing
	// one across loops or tuning its window.
	WithSeenStore = opts.ForName[Loop, *SeenStore]("seen")
)

// New creates a dispatch loop for the registered nodes.
func New(b broker.Broker, nodes *node.Registry, options ...opts.Option[Loop]) (*Loop, error) {
	l := &Loop{
		broker:         b,
		nodes:          nodes,
		workers:        DefaultWorkers,
		handlerTimeout: DefaultHandlerTimeout,
		maxRetries:     DefaultMaxRetries,
	}
	if err := opts.Apply(l, options); err != nil {
		return nil, err
	}
	if l.broker == nil {
		return nil, errors.New("dispatch: broker is required")
	}
	if l.nodes == nil {
		return nil, errors.New("dispatch: node registry is required")
	}
	if l.workers < 1 {
		return nil, errors.New("dispatch: workers must be positive")
	}
	if l.seen == nil {
		l.seen = NewSeenStore()
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	return l, nil
}

// Start subscribes every node and launches the worker pool. It returns
// once the loop is running; Close tears it down.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return errors.New("dispatch: loop already started")
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.queues = make([]chan workItem, l.workers)
	for i := range l.queues {
		l.queues[i] = make(chan workItem, 64)
		l.wg.Add(1)
		go l.worker(ctx, l.queues[i])
	}

	for _, name := range l.nodes.Names() {
		n, _ := l.nodes.Get(name)
		for _, pattern := range n.Subscriptions() {
			sub, err := l.broker.Subscribe(ctx, pattern, n.Name())
			if err != nil {
				l.teardownLocked()
				return fmt.Errorf("dispatch: subscribe %s for %s: %w", pattern, n.Name(), err)
			}
			l.subs = append(l.subs, sub)
			l.wg.Add(1)
			go l.pump(ctx, n, sub)
		}
	}
	l.started = true
	return nil
}

// Close unsubscribes everything and waits for in-flight work to drain.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	l.teardownLocked()
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Loop) teardownLocked() {
	if l.cancel != nil {
		l.cancel()
	}
	for _, sub := range l.subs {
		sub.Unsubscribe()
	}
	l.subs = nil
}

// pump moves one subscription's deliveries onto the owning worker's queue.
// Every envelope for a given node/partition-key pair lands on the same
// worker, so processing order per key is the publish order.
func (l *Loop) pump(ctx context.Context, n node.Node, sub broker.Subscription) {
	defer l.wg.Done()
	for d := range sub.C() {
		queue := l.queues[l.queueFor(n.Name(), d.Envelope.PartitionKey())]
		select {
		case queue <- workItem{n: n, d: d}:
		case <-ctx.Done():
			return
		}
	}
}

// queueFor maps a node/partition-key pair onto a stable worker index, the
// same stable-hash discipline the local broker uses to pick a group member.
// Keys that collide on a worker serialize with each other.
func (l *Loop) queueFor(node, key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(node))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % len(l.queues)
}

func (l *Loop) worker(ctx context.Context, queue <-chan workItem) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-queue:
			l.process(ctx, item.n, item.d)
		}
	}
}

// process handles one delivery end to end.
func (l *Loop) process(ctx context.Context, n node.Node, d broker.Delivery) {
	env := d.Envelope

	log := l.log.With(slogx.Node(n.Name()), slogx.Envelope(env.ID), slogx.Topic(env.Topic))
	if corr := env.CorrelationID(); corr != "" {
		log = log.With(slogx.Correlation(corr))
	}

	// Replays re-emit the recorded result without re-invoking the handler.
	if outputs, ok := l.seen.Get(n.Name(), env.ID); ok {
		log.DebugContext(ctx, "replay, re-emitting recorded result")
		l.publishAll(ctx, log, outputs)
		d.Ack()
		return
	}

	outputs, err := l.invoke(ctx, n, env)
	if err != nil {
		log.ErrorContext(ctx, "handler failed after retries", slogx.Error(err))
		l.routeToErrorTopic(ctx, log, n, env, err)
		// Ack anyway: a poisoned envelope must not wedge its partition.
		d.Ack()
		return
	}

	l.publishAll(ctx, log, outputs)
	l.seen.Record(n.Name(), env.ID, outputs)
	d.Ack()
}

// invoke runs Handle under the per-invocation deadline with bounded
// exponential retries.
func (l *Loop) invoke(ctx context.Context, n node.Node, env *envelope.Envelope) ([]*envelope.Envelope, error) {
	nc := &node.Context{
		ConversationID: env.ConversationID(),
		EnvelopeID:     env.ID,
		History:        l.store,
		Emit: func(ctx context.Context, out *envelope.Envelope) error {
			return l.broker.Publish(ctx, out.Topic, out)
		},
		Log: l.log.With(slogx.Node(n.Name())),
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var outputs []*envelope.Envelope
	err := backoff.Retry(func() error {
		hctx, cancel := context.WithTimeout(ctx, l.handlerTimeout)
		defer cancel()
		var herr error
		outputs, herr = n.Handle(hctx, env, nc)
		return herr
	}, backoff.WithContext(backoff.WithMaxRetries(bo, l.maxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

func (l *Loop) publishAll(ctx context.Context, log *slog.Logger, outputs []*envelope.Envelope) {
	for _, out := range outputs {
		if err := l.broker.Publish(ctx, out.Topic, out); err != nil {
			log.ErrorContext(ctx, "publish output failed", slogx.Topic(out.Topic), slogx.Error(err))
		}
	}
}

// routeToErrorTopic wraps the failed envelope with the error detail and
// publishes it to agent.<node>.error.
func (l *Loop) routeToErrorTopic(ctx context.Context, log *slog.Logger, n node.Node, env *envelope.Envelope, cause error) {
	errEnv, err := envelope.New(envelope.ErrorTopic(n.Name()), nil)
	if err == nil {
		errEnv, err = errEnv.WithPayloadField("error", cause.Error())
	}
	if err == nil {
		errEnv, err = errEnv.WithPayloadField("envelope", env)
	}
	if err != nil {
		log.ErrorContext(ctx, "building error envelope failed", slogx.Error(err))
		return
	}
	if cid := env.ConversationID(); cid != "" {
		errEnv = errEnv.WithMeta(envelope.KeyConversationID, cid)
	}
	if err := l.broker.Publish(ctx, errEnv.Topic, errEnv); err != nil {
		log.ErrorContext(ctx, "publishing to error topic failed", slogx.Error(err))
	}
}
