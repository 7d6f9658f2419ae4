package dispatch

import (
	"container/list"
	"sync"
	"time"

	"github.com/drover-io/drover/envelope"
)

const (
	// DefaultSeenTTL is how long a processed envelope id is remembered.
	DefaultSeenTTL = 10 * time.Minute
	// DefaultSeenCap bounds the number of remembered ids per loop.
	DefaultSeenCap = 4096
)

// SeenStore is the idempotency record: a bounded, time-windowed set of
// processed envelope ids per node, remembering the outbound envelopes each
// one produced. A replayed id re-emits the recorded result instead of
// re-invoking the handler, which is what upgrades at-least-once delivery
// to effectively-once handling within the window.
type SeenStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	cap     int
	entries map[string]*list.Element
	order   *list.List
}

type seenEntry struct {
	key     string
	outputs []*envelope.Envelope
	at      time.Time
}

// SeenOption configures a SeenStore.
type SeenOption func(*SeenStore)

// WithSeenTTL overrides DefaultSeenTTL.
func WithSeenTTL(ttl time.Duration) SeenOption {
	return func(s *SeenStore) { s.ttl = ttl }
}

// WithSeenCap overrides DefaultSeenCap.
func WithSeenCap(n int) SeenOption {
	return func(s *SeenStore) { s.cap = n }
}

// NewSeenStore creates an empty idempotency record.
func NewSeenStore(options ...SeenOption) *SeenStore {
	s := &SeenStore{
		ttl:     DefaultSeenTTL,
		cap:     DefaultSeenCap,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func seenKey(nodeName, envelopeID string) string {
	return nodeName + "|" + envelopeID
}

// Get returns the recorded outputs for a processed envelope. The second
// return is false for unseen and expired ids.
func (s *SeenStore) Get(nodeName, envelopeID string) ([]*envelope.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[seenKey(nodeName, envelopeID)]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*seenEntry)
	if time.Since(entry.at) > s.ttl {
		s.remove(el)
		return nil, false
	}
	return entry.outputs, true
}

// Record remembers that the envelope was processed and what it produced.
func (s *SeenStore) Record(nodeName, envelopeID string, outputs []*envelope.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seenKey(nodeName, envelopeID)
	if el, ok := s.entries[key]; ok {
		s.remove(el)
	}
	el := s.order.PushBack(&seenEntry{key: key, outputs: outputs, at: time.Now()})
	s.entries[key] = el

	// Evict oldest first: expired entries regardless of count, then
	// whatever exceeds the cap.
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*seenEntry)
		if time.Since(entry.at) > s.ttl || s.order.Len() > s.cap {
			s.remove(el)
			el = next
			continue
		}
		break
	}
}

// Len reports the number of remembered ids.
func (s *SeenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *SeenStore) remove(el *list.Element) {
	entry := el.Value.(*seenEntry)
	s.order.Remove(el)
	delete(s.entries, entry.key)
}
