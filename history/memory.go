package history

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
)

// InMemory is a Store backed by a process-local map. It is safe for
// concurrent use and suitable for tests and single-process deployments;
// anything that needs to survive a restart wants a durable Store instead.
type InMemory struct {
	mu    sync.Mutex
	convs map[string]*conversationLog
}

type conversationLog struct {
	entries []Entry
	seq     uint64
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{convs: make(map[string]*conversationLog)}
}

// Append records the entries atomically, assigning consecutive sequence
// numbers. Validation failures abort the whole batch.
func (s *InMemory) Append(_ context.Context, conversationID string, entries ...Entry) error {
	if conversationID == "" {
		return fmt.Errorf("history: append without conversation id")
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.convs[conversationID]
	if !ok {
		log = &conversationLog{}
		s.convs[conversationID] = log
	}
	now := strfmt.DateTime(time.Now())
	for _, e := range entries {
		log.seq++
		e.ConversationID = conversationID
		e.Sequence = log.seq
		if time.Time(e.CreatedAt).IsZero() {
			e.CreatedAt = now
		}
		log.entries = append(log.entries, e)
	}
	return nil
}

// Load returns the conversation's entries in append order. The returned
// slice is a copy.
func (s *InMemory) Load(_ context.Context, conversationID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.convs[conversationID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(log.entries), nil
}

// Delete removes all entries for a conversation.
func (s *InMemory) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, conversationID)
	return nil
}
