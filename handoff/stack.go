// Package handoff implements multi-agent delegation as a distributed call
// stack. A router that delegates pushes a frame recording where it was
// asked to reply; the router that finishes the delegated work pops that
// frame and sends its result there. Stack depth equals delegation depth,
// and a return always targets the most recent un-returned delegation.
package handoff

import (
	"errors"
	"fmt"
	"sync"

	"github.com/alphadose/haxmap"
	json "github.com/goccy/go-json"
)

// DefaultMaxDepth bounds delegation depth per conversation. 16 is deep
// enough for any sane agent topology and turns an A->B->A delegation loop
// into a hard error instead of unbounded recursion.
const DefaultMaxDepth = 16

var (
	// ErrUnderflow reports a return event for a conversation with no active
	// delegation. This is a protocol defect to surface, never to swallow:
	// it means a bug, or a router restarted mid-conversation and lost its
	// in-memory stack.
	ErrUnderflow = errors.New("handoff: pop on empty stack")
	// ErrDepthExceeded reports a push beyond the configured bound.
	ErrDepthExceeded = errors.New("handoff: max delegation depth exceeded")
)

// Frame records one delegation hop: where the delegating router was asked
// to reply, under which correlation id, and whatever working state it
// wants restored when control returns.
type Frame struct {
	ConversationID      string          `json:"conversation_id"`
	CallerTopic         string          `json:"caller_topic"`
	CallerCorrelationID string          `json:"caller_correlation_id,omitempty"`
	SavedContext        json.RawMessage `json:"saved_context,omitempty"`
}

// Stack maps conversation ids to their delegation frames, last-in
// first-out. It is process-local and owned by the deployment that created
// it; pass it explicitly into routers rather than sharing it globally.
type Stack struct {
	frames   *haxmap.Map[string, *frameList]
	maxDepth int
}

// StackOption configures a Stack.
type StackOption func(*Stack)

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(depth int) StackOption {
	return func(s *Stack) { s.maxDepth = depth }
}

// NewStack creates an empty handoff stack.
func NewStack(options ...StackOption) *Stack {
	s := &Stack{
		frames:   haxmap.New[string, *frameList](),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Push records a delegation for the frame's conversation.
func (s *Stack) Push(frame Frame) error {
	if frame.ConversationID == "" {
		return errors.New("handoff: frame has no conversation id")
	}
	if frame.CallerTopic == "" {
		return errors.New("handoff: frame has no caller topic")
	}
	list, _ := s.frames.GetOrCompute(frame.ConversationID, newFrameList)
	list.mu.Lock()
	defer list.mu.Unlock()
	if len(list.frames) >= s.maxDepth {
		return fmt.Errorf("%w: %d", ErrDepthExceeded, s.maxDepth)
	}
	list.frames = append(list.frames, frame)
	return nil
}

// Pop removes and returns the most recent frame for the conversation.
// Every pop must correspond to an earlier push with the same conversation
// id; popping an empty stack returns ErrUnderflow.
func (s *Stack) Pop(conversationID string) (Frame, error) {
	list, ok := s.frames.Get(conversationID)
	if !ok {
		return Frame{}, fmt.Errorf("%w: conversation %s", ErrUnderflow, conversationID)
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	if len(list.frames) == 0 {
		return Frame{}, fmt.Errorf("%w: conversation %s", ErrUnderflow, conversationID)
	}
	frame := list.frames[len(list.frames)-1]
	list.frames = list.frames[:len(list.frames)-1]
	if len(list.frames) == 0 {
		s.frames.Del(conversationID)
	}
	return frame, nil
}

// Depth reports the current delegation depth for a conversation.
func (s *Stack) Depth(conversationID string) int {
	list, ok := s.frames.Get(conversationID)
	if !ok {
		return 0
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	return len(list.frames)
}

// Drop discards all frames for a conversation, used when marking it
// terminal after a protocol error.
func (s *Stack) Drop(conversationID string) {
	s.frames.Del(conversationID)
}

type frameList struct {
	mu     sync.Mutex
	frames []Frame
}

func newFrameList() *frameList { return &frameList{} }
