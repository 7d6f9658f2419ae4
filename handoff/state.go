package handoff

import (
	"fmt"

	"github.com/alphadose/haxmap"
)

// State is a conversation's position in the routing state machine:
//
//	Idle -> AwaitingResponder -> (AwaitingTools -> AwaitingResponder)* ->
//	(AwaitingChild -> AwaitingResponder)? -> Resolved
//
// Resolved either terminates the conversation (stack empty) or pops the
// parent conversation from AwaitingChild back into AwaitingResponder.
type State string

const (
	// Idle means no turn is in flight.
	Idle State = "idle"
	// AwaitingResponder means the router has handed the turn sequence to
	// its responder and is waiting for an assistant turn.
	AwaitingResponder State = "awaiting_responder"
	// AwaitingTools means tool-call envelopes are out and the conversation
	// is suspended until the matching results arrive.
	AwaitingTools State = "awaiting_tools"
	// AwaitingChild means the conversation is delegated to another router.
	AwaitingChild State = "awaiting_child"
	// Resolved means a terminal assistant turn was produced.
	Resolved State = "resolved"
)

// ErrIllegalTransition wraps transitions the state machine forbids.
type ErrIllegalTransition struct {
	ConversationID string
	From, To       State
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("handoff: conversation %s cannot go %s -> %s", e.ConversationID, e.From, e.To)
}

var legal = map[State][]State{
	Idle:              {AwaitingResponder},
	AwaitingResponder: {AwaitingTools, AwaitingChild, Resolved},
	AwaitingTools:     {AwaitingResponder, Resolved},
	AwaitingChild:     {AwaitingResponder, Resolved},
	Resolved:          {AwaitingResponder},
}

// Tracker holds the per-conversation state for one router. Unknown
// conversations are Idle.
type Tracker struct {
	states *haxmap.Map[string, State]
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: haxmap.New[string, State]()}
}

// Get returns the conversation's current state.
func (t *Tracker) Get(conversationID string) State {
	if s, ok := t.states.Get(conversationID); ok {
		return s
	}
	return Idle
}

// Transition moves the conversation to the target state, enforcing the
// legal edges of the state machine.
func (t *Tracker) Transition(conversationID string, to State) error {
	from := t.Get(conversationID)
	for _, next := range legal[from] {
		if next == to {
			t.states.Set(conversationID, to)
			return nil
		}
	}
	return &ErrIllegalTransition{ConversationID: conversationID, From: from, To: to}
}

// Remove forgets a terminal conversation.
func (t *Tracker) Remove(conversationID string) {
	t.states.Del(conversationID)
}
