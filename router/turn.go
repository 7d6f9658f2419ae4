package router

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/drover-io/drover/envelope"
	"github.com/drover-io/drover/handoff"
	"github.com/drover-io/drover/history"
	"github.com/drover-io/drover/node"
	"github.com/drover-io/drover/pkg/slogx"
	"github.com/drover-io/drover/pkg/uuidx"
	"github.com/drover-io/drover/provider"
)

func providerRequest(req node.TurnRequest) provider.CompletionRequest {
	return provider.CompletionRequest{
		Instructions:      req.Instructions,
		Entries:           req.Entries,
		Tools:             req.Tools,
		ParallelToolCalls: req.ParallelToolCalls,
	}
}

// savedContext is what a delegating router stashes in the handoff frame:
// everything it needs to treat the child's terminal result as the answer
// to the handoff tool call, even if its own working state was lost.
type savedContext struct {
	ToolCallID    string `json:"tool_call_id"`
	ToolName      string `json:"tool_name"`
	ReplyTo       string `json:"reply_to,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	Delegated     bool   `json:"delegated,omitempty"`
}

type handoffArgs struct {
	Target  string `json:"target"`
	Message string `json:"message,omitempty"`
}

func (r *Router) handleInput(ctx context.Context, env *envelope.Envelope, nc *node.Context) ([]*envelope.Envelope, error) {
	var in node.Input
	if err := json.Unmarshal(env.Payload, &in); err != nil {
		return nil, fmt.Errorf("router %s: decode input: %w", r.name, err)
	}

	cid := env.ConversationID()
	if cid == "" {
		cid = uuidx.NewString()
	}
	conv := r.conversation(cid)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	conv.replyTo = env.ReplyTo()
	conv.corrID = env.CorrelationID()
	conv.traceID = env.TraceID()
	conv.delegated = env.Meta(metaDelegated) != ""
	if in.SystemPrompt != "" {
		conv.overrides = in.SystemPrompt
	}

	if err := r.tracker.Transition(cid, handoff.AwaitingResponder); err != nil {
		return nil, fmt.Errorf("router %s: %w", r.name, err)
	}

	if err := r.appendEntries(ctx, conv, cid, history.Entry{Role: history.RoleUser, Content: in.Content}); err != nil {
		return nil, fmt.Errorf("router %s: append input turn: %w", r.name, err)
	}

	return r.runTurn(ctx, conv, cid, nc)
}

func (r *Router) handleToolResult(ctx context.Context, env *envelope.Envelope, nc *node.Context) ([]*envelope.Envelope, error) {
	var result node.ToolResult
	if err := json.Unmarshal(env.Payload, &result); err != nil {
		return nil, fmt.Errorf("router %s: decode tool result: %w", r.name, err)
	}
	cid := env.ConversationID()
	if cid == "" {
		return nil, fmt.Errorf("router %s: tool result without conversation id", r.name)
	}

	conv := r.conversation(cid)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	// A delegated return carries the caller's saved context; restore the
	// working state it describes in case this router restarted meanwhile.
	if raw := env.Meta(envelope.KeySavedContext); raw != "" {
		var saved savedContext
		if err := json.Unmarshal([]byte(raw), &saved); err != nil {
			return nil, fmt.Errorf("router %s: decode saved context: %w", r.name, err)
		}
		conv.replyTo = saved.ReplyTo
		conv.corrID = saved.CorrelationID
		conv.traceID = saved.TraceID
		conv.delegated = saved.Delegated
		if _, ok := conv.pending[saved.ToolCallID]; !ok {
			conv.pending[saved.ToolCallID] = history.ToolCall{ID: saved.ToolCallID, Name: saved.ToolName}
		}
	}

	call, ok := conv.pending[result.ToolCallID]
	if !ok {
		// Duplicate delivery or a result for an already-settled call.
		nc.Logger().DebugContext(ctx, "dropping tool result with no pending call",
			slogx.Node(r.name), slogx.Conversation(cid), slogx.Envelope(env.ID))
		return nil, nil
	}
	delete(conv.pending, result.ToolCallID)

	content := result.Result
	if result.Error != "" {
		content = "error: " + result.Error
	}
	if err := r.appendEntries(ctx, conv, cid, history.Entry{
		Role:       history.RoleTool,
		ToolCallID: result.ToolCallID,
		ToolName:   call.Name,
		Content:    content,
	}); err != nil {
		return nil, fmt.Errorf("router %s: append tool result: %w", r.name, err)
	}

	// Sequential mode keeps at most one call in flight; release the next
	// one before considering the turn answered.
	if len(conv.queued) > 0 {
		next := conv.queued[0]
		conv.queued = conv.queued[1:]
		out, err := r.emitToolCall(conv, cid, next)
		if err != nil {
			return nil, err
		}
		return []*envelope.Envelope{out}, nil
	}
	if len(conv.pending) > 0 {
		return nil, nil
	}

	if err := r.tracker.Transition(cid, handoff.AwaitingResponder); err != nil {
		return nil, fmt.Errorf("router %s: %w", r.name, err)
	}
	return r.runTurn(ctx, conv, cid, nc)
}

// runTurn invokes the responder over the full turn sequence and acts on
// the outcome: fan out tool calls, delegate, or finalize. Caller holds
// conv.mu.
func (r *Router) runTurn(ctx context.Context, conv *conversation, cid string, nc *node.Context) ([]*envelope.Envelope, error) {
	entries, err := r.loadEntries(ctx, conv, cid)
	if err != nil {
		return nil, fmt.Errorf("router %s: load history: %w", r.name, err)
	}

	instructions := r.instructions
	if conv.overrides != "" {
		instructions = conv.overrides
	}
	req := node.TurnRequest{
		Instructions:      instructions,
		Entries:           entries,
		Tools:             r.capabilities(),
		ParallelToolCalls: !r.sequential(),
	}

	resp, err := r.invokeResponder(ctx, cid, req)
	if err != nil {
		return nil, fmt.Errorf("router %s: responder: %w", r.name, err)
	}

	if len(resp.ToolCalls) == 0 {
		return r.finalize(ctx, conv, cid, resp.Content, nc)
	}

	if err := r.appendEntries(ctx, conv, cid, history.Entry{
		Role:      history.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	}); err != nil {
		return nil, fmt.Errorf("router %s: append assistant turn: %w", r.name, err)
	}

	// A handoff wins the turn: other requested calls are answered with a
	// cancellation result so the sequence stays well formed.
	for _, call := range resp.ToolCalls {
		if call.Name == HandoffToolName {
			return r.delegate(ctx, conv, cid, call, resp.ToolCalls, nc)
		}
	}

	if err := r.tracker.Transition(cid, handoff.AwaitingTools); err != nil {
		return nil, fmt.Errorf("router %s: %w", r.name, err)
	}

	calls := resp.ToolCalls
	if r.sequential() && len(calls) > 1 {
		conv.queued = append(conv.queued, calls[1:]...)
		calls = calls[:1]
	}
	var out []*envelope.Envelope
	for _, call := range calls {
		env, err := r.emitToolCall(conv, cid, call)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

func (r *Router) emitToolCall(conv *conversation, cid string, call history.ToolCall) (*envelope.Envelope, error) {
	if _, ok := r.toolSet[call.Name]; !ok {
		return nil, fmt.Errorf("router %s: responder requested unknown tool %s", r.name, call.Name)
	}
	conv.pending[call.ID] = call

	env, err := envelope.New(envelope.ToolCallTopic(r.name, call.Name), node.ToolCallRequest{
		ToolCallID: call.ID,
		Tool:       call.Name,
		Arguments:  call.Arguments,
		Caller:     r.name,
	})
	if err != nil {
		return nil, err
	}
	env = env.WithMeta(envelope.KeyConversationID, cid).
		WithMeta(envelope.KeyReplyTo, envelope.ToolResultTopic(r.name)).
		WithMeta(envelope.KeyTraceID, conv.traceID)
	if conv.corrID != "" {
		env = env.WithMeta(envelope.KeyCorrelationID, conv.corrID)
	}
	return env, nil
}

// delegate pushes a handoff frame and forwards the conversation to the
// target router. Failures become tool-result turns the responder can see,
// not delivery errors.
func (r *Router) delegate(ctx context.Context, conv *conversation, cid string, call history.ToolCall, allCalls []history.ToolCall, nc *node.Context) ([]*envelope.Envelope, error) {
	// Calls the handoff preempted get a cancellation result up front.
	for _, other := range allCalls {
		if other.ID == call.ID {
			continue
		}
		if err := r.appendEntries(ctx, conv, cid, history.Entry{
			Role:       history.RoleTool,
			ToolCallID: other.ID,
			ToolName:   other.Name,
			Content:    "error: cancelled by handoff",
		}); err != nil {
			return nil, err
		}
	}

	var args handoffArgs
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return r.handoffFailure(ctx, conv, cid, call, fmt.Sprintf("invalid handoff arguments: %v", err), nc)
		}
	}
	target, ok := r.handoffs[args.Target]
	if !ok {
		return r.handoffFailure(ctx, conv, cid, call, fmt.Sprintf("unknown handoff target %q", args.Target), nc)
	}

	saved, err := json.Marshal(savedContext{
		ToolCallID:    call.ID,
		ToolName:      call.Name,
		ReplyTo:       conv.replyTo,
		CorrelationID: conv.corrID,
		TraceID:       conv.traceID,
		Delegated:     conv.delegated,
	})
	if err != nil {
		return nil, err
	}
	if err := r.stack.Push(handoff.Frame{
		ConversationID:      cid,
		CallerTopic:         envelope.ToolResultTopic(r.name),
		CallerCorrelationID: conv.corrID,
		SavedContext:        saved,
	}); err != nil {
		return r.handoffFailure(ctx, conv, cid, call, err.Error(), nc)
	}

	if err := r.tracker.Transition(cid, handoff.AwaitingChild); err != nil {
		return nil, fmt.Errorf("router %s: %w", r.name, err)
	}
	conv.pending[call.ID] = call

	message := args.Message
	if message == "" {
		message = "continue the conversation"
	}
	out, err := envelope.New(target, node.Input{Content: message, Sender: r.name})
	if err != nil {
		return nil, err
	}
	out = out.WithMeta(envelope.KeyConversationID, cid).
		WithMeta(metaDelegated, "1").
		WithMeta(envelope.KeyTraceID, conv.traceID)
	if conv.corrID != "" {
		out = out.WithMeta(envelope.KeyCorrelationID, conv.corrID)
	}

	nc.Logger().InfoContext(ctx, "delegating conversation",
		slogx.Node(r.name), slogx.Conversation(cid), slogx.Topic(target))
	return []*envelope.Envelope{out}, nil
}

// handoffFailure records a failed delegation as an error tool result and
// immediately re-invokes the responder so it can recover.
func (r *Router) handoffFailure(ctx context.Context, conv *conversation, cid string, call history.ToolCall, reason string, nc *node.Context) ([]*envelope.Envelope, error) {
	nc.Logger().WarnContext(ctx, "handoff failed",
		slogx.Node(r.name), slogx.Conversation(cid), slogx.Error(fmt.Errorf("%s", reason)))
	if err := r.appendEntries(ctx, conv, cid, history.Entry{
		Role:       history.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    "error: " + reason,
	}); err != nil {
		return nil, err
	}
	return r.runTurn(ctx, conv, cid, nc)
}

// finalize resolves the conversation and emits the terminal result. For a
// delegated conversation the destination comes off the handoff stack.
func (r *Router) finalize(ctx context.Context, conv *conversation, cid string, content string, nc *node.Context) ([]*envelope.Envelope, error) {
	if err := r.appendEntries(ctx, conv, cid, history.Entry{Role: history.RoleAssistant, Content: content}); err != nil {
		return nil, fmt.Errorf("router %s: append assistant turn: %w", r.name, err)
	}
	if err := r.tracker.Transition(cid, handoff.Resolved); err != nil {
		return nil, fmt.Errorf("router %s: %w", r.name, err)
	}

	if conv.delegated {
		return r.returnToCaller(ctx, conv, cid, content, nc)
	}

	topic := conv.replyTo
	if topic == "" {
		topic = envelope.OutputTopic(r.name)
	}
	out, err := envelope.New(topic, node.Output{Content: content})
	if err != nil {
		return nil, err
	}
	out = out.WithMeta(envelope.KeyConversationID, cid).
		WithMeta(envelope.KeySender, r.name).
		WithMeta(envelope.KeyTraceID, conv.traceID)
	if conv.corrID != "" {
		out = out.WithMeta(envelope.KeyCorrelationID, conv.corrID)
	}
	return []*envelope.Envelope{out}, nil
}

// returnToCaller pops exactly one frame and delivers the terminal result
// as the answer to the caller's handoff tool call. An empty stack is a
// protocol defect: it is surfaced on the error topic and the conversation
// is marked terminal.
func (r *Router) returnToCaller(ctx context.Context, conv *conversation, cid string, content string, nc *node.Context) ([]*envelope.Envelope, error) {
	frame, err := r.popFrame(cid)
	if err != nil {
		nc.Logger().ErrorContext(ctx, "handoff return with no frame",
			slogx.Node(r.name), slogx.Conversation(cid), slogx.Error(err))
		r.tracker.Remove(cid)
		r.convs.Del(cid)

		errEnv, eerr := envelope.New(envelope.ErrorTopic(r.name), map[string]string{
			"error":           err.Error(),
			"conversation_id": cid,
		})
		if eerr != nil {
			return nil, eerr
		}
		errEnv = errEnv.WithMeta(envelope.KeyConversationID, cid)
		return []*envelope.Envelope{errEnv}, nil
	}

	var saved savedContext
	if err := json.Unmarshal(frame.SavedContext, &saved); err != nil {
		return nil, fmt.Errorf("router %s: decode frame context: %w", r.name, err)
	}

	out, err := envelope.New(frame.CallerTopic, node.ToolResult{
		ToolCallID: saved.ToolCallID,
		Tool:       saved.ToolName,
		Result:     content,
	})
	if err != nil {
		return nil, err
	}
	out = out.WithMeta(envelope.KeyConversationID, cid).
		WithMeta(envelope.KeySavedContext, string(frame.SavedContext)).
		WithMeta(envelope.KeySender, r.name).
		WithMeta(envelope.KeyTraceID, conv.traceID)
	if frame.CallerCorrelationID != "" {
		out = out.WithMeta(envelope.KeyCorrelationID, frame.CallerCorrelationID)
	}
	return []*envelope.Envelope{out}, nil
}

func (r *Router) popFrame(cid string) (handoff.Frame, error) {
	if r.stack == nil {
		return handoff.Frame{}, fmt.Errorf("router %s: %w", r.name, handoff.ErrUnderflow)
	}
	return r.stack.Pop(cid)
}

// invokeResponder runs one turn, locally or over the broker.
func (r *Router) invokeResponder(ctx context.Context, cid string, req node.TurnRequest) (node.TurnResponse, error) {
	if r.completer != nil {
		completion, err := r.completer.Complete(ctx, providerRequest(req))
		if err != nil {
			return node.TurnResponse{}, err
		}
		return node.TurnResponse{
			Content:      completion.Content,
			ToolCalls:    completion.ToolCalls,
			FinishReason: completion.FinishReason,
		}, nil
	}

	env, err := envelope.New(r.responderTopic, req)
	if err != nil {
		return node.TurnResponse{}, err
	}
	env = env.WithMeta(envelope.KeyConversationID, cid)

	fut, err := r.requester.Request(ctx, r.responderTopic, env, r.responderTimeout)
	if err != nil {
		return node.TurnResponse{}, err
	}
	reply, err := fut.Get(ctx)
	if err != nil {
		return node.TurnResponse{}, err
	}
	var resp node.TurnResponse
	if err := json.Unmarshal(reply.Payload, &resp); err != nil {
		return node.TurnResponse{}, fmt.Errorf("decode turn response: %w", err)
	}
	return resp, nil
}
