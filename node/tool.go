package node

import (
	"context"
	"encoding"
	"fmt"
	"strconv"
	"time"

	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"

	"github.com/drover-io/drover/envelope"
	"github.com/drover-io/drover/pkg/slogx"
	"github.com/drover-io/drover/pkg/stdx"
	"github.com/drover-io/drover/provider"
)

var _ Node = (*Tool)(nil)

// ToolContext carries the identity of an invocation into a tool function.
// Everything a tool needs beyond its arguments is passed explicitly here;
// there is no ambient state.
type ToolContext struct {
	Caller         string
	ConversationID string
	ToolCallID     string
}

// ToolFunc is the shape of a tool implementation. The returned value is
// rendered to a string the model can read; returning an error produces an
// error tool result instead of failing the delivery.
type ToolFunc func(ctx context.Context, tc ToolContext, args json.RawMessage) (any, error)

// Tool wraps an ordinary Go function as a node. It subscribes to the
// owning agent's tool-call topic for its name and publishes a ToolResult
// to the caller's reply topic.
type Tool struct {
	name        string
	owner       string
	description string
	schema      *jsonschema.Schema
	fn          ToolFunc
}

var (
	// ToolDescription sets the description offered to the model.
	ToolDescription = opts.ForName[Tool, string]("description")
	// ToolSchema sets the argument schema offered to the model.
	ToolSchema = opts.ForName[Tool, *jsonschema.Schema]("schema")
)

var schemaReflector = jsonschema.Reflector{
	AllowAdditionalProperties: true,
	DoNotReference:            true,
}

// SchemaOf reflects a JSON schema from an argument struct type.
func SchemaOf[T any]() *jsonschema.Schema {
	var v T
	schema := schemaReflector.Reflect(v)
	schema.Version = ""
	return schema
}

// MustTool wraps NewTool for static tool tables built at program
// initialization; it panics on a construction error.
func MustTool(owner, name string, fn ToolFunc, options ...opts.Option[Tool]) *Tool {
	return stdx.Must(NewTool(owner, name, fn, options...))
}

// NewTool creates a tool node owned by the named agent.
func NewTool(owner, name string, fn ToolFunc, options ...opts.Option[Tool]) (*Tool, error) {
	if owner == "" {
		return nil, fmt.Errorf("node: tool %s has no owner", name)
	}
	if name == "" {
		return nil, fmt.Errorf("node: tool has no name")
	}
	if fn == nil {
		return nil, fmt.Errorf("node: tool %s has no function", name)
	}
	t := &Tool{name: name, owner: owner, fn: fn}
	if err := opts.Apply(t, options); err != nil {
		return nil, err
	}
	return t, nil
}

// Name returns "<owner>.<tool>", unique per owning agent.
func (t *Tool) Name() string { return t.owner + "." + t.name }

// Definition is the capability offered to the model for discovery.
func (t *Tool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.name,
		Description: t.description,
		Schema:      t.schema,
	}
}

func (t *Tool) Subscriptions() []string {
	return []string{envelope.ToolCallTopic(t.owner, t.name)}
}

// Handle runs the tool function and replies with a ToolResult. A function
// error becomes an error result the model can react to; only undecodable
// requests fail the delivery.
func (t *Tool) Handle(ctx context.Context, env *envelope.Envelope, nc *Context) ([]*envelope.Envelope, error) {
	var req ToolCallRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, fmt.Errorf("node: tool %s: decode request: %w", t.Name(), err)
	}
	if req.ToolCallID == "" {
		return nil, fmt.Errorf("node: tool %s: request has no tool call id", t.Name())
	}
	replyTo := env.ReplyTo()
	if replyTo == "" {
		replyTo = envelope.ToolResultTopic(t.owner)
	}

	result := ToolResult{ToolCallID: req.ToolCallID, Tool: t.name}
	tc := ToolContext{
		Caller:         req.Caller,
		ConversationID: env.ConversationID(),
		ToolCallID:     req.ToolCallID,
	}
	value, err := t.fn(ctx, tc, req.Arguments)
	if err != nil {
		nc.Logger().WarnContext(ctx, "tool invocation failed",
			slogx.Node(t.Name()), slogx.Error(err), slogx.Conversation(tc.ConversationID))
		result.Error = err.Error()
	} else {
		rendered, rerr := renderResult(value)
		if rerr != nil {
			return nil, fmt.Errorf("node: tool %s: render result: %w", t.Name(), rerr)
		}
		result.Result = rendered
	}

	reply, err := env.Reply(replyTo, result)
	if err != nil {
		return nil, err
	}
	return []*envelope.Envelope{reply}, nil
}

// renderResult flattens a tool return value into a string for the model.
func renderResult(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case time.Time:
		return v.Format(time.RFC3339), nil
	case int, int8, int16, int32, int64:
		return fmt.Sprintf("%d", v), nil
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case encoding.TextMarshaler:
		b, err := v.MarshalText()
		if err != nil {
			return "", err
		}
		return string(b), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
