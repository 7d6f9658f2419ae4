package node

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/envelope"
)

func toolCallEnvelope(t *testing.T, tool string, req ToolCallRequest, replyTo string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.ToolCallTopic("weather", tool), req)
	require.NoError(t, err)
	env = env.WithMeta(envelope.KeyConversationID, "conv-1")
	if replyTo != "" {
		env = env.WithMeta(envelope.KeyReplyTo, replyTo)
	}
	return env
}

func TestToolHandleSuccess(t *testing.T) {
	var got ToolContext
	tool, err := NewTool("weather", "get_weather", func(_ context.Context, tc ToolContext, args json.RawMessage) (any, error) {
		got = tc
		var in struct {
			Location string `json:"location"`
		}
		require.NoError(t, json.Unmarshal(args, &in))
		return "rain in " + in.Location, nil
	})
	require.NoError(t, err)

	env := toolCallEnvelope(t, "get_weather", ToolCallRequest{
		ToolCallID: "tc-1",
		Tool:       "get_weather",
		Arguments:  json.RawMessage(`{"location":"Utrecht"}`),
		Caller:     "frontdesk",
	}, "agent.frontdesk.tool_result")

	out, err := tool.Handle(context.Background(), env, &Context{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "agent.frontdesk.tool_result", out[0].Topic)

	var result ToolResult
	require.NoError(t, json.Unmarshal(out[0].Payload, &result))
	assert.Equal(t, "tc-1", result.ToolCallID)
	assert.Equal(t, "rain in Utrecht", result.Result)
	assert.Empty(t, result.Error)

	assert.Equal(t, "frontdesk", got.Caller)
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.Equal(t, "tc-1", got.ToolCallID)
}

func TestToolHandleFunctionError(t *testing.T) {
	tool, err := NewTool("weather", "get_weather", func(context.Context, ToolContext, json.RawMessage) (any, error) {
		return nil, errors.New("upstream unavailable")
	})
	require.NoError(t, err)

	env := toolCallEnvelope(t, "get_weather", ToolCallRequest{ToolCallID: "tc-1", Tool: "get_weather"}, "")

	// Function errors become error results, not delivery failures.
	out, err := tool.Handle(context.Background(), env, &Context{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, envelope.ToolResultTopic("weather"), out[0].Topic)

	var result ToolResult
	require.NoError(t, json.Unmarshal(out[0].Payload, &result))
	assert.Equal(t, "upstream unavailable", result.Error)
	assert.Empty(t, result.Result)
}

func TestToolHandleRejectsMissingCallID(t *testing.T) {
	tool, err := NewTool("weather", "get_weather", func(context.Context, ToolContext, json.RawMessage) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	env := toolCallEnvelope(t, "get_weather", ToolCallRequest{Tool: "get_weather"}, "")
	_, err = tool.Handle(context.Background(), env, &Context{})
	assert.Error(t, err)
}

func TestToolReplyPropagatesCorrelation(t *testing.T) {
	tool, err := NewTool("weather", "get_weather", func(context.Context, ToolContext, json.RawMessage) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	env := toolCallEnvelope(t, "get_weather", ToolCallRequest{ToolCallID: "tc-1"}, "agent.frontdesk.tool_result")
	env = env.WithMeta(envelope.KeyCorrelationID, "cid-1")

	out, err := tool.Handle(context.Background(), env, &Context{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "cid-1", out[0].CorrelationID())
	assert.Equal(t, "conv-1", out[0].ConversationID())
	assert.Empty(t, out[0].ReplyTo())
}

func TestRenderResult(t *testing.T) {
	when := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"nil", nil, ""},
		{"string", "plain", "plain"},
		{"int", 42, "42"},
		{"float", 2.5, "2.5"},
		{"time", when, "2026-03-14T09:26:53Z"},
		{"struct", struct {
			OK bool `json:"ok"`
		}{OK: true}, `{"ok":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderResult(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewToolValidation(t *testing.T) {
	fn := func(context.Context, ToolContext, json.RawMessage) (any, error) { return nil, nil }
	_, err := NewTool("", "t", fn)
	assert.Error(t, err)
	_, err = NewTool("owner", "", fn)
	assert.Error(t, err)
	_, err = NewTool("owner", "t", nil)
	assert.Error(t, err)
}

func TestToolDefinition(t *testing.T) {
	type args struct {
		Location string `json:"location"`
	}
	tool, err := NewTool("weather", "get_weather",
		func(context.Context, ToolContext, json.RawMessage) (any, error) { return nil, nil },
		ToolDescription("Look up the weather"),
		ToolSchema(SchemaOf[args]()),
	)
	require.NoError(t, err)

	def := tool.Definition()
	assert.Equal(t, "get_weather", def.Name)
	assert.Equal(t, "Look up the weather", def.Description)
	require.NotNil(t, def.Schema)
	assert.Equal(t, []string{envelope.ToolCallTopic("weather", "get_weather")}, tool.Subscriptions())
	assert.Equal(t, "weather.get_weather", tool.Name())
}
