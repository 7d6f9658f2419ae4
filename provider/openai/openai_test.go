package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/drover-io/drover/history"
	"github.com/drover-io/drover/provider"
)

func setupTestServer(t *testing.T, handler http.HandlerFunc) *Completer {
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
	})
	return New(option.WithBaseURL(server.URL+"/v1"), option.WithAPIKey("test"))
}

func weatherSchema() *jsonschema.Schema {
	props := orderedmap.New[string, *jsonschema.Schema]()
	props.Set("location", &jsonschema.Schema{Type: "string"})
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   []string{"location"},
	}
}

func TestBuildRequest(t *testing.T) {
	c := New(option.WithAPIKey("test"))

	req := provider.CompletionRequest{
		Instructions: "You are terse.",
		Entries: []history.Entry{
			{Role: history.RoleUser, Content: "what's the weather in Utrecht?"},
			{Role: history.RoleAssistant, ToolCalls: []history.ToolCall{
				{ID: "tc-1", Name: "get_weather", Arguments: []byte(`{"location":"Utrecht"}`)},
			}},
			{Role: history.RoleTool, ToolCallID: "tc-1", Content: "rain"},
		},
		Tools: []provider.ToolDef{
			{Name: "get_weather", Description: "Look up the weather", Schema: weatherSchema()},
		},
		ParallelToolCalls: true,
	}

	params, err := c.buildRequest(&req)
	require.NoError(t, err)

	assert.Equal(t, openai.ChatModelGPT4oMini, string(params.Model.Value))
	assert.Equal(t, int64(1), params.N.Value)
	assert.True(t, params.ParallelToolCalls.Value)

	msgs := params.Messages.Value
	require.Len(t, msgs, 4)

	system := msgs[0].(openai.ChatCompletionSystemMessageParam)
	assert.Equal(t, "You are terse.", system.Content.Value[0].Text.Value)

	user := msgs[1].(openai.ChatCompletionUserMessageParam)
	assert.Equal(t, "what's the weather in Utrecht?",
		user.Content.Value[0].(openai.ChatCompletionContentPartTextParam).Text.Value)

	tools := params.Tools.Value
	require.Len(t, tools, 1)
	assert.Equal(t, "get_weather", tools[0].Function.Value.Name.Value)
	assert.Equal(t, "Look up the weather", tools[0].Function.Value.Description.Value)
	assert.Equal(t, "object", tools[0].Function.Value.Parameters.Value["type"])
}

func TestBuildRequestRejectsUnknownRole(t *testing.T) {
	c := New(option.WithAPIKey("test"))
	_, err := c.buildRequest(&provider.CompletionRequest{
		Entries: []history.Entry{{Role: history.Role("narrator"), Content: "meanwhile"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported role")
}

func TestCompleteTerminalTurn(t *testing.T) {
	mockResp := openai.ChatCompletion{
		ID: "test-id",
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatCompletionMessageRoleAssistant,
					Content: "dry and sunny",
				},
				FinishReason: openai.ChatCompletionChoicesFinishReasonStop,
			},
		},
	}
	c := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(mockResp))
	})

	got, err := c.Complete(context.Background(), provider.CompletionRequest{
		Entries: []history.Entry{{Role: history.RoleUser, Content: "weather?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "dry and sunny", got.Content)
	assert.Empty(t, got.ToolCalls)
	assert.Equal(t, "stop", got.FinishReason)
}

func TestCompleteToolCallTurn(t *testing.T) {
	mockResp := openai.ChatCompletion{
		ID: "test-id",
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role: openai.ChatCompletionMessageRoleAssistant,
					ToolCalls: []openai.ChatCompletionMessageToolCall{
						{
							ID:   "tc-1",
							Type: openai.ChatCompletionMessageToolCallTypeFunction,
							Function: openai.ChatCompletionMessageToolCallFunction{
								Name:      "get_weather",
								Arguments: `{"location":"Utrecht"}`,
							},
						},
					},
				},
				FinishReason: openai.ChatCompletionChoicesFinishReasonToolCalls,
			},
		},
	}
	c := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(mockResp))
	})

	got, err := c.Complete(context.Background(), provider.CompletionRequest{
		Entries: []history.Entry{{Role: history.RoleUser, Content: "weather?"}},
		Tools:   []provider.ToolDef{{Name: "get_weather", Schema: weatherSchema()}},
	})
	require.NoError(t, err)
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, "tc-1", got.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", got.ToolCalls[0].Name)
	assert.JSONEq(t, `{"location":"Utrecht"}`, string(got.ToolCalls[0].Arguments))
}

func TestCompleteNoChoices(t *testing.T) {
	c := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(openai.ChatCompletion{ID: "test-id"}))
	})

	_, err := c.Complete(context.Background(), provider.CompletionRequest{
		Entries: []history.Entry{{Role: history.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}
