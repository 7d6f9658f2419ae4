// Package openai adapts the OpenAI chat completions API to the
// provider.Completer port.
package openai

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/drover-io/drover/history"
	"github.com/drover-io/drover/provider"
)

var _ provider.Completer = (*Completer)(nil)

// Completer talks to the OpenAI chat completions endpoint.
type Completer struct {
	client *openai.Client
	model  string
}

// Option configures a Completer.
type Option func(*Completer)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *Completer) { c.model = model }
}

// New creates a Completer. Request options are passed straight to the
// openai client, so OPENAI_API_KEY from the environment works unchanged.
func New(options ...option.RequestOption) *Completer {
	return &Completer{
		client: openai.NewClient(options...),
		model:  openai.ChatModelGPT4oMini,
	}
}

// NewWith creates a Completer with adapter options applied.
func NewWith(adapterOpts []Option, options ...option.RequestOption) *Completer {
	c := New(options...)
	for _, opt := range adapterOpts {
		opt(c)
	}
	return c
}

// Complete runs one chat completion and maps the first choice back to
// the port's completion shape.
func (c *Completer) Complete(ctx context.Context, req provider.CompletionRequest) (provider.Completion, error) {
	params, err := c.buildRequest(&req)
	if err != nil {
		return provider.Completion{}, err
	}

	chat, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return provider.Completion{}, fmt.Errorf("openai: completion failed: %w", err)
	}
	if len(chat.Choices) == 0 {
		return provider.Completion{}, fmt.Errorf("openai: completion returned no choices")
	}

	choice := chat.Choices[0]
	out := provider.Completion{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, history.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

func (c *Completer) buildRequest(req *provider.CompletionRequest) (openai.ChatCompletionNewParams, error) {
	msgs, err := entriesToOpenAI(req.Instructions, req.Entries)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	params := openai.ChatCompletionNewParams{
		Messages:    openai.F(msgs),
		Model:       openai.F(c.model),
		N:           openai.Int(1),
		Temperature: openai.Float(0.1),
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, tool := range req.Tools {
			fnParams, perr := schemaToFunctionParameters(tool.Schema)
			if perr != nil {
				return openai.ChatCompletionNewParams{}, fmt.Errorf("openai: tool %s: %w", tool.Name, perr)
			}
			def := openai.FunctionDefinitionParam{
				Name:       openai.String(tool.Name),
				Parameters: openai.F(fnParams),
			}
			if strings.TrimSpace(tool.Description) != "" {
				def.Description = openai.String(tool.Description)
			}
			tools[i] = openai.ChatCompletionToolParam{
				Type:     openai.F(openai.ChatCompletionToolTypeFunction),
				Function: openai.F(def),
			}
		}
		params.Tools = openai.F(tools)
		params.ParallelToolCalls = openai.Bool(req.ParallelToolCalls)
	}

	return params, nil
}

func entriesToOpenAI(instructions string, entries []history.Entry) ([]openai.ChatCompletionMessageParamUnion, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if strings.TrimSpace(instructions) != "" {
		msgs = append(msgs, openai.SystemMessage(instructions))
	}

	for _, e := range entries {
		switch e.Role {
		case history.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(e.Content))
		case history.RoleUser:
			msgs = append(msgs, openai.UserMessage(e.Content))
		case history.RoleAssistant:
			if len(e.ToolCalls) == 0 {
				msgs = append(msgs, openai.AssistantMessage(e.Content))
				continue
			}
			tcd := make([]openai.ChatCompletionMessageToolCallParam, len(e.ToolCalls))
			for i, tc := range e.ToolCalls {
				tcd[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   openai.String(tc.ID),
					Type: openai.F(openai.ChatCompletionMessageToolCallTypeFunction),
					Function: openai.F(openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      openai.String(tc.Name),
						Arguments: openai.String(string(tc.Arguments)),
					}),
				}
			}
			msgs = append(msgs, openai.ChatCompletionMessageParam{
				Role:      openai.F(openai.ChatCompletionMessageParamRoleAssistant),
				ToolCalls: openai.F[any](tcd),
			})
		case history.RoleTool:
			msgs = append(msgs, openai.ToolMessage(e.ToolCallID, e.Content))
		default:
			return nil, fmt.Errorf("openai: unsupported role %q", e.Role)
		}
	}
	return msgs, nil
}

func schemaToFunctionParameters(schema *jsonschema.Schema) (shared.FunctionParameters, error) {
	if schema == nil {
		return shared.FunctionParameters{"type": "object", "properties": map[string]any{}}, nil
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return shared.FunctionParameters(out), nil
}
