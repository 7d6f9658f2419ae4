package envelope

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	env, err := New("agent.triage.input", map[string]string{"content": "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "agent.triage.input", env.Topic)
	assert.JSONEq(t, `{"content":"hi"}`, string(env.Payload))
	assert.False(t, env.CreatedAt.IsZero())
}

func TestNewRequiresTopic(t *testing.T) {
	_, err := New("", nil)
	require.Error(t, err)
}

func TestNewRawPayload(t *testing.T) {
	env, err := New("t", json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(env.Payload))
}

func TestWithMetaDoesNotMutate(t *testing.T) {
	env, err := New("t", nil)
	require.NoError(t, err)

	withCorr := env.WithCorrelation("cid-1", "reply.a")
	assert.Empty(t, env.CorrelationID())
	assert.Equal(t, "cid-1", withCorr.CorrelationID())
	assert.Equal(t, "reply.a", withCorr.ReplyTo())
	assert.Equal(t, env.ID, withCorr.ID)
}

func TestReplyPropagatesMetadata(t *testing.T) {
	env, err := New("agent.a.input", nil)
	require.NoError(t, err)
	env = env.
		WithMeta(KeyCorrelationID, "cid-1").
		WithMeta(KeyTraceID, "trace-1").
		WithMeta(KeyConversationID, "conv-1").
		WithMeta(KeyReplyTo, "reply.a")

	reply, err := env.Reply("reply.a", map[string]bool{"ok": true})
	require.NoError(t, err)

	assert.Equal(t, "cid-1", reply.CorrelationID())
	assert.Equal(t, "trace-1", reply.TraceID())
	assert.Equal(t, "conv-1", reply.ConversationID())
	assert.Empty(t, reply.ReplyTo(), "a reply does not itself await a reply")
	assert.NotEqual(t, env.ID, reply.ID)
}

func TestPartitionKey(t *testing.T) {
	env, err := New("agent.a.input", nil)
	require.NoError(t, err)
	assert.Equal(t, "agent.a.input", env.PartitionKey())
	assert.Equal(t, "conv-1", env.WithMeta(KeyConversationID, "conv-1").PartitionKey())
}

func TestWireRoundTrip(t *testing.T) {
	env, err := New("agent.a.input", map[string]string{"content": "hi"})
	require.NoError(t, err)
	env = env.WithCorrelation("cid-1", "reply.a")

	data, err := Marshal(env)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.Topic, decoded.Topic)
	assert.Equal(t, "cid-1", decoded.CorrelationID())
	assert.JSONEq(t, string(env.Payload), string(decoded.Payload))
}

func TestUnmarshalValidates(t *testing.T) {
	_, err := Unmarshal([]byte(`{"topic":"t"}`))
	assert.Error(t, err)
	_, err = Unmarshal([]byte(`{"id":"x"}`))
	assert.Error(t, err)
	_, err = Unmarshal([]byte(`not json`))
	assert.Error(t, err)
}

func TestTopicBuilders(t *testing.T) {
	assert.Equal(t, "agent.triage.input", InputTopic("triage"))
	assert.Equal(t, "agent.triage.output", OutputTopic("triage"))
	assert.Equal(t, "agent.triage.error", ErrorTopic("triage"))
	assert.Equal(t, "agent.triage.tool_call.weather", ToolCallTopic("triage", "weather"))
	assert.Equal(t, "agent.triage.tool_result", ToolResultTopic("triage"))

	a := EphemeralReplyTopic("cli")
	b := EphemeralReplyTopic("cli")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "reply.cli.")
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"agent.a.input", "agent.a.input", true},
		{"agent.a.input", "agent.b.input", false},
		{"agent.*.input", "agent.a.input", true},
		{"agent.*.input", "agent.a.output", false},
		{"agent.a.tool_call.*", "agent.a.tool_call.weather", true},
		{"agent.a.tool_call.*", "agent.a.tool_call", false},
		{"agent.a.>", "agent.a.tool_call.weather", true},
		{"agent.a.>", "agent.a", false},
		{"agent.*", "agent.a.input", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic), "%s vs %s", tt.pattern, tt.topic)
	}
}
