package envelope

import (
	"strings"

	"github.com/drover-io/drover/pkg/uuidx"
)

// Topic name builders for the hierarchical, dot-separated conventions the
// routing layer uses. Node names must not contain dots.

// InputTopic is where a node receives work: agent.<name>.input.
func InputTopic(name string) string { return "agent." + name + ".input" }

// OutputTopic is where a router publishes terminal results that have no
// explicit reply topic: agent.<name>.output.
func OutputTopic(name string) string { return "agent." + name + ".output" }

// ErrorTopic receives envelopes whose handler failed after all retries:
// agent.<name>.error.
func ErrorTopic(name string) string { return "agent." + name + ".error" }

// ToolCallTopic addresses one tool owned by an agent:
// agent.<name>.tool_call.<tool>.
func ToolCallTopic(name, tool string) string {
	return "agent." + name + ".tool_call." + tool
}

// ToolResultTopic is where an agent's tool results come back:
// agent.<name>.tool_result.
func ToolResultTopic(name string) string { return "agent." + name + ".tool_result" }

// EphemeralReplyTopic returns a unique private reply topic for a single
// request: reply.<name>.<uuid>.
func EphemeralReplyTopic(name string) string {
	return "reply." + name + "." + uuidx.NewString()
}

// MatchTopic reports whether topic matches pattern. A "*" segment matches
// exactly one topic segment, a trailing ">" matches one or more remaining
// segments.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")
	for i, p := range ps {
		if p == ">" {
			return i == len(ps)-1 && len(ts) > i
		}
		if i >= len(ts) {
			return false
		}
		if p != "*" && p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}
