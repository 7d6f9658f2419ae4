// Package slogx provides slog attribute helpers for the fields that recur
// across the routing layer: errors, topics, conversation and correlation ids.
package slogx

import "log/slog"

// Error returns a slog.Attr with the key "error" and the error's message.
func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Topic returns a slog.Attr for the topic an envelope was published on.
func Topic(topic string) slog.Attr {
	return slog.String("topic", topic)
}

// Conversation returns a slog.Attr for a conversation id.
func Conversation(id string) slog.Attr {
	return slog.String("conversation_id", id)
}

// Correlation returns a slog.Attr for a correlation id.
func Correlation(id string) slog.Attr {
	return slog.String("correlation_id", id)
}

// Node returns a slog.Attr for a node name.
func Node(name string) slog.Attr {
	return slog.String("node", name)
}

// Envelope returns a slog.Attr for an envelope id.
func Envelope(id string) slog.Attr {
	return slog.String("envelope_id", id)
}
