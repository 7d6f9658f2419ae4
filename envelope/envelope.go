// Package envelope defines the immutable unit of transport for the routing
// layer. An envelope is produced by exactly one publisher and read by any
// number of subscribers; a handler that wants to "modify" one publishes a
// new envelope instead.
package envelope

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/drover-io/drover/pkg/uuidx"
)

// Metadata keys understood by the routing layer. Everything else in the
// metadata map is carried opaquely.
const (
	KeyCorrelationID  = "correlation_id"
	KeyReplyTo        = "reply_to"
	KeyTraceID        = "trace_id"
	KeyConversationID = "conversation_id"
	KeySavedContext   = "saved_context"
	KeySender         = "sender"
)

// Envelope is the wire unit: identity, topic, opaque payload, and string
// metadata. Immutable once published; the With* helpers return copies.
type Envelope struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt strfmt.DateTime   `json:"created_at"`
}

// New creates an envelope for the given topic. The payload is serialized
// once at creation; a json.RawMessage payload is used as-is.
func New(topic string, payload any) (*Envelope, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Envelope{
		ID:        uuidx.NewString(),
		Topic:     topic,
		Payload:   raw,
		CreatedAt: strfmt.DateTime(time.Now().UTC()),
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}

// Meta returns the metadata value for key, or "" when absent.
func (e *Envelope) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// CorrelationID returns the correlation id metadata, if any.
func (e *Envelope) CorrelationID() string { return e.Meta(KeyCorrelationID) }

// ReplyTo returns the reply topic metadata. An empty value means
// fire-and-forget: no reply is expected.
func (e *Envelope) ReplyTo() string { return e.Meta(KeyReplyTo) }

// TraceID returns the trace id metadata, if any.
func (e *Envelope) TraceID() string { return e.Meta(KeyTraceID) }

// ConversationID returns the conversation id metadata, if any.
func (e *Envelope) ConversationID() string { return e.Meta(KeyConversationID) }

// PartitionKey is the value the broker orders deliveries by: the
// conversation id when present, otherwise the topic itself.
func (e *Envelope) PartitionKey() string {
	if cid := e.ConversationID(); cid != "" {
		return cid
	}
	return e.Topic
}

// WithMeta returns a copy of the envelope with the metadata key set.
// Empty values delete the key.
func (e *Envelope) WithMeta(key, value string) *Envelope {
	clone := *e
	clone.Metadata = maps.Clone(e.Metadata)
	if clone.Metadata == nil {
		clone.Metadata = make(map[string]string, 1)
	}
	if value == "" {
		delete(clone.Metadata, key)
	} else {
		clone.Metadata[key] = value
	}
	return &clone
}

// WithCorrelation returns a copy carrying the correlation id and reply
// topic a caller awaits on.
func (e *Envelope) WithCorrelation(correlationID, replyTo string) *Envelope {
	return e.WithMeta(KeyCorrelationID, correlationID).WithMeta(KeyReplyTo, replyTo)
}

// Reply builds a fresh envelope addressed to topic that answers this one:
// it carries the same correlation id, trace id, and conversation id, and a
// new envelope id. The reply has no reply_to of its own.
func (e *Envelope) Reply(topic string, payload any) (*Envelope, error) {
	reply, err := New(topic, payload)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{KeyCorrelationID, KeyTraceID, KeyConversationID} {
		if v := e.Meta(key); v != "" {
			reply = reply.WithMeta(key, v)
		}
	}
	return reply, nil
}

// Marshal serializes the envelope to its wire shape.
func Marshal(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, errors.New("envelope is nil")
	}
	return json.Marshal(e)
}

// Unmarshal decodes an envelope from its wire shape and validates the
// fields the routing layer depends on.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if e.ID == "" {
		return nil, errors.New("envelope has no id")
	}
	if e.Topic == "" {
		return nil, errors.New("envelope has no topic")
	}
	if len(e.Payload) > 0 && !gjson.ValidBytes(e.Payload) {
		return nil, errors.New("envelope payload is not valid JSON")
	}
	return &e, nil
}
