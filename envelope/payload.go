package envelope

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// PayloadField returns the payload value at a gjson path, without
// decoding the whole payload. The zero Result means the path is absent.
func (e *Envelope) PayloadField(path string) gjson.Result {
	return gjson.GetBytes(e.Payload, path)
}

// WithPayloadField returns a copy of the envelope with the payload field
// at path set. The envelope id is unchanged: this is payload decoration,
// not a new message.
func (e *Envelope) WithPayloadField(path string, value any) (*Envelope, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	patched, err := sjson.SetBytes(payload, path, value)
	if err != nil {
		return nil, fmt.Errorf("patch payload %s: %w", path, err)
	}
	clone := *e
	clone.Payload = patched
	return &clone, nil
}
