// Package uuidx generates the time-ordered identifiers used throughout
// drover for envelopes, correlation ids, and conversation ids. Version 7
// UUIDs sort by creation time, which keeps id-keyed maps and log output
// roughly chronological.
package uuidx

import "github.com/google/uuid"

// New returns a fresh version 7 UUID. It panics if the random source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a fresh version 7 UUID in canonical string form.
func NewString() string {
	return New().String()
}
