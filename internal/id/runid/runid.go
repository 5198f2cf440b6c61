// Package runid generates run identifiers.
package runid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a fresh UUIDv7 run identifier. The v7 layout keeps
// lexicographic ordering aligned with creation time, which makes session
// files and log lines sort chronologically.
func New() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// NewString returns a fresh run identifier in canonical string form.
func NewString() (string, error) {
	id, err := New()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
