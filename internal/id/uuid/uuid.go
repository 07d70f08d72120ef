// Package uuid provides session and report identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings, so session ids sort by
// creation time in logs and report listings.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Short returns the first block of a new id, used where a compact
// disambiguator is enough.
func (g Generator) Short() (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	return id[:8], nil
}
