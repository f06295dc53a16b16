// Package uuid generates item and job IDs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings, so item blobs written on the
// same day list in scrape order.
type Generator struct{}

// New creates a Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// JobID returns a fresh job id, or fallback when generation fails.
func (g Generator) JobID(fallback string) string {
	id, err := g.NewID()
	if err != nil {
		return fallback
	}
	return id
}
