// Package uuid generates the time-ordered IDs used for users, sessions, jobs
// and results.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator implements scrape.IDGenerator with UUIDv7. IDs from one process
// sort in creation order.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
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
