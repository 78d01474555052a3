// Package uuid generates run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/bmie/internal/job"
)

var _ job.IDGenerator = Generator{}

// Generator creates UUIDv7 run IDs. They sort by creation time, which keeps
// summaries and logs from successive runs in order.
type Generator struct{}

// New creates a new Generator.
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

// Valid reports whether id parses as a UUID. The API uses it to reject
// malformed run IDs before looking them up.
func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
