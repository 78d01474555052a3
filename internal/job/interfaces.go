package job

import (
	"context"
	"io"
	"time"
)

// Collaborator performs the actual work for one item: fetch and extract a
// page, or run an analysis. It must make exactly one attempt per call.
type Collaborator interface {
	Process(ctx context.Context, item WorkItem) (Output, error)
}

// CollaboratorFunc adapts a function to the Collaborator interface.
type CollaboratorFunc func(ctx context.Context, item WorkItem) (Output, error)

// Process calls f.
func (f CollaboratorFunc) Process(ctx context.Context, item WorkItem) (Output, error) {
	return f(ctx, item)
}

// Output is what a collaborator returns on success.
type Output struct {
	Artifacts []Artifact
	Steps     []string
}

// Source turns a start command into the ordered list of work items.
type Source interface {
	Items(ctx context.Context, cmd StartCommand) ([]WorkItem, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run summaries to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests for artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
