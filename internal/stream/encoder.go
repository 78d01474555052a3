package stream

import (
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/JakeFAU/bmie/internal/job"
)

// Encoder writes one record per event followed by a newline. When the writer
// is an http.Flusher each record is flushed as soon as it is written.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	enc := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		enc.flusher = f
	}
	return enc
}

// Encode writes evt as a self-delimited record.
func (e *Encoder) Encode(evt job.Event) error {
	b, err := Marshal(evt)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
