package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/bmie/internal/job"
)

// Log is the append-only, ordered event history of one run. Any number of
// readers can replay it from an offset and follow new events without the
// writer ever blocking on them.
type Log struct {
	mu     sync.Mutex
	runID  string
	events []job.Event
	closed bool
	notify chan struct{}
}

// NewLog creates an open log for runID.
func NewLog(runID string) *Log {
	return &Log{runID: runID, notify: make(chan struct{})}
}

// RunID returns the run the log belongs to.
func (l *Log) RunID() string {
	return l.runID
}

// Append assigns the next sequence number and run ID to evt and stores it.
// Appends after Close are dropped.
func (l *Log) Append(evt job.Event) (job.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return evt, false
	}
	evt.Seq = len(l.events)
	evt.RunID = l.runID
	l.events = append(l.events, evt)
	close(l.notify)
	l.notify = make(chan struct{})
	return evt, true
}

// Close marks the log complete and wakes all readers.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.notify)
}

// Closed reports whether the log has been closed.
func (l *Log) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Len returns the number of stored events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Events returns a copy of the history.
func (l *Log) Events() []job.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]job.Event(nil), l.events...)
}

// Next returns the events from offset from onwards, blocking until at least
// one is available. done is true once the log is closed and the reader has
// seen everything.
func (l *Log) Next(ctx context.Context, from int) (events []job.Event, done bool, err error) {
	if from < 0 {
		from = 0
	}
	for {
		l.mu.Lock()
		if from < len(l.events) {
			out := append([]job.Event(nil), l.events[from:]...)
			l.mu.Unlock()
			return out, false, nil
		}
		if l.closed {
			l.mu.Unlock()
			return nil, true, nil
		}
		wait := l.notify
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false, fmt.Errorf("wait for events: %w", ctx.Err())
		}
	}
}

// Follow calls fn for every event from offset from until the log is closed,
// ctx is done, or fn returns an error.
func (l *Log) Follow(ctx context.Context, from int, fn func(job.Event) error) error {
	next := max(from, 0)
	for {
		events, done, err := l.Next(ctx, next)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		for _, evt := range events {
			if err := fn(evt); err != nil {
				return err
			}
		}
		next += len(events)
	}
}
