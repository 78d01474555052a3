package job

import "time"

// EventType names one kind of record in the run's event stream.
type EventType string

// Event types. Aborted and Error are terminal notifications emitted before the
// closing Final event of a run that did not complete.
const (
	EventProgress EventType = "progress"
	EventStep     EventType = "step"
	EventFile     EventType = "file"
	EventItem     EventType = "item"
	EventStats    EventType = "stats"
	EventFinal    EventType = "final"
	EventAborted  EventType = "aborted"
	EventError    EventType = "error"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventProgress, EventStep, EventFile, EventItem, EventStats, EventFinal, EventAborted, EventError:
		return true
	}
	return false
}

// Event is one ordered update emitted by the orchestrator. Only the field
// matching Type is populated.
type Event struct {
	Seq   int
	RunID string
	Type  EventType
	At    time.Time

	Percent int
	Step    string
	File    *Artifact
	Item    *ItemStatus
	Stats   *Stats
	// Message carries the final summary or the aborted/error notification.
	Message string
	// State is set on Final, Aborted and Error events.
	State RunState
}

// Closing reports whether the event ends a run's stream.
func (e Event) Closing() bool {
	return e.Type == EventFinal
}
