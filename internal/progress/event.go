// Package progress defines the operational milestones emitted by job runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunDone     Stage = "RUN_DONE"
	StageRunAborted  Stage = "RUN_ABORTED"
	StageRunFailed   Stage = "RUN_FAILED"
	StageAttemptDone Stage = "ATTEMPT_DONE"
	StageRetry       Stage = "RETRY"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for attempt completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of a job run.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or attempt milestone occurred.
	Stage Stage
	// Site optionally scopes attempt events to a host label.
	Site string
	// ItemID is the work item identifier; it should not contain credentials.
	ItemID string
	// Attempt is the 1-based attempt number for attempt and retry events.
	Attempt int
	// Artifacts counts the documents produced by a successful attempt.
	Artifacts int
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures attempt latency or total run time.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunAborted, StageRunFailed:
	case StageAttemptDone, StageRetry:
		if e.ItemID == "" {
			return fmt.Errorf("%s requires item id", e.Stage)
		}
		if e.Attempt < 1 {
			return fmt.Errorf("%s requires attempt number", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// RunKey maps a run identifier onto the Event form. UUID strings are used as
// is; any other identifier is hashed into a name-based UUID.
func RunKey(runID string) [16]byte {
	id, err := uuid.Parse(runID)
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte("bmie:run:"+runID))
	}
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for attempt events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
