package job

import "fmt"

// RunState is the lifecycle state of a JobRun.
type RunState string

// Run lifecycle states.
const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunAborted   RunState = "aborted"
	RunFailed    RunState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunAborted || s == RunFailed
}

// ItemState is the lifecycle state of a WorkItem inside a running JobRun.
type ItemState string

// Work item states.
const (
	ItemQueued            ItemState = "queued"
	ItemDispatched        ItemState = "dispatched"
	ItemRetrying          ItemState = "retrying"
	ItemSucceeded         ItemState = "succeeded"
	ItemPermanentlyFailed ItemState = "permanently_failed"
)

// Terminal reports whether the item has reached a final outcome.
func (s ItemState) Terminal() bool {
	return s == ItemSucceeded || s == ItemPermanentlyFailed
}

var runTransitions = map[RunState]map[RunState]struct{}{
	RunIdle: {
		RunRunning: {},
		RunFailed:  {},
	},
	RunRunning: {
		RunCompleted: {},
		RunAborted:   {},
		RunFailed:    {},
	},
	RunCompleted: {},
	RunAborted:   {},
	RunFailed:    {},
}

var itemTransitions = map[ItemState]map[ItemState]struct{}{
	ItemQueued: {
		ItemDispatched: {},
	},
	ItemDispatched: {
		ItemSucceeded:         {},
		ItemRetrying:          {},
		ItemPermanentlyFailed: {},
	},
	// A pending retry is abandoned when the run is canceled.
	ItemRetrying: {
		ItemQueued:            {},
		ItemPermanentlyFailed: {},
	},
	ItemSucceeded:         {},
	ItemPermanentlyFailed: {},
}

// ValidateRunTransition rejects transitions the run lifecycle does not allow.
func ValidateRunTransition(from, to RunState) error {
	next, ok := runTransitions[from]
	if !ok {
		return fmt.Errorf("invalid run state: %q", from)
	}
	if _, ok := runTransitions[to]; !ok {
		return fmt.Errorf("invalid run state: %q", to)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("invalid run transition: %s -> %s", from, to)
	}
	return nil
}

// ValidateItemTransition rejects transitions the item lifecycle does not allow.
func ValidateItemTransition(from, to ItemState) error {
	next, ok := itemTransitions[from]
	if !ok {
		return fmt.Errorf("invalid item state: %q", from)
	}
	if _, ok := itemTransitions[to]; !ok {
		return fmt.Errorf("invalid item state: %q", to)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("invalid item transition: %s -> %s", from, to)
	}
	return nil
}
