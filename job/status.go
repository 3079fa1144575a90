package job

import "fmt"

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusLocked   Status = "locked"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusDead     Status = "dead"
)

// AllStatuses lists every status a stored job may carry.
var AllStatuses = []Status{
	StatusQueued,
	StatusLocked,
	StatusComplete,
	StatusFailed,
	StatusDead,
}

func (s Status) String() string {
	return string(s)
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusDead
}

// ParseStatus converts a stored value into a Status.
func ParseStatus(v string) (Status, error) {
	for _, s := range AllStatuses {
		if string(s) == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", v)
}

// Transition is an edge of the job state machine.
type Transition struct {
	From Status
	To   Status
}

// ValidTransitions is the complete job state machine. locked→locked is a
// stale lease being superseded by another consumer.
var ValidTransitions = []Transition{
	{From: StatusQueued, To: StatusLocked},
	{From: StatusLocked, To: StatusQueued},
	{From: StatusLocked, To: StatusDead},
	{From: StatusLocked, To: StatusComplete},
	{From: StatusLocked, To: StatusLocked},
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to Status) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
