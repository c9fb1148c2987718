package backend

import "fmt"

// Status is the operational phase of a backend instance.
type Status string

const (
	StatusDisabled Status = "disabled"
	StatusErrored  Status = "errored"
	StatusWaiting  Status = "waiting"
	StatusLoading  Status = "loading"
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{StatusDisabled, StatusErrored, StatusWaiting, StatusLoading, StatusIdle, StatusRunning}

// transitions lists the legal targets for each status, excluding the
// DISABLED and ERRORED targets which are reachable from anywhere.
var transitions = map[Status][]Status{
	StatusDisabled: {StatusWaiting},
	StatusErrored:  {StatusWaiting, StatusLoading},
	StatusWaiting:  {StatusLoading},
	StatusLoading:  {StatusIdle},
	StatusIdle:     {StatusRunning, StatusWaiting},
	StatusRunning:  {StatusIdle, StatusWaiting},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if to == StatusDisabled || to == StatusErrored {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Dispatchable reports whether a job may be started in this status.
func (s Status) Dispatchable() bool { return s == StatusIdle || s == StatusRunning }

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// ParseStatus converts a status name into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown backend status %q", s)
	}
	return st, nil
}
