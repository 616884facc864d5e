package run

import "github.com/flowplane/flowplane/engine/scheduler"

var edges = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusFailed, StatusStopping, StatusTimeout},
	StatusRunning:  {StatusSuccess, StatusFailed, StatusStopping, StatusTimeout},
	StatusStopping: {StatusStopped, StatusSuccess, StatusStopping, StatusTimeout},
}

// CanTransition reports whether from -> to is an edge of the run state
// machine. Terminal statuses have no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReasonCancelledByScheduler marks runs the scheduler cancelled on its own.
const ReasonCancelledByScheduler = "cancelled by scheduler"

// Resolve maps an observation onto the path of statuses to apply from the
// current status. An empty path means nothing to do. A pending observation
// never moves a run.
func Resolve(current Status, obs scheduler.Observation) []Status {
	switch obs {
	case scheduler.ObservedRunning:
		if current == StatusPending {
			return []Status{StatusRunning}
		}
	case scheduler.ObservedSucceeded:
		switch current {
		case StatusPending:
			return []Status{StatusRunning, StatusSuccess}
		case StatusRunning, StatusStopping:
			return []Status{StatusSuccess}
		}
	case scheduler.ObservedFailed:
		switch current {
		case StatusPending, StatusRunning:
			return []Status{StatusFailed}
		case StatusStopping:
			return []Status{StatusStopped}
		}
	case scheduler.ObservedCancelled:
		switch current {
		case StatusPending, StatusRunning:
			return []Status{StatusFailed}
		case StatusStopping:
			return []Status{StatusStopped}
		}
	}
	return nil
}
