package supervisor

import "time"

// State is the lifecycle state of the backend process.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateHealthy
	StateUnresponsive
	StateTerminated
)

var stateNames = [...]string{
	StateNotStarted:   "not_started",
	StateStarting:     "starting",
	StateHealthy:      "healthy",
	StateUnresponsive: "unresponsive",
	StateTerminated:   "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Snapshot is a point-in-time copy of the backend process handle.
type Snapshot struct {
	State     State
	PID       int
	StartedAt time.Time
	Restarts  int
	LastError string
}
