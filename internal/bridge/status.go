// ABOUTME: Gateway lifecycle states owned by the bridge supervisor
// ABOUTME: Status values double as wire strings for the control API and metrics

package bridge

import "time"

// Status is the lifecycle state of the supervised gateway process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusCrashed  Status = "crashed"
	StatusStopping Status = "stopping"
)

// allStatuses lists every status, used to reset the one-hot status gauge.
var allStatuses = []Status{StatusStopped, StatusStarting, StatusRunning, StatusCrashed, StatusStopping}

func (s Status) String() string { return string(s) }

// StatusChange is the payload of a status event.
type StatusChange struct {
	From  Status `json:"from"`
	To    Status `json:"to"`
	PID   int    `json:"pid,omitempty"`
	Error string `json:"error,omitempty"`
}

// Info is a read-only snapshot of the supervisor.
type Info struct {
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Restarts  int       `json:"restarts"`
	Pending   int       `json:"pending"`
}
