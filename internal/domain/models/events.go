package models

import "time"

// RunEventType classifies run lifecycle events.
type RunEventType string

const (
	EventRunStarted    RunEventType = "run.started"
	EventRunResumed    RunEventType = "run.resumed"
	EventNodeCompleted RunEventType = "node.completed"
	EventNodeFailed    RunEventType = "node.failed"
	EventRunSuspended  RunEventType = "run.suspended"
	EventRunCompleted  RunEventType = "run.completed"
	EventRunFailed     RunEventType = "run.failed"
)

// RunEvent is published for every observable transition of a run.
type RunEvent struct {
	RunID    string       `json:"run_id"`
	Type     RunEventType `json:"type"`
	Node     string       `json:"node,omitempty"`
	Next     string       `json:"next,omitempty"`
	Step     int          `json:"step"`
	Status   RunStatus    `json:"status"`
	Message  string       `json:"message,omitempty"`
	Duration int64        `json:"duration_ms,omitempty"`
	Time     time.Time    `json:"time"`
}

// Terminal reports whether no further events follow for the run invocation.
func (e RunEvent) Terminal() bool {
	switch e.Type {
	case EventRunSuspended, EventRunCompleted, EventRunFailed:
		return true
	}
	return false
}
