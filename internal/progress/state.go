// Package progress holds the build session state and the pure reducer that
// applies stream frames to it.
package progress

import (
	"time"

	"github.com/bizmatters/agent-builder/app-studio/internal/stream"
)

// Status is the lifecycle status of a build session
type Status string

const (
	StatusIdle      Status = "idle"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further frames can change a session in this status
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// PhaseComplete is the phase label forced by a complete frame
const PhaseComplete = "complete"

// ChunkSize is the nominal number of characters per streamed chunk, used to
// estimate the total chunk count from a length hint.
const ChunkSize = 10000

// Stats accumulates counters over one session
type Stats struct {
	TotalCharacters      int64     `json:"totalCharacters"`
	ChunksReceived       int       `json:"chunksReceived"`
	EstimatedTotalChunks int       `json:"estimatedTotalChunks"`
	StartTime            time.Time `json:"startTime"`
	EndTime              time.Time `json:"endTime,omitempty"`
	Throughput           float64   `json:"throughput"` // characters per second
}

// State is an immutable snapshot of one build session
type State struct {
	Status    Status         `json:"status"`
	BuildID   string         `json:"buildId,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Message   string         `json:"message,omitempty"`
	Percent   float64        `json:"progressPercent"`
	Stats     Stats          `json:"stats"`
	Result    *stream.Result `json:"result,omitempty"`
	LastError string         `json:"lastError,omitempty"`
}

// Idle returns the state of a session that has not started
func Idle() State {
	return State{Status: StatusIdle}
}

// Start returns the initial active state for a session started at `at`
func Start(buildID string, at time.Time) State {
	return State{
		Status:  StatusActive,
		BuildID: buildID,
		Phase:   "starting",
		Stats:   Stats{StartTime: at},
	}
}

// Cancel moves an active session to cancelled. Terminal states are returned unchanged.
func Cancel(s State, at time.Time) State {
	if s.Status.Terminal() {
		return s
	}
	s.Status = StatusCancelled
	s.Phase = "cancelled"
	if s.Stats.EndTime.IsZero() {
		s.Stats.EndTime = at
	}
	return s
}

// Fail moves an active session to failed with msg. Terminal states are returned unchanged.
func Fail(s State, msg string, at time.Time) State {
	if s.Status.Terminal() {
		return s
	}
	s.Status = StatusFailed
	s.LastError = msg
	if s.Stats.EndTime.IsZero() {
		s.Stats.EndTime = at
	}
	return s
}

// Elapsed returns the session's running time, up to EndTime once stamped
func (s State) Elapsed(now time.Time) time.Duration {
	if s.Stats.StartTime.IsZero() {
		return 0
	}
	end := now
	if !s.Stats.EndTime.IsZero() {
		end = s.Stats.EndTime
	}
	return end.Sub(s.Stats.StartTime)
}
