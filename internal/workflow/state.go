// Package workflow sequences the multi-step build pipeline (design, plan,
// backend, frontend stream) as one logical operation with weighted progress.
package workflow

import (
	"encoding/json"
	"time"
)

// Status is the overall status of a workflow run
type Status string

const (
	StatusIdle      Status = "idle"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the run is over
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus is the status of one step
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepActive   StepStatus = "active"
	StepComplete StepStatus = "complete"
	StepFailed   StepStatus = "failed"
)

// Step is the displayed record of one pipeline step
type Step struct {
	Name     string          `json:"name"`
	Weight   int             `json:"weight"`
	Status   StepStatus      `json:"status"`
	Message  string          `json:"message,omitempty"`
	Fraction float64         `json:"fraction"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// State is a snapshot of a workflow run. Steps is copied on every snapshot.
type State struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	Status     Status    `json:"status"`
	Steps      []Step    `json:"steps"`
	Progress   float64   `json:"progress"`
	FailedStep string    `json:"failedStep,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	EndedAt    time.Time `json:"endedAt,omitempty"`
}

func (s State) clone() State {
	steps := make([]Step, len(s.Steps))
	copy(steps, s.Steps)
	s.Steps = steps
	return s
}

// Overall computes weighted progress in 0..100: the full weight of every
// complete step plus each active or failed step's weight scaled by its
// in-step fraction.
func Overall(steps []Step) float64 {
	var total, done float64
	for _, st := range steps {
		w := float64(st.Weight)
		total += w
		switch st.Status {
		case StepComplete:
			done += w
		case StepActive, StepFailed:
			done += w * clampFraction(st.Fraction)
		}
	}
	if total == 0 {
		return 0
	}
	return done / total * 100
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
