package session

import (
	"context"
	"io"

	"github.com/bizmatters/agent-builder/app-studio/internal/models"
	"github.com/bizmatters/agent-builder/app-studio/internal/progress"
)

// Mode selects the build service endpoint for a submission
type Mode string

const (
	ModeGenerate Mode = "generate"
	ModeModify   Mode = "modify"
)

// Request describes one streaming build operation
type Request struct {
	// Target keys the at-most-one guard, normally the project id
	Target      string
	// SessionID fixes the new session's id; empty means a generated one
	SessionID   string
	Mode        Mode
	Prompt      string
	ProjectID   string
	UserID      string
	BuildID     string
	Credentials map[string]string
}

// Transport opens the long-lived response body of a build request
type Transport interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// Observer receives a snapshot after every state change of a session.
// Calls are made from the session's pump goroutine, one at a time, in order.
type Observer interface {
	OnSnapshot(state progress.State)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(state progress.State)

// OnSnapshot calls f(state)
func (f ObserverFunc) OnSnapshot(state progress.State) {
	f(state)
}

type nopObserver struct{}

func (nopObserver) OnSnapshot(progress.State) {}

// RouteFor decides between incremental modification and full generation.
// A project that already has a deployment and is ready (or being regenerated)
// is modified in place; anything else is generated from scratch.
func RouteFor(ref *models.ProjectRef) Mode {
	if ref == nil || ref.DeploymentURL == "" {
		return ModeGenerate
	}
	switch ref.Status {
	case models.ProjectStatusReady, models.ProjectStatusRegenerating:
		return ModeModify
	}
	return ModeGenerate
}
