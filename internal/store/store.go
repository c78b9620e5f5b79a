// Package store persists projects and their conversation history in Postgres.
package store

import (
	"context"
	"errors"

	"github.com/bizmatters/agent-builder/app-studio/internal/models"
)

// ErrNotFound is returned when a project does not exist or is not visible to the caller
var ErrNotFound = errors.New("not found")

// ProjectStore reads and writes project records
type ProjectStore interface {
	ListProjects(ctx context.Context, ownerID string) ([]*models.Project, error)
	GetProject(ctx context.Context, id string) (*models.Project, error)
	CreateProject(ctx context.Context, p *models.Project) (*models.Project, error)
	DeleteProject(ctx context.Context, id string) error
	UpdateProjectStatus(ctx context.Context, id, status string) error
	UpdateProjectDeployment(ctx context.Context, id, deploymentURL, status string) error
}

// MessageStore reads and writes a project's conversation history
type MessageStore interface {
	ListMessages(ctx context.Context, projectID string) ([]*models.Message, error)
	AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	ClearMessages(ctx context.Context, projectID string) error
}

// Store is the full persistence surface
type Store interface {
	ProjectStore
	MessageStore
	Ping(ctx context.Context) error
}
