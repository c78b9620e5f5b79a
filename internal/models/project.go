package models

import (
	"time"
)

// Project statuses as stored by the project store
const (
	ProjectStatusDraft        = "draft"
	ProjectStatusGenerating   = "generating"
	ProjectStatusReady        = "ready"
	ProjectStatusRegenerating = "regenerating"
	ProjectStatusFailed       = "failed"
)

// Project is a generated application tracked by the project store
type Project struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Description   string    `json:"description,omitempty" db:"description"`
	DeploymentURL string    `json:"deploymentUrl,omitempty" db:"deployment_url"`
	Status        string    `json:"status" db:"status"`
	OwnerID       string    `json:"ownerId" db:"owner_id"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// Ref returns the denormalized fields used for routing decisions
func (p *Project) Ref() *ProjectRef {
	return &ProjectRef{
		ID:            p.ID,
		Name:          p.Name,
		DeploymentURL: p.DeploymentURL,
		Status:        p.Status,
	}
}

// ProjectRef is a cached view of a project, used only to decide between a
// full generation and an incremental modification
type ProjectRef struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DeploymentURL string `json:"deploymentUrl,omitempty"`
	Status        string `json:"status"`
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one entry of a project's conversation history
type Message struct {
	ID        string    `json:"id" db:"id"`
	ProjectID string    `json:"projectId" db:"project_id"`
	Role      string    `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	BuildID   string    `json:"buildId,omitempty" db:"build_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
