package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bizmatters/agent-builder/app-studio/internal/models"
)

// Schema creates the tables used by the Postgres store
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
	id             UUID PRIMARY KEY,
	name           TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	deployment_url TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'draft',
	owner_id       TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS project_messages (
	id         UUID PRIMARY KEY,
	project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	build_id   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS project_messages_project_idx ON project_messages (project_id, created_at);
`

// Postgres implements Store on a pgx connection pool
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a store backed by pool
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Connect opens a pool for databaseURL and verifies the connection
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// Migrate applies Schema
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ListProjects returns the owner's projects, most recently updated first
func (s *Postgres) ListProjects(ctx context.Context, ownerID string) ([]*models.Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, deployment_url, status, owner_id, created_at, updated_at
		FROM projects
		WHERE owner_id = $1
		ORDER BY updated_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	projects := []*models.Project{}
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.DeploymentURL, &p.Status, &p.OwnerID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, &p)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}

	return projects, nil
}

// GetProject retrieves a project by ID
func (s *Postgres) GetProject(ctx context.Context, id string) (*models.Project, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	var p models.Project
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, deployment_url, status, owner_id, created_at, updated_at
		FROM projects
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Description, &p.DeploymentURL, &p.Status, &p.OwnerID, &p.CreatedAt, &p.UpdatedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return &p, nil
}

// CreateProject inserts p, assigning an ID and draft status when unset
func (s *Postgres) CreateProject(ctx context.Context, p *models.Project) (*models.Project, error) {
	created := *p
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	if created.Status == "" {
		created.Status = models.ProjectStatusDraft
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO projects (id, name, description, deployment_url, status, owner_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		created.ID, created.Name, created.Description, created.DeploymentURL, created.Status, created.OwnerID,
	).Scan(&created.CreatedAt, &created.UpdatedAt)

	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	return &created, nil
}

// DeleteProject removes a project and its messages
func (s *Postgres) DeleteProject(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProjectStatus sets a project's status
func (s *Postgres) UpdateProjectStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE projects
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProjectDeployment records a new deployment URL together with the status
func (s *Postgres) UpdateProjectDeployment(ctx context.Context, id, deploymentURL, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE projects
		SET deployment_url = $1, status = $2, updated_at = NOW()
		WHERE id = $3
	`, deploymentURL, status, id)
	if err != nil {
		return fmt.Errorf("failed to update project deployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages returns a project's messages in creation order
func (s *Postgres) ListMessages(ctx context.Context, projectID string) ([]*models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, role, content, build_id, created_at
		FROM project_messages
		WHERE project_id = $1
		ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Message, error) {
		var m models.Message
		err := row.Scan(&m.ID, &m.ProjectID, &m.Role, &m.Content, &m.BuildID, &m.CreatedAt)
		return &m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan messages: %w", err)
	}

	return messages, nil
}

// AppendMessage stores msg, assigning an ID when unset
func (s *Postgres) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	created := *msg
	if created.ID == "" {
		created.ID = uuid.New().String()
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO project_messages (id, project_id, role, content, build_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		created.ID, created.ProjectID, created.Role, created.Content, created.BuildID,
	).Scan(&created.CreatedAt)

	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	return &created, nil
}

// ClearMessages deletes a project's conversation history
func (s *Postgres) ClearMessages(ctx context.Context, projectID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM project_messages WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	return nil
}
