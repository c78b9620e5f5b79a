package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bizmatters/agent-builder/app-studio/internal/models"
)

// Memory is an in-process Store for tests and local runs without a database
type Memory struct {
	mu       sync.Mutex
	projects map[string]models.Project
	messages map[string][]models.Message
	now      func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		projects: make(map[string]models.Project),
		messages: make(map[string][]models.Message),
		now:      time.Now,
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) ListProjects(ctx context.Context, ownerID string) ([]*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	projects := []*models.Project{}
	for _, p := range m.projects {
		if p.OwnerID == ownerID {
			p := p
			projects = append(projects, &p)
		}
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].UpdatedAt.After(projects[j].UpdatedAt)
	})
	return projects, nil
}

func (m *Memory) GetProject(ctx context.Context, id string) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) CreateProject(ctx context.Context, p *models.Project) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	created := *p
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	if created.Status == "" {
		created.Status = models.ProjectStatusDraft
	}
	created.CreatedAt = m.now()
	created.UpdatedAt = created.CreatedAt
	m.projects[created.ID] = created
	return &created, nil
}

func (m *Memory) DeleteProject(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[id]; !ok {
		return ErrNotFound
	}
	delete(m.projects, id)
	delete(m.messages, id)
	return nil
}

func (m *Memory) UpdateProjectStatus(ctx context.Context, id, status string) error {
	return m.update(id, func(p *models.Project) { p.Status = status })
}

func (m *Memory) UpdateProjectDeployment(ctx context.Context, id, deploymentURL, status string) error {
	return m.update(id, func(p *models.Project) {
		p.DeploymentURL = deploymentURL
		p.Status = status
	})
}

func (m *Memory) update(id string, fn func(p *models.Project)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok {
		return ErrNotFound
	}
	fn(&p)
	p.UpdatedAt = m.now()
	m.projects[id] = p
	return nil
}

func (m *Memory) ListMessages(ctx context.Context, projectID string) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	messages := make([]*models.Message, 0, len(m.messages[projectID]))
	for _, msg := range m.messages[projectID] {
		msg := msg
		messages = append(messages, &msg)
	}
	return messages, nil
}

func (m *Memory) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	created := *msg
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	created.CreatedAt = m.now()
	m.messages[created.ProjectID] = append(m.messages[created.ProjectID], created)
	return &created, nil
}

func (m *Memory) ClearMessages(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, projectID)
	return nil
}
