package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/app-studio/internal/auth"
	"github.com/bizmatters/agent-builder/app-studio/internal/credentials"
	"github.com/bizmatters/agent-builder/app-studio/internal/models"
	"github.com/bizmatters/agent-builder/app-studio/internal/orchestration"
	"github.com/bizmatters/agent-builder/app-studio/internal/session"
	"github.com/bizmatters/agent-builder/app-studio/internal/store"
	"github.com/bizmatters/agent-builder/app-studio/internal/workflow"
)

// CredentialStore reads and writes per-user build credentials
type CredentialStore interface {
	Get(ctx context.Context, userID string) (map[string]string, error)
	Put(ctx context.Context, userID string, values map[string]string) error
}

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	service     *orchestration.Service
	store       store.Store
	credentials CredentialStore
	hub         *Hub
	logger      *zap.Logger
	tracer      trace.Tracer
	upgrader    websocket.Upgrader
}

// NewHandler creates a new gateway handler
func NewHandler(service *orchestration.Service, st store.Store, creds CredentialStore, hub *Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:     service,
		store:       st,
		credentials: creds,
		hub:         hub,
		logger:      logger,
		tracer:      otel.Tracer("gateway"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// CreateProjectRequest represents a project creation request
type CreateProjectRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// MessageRequest represents a message append request
type MessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content" binding:"required"`
	BuildID string `json:"buildId"`
}

// PromptRequest carries the prompt for builds and workflows
type PromptRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// RetryRequest names the project whose one-shot flags are reset
type RetryRequest struct {
	ProjectID string `json:"projectId"`
}

// CredentialsRequest carries credential updates; an empty value deletes its key
type CredentialsRequest struct {
	Values map[string]string `json:"values" binding:"required"`
}

// CredentialsResponse returns masked credentials
type CredentialsResponse struct {
	Values map[string]string `json:"values"`
}

// Health godoc
// @Summary Liveness probe
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Ready godoc
// @Summary Readiness probe
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} models.ErrorResponse
// @Router /ready [get]
func (h *Handler) Ready(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, models.NewError(models.ErrCodeInternalError, "database unavailable"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// BuildServiceHealth godoc
// @Summary Build service health
// @Description Probes the build service once per process; later calls return the cached result until a retry
// @Tags health
// @Produce json
// @Success 200 {object} orchestration.HealthStatus
// @Security BearerAuth
// @Router /api/health [get]
func (h *Handler) BuildServiceHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.CheckHealthOnce(c.Request.Context()))
}

// ListProjects godoc
// @Summary List projects
// @Tags projects
// @Produce json
// @Success 200 {array} models.Project
// @Security BearerAuth
// @Router /api/projects [get]
func (h *Handler) ListProjects(c *gin.Context) {
	userID, _ := auth.UserID(c)
	projects, err := h.store.ListProjects(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, projects)
}

// GetProject godoc
// @Summary Get project
// @Tags projects
// @Produce json
// @Param id path string true "Project ID"
// @Success 200 {object} models.Project
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/projects/{id} [get]
func (h *Handler) GetProject(c *gin.Context) {
	project, ok := h.ownedProject(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, project)
}

// CreateProject godoc
// @Summary Create project
// @Tags projects
// @Accept json
// @Produce json
// @Param request body CreateProjectRequest true "Project details"
// @Success 201 {object} models.Project
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/projects [post]
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewError(models.ErrCodeInvalidRequest, "Invalid request"))
		return
	}
	userID, _ := auth.UserID(c)

	project, err := h.store.CreateProject(c.Request.Context(), &models.Project{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		OwnerID:     userID,
		Status:      models.ProjectStatusDraft,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

// DeleteProject godoc
// @Summary Delete project
// @Tags projects
// @Param id path string true "Project ID"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/projects/{id} [delete]
func (h *Handler) DeleteProject(c *gin.Context) {
	project, ok := h.ownedProject(c)
	if !ok {
		return
	}
	if err := h.store.DeleteProject(c.Request.Context(), project.ID); err != nil {
		h.fail(c, err)
		return
	}
	h.service.ForgetProject(project.ID)
	c.Status(http.StatusNoContent)
}

// ListMessages godoc
// @Summary List project messages
// @Tags messages
// @Produce json
// @Param id path string true "Project ID"
// @Success 200 {array} models.Message
// @Security BearerAuth
// @Router /api/projects/{id}/messages [get]
func (h *Handler) ListMessages(c *gin.Context) {
	project, ok := h.ownedProject(c)
	if !ok {
		return
	}
	messages, err := h.store.ListMessages(c.Request.Context(), project.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

// AppendMessage godoc
// @Summary Append a message
// @Tags messages
// @Accept json
// @Produce json
// @Param id path string true "Project ID"
// @Param request body MessageRequest true "Message"
// @Success 201 {object} models.Message
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/projects/{id}/messages [post]
func (h *Handler) AppendMessage(c *gin.Context) {
	project, ok := h.ownedProject(c)
	if !ok {
		return
	}
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewError(models.ErrCodeInvalidRequest, "Invalid request"))
		return
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}
	switch req.Role {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem:
	default:
		c.JSON(http.StatusBadRequest, models.NewError(models.ErrCodeInvalidRequest, "Unknown message role"))
		return
	}

	msg, err := h.store.AppendMessage(c.Request.Context(), &models.Message{
		ProjectID: project.ID,
		Role:      req.Role,
		Content:   req.Content,
		BuildID:   req.BuildID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ClearMessages godoc
// @Summary Clear project messages
// @Tags messages
// @Param id path string true "Project ID"
// @Success 204
// @Security BearerAuth
// @Router /api/projects/{id}/messages [delete]
func (h *Handler) ClearMessages(c *gin.Context) {
	project, ok := h.ownedProject(c)
	if !ok {
		return
	}
	if err := h.store.ClearMessages(c.Request.Context(), project.ID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetCredentials godoc
// @Summary Get build credentials
// @Description Values are masked
// @Tags credentials
// @Produce json
// @Success 200 {object} CredentialsResponse
// @Failure 423 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/credentials [get]
func (h *Handler) GetCredentials(c *gin.Context) {
	userID, _ := auth.UserID(c)
	values, err := h.credentials.Get(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, CredentialsResponse{Values: credentials.Mask(values)})
}

// PutCredentials godoc
// @Summary Update build credentials
// @Tags credentials
// @Accept json
// @Produce json
// @Param request body CredentialsRequest true "Credential values"
// @Success 200 {object} CredentialsResponse
// @Failure 423 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/credentials [put]
func (h *Handler) PutCredentials(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewError(models.ErrCodeInvalidRequest, "Invalid request"))
		return
	}
	userID, _ := auth.UserID(c)
	if err := h.credentials.Put(c.Request.Context(), userID, req.Values); err != nil {
		h.fail(c, err)
		return
	}
	h.GetCredentials(c)
}

// SubmitBuild godoc
// @Summary Submit a prompt
// @Description Starts a generation or modification build; a project with an active build is left alone
// @Tags builds
// @Accept json
// @Produce json
// @Param id path string true "Project ID"
// @Param request body PromptRequest true "Prompt"
// @Success 202 {object} orchestration.SubmitResult
// @Success 200 {object} orchestration.SubmitResult
// @Security BearerAuth
// @Router /api/projects/{id}/builds [post]
func (h *Handler) SubmitBuild(c *gin.Context) {
	var req PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewError(models.ErrCodeInvalidRequest, "Invalid request"))
		return
	}
	userID, _ := auth.UserID(c)
	res, err := h.service.Submit(c.Request.Context(), c.Param("id"), userID, req.Prompt)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(submitStatus(res), res)
}

// Initialize godoc
// @Summary Trigger the initial build
// @Description Submits the prompt the first time it is called for a project
// @Tags builds
// @Accept json
// @Produce json
// @Param id path string true "Project ID"
// @Param request body PromptRequest true "Prompt"
// @Success 202 {object} orchestration.SubmitResult
// @Security BearerAuth
// @Router /api/projects/{id}/initialize [post]
func (h *Handler) Initialize(c *gin.Context) {
	var req PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewError(models.ErrCodeInvalidRequest, "Invalid request"))
		return
	}
	userID, _ := auth.UserID(c)
	res, err := h.service.Initialize(c.Request.Context(), c.Param("id"), userID, req.Prompt)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(submitStatus(res), res)
}

// CancelBuild godoc
// @Summary Cancel the active build
// @Tags builds
// @Param id path string true "Project ID"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/projects/{id}/builds/cancel [post]
func (h *Handler) CancelBuild(c *gin.Context) {
	project, ok := h.ownedProject(c)
	if !ok {
		return
	}
	if err := h.service.CancelBuild(project.ID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CurrentBuild godoc
// @Summary Latest build snapshot
// @Tags builds
// @Produce json
// @Param id path string true "Project ID"
// @Success 200 {object} progress.State
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/projects/{id}/builds/current [get]
func (h *Handler) CurrentBuild(c *gin.Context) {
	project, ok := h.ownedProject(c)
	if !ok {
		return
	}
	state, found := h.service.CurrentBuild(project.ID)
	if !found {
		c.JSON(http.StatusNotFound, models.NewError(models.ErrCodeNoActiveBuild, "No build for this project"))
		return
	}
	c.JSON(http.StatusOK, state)
}

// BuildStatus godoc
// @Summary Poll build status
// @Description Polls the build service until the build ends or the poll budget is spent
// @Tags builds
// @Produce json
// @Param buildId path string true "Build ID"
// @Success 200 {object} orchestration.BuildStatus
// @Failure 504 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/builds/{buildId}/status [get]
func (h *Handler) BuildStatus(c *gin.Context) {
	status, err := h.service.BuildStatus(c.Request.Context(), c.Param("buildId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Retry godoc
// @Summary Retry one-shot triggers
// @Description Resets the initial-load flag of a project and the health probe flag
// @Tags builds
// @Accept json
// @Param request body RetryRequest false "Project"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/retry [post]
func (h *Handler) Retry(c *gin.Context) {
	var req RetryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.NewError(models.ErrCodeInvalidRequest, "Invalid request"))
			return
		}
	}
	if req.ProjectID != "" {
		if _, ok := h.ownedProjectByID(c, req.ProjectID); !ok {
			return
		}
	}
	h.service.Retry(req.ProjectID)
	c.Status(http.StatusNoContent)
}

// RunWorkflow godoc
// @Summary Start the multi-step workflow
// @Tags workflows
// @Accept json
// @Produce json
// @Param id path string true "Project ID"
// @Param request body PromptRequest true "Prompt"
// @Success 202 {object} workflow.State
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/projects/{id}/workflows [post]
func (h *Handler) RunWorkflow(c *gin.Context) {
	var req PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewError(models.ErrCodeInvalidRequest, "Invalid request"))
		return
	}
	userID, _ := auth.UserID(c)
	state, err := h.service.RunWorkflow(c.Request.Context(), c.Param("id"), userID, req.Prompt)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, state)
}

// StopWorkflow godoc
// @Summary Stop the running workflow
// @Tags workflows
// @Param id path string true "Project ID"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/projects/{id}/workflows/stop [post]
func (h *Handler) StopWorkflow(c *gin.Context) {
	project, ok := h.ownedProject(c)
	if !ok {
		return
	}
	if err := h.service.StopWorkflow(project.ID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CurrentWorkflow godoc
// @Summary Latest workflow snapshot
// @Tags workflows
// @Produce json
// @Param id path string true "Project ID"
// @Success 200 {object} workflow.State
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/projects/{id}/workflows/current [get]
func (h *Handler) CurrentWorkflow(c *gin.Context) {
	project, ok := h.ownedProject(c)
	if !ok {
		return
	}
	state, found := h.service.WorkflowSnapshot(project.ID)
	if !found {
		c.JSON(http.StatusNotFound, models.NewError(models.ErrCodeNotFound, "No workflow for this project"))
		return
	}
	c.JSON(http.StatusOK, state)
}

// ownedProject loads the :id project and writes a 404 unless the caller owns it
func (h *Handler) ownedProject(c *gin.Context) (*models.Project, bool) {
	return h.ownedProjectByID(c, c.Param("id"))
}

func (h *Handler) ownedProjectByID(c *gin.Context, projectID string) (*models.Project, bool) {
	userID, _ := auth.UserID(c)
	project, err := h.store.GetProject(c.Request.Context(), projectID)
	if err == nil && project.OwnerID != userID {
		err = store.ErrNotFound
	}
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return project, true
}

func submitStatus(res *orchestration.SubmitResult) int {
	if res.Started {
		return http.StatusAccepted
	}
	return http.StatusOK
}

// fail maps domain errors to API error responses
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, models.NewError(models.ErrCodeNotFound, "Project not found"))
	case errors.Is(err, orchestration.ErrEmptyPrompt):
		c.JSON(http.StatusBadRequest, models.NewError(models.ErrCodeInvalidRequest, err.Error()))
	case errors.Is(err, session.ErrNoSession):
		c.JSON(http.StatusNotFound, models.NewError(models.ErrCodeNoActiveBuild, "No active build for this project"))
	case errors.Is(err, workflow.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, models.NewError(models.ErrCodeWorkflowRunning, err.Error()))
	case errors.Is(err, orchestration.ErrBuildActive):
		c.JSON(http.StatusConflict, models.NewError(models.ErrCodeBuildActive, err.Error()))
	case errors.Is(err, orchestration.ErrNoWorkflow):
		c.JSON(http.StatusNotFound, models.NewError(models.ErrCodeNotFound, err.Error()))
	case errors.Is(err, credentials.ErrLocked):
		c.JSON(http.StatusLocked, models.NewError(models.ErrCodeCredentialsLocked, "Credential store is locked"))
	case errors.Is(err, orchestration.ErrStatusPollExhausted):
		c.JSON(http.StatusGatewayTimeout, models.NewError(models.ErrCodeStatusPollExceeded, err.Error()))
	default:
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, models.NewError(models.ErrCodeInternalError, "Internal server error"))
	}
}
