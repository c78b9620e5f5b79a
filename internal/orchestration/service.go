package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/app-studio/internal/metrics"
	"github.com/bizmatters/agent-builder/app-studio/internal/models"
	"github.com/bizmatters/agent-builder/app-studio/internal/notify"
	"github.com/bizmatters/agent-builder/app-studio/internal/progress"
	"github.com/bizmatters/agent-builder/app-studio/internal/registry"
	"github.com/bizmatters/agent-builder/app-studio/internal/session"
	"github.com/bizmatters/agent-builder/app-studio/internal/store"
	"github.com/bizmatters/agent-builder/app-studio/internal/workflow"
)

var (
	// ErrEmptyPrompt is returned when a submission has no prompt text
	ErrEmptyPrompt = errors.New("prompt is required")
	// ErrNoWorkflow is returned when a project has no running workflow
	ErrNoWorkflow = errors.New("no workflow running for this project")
	// ErrBuildActive is returned when a workflow is requested while a direct
	// build is still streaming for the project
	ErrBuildActive = errors.New("a build is already running for this project")
)

const (
	// terminalWriteTimeout bounds the store and notifier calls made when a build ends
	terminalWriteTimeout = 10 * time.Second
	// DefaultPollBudget caps one BuildStatus call, below the server write timeout
	DefaultPollBudget = 45 * time.Second
)

// CredentialSource supplies per-user credentials forwarded with build requests
type CredentialSource interface {
	Get(ctx context.Context, userID string) (map[string]string, error)
}

// SnapshotPublisher fans session and workflow snapshots out to UI subscribers
type SnapshotPublisher interface {
	PublishSession(projectID, sessionID string, state progress.State)
	PublishWorkflow(projectID string, state workflow.State)
}

type nopPublisher struct{}

func (nopPublisher) PublishSession(string, string, progress.State) {}
func (nopPublisher) PublishWorkflow(string, workflow.State)        {}

// ServiceConfig holds the Service dependencies. Store, Client and Sessions are
// required; the rest fall back to no-op implementations.
type ServiceConfig struct {
	Store       store.Store
	Client      BuildClientInterface
	Sessions    *session.Manager
	Registry    *registry.Registry
	Hub         SnapshotPublisher
	Notifier    notify.Publisher
	Credentials CredentialSource
	Metrics     *metrics.BuildMetrics
	Logger      *zap.Logger
	Poll        PollConfig
	PollBudget  time.Duration
	Pacing      time.Duration
}

// Service wires the streaming core to persistence, the UI hub and notifications
type Service struct {
	store       store.Store
	client      BuildClientInterface
	sessions    *session.Manager
	registry    *registry.Registry
	hub         SnapshotPublisher
	notifier    notify.Publisher
	credentials CredentialSource
	metrics     *metrics.BuildMetrics
	logger      *zap.Logger
	poll        PollConfig
	pollBudget  time.Duration
	pacing      time.Duration

	claimsMu sync.Mutex
	claims   map[string]*projectClaim

	wfMu      sync.Mutex
	workflows map[string]*workflow.Coordinator

	healthMu sync.Mutex
	health   HealthStatus
}

// SubmitResult reports the outcome of a prompt submission
type SubmitResult struct {
	Started   bool         `json:"started"`
	SessionID string       `json:"sessionId,omitempty"`
	Mode      session.Mode `json:"mode,omitempty"`
}

// HealthStatus is the cached result of the one-shot build service probe.
// Checked is false while the first probe is still running.
type HealthStatus struct {
	Checked   bool      `json:"checked"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checkedAt,omitempty"`
}

// NewService creates the orchestration service
func NewService(cfg ServiceConfig) *Service {
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	if cfg.Hub == nil {
		cfg.Hub = nopPublisher{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Poll.MaxAttempts <= 0 || cfg.Poll.Interval <= 0 {
		cfg.Poll = DefaultPollConfig
	}
	if cfg.PollBudget <= 0 {
		cfg.PollBudget = DefaultPollBudget
	}

	return &Service{
		store:       cfg.Store,
		client:      cfg.Client,
		sessions:    cfg.Sessions,
		registry:    cfg.Registry,
		hub:         cfg.Hub,
		notifier:    cfg.Notifier,
		credentials: cfg.Credentials,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		poll:        cfg.Poll,
		pollBudget:  cfg.PollBudget,
		pacing:      cfg.Pacing,
		claims:      make(map[string]*projectClaim),
		workflows:   make(map[string]*workflow.Coordinator),
	}
}

// Submit starts a streaming build for the project's prompt. Generation or
// modification is chosen from the project's deployment state. A project that
// already has a build or a workflow in flight is left alone and Started is
// false; nothing is stored for a declined prompt.
func (s *Service) Submit(ctx context.Context, projectID, userID, prompt string) (*SubmitResult, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	if _, err := s.ownedProject(ctx, projectID, userID); err != nil {
		return nil, err
	}

	c, err := s.lockClaim(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	// reloaded under the claim so the route and restore status see the last
	// outcome written
	project, err := s.ownedProject(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	mode := session.RouteFor(project.Ref())

	if s.busy(projectID) {
		s.metrics.RecordSuppressed(ctx, "submit")
		return &SubmitResult{Started: false, Mode: mode}, nil
	}

	if _, err := s.store.AppendMessage(ctx, &models.Message{
		ProjectID: projectID,
		Role:      models.RoleUser,
		Content:   prompt,
	}); err != nil {
		return nil, fmt.Errorf("failed to store prompt: %w", err)
	}

	req := session.Request{
		Target:      projectID,
		SessionID:   uuid.New().String(),
		Mode:        mode,
		Prompt:      prompt,
		ProjectID:   projectID,
		UserID:      userID,
		Credentials: s.loadCredentials(ctx, userID),
	}

	previous := c.restoreStatus(project.Status)
	if err := s.store.UpdateProjectStatus(ctx, projectID, buildingStatus(mode)); err != nil {
		return nil, fmt.Errorf("failed to update project status: %w", err)
	}

	prior := c.claimState
	c.take(req.SessionID, previous)
	run := buildRun{
		projectID: projectID,
		userID:    userID,
		owner:     req.SessionID,
		sessionID: req.SessionID,
		mode:      mode,
		previous:  previous,
	}
	// the session outlives the submitting request
	sess, err := s.sessions.Start(context.WithoutCancel(ctx), req, s.sessionObserver(run))
	if err != nil {
		c.claimState = prior
		if rerr := s.store.UpdateProjectStatus(ctx, projectID, previous); rerr != nil {
			s.logger.Warn("failed to restore project status", zap.String("project_id", projectID), zap.Error(rerr))
		}
		if errors.Is(err, session.ErrAlreadyActive) {
			return &SubmitResult{Started: false, Mode: mode}, nil
		}
		return nil, fmt.Errorf("failed to start build: %w", err)
	}

	return &SubmitResult{Started: true, SessionID: sess.ID(), Mode: mode}, nil
}

// Initialize submits the project's initial prompt once per project. Later
// calls do nothing until Retry resets the project.
func (s *Service) Initialize(ctx context.Context, projectID, userID, prompt string) (*SubmitResult, error) {
	if _, err := s.ownedProject(ctx, projectID, userID); err != nil {
		return nil, err
	}
	if !s.registry.TryClaim(registry.InitialLoadKey(projectID)) {
		s.metrics.RecordSuppressed(ctx, "initial-load")
		s.logger.Debug("initial load already handled", zap.String("project_id", projectID))
		return &SubmitResult{Started: false}, nil
	}
	return s.Submit(ctx, projectID, userID, prompt)
}

// CancelBuild cancels the project's active build
func (s *Service) CancelBuild(projectID string) error {
	return s.sessions.Cancel(projectID)
}

// CurrentBuild returns the latest session snapshot for the project
func (s *Service) CurrentBuild(projectID string) (progress.State, bool) {
	_, st, ok := s.CurrentSession(projectID)
	return st, ok
}

// CurrentSession returns the id and latest snapshot of the project's most
// recent session
func (s *Service) CurrentSession(projectID string) (string, progress.State, bool) {
	sess, ok := s.sessions.Latest(projectID)
	if !ok {
		return "", progress.Idle(), false
	}
	return sess.ID(), sess.Snapshot(), true
}

// BuildStatus polls the build service until the build ends, the attempts run
// out or the poll budget is spent
func (s *Service) BuildStatus(ctx context.Context, buildID string) (*BuildStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.pollBudget)
	defer cancel()

	status, err := s.client.PollBuildStatus(ctx, buildID, s.poll)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrStatusPollExhausted) {
		return status, fmt.Errorf("%w: no final status within %s", ErrStatusPollExhausted, s.pollBudget)
	}
	return status, err
}

// RunWorkflow starts the multi-step pipeline for the project and returns its
// initial snapshot. Progress is delivered through the hub. One workflow runs
// per project at a time, and never alongside a direct build.
func (s *Service) RunWorkflow(ctx context.Context, projectID, userID, prompt string) (workflow.State, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return workflow.State{}, ErrEmptyPrompt
	}

	if _, err := s.ownedProject(ctx, projectID, userID); err != nil {
		return workflow.State{}, err
	}

	c, err := s.lockClaim(ctx, projectID)
	if err != nil {
		return workflow.State{}, err
	}
	defer c.mu.Unlock()

	project, err := s.ownedProject(ctx, projectID, userID)
	if err != nil {
		return workflow.State{}, err
	}
	if existing, ok := s.workflow(projectID); ok && !existing.Snapshot().Status.Terminal() {
		s.metrics.RecordSuppressed(ctx, "workflow")
		return existing.Snapshot(), workflow.ErrAlreadyRunning
	}
	if s.busy(projectID) {
		s.metrics.RecordSuppressed(ctx, "workflow")
		return workflow.State{}, ErrBuildActive
	}

	previous := c.restoreStatus(project.Status)
	creds := s.loadCredentials(ctx, userID)

	var coord *workflow.Coordinator
	var owner string
	frontend := workflow.StreamSpec{
		Starter: &observedStarter{
			manager: s.sessions,
			observer: func(sessionID string) session.Observer {
				return s.sessionObserver(buildRun{
					projectID: projectID,
					userID:    userID,
					owner:     owner,
					sessionID: sessionID,
					mode:      session.ModeGenerate,
					previous:  previous,
				})
			},
		},
		Request: func(in workflow.Input) session.Request {
			return session.Request{
				Target:      projectID,
				Mode:        session.ModeGenerate,
				Prompt:      in.Prompt,
				ProjectID:   projectID,
				UserID:      userID,
				Credentials: creds,
			}
		},
	}
	coord = workflow.New(workflow.Config{
		Pacing: s.pacing,
		Observer: workflow.ObserverFunc(func(st workflow.State) {
			if current, ok := s.workflow(projectID); ok && current == coord {
				s.hub.PublishWorkflow(projectID, st)
			}
		}),
		Logger:  s.logger,
		Metrics: s.metrics,
	}, workflow.DefaultPipeline(s.client, frontend))
	snap := coord.Snapshot()
	owner = snap.ID

	s.wfMu.Lock()
	s.workflows[projectID] = coord
	s.wfMu.Unlock()
	c.take(owner, previous)

	if _, err := s.store.AppendMessage(ctx, &models.Message{
		ProjectID: projectID,
		Role:      models.RoleUser,
		Content:   prompt,
	}); err != nil {
		s.logger.Warn("failed to store workflow prompt", zap.String("project_id", projectID), zap.Error(err))
	}
	if err := s.store.UpdateProjectStatus(ctx, projectID, models.ProjectStatusGenerating); err != nil {
		s.logger.Warn("failed to update project status", zap.String("project_id", projectID), zap.Error(err))
	}

	go s.runWorkflow(context.WithoutCancel(ctx), coord, projectID, prompt, previous)
	return snap, nil
}

// runWorkflow drives the pipeline and records outcomes the frontend session
// did not record itself. A frontend session that ran settles the claim on its
// own end, so only failures before or outside it are written here.
func (s *Service) runWorkflow(ctx context.Context, coord *workflow.Coordinator, projectID, prompt, previous string) {
	final, err := coord.Run(ctx, prompt, projectID)

	c, ok := s.existingClaim(projectID)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != final.ID {
		return
	}
	defer c.settle()
	if err == nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, terminalWriteTimeout)
	defer cancel()

	if errors.Is(err, workflow.ErrCancelled) {
		if serr := s.store.UpdateProjectStatus(writeCtx, projectID, previous); serr != nil {
			s.logger.Warn("failed to restore project status", zap.String("project_id", projectID), zap.Error(serr))
		}
		return
	}
	if serr := s.store.UpdateProjectStatus(writeCtx, projectID, models.ProjectStatusFailed); serr != nil {
		s.logger.Warn("failed to mark project failed", zap.String("project_id", projectID), zap.Error(serr))
	}
	s.appendMessage(writeCtx, &models.Message{
		ProjectID: projectID,
		Role:      models.RoleSystem,
		Content:   fmt.Sprintf("Workflow failed at %s: %s", final.FailedStep, final.Error),
	})
}

// StopWorkflow stops the project's running workflow
func (s *Service) StopWorkflow(projectID string) error {
	coord, ok := s.workflow(projectID)
	if !ok || !coord.Stop() {
		return ErrNoWorkflow
	}
	return nil
}

// WorkflowSnapshot returns the project's latest workflow state
func (s *Service) WorkflowSnapshot(projectID string) (workflow.State, bool) {
	coord, ok := s.workflow(projectID)
	if !ok {
		return workflow.State{}, false
	}
	return coord.Snapshot(), true
}

// ForgetProject drops everything tracked for a deleted project. A running
// build or workflow is cancelled and its outcome is neither published nor
// written.
func (s *Service) ForgetProject(projectID string) {
	c := s.claim(projectID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settle()

	s.wfMu.Lock()
	coord, ok := s.workflows[projectID]
	delete(s.workflows, projectID)
	s.wfMu.Unlock()
	if ok {
		coord.Stop()
	}
	s.sessions.Forget(projectID)
	s.registry.Reset(registry.InitialLoadKey(projectID))

	s.claimsMu.Lock()
	delete(s.claims, projectID)
	s.claimsMu.Unlock()

	s.logger.Debug("project forgotten", zap.String("project_id", projectID))
}

func (s *Service) workflow(projectID string) (*workflow.Coordinator, bool) {
	s.wfMu.Lock()
	defer s.wfMu.Unlock()
	coord, ok := s.workflows[projectID]
	return coord, ok
}

// CheckHealthOnce probes the build service the first time it is called and
// returns the cached result afterwards
func (s *Service) CheckHealthOnce(ctx context.Context) HealthStatus {
	if s.registry.TryClaim(registry.HealthCheckKey) {
		healthy := s.client.IsHealthy(ctx)
		s.healthMu.Lock()
		s.health = HealthStatus{Checked: true, Healthy: healthy, CheckedAt: time.Now()}
		s.healthMu.Unlock()
		s.logger.Info("build service health checked", zap.Bool("healthy", healthy))
	} else {
		s.metrics.RecordSuppressed(ctx, "health-check")
	}

	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return s.health
}

// Retry clears the project's one-shot flags so the initial load and the
// health probe run again on their next trigger
func (s *Service) Retry(projectID string) {
	keys := []string{registry.HealthCheckKey}
	if projectID != "" {
		keys = append(keys, registry.InitialLoadKey(projectID))
	}
	s.registry.Reset(keys...)
	s.logger.Info("one-shot flags reset", zap.String("project_id", projectID))
}

// Shutdown stops every workflow and cancels every active session
func (s *Service) Shutdown() {
	s.wfMu.Lock()
	coords := make([]*workflow.Coordinator, 0, len(s.workflows))
	for _, c := range s.workflows {
		coords = append(coords, c)
	}
	s.wfMu.Unlock()

	for _, c := range coords {
		c.Stop()
	}
	s.sessions.Shutdown()
}

func (s *Service) ownedProject(ctx context.Context, projectID, userID string) (*models.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != userID {
		return nil, store.ErrNotFound
	}
	return project, nil
}

// loadCredentials returns the user's stored credentials; a locked or failing
// store yields none
func (s *Service) loadCredentials(ctx context.Context, userID string) map[string]string {
	if s.credentials == nil {
		return nil
	}
	creds, err := s.credentials.Get(ctx, userID)
	if err != nil {
		s.logger.Warn("build credentials unavailable", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	return creds
}

// buildRun describes one session whose snapshots the service relays. owner
// is the claim holder the session reports for: its own id for a direct build,
// or the workflow id for a workflow's frontend step.
type buildRun struct {
	projectID string
	userID    string
	owner     string
	sessionID string
	mode      session.Mode
	previous  string
}

// sessionObserver relays snapshots of a run while it still owns the project's
// claim. A superseded or forgotten run goes quiet, so its late final snapshot
// never overwrites a newer build.
func (s *Service) sessionObserver(run buildRun) session.Observer {
	return session.ObserverFunc(func(st progress.State) {
		c, ok := s.existingClaim(run.projectID)
		if !ok {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.owner != run.owner {
			s.logger.Debug("dropped snapshot of superseded session",
				zap.String("project_id", run.projectID),
				zap.String("session_id", run.sessionID),
				zap.String("status", string(st.Status)),
			)
			return
		}

		s.hub.PublishSession(run.projectID, run.sessionID, st)
		if st.Status.Terminal() {
			s.onSessionEnded(run, st)
			c.settle()
		}
	})
}

// onSessionEnded persists the outcome of a build and announces it
func (s *Service) onSessionEnded(run buildRun, st progress.State) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	projectID, mode := run.projectID, run.mode

	log := s.logger.With(zap.String("project_id", projectID), zap.String("build_id", st.BuildID))
	event := &notify.BuildFinished{
		ProjectID:  projectID,
		UserID:     run.userID,
		BuildID:    st.BuildID,
		Mode:       string(mode),
		Outcome:    string(st.Status),
		Percent:    st.Percent,
		DurationMs: st.Elapsed(time.Now()).Milliseconds(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	switch st.Status {
	case progress.StatusCompleted:
		url := ""
		if st.Result != nil {
			url = st.Result.PreviewURL
			if url == "" {
				url = st.Result.DeploymentURL
			}
		}
		event.PreviewURL = url
		if err := s.store.UpdateProjectDeployment(ctx, projectID, url, models.ProjectStatusReady); err != nil {
			log.Warn("failed to store deployment", zap.Error(err))
		}
		s.appendMessage(ctx, &models.Message{
			ProjectID: projectID,
			Role:      models.RoleAssistant,
			Content:   completionMessage(mode, url),
			BuildID:   st.BuildID,
		})

	case progress.StatusFailed:
		event.Error = st.LastError
		if err := s.store.UpdateProjectStatus(ctx, projectID, models.ProjectStatusFailed); err != nil {
			log.Warn("failed to mark project failed", zap.Error(err))
		}
		s.appendMessage(ctx, &models.Message{
			ProjectID: projectID,
			Role:      models.RoleSystem,
			Content:   "Build failed: " + st.LastError,
			BuildID:   st.BuildID,
		})

	case progress.StatusCancelled:
		if err := s.store.UpdateProjectStatus(ctx, projectID, run.previous); err != nil {
			log.Warn("failed to restore project status", zap.Error(err))
		}
		s.appendMessage(ctx, &models.Message{
			ProjectID: projectID,
			Role:      models.RoleSystem,
			Content:   "Build cancelled",
			BuildID:   st.BuildID,
		})
	}

	if err := s.notifier.Publish(ctx, event); err != nil {
		log.Warn("failed to publish build notification", zap.Error(err))
	}
}

func (s *Service) appendMessage(ctx context.Context, msg *models.Message) {
	if _, err := s.store.AppendMessage(ctx, msg); err != nil {
		s.logger.Warn("failed to store message",
			zap.String("project_id", msg.ProjectID),
			zap.String("role", msg.Role),
			zap.Error(err),
		)
	}
}

func buildingStatus(mode session.Mode) string {
	if mode == session.ModeModify {
		return models.ProjectStatusRegenerating
	}
	return models.ProjectStatusGenerating
}

func completionMessage(mode session.Mode, url string) string {
	verb := "generated"
	if mode == session.ModeModify {
		verb = "updated"
	}
	if url == "" {
		return fmt.Sprintf("Your app was %s.", verb)
	}
	return fmt.Sprintf("Your app was %s. Preview: %s", verb, url)
}

// observedStarter starts sessions on the manager with an extra observer, so
// workflow child sessions reach the hub and the store like direct builds
type observedStarter struct {
	manager  *session.Manager
	observer func(sessionID string) session.Observer
}

func (o *observedStarter) Start(ctx context.Context, req session.Request, obs session.Observer) (*session.Session, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	extra := o.observer(req.SessionID)
	return o.manager.Start(ctx, req, session.ObserverFunc(func(st progress.State) {
		if obs != nil {
			obs.OnSnapshot(st)
		}
		extra.OnSnapshot(st)
	}))
}

// projectClaim serializes build starts and outcome writes for one project
type projectClaim struct {
	mu sync.Mutex
	claimState
}

// claimState names the direct session or workflow whose outcome is still to
// be written. previous is the status to restore if that run is cancelled and
// settled is closed once the outcome is written.
type claimState struct {
	owner    string
	previous string
	settled  chan struct{}
}

// take hands the claim to a new run
func (c *projectClaim) take(owner, previous string) {
	c.claimState = claimState{owner: owner, previous: previous, settled: make(chan struct{})}
}

// settle marks the owner's outcome as written
func (c *projectClaim) settle() {
	if c.settled != nil {
		close(c.settled)
	}
	c.claimState = claimState{}
}

// restoreStatus returns the status a new run should restore on cancellation.
// A cancelled predecessor that never wrote its outcome left the project in a
// building status, so its own restore target carries over.
func (c *projectClaim) restoreStatus(current string) string {
	if c.owner != "" {
		return c.previous
	}
	return current
}

func (s *Service) claim(projectID string) *projectClaim {
	s.claimsMu.Lock()
	defer s.claimsMu.Unlock()
	c, ok := s.claims[projectID]
	if !ok {
		c = &projectClaim{}
		s.claims[projectID] = c
	}
	return c
}

func (s *Service) existingClaim(projectID string) (*projectClaim, bool) {
	s.claimsMu.Lock()
	defer s.claimsMu.Unlock()
	c, ok := s.claims[projectID]
	return c, ok
}

// lockClaim locks the project's claim. A run that has ended on its own but is
// still writing its outcome is waited for first; a cancelled run is not, and
// the next run supersedes it.
func (s *Service) lockClaim(ctx context.Context, projectID string) (*projectClaim, error) {
	for {
		c := s.claim(projectID)
		c.mu.Lock()
		if !s.writingOutcome(projectID, c) {
			return c, nil
		}
		settled := c.settled
		c.mu.Unlock()

		select {
		case <-settled:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// writingOutcome reports whether the claim owner ended without being
// cancelled and has not yet settled. Callers hold c.mu.
func (s *Service) writingOutcome(projectID string, c *projectClaim) bool {
	if c.owner == "" || c.settled == nil {
		return false
	}
	if sess, ok := s.sessions.Latest(projectID); ok && sess.ID() == c.owner {
		st := sess.Snapshot().Status
		return st.Terminal() && st != progress.StatusCancelled
	}
	if coord, ok := s.workflow(projectID); ok {
		if wf := coord.Snapshot(); wf.ID == c.owner {
			return wf.Status.Terminal() && wf.Status != workflow.StatusCancelled
		}
	}
	return false
}

// busy reports whether a session is streaming or a workflow is running for
// the project
func (s *Service) busy(projectID string) bool {
	if _, active := s.sessions.Active(projectID); active {
		return true
	}
	coord, ok := s.workflow(projectID)
	return ok && !coord.Snapshot().Status.Terminal()
}
