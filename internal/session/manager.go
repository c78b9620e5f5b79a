// Package session runs streaming build operations against the build service.
//
// A Manager allows at most one active Session per target. Each Session owns
// its progress.State exclusively: a single pump goroutine reads the response
// body, parses frames, reduces them into state and notifies the observer.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/app-studio/internal/metrics"
	"github.com/bizmatters/agent-builder/app-studio/internal/progress"
)

var (
	// ErrAlreadyActive is returned by Start when the target already has an
	// active session. Callers treat it as a declined duplicate trigger.
	ErrAlreadyActive = errors.New("a build session is already active for this target")
	// ErrNoSession is returned when a target has no session to act on
	ErrNoSession = errors.New("no build session for this target")
)

const defaultReadSize = 4096

// Manager starts sessions and enforces at most one active session per target
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	transport Transport
	logger    *zap.Logger
	metrics   *metrics.BuildMetrics
	tracer    trace.Tracer
	clock     func() time.Time
	readSize  int
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the manager's logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(bm *metrics.BuildMetrics) Option {
	return func(m *Manager) { m.metrics = bm }
}

// WithClock overrides time.Now, for tests
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithReadSize sets the size of each body read
func WithReadSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.readSize = n
		}
	}
}

// NewManager creates a session manager using transport to open build streams
func NewManager(transport Transport, opts ...Option) *Manager {
	m := &Manager{
		sessions:  make(map[string]*Session),
		transport: transport,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("build-session"),
		clock:     time.Now,
		readSize:  defaultReadSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins a streaming session for req.Target. The guard check and the
// registration of the new session happen under one lock before any I/O, so
// of two concurrent calls exactly one opens a transport; the other gets
// ErrAlreadyActive and leaves no trace.
//
// The session outlives ctx's caller; it ends on a terminal frame, a transport
// failure, Cancel, or cancellation of ctx.
func (m *Manager) Start(ctx context.Context, req Request, obs Observer) (*Session, error) {
	if req.Target == "" {
		return nil, fmt.Errorf("session target is required")
	}
	if req.Mode == "" {
		req.Mode = ModeGenerate
	}
	if obs == nil {
		obs = nopObserver{}
	}

	m.mu.Lock()
	if existing, ok := m.sessions[req.Target]; ok && !existing.Snapshot().Status.Terminal() {
		m.mu.Unlock()
		m.metrics.RecordSuppressed(ctx, "session")
		m.logger.Debug("declined duplicate build session",
			zap.String("target", req.Target),
			zap.String("session_id", existing.ID()),
		)
		return nil, ErrAlreadyActive
	}

	id := req.SessionID
	if id == "" {
		id = uuid.New().String()
	}
	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:       id,
		req:      req,
		state:    progress.Start(req.BuildID, m.clock()),
		cancel:   cancel,
		done:     make(chan struct{}),
		observer: obs,
		manager:  m,
	}
	m.sessions[req.Target] = s
	m.mu.Unlock()

	m.metrics.RecordSessionStarted(ctx, string(req.Mode))
	m.logger.Info("build session started",
		zap.String("target", req.Target),
		zap.String("session_id", s.id),
		zap.String("mode", string(req.Mode)),
	)

	go s.run(sessCtx)
	return s, nil
}

// Active returns the target's session if it is still active
func (m *Manager) Active(target string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[target]
	m.mu.Unlock()
	if !ok || s.Snapshot().Status.Terminal() {
		return nil, false
	}
	return s, true
}

// Latest returns the target's most recent session, active or ended
func (m *Manager) Latest(target string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[target]
	return s, ok
}

// Cancel cancels the target's active session
func (m *Manager) Cancel(target string) error {
	s, ok := m.Active(target)
	if !ok {
		return ErrNoSession
	}
	s.Cancel()
	return nil
}

// Shutdown cancels every active session
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}
}

// Forget drops the target's session record, cancelling it if still active.
// A session otherwise stays tracked after it ends until a new one supersedes it.
func (m *Manager) Forget(target string) {
	m.mu.Lock()
	s, ok := m.sessions[target]
	delete(m.sessions, target)
	m.mu.Unlock()

	if ok {
		s.Cancel()
	}
}
