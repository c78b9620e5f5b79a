package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/app-studio/internal/metrics"
	"github.com/bizmatters/agent-builder/app-studio/internal/progress"
	"github.com/bizmatters/agent-builder/app-studio/internal/session"
)

var (
	// ErrAlreadyRunning is returned by Run on a coordinator that has already run
	ErrAlreadyRunning = errors.New("workflow is already running")
	// ErrCancelled is returned by Run when the workflow was stopped
	ErrCancelled = errors.New("workflow cancelled")
)

// StepError reports the step that aborted a workflow
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("workflow step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Input is passed to every call step
type Input struct {
	Prompt   string                     `json:"prompt"`
	Target   string                     `json:"target"`
	Previous map[string]json.RawMessage `json:"previous,omitempty"`
}

// CallFunc performs a single request/response step and returns its payload
type CallFunc func(ctx context.Context, in Input) (json.RawMessage, error)

// Starter starts a streaming session; implemented by *session.Manager
type Starter interface {
	Start(ctx context.Context, req session.Request, obs session.Observer) (*session.Session, error)
}

// StreamSpec describes a step run as a streaming session
type StreamSpec struct {
	Starter Starter
	Request func(in Input) session.Request
}

// StepSpec defines one pipeline step. Exactly one of Call and Stream is set.
type StepSpec struct {
	Name    string
	Weight  int
	Message string
	Call    CallFunc
	Stream  *StreamSpec
}

// Observer receives a snapshot after every workflow transition
type Observer interface {
	OnWorkflow(state State)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(state State)

// OnWorkflow calls f(state)
func (f ObserverFunc) OnWorkflow(state State) {
	f(state)
}

// Config holds coordinator dependencies
type Config struct {
	// Pacing is the delay between consecutive steps
	Pacing   time.Duration
	Observer Observer
	Logger   *zap.Logger
	Metrics  *metrics.BuildMetrics
	Clock    func() time.Time
}

// Coordinator runs one workflow. It is single use: a new run needs a new Coordinator.
type Coordinator struct {
	cfg   Config
	specs []StepSpec

	mu      sync.Mutex
	state   State
	started bool
	cancel  context.CancelFunc
	child   *session.Session
}

// New creates a coordinator for the given steps
func New(cfg Config, steps []StepSpec) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Observer == nil {
		cfg.Observer = ObserverFunc(func(State) {})
	}

	state := State{ID: uuid.New().String(), Status: StatusIdle, Steps: make([]Step, len(steps))}
	for i, spec := range steps {
		state.Steps[i] = Step{Name: spec.Name, Weight: spec.Weight, Status: StepPending}
	}

	return &Coordinator{cfg: cfg, specs: steps, state: state}
}

// Snapshot returns a copy of the current state
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Run executes the steps in order and blocks until the workflow ends. A step
// starts only after the previous one succeeded; the first failure aborts the
// rest and is returned as a *StepError.
func (c *Coordinator) Run(ctx context.Context, prompt, target string) (State, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return c.Snapshot(), ErrAlreadyRunning
	}
	c.started = true
	if c.state.Status == StatusCancelled {
		snap := c.state.clone()
		c.mu.Unlock()
		return snap, ErrCancelled
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state.Target = target
	c.state.Status = StatusActive
	c.state.StartedAt = c.cfg.Clock()
	snap := c.state.clone()
	c.mu.Unlock()
	defer cancel()

	log := c.cfg.Logger.With(zap.String("workflow_id", snap.ID), zap.String("target", target))
	log.Info("workflow started", zap.Int("steps", len(c.specs)))
	c.cfg.Observer.OnWorkflow(snap)

	in := Input{Prompt: prompt, Target: target, Previous: make(map[string]json.RawMessage)}

	for i, spec := range c.specs {
		if i > 0 && c.cfg.Pacing > 0 {
			timer := time.NewTimer(c.cfg.Pacing)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}

		snap, ok := c.update(func(s *State) {
			s.Steps[i].Status = StepActive
			s.Steps[i].Message = spec.Message
		})
		if !ok {
			return c.finishCancelled(log)
		}
		c.cfg.Observer.OnWorkflow(snap)
		c.cfg.Metrics.RecordWorkflowStep(ctx, spec.Name, string(StepActive))

		result, err := c.runStep(ctx, i, spec, in)

		if c.Snapshot().Status == StatusCancelled || (err != nil && ctx.Err() != nil) {
			return c.finishCancelled(log)
		}

		if err != nil {
			snap, _ = c.update(func(s *State) {
				s.Steps[i].Status = StepFailed
				s.Steps[i].Message = err.Error()
				s.Status = StatusFailed
				s.FailedStep = spec.Name
				s.Error = err.Error()
				s.EndedAt = c.cfg.Clock()
			})
			c.cfg.Metrics.RecordWorkflowStep(context.WithoutCancel(ctx), spec.Name, string(StepFailed))
			log.Warn("workflow step failed", zap.String("step", spec.Name), zap.Error(err))
			c.cfg.Observer.OnWorkflow(snap)
			return snap, &StepError{Step: spec.Name, Err: err}
		}

		snap, _ = c.update(func(s *State) {
			s.Steps[i].Status = StepComplete
			s.Steps[i].Fraction = 1
			s.Steps[i].Result = result
		})
		c.cfg.Metrics.RecordWorkflowStep(ctx, spec.Name, string(StepComplete))
		log.Info("workflow step complete", zap.String("step", spec.Name))
		c.cfg.Observer.OnWorkflow(snap)

		in.Previous[spec.Name] = result
	}

	snap, ok := c.update(func(s *State) {
		s.Status = StatusCompleted
		s.EndedAt = c.cfg.Clock()
	})
	if !ok {
		return c.finishCancelled(log)
	}
	log.Info("workflow completed")
	c.cfg.Observer.OnWorkflow(snap)
	return snap, nil
}

// Stop cancels the workflow and the child session of a streaming step. It
// reports whether the workflow was still running.
func (c *Coordinator) Stop() bool {
	c.mu.Lock()
	if c.state.Status.Terminal() {
		c.mu.Unlock()
		return false
	}
	c.state.Status = StatusCancelled
	c.state.EndedAt = c.cfg.Clock()
	cancel, child := c.cancel, c.child
	c.mu.Unlock()

	if child != nil {
		child.Cancel()
	}
	if cancel != nil {
		cancel()
	}
	return true
}

func (c *Coordinator) runStep(ctx context.Context, i int, spec StepSpec, in Input) (json.RawMessage, error) {
	switch {
	case spec.Stream != nil:
		return c.runStream(ctx, i, spec.Stream, in)
	case spec.Call != nil:
		return spec.Call(ctx, in)
	default:
		return nil, fmt.Errorf("step %s has no action", spec.Name)
	}
}

// runStream starts the child session and rescales its percent into the
// step's weight band until the session ends.
func (c *Coordinator) runStream(ctx context.Context, i int, spec *StreamSpec, in Input) (json.RawMessage, error) {
	obs := session.ObserverFunc(func(st progress.State) {
		snap, ok := c.update(func(s *State) {
			s.Steps[i].Fraction = st.Percent / 100
			if st.Message != "" {
				s.Steps[i].Message = st.Message
			} else if st.Phase != "" {
				s.Steps[i].Message = st.Phase
			}
		})
		if ok {
			c.cfg.Observer.OnWorkflow(snap)
		}
	})

	sess, err := spec.Starter.Start(ctx, spec.Request(in), obs)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.child = sess
	stopped := c.state.Status == StatusCancelled
	c.mu.Unlock()
	if stopped {
		sess.Cancel()
	}

	<-sess.Done()
	final := sess.Snapshot()

	switch final.Status {
	case progress.StatusCompleted:
		if final.Result == nil {
			return nil, nil
		}
		return json.Marshal(final.Result)
	case progress.StatusFailed:
		return nil, errors.New(final.LastError)
	default:
		return nil, context.Canceled
	}
}

// update applies fn to the state while the workflow is active, recomputes
// overall progress and returns a snapshot. ok is false once the workflow has
// been stopped.
func (c *Coordinator) update(fn func(s *State)) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Status != StatusActive {
		return c.state.clone(), false
	}
	fn(&c.state)
	if c.state.Status != StatusFailed {
		c.state.Progress = Overall(c.state.Steps)
	}
	return c.state.clone(), true
}

func (c *Coordinator) finishCancelled(log *zap.Logger) (State, error) {
	c.mu.Lock()
	if !c.state.Status.Terminal() {
		// the parent context ended without Stop
		c.state.Status = StatusCancelled
		c.state.EndedAt = c.cfg.Clock()
	}
	snap := c.state.clone()
	c.mu.Unlock()

	log.Info("workflow cancelled")
	c.cfg.Observer.OnWorkflow(snap)
	return snap, ErrCancelled
}
