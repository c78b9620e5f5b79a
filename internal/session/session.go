package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/app-studio/internal/progress"
	"github.com/bizmatters/agent-builder/app-studio/internal/stream"
)

// Session is one in-flight streaming build. Its state is only changed by the
// pump goroutine (frames, transport failures) and by Cancel.
type Session struct {
	id      string
	req     Request
	manager *Manager

	mu     sync.Mutex
	state  progress.State
	cancel context.CancelFunc
	done   chan struct{}

	// touched only by the pump goroutine
	observer    Observer
	lastEmitted progress.State
	emitted     bool
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// Request returns the request that started the session
func (s *Session) Request() Request {
	return s.req
}

// Snapshot returns the current state
func (s *Session) Snapshot() progress.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed after the session reached a terminal status and its final
// snapshot was delivered to the observer.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends or ctx is done
func (s *Session) Wait(ctx context.Context) (progress.State, error) {
	select {
	case <-s.done:
		return s.Snapshot(), nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// Cancel marks the session cancelled and releases its transport. In-flight
// reads are abandoned; buffered frames are never applied afterwards. It
// returns false if the session had already ended.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	if s.state.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = progress.Cancel(s.state, s.manager.clock())
	s.mu.Unlock()

	s.cancel()
	return true
}

func (s *Session) run(ctx context.Context) {
	m := s.manager
	ctx, span := m.tracer.Start(ctx, "session.run")
	span.SetAttributes(
		attribute.String("session.id", s.id),
		attribute.String("session.target", s.req.Target),
		attribute.String("session.mode", string(s.req.Mode)),
	)
	defer span.End()
	defer s.finish(ctx)

	s.emit(s.Snapshot())

	body, err := m.transport.Open(ctx, s.req)
	if err != nil {
		if ctx.Err() == nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "open failed")
			s.fail(fmt.Sprintf("failed to open build stream: %v", err))
		}
		return
	}

	// Closing the body unblocks a pending Read once the session is cancelled.
	released := make(chan struct{})
	defer close(released)
	go func() {
		select {
		case <-ctx.Done():
		case <-released:
		}
		body.Close()
	}()

	parser := stream.NewParser(m.logger)
	decoder := stream.NewDecoder(m.logger)
	buf := make([]byte, m.readSize)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if s.apply(ctx, decoder.DecodeAll(parser.Feed(string(buf[:n])))) {
				return
			}
		}
		if readErr == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(readErr, io.EOF) {
			if s.apply(ctx, decoder.DecodeAll(parser.Flush())) {
				return
			}
			s.fail("stream ended before completion")
			return
		}
		span.RecordError(readErr)
		span.SetStatus(codes.Error, "read failed")
		s.fail(fmt.Sprintf("build stream read failed: %v", readErr))
		return
	}
}

// apply reduces frames into the state one at a time and emits a snapshot
// after each change. It reports whether the session is over.
func (s *Session) apply(ctx context.Context, frames []stream.Frame) bool {
	m := s.manager
	for _, f := range frames {
		s.mu.Lock()
		if s.state.Status != progress.StatusActive {
			s.mu.Unlock()
			return true
		}
		prev := s.state
		next := progress.Reduce(prev, f, m.clock())
		s.state = next
		s.mu.Unlock()

		if sameState(prev, next) {
			continue
		}
		m.metrics.RecordFrame(ctx, string(f.Kind))
		s.emit(next)
		if next.Status.Terminal() {
			return true
		}
	}
	return false
}

func (s *Session) fail(msg string) {
	s.mu.Lock()
	s.state = progress.Fail(s.state, msg, s.manager.clock())
	s.mu.Unlock()
}

// finish delivers the final snapshot, unless the observer already saw it, and
// marks the session done.
func (s *Session) finish(ctx context.Context) {
	m := s.manager

	// the parent context went away without an explicit Cancel
	s.mu.Lock()
	s.state = progress.Cancel(s.state, m.clock())
	final := s.state
	s.mu.Unlock()

	if !s.emitted || !sameState(s.lastEmitted, final) {
		s.emit(final)
	}

	elapsed := final.Elapsed(m.clock())
	m.metrics.RecordSessionEnded(context.WithoutCancel(ctx), string(s.req.Mode), string(final.Status), elapsed)

	fields := []zap.Field{
		zap.String("target", s.req.Target),
		zap.String("session_id", s.id),
		zap.String("status", string(final.Status)),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if final.Status == progress.StatusFailed {
		m.logger.Warn("build session failed", append(fields, zap.String("error", final.LastError))...)
	} else {
		m.logger.Info("build session ended", fields...)
	}

	close(s.done)
	s.cancel()
}

func (s *Session) emit(state progress.State) {
	s.lastEmitted = state
	s.emitted = true
	s.observer.OnSnapshot(state)
}

func sameState(a, b progress.State) bool {
	return a.Status == b.Status &&
		a.BuildID == b.BuildID &&
		a.Phase == b.Phase &&
		a.Message == b.Message &&
		a.Percent == b.Percent &&
		a.Stats == b.Stats &&
		a.Result == b.Result &&
		a.LastError == b.LastError
}
