package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/app-studio/internal/models"
	"github.com/bizmatters/agent-builder/app-studio/internal/progress"
)

// pipeTransport hands out one io.Pipe per Open and counts the opens
type pipeTransport struct {
	opens   int32
	writers chan *io.PipeWriter
	openErr error
	block   chan struct{}
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{writers: make(chan *io.PipeWriter, 4)}
}

func (p *pipeTransport) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	atomic.AddInt32(&p.opens, 1)
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.openErr != nil {
		return nil, p.openErr
	}
	r, w := io.Pipe()
	p.writers <- w
	return r, nil
}

func (p *pipeTransport) next(t *testing.T) *io.PipeWriter {
	t.Helper()
	select {
	case w := <-p.writers:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("transport was never opened")
		return nil
	}
}

// recorder collects every snapshot delivered to an observer
type recorder struct {
	mu        sync.Mutex
	snapshots []progress.State
	onEach    func(progress.State)
}

func (r *recorder) OnSnapshot(s progress.State) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, s)
	r.mu.Unlock()
	if r.onEach != nil {
		r.onEach(s)
	}
}

func (r *recorder) all() []progress.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.State(nil), r.snapshots...)
}

func waitDone(t *testing.T, s *Session) progress.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := s.Wait(ctx)
	require.NoError(t, err, "session did not finish")
	return state
}

const scenario = "data: {\"type\":\"progress\",\"buildId\":\"b1\",\"progress\":10,\"phase\":\"generating\"}\n" +
	"data: {\"type\":\"length\",\"buildId\":\"b1\",\"current\":500}\n" +
	"data: {\"type\":\"chunk\",\"buildId\":\"b1\",\"content\":\"aaa\"}\n" +
	"data: {\"type\":\"chunk\",\"buildId\":\"b1\",\"content\":\"bbb\"}\n" +
	"data: {\"type\":\"chunk\",\"buildId\":\"b1\",\"content\":\"ccc\"}\n" +
	"data: {\"type\":\"complete\",\"buildId\":\"b1\"}\n" +
	"data: {\"type\":\"result\",\"buildId\":\"b1\",\"result\":{\"previewUrl\":\"https://x\"}}\n"

func TestSession_Scenario(t *testing.T) {
	tr := newPipeTransport()
	m := NewManager(tr, WithReadSize(7))
	rec := &recorder{}

	s, err := m.Start(context.Background(), Request{Target: "p1", Prompt: "todo app"}, rec)
	require.NoError(t, err)

	w := tr.next(t)
	go func() {
		io.WriteString(w, scenario)
		w.Close()
	}()

	final := waitDone(t, s)
	assert.Equal(t, progress.StatusCompleted, final.Status)
	assert.Equal(t, 100.0, final.Percent)
	assert.Equal(t, 3, final.Stats.ChunksReceived)
	require.NotNil(t, final.Result)
	assert.Equal(t, "https://x", final.Result.PreviewURL)

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	assert.Equal(t, progress.StatusActive, snaps[0].Status)
	assert.Equal(t, final, snaps[len(snaps)-1])
	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, snaps[i].Percent, snaps[i-1].Percent)
	}
}

func TestSession_DuplicateStartOpensOneTransport(t *testing.T) {
	tr := newPipeTransport()
	tr.block = make(chan struct{})
	m := NewManager(tr)

	var wg sync.WaitGroup
	var started, declined int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Start(context.Background(), Request{Target: "p1"}, nil)
			switch {
			case err == nil:
				atomic.AddInt32(&started, 1)
			case errors.Is(err, ErrAlreadyActive):
				atomic.AddInt32(&declined, 1)
			}
		}()
	}
	wg.Wait()
	close(tr.block)

	w := tr.next(t)
	defer w.Close()

	assert.Equal(t, int32(1), started)
	assert.Equal(t, int32(15), declined)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&tr.opens) == 1 }, time.Second, 10*time.Millisecond)

	// another target is independent
	other, err := m.Start(context.Background(), Request{Target: "p2"}, nil)
	require.NoError(t, err)
	other.Cancel()
}

func TestSession_CancelStopsApplyingBufferedFrames(t *testing.T) {
	tr := newPipeTransport()
	m := NewManager(tr)

	var s *Session
	ready := make(chan struct{})
	rec := &recorder{}
	rec.onEach = func(st progress.State) {
		<-ready
		if st.Status == progress.StatusActive && st.Percent == 10 {
			s.Cancel()
		}
	}

	var err error
	s, err = m.Start(context.Background(), Request{Target: "p1"}, rec)
	require.NoError(t, err)
	close(ready)

	w := tr.next(t)
	go func() {
		// all frames arrive in a single read
		io.WriteString(w, "data: {\"type\":\"progress\",\"progress\":10}\n"+
			"data: {\"type\":\"progress\",\"progress\":50}\n"+
			"data: {\"type\":\"result\",\"result\":{\"previewUrl\":\"https://late\"}}\n")
	}()

	final := waitDone(t, s)
	assert.Equal(t, progress.StatusCancelled, final.Status)
	assert.Equal(t, 10.0, final.Percent)
	assert.Nil(t, final.Result)

	snaps := rec.all()
	assert.Equal(t, progress.StatusCancelled, snaps[len(snaps)-1].Status)
	for _, st := range snaps {
		assert.NotEqual(t, 50.0, st.Percent)
	}

	_, active := m.Active("p1")
	assert.False(t, active)
}

func TestSession_CancelReleasesBlockedRead(t *testing.T) {
	tr := newPipeTransport()
	m := NewManager(tr)

	s, err := m.Start(context.Background(), Request{Target: "p1"}, nil)
	require.NoError(t, err)
	tr.next(t) // nothing is ever written

	require.NoError(t, m.Cancel("p1"))
	final := waitDone(t, s)
	assert.Equal(t, progress.StatusCancelled, final.Status)
	assert.False(t, final.Stats.EndTime.IsZero())

	assert.ErrorIs(t, m.Cancel("p1"), ErrNoSession)
	assert.False(t, s.Cancel())
}

func TestSession_OpenFailure(t *testing.T) {
	tr := newPipeTransport()
	tr.openErr = errors.New("connection refused")
	m := NewManager(tr)
	rec := &recorder{}

	s, err := m.Start(context.Background(), Request{Target: "p1"}, rec)
	require.NoError(t, err)

	final := waitDone(t, s)
	assert.Equal(t, progress.StatusFailed, final.Status)
	assert.Contains(t, final.LastError, "failed to open build stream")
	assert.Contains(t, final.LastError, "connection refused")
	assert.Equal(t, final, rec.all()[len(rec.all())-1])
}

func TestSession_EOFBeforeTerminalFrame(t *testing.T) {
	tr := newPipeTransport()
	m := NewManager(tr)

	s, err := m.Start(context.Background(), Request{Target: "p1"}, nil)
	require.NoError(t, err)

	w := tr.next(t)
	go func() {
		io.WriteString(w, "data: {\"type\":\"progress\",\"progress\":40}\n")
		w.Close()
	}()

	final := waitDone(t, s)
	assert.Equal(t, progress.StatusFailed, final.Status)
	assert.Equal(t, "stream ended before completion", final.LastError)
	assert.Equal(t, 40.0, final.Percent)
}

func TestSession_ReadErrorFailsSession(t *testing.T) {
	tr := newPipeTransport()
	m := NewManager(tr)

	s, err := m.Start(context.Background(), Request{Target: "p1"}, nil)
	require.NoError(t, err)

	w := tr.next(t)
	w.CloseWithError(errors.New("connection reset"))

	final := waitDone(t, s)
	assert.Equal(t, progress.StatusFailed, final.Status)
	assert.Contains(t, final.LastError, "connection reset")
}

func TestSession_MalformedFrameDoesNotHaltStream(t *testing.T) {
	tr := newPipeTransport()
	m := NewManager(tr)

	s, err := m.Start(context.Background(), Request{Target: "p1"}, nil)
	require.NoError(t, err)

	w := tr.next(t)
	go func() {
		io.WriteString(w, "data: {\"type\":\"progress\",\"progress\":20}\n")
		io.WriteString(w, "data: {not json\n")
		io.WriteString(w, "data: {\"type\":\"progress\",\"progress\":60}\n")
		io.WriteString(w, "event: result\ndata: {\"result\":{\"previewUrl\":\"https://ok\"}}")
		w.Close()
	}()

	final := waitDone(t, s)
	assert.Equal(t, progress.StatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, "https://ok", final.Result.PreviewURL)
}

func TestSession_ErrorFrameFailsSession(t *testing.T) {
	tr := newPipeTransport()
	m := NewManager(tr)

	s, err := m.Start(context.Background(), Request{Target: "p1"}, nil)
	require.NoError(t, err)

	w := tr.next(t)
	go io.WriteString(w, "data: {\"type\":\"error\",\"error\":\"deployment quota exceeded\"}\n")

	final := waitDone(t, s)
	assert.Equal(t, progress.StatusFailed, final.Status)
	assert.Equal(t, "deployment quota exceeded", final.LastError)
}

func TestSession_RestartAfterTerminal(t *testing.T) {
	tr := newPipeTransport()
	m := NewManager(tr)

	first, err := m.Start(context.Background(), Request{Target: "p1"}, nil)
	require.NoError(t, err)
	w := tr.next(t)
	go io.WriteString(w, "data: {\"type\":\"error\",\"error\":\"boom\"}\n")
	waitDone(t, first)

	latest, ok := m.Latest("p1")
	require.True(t, ok)
	assert.Equal(t, first.ID(), latest.ID())

	second, err := m.Start(context.Background(), Request{Target: "p1"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())

	latest, _ = m.Latest("p1")
	assert.Equal(t, second.ID(), latest.ID())

	m.Forget("p1")
	_, ok = m.Latest("p1")
	assert.False(t, ok)
	waitDone(t, second)

	third, err := m.Start(context.Background(), Request{Target: "p1", SessionID: "caller-chosen"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "caller-chosen", third.ID())
	third.Cancel()
	waitDone(t, third)
}

func TestSession_ParentContextCancellation(t *testing.T) {
	tr := newPipeTransport()
	m := NewManager(tr)
	ctx, cancel := context.WithCancel(context.Background())

	s, err := m.Start(ctx, Request{Target: "p1"}, nil)
	require.NoError(t, err)
	tr.next(t)

	cancel()
	final := waitDone(t, s)
	assert.Equal(t, progress.StatusCancelled, final.Status)
}

func TestManager_StartValidation(t *testing.T) {
	m := NewManager(newPipeTransport())
	_, err := m.Start(context.Background(), Request{}, nil)
	assert.Error(t, err)
}

func TestManager_DefaultsModeToGenerate(t *testing.T) {
	tr := newPipeTransport()
	m := NewManager(tr)

	s, err := m.Start(context.Background(), Request{Target: "p1"}, nil)
	require.NoError(t, err)
	defer s.Cancel()
	assert.Equal(t, ModeGenerate, s.Request().Mode)
}

func TestRouteFor(t *testing.T) {
	tests := []struct {
		name string
		ref  *models.ProjectRef
		want Mode
	}{
		{name: "nil_ref", ref: nil, want: ModeGenerate},
		{name: "no_deployment", ref: &models.ProjectRef{Status: models.ProjectStatusReady}, want: ModeGenerate},
		{name: "ready_with_deployment", ref: &models.ProjectRef{DeploymentURL: "https://app", Status: models.ProjectStatusReady}, want: ModeModify},
		{name: "regenerating_with_deployment", ref: &models.ProjectRef{DeploymentURL: "https://app", Status: models.ProjectStatusRegenerating}, want: ModeModify},
		{name: "failed_with_deployment", ref: &models.ProjectRef{DeploymentURL: "https://app", Status: models.ProjectStatusFailed}, want: ModeGenerate},
		{name: "draft", ref: &models.ProjectRef{Status: models.ProjectStatusDraft}, want: ModeGenerate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RouteFor(tt.ref))
		})
	}
}
