package gateway

import (
	"sync"

	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/app-studio/internal/progress"
	"github.com/bizmatters/agent-builder/app-studio/internal/workflow"
)

// Envelope types sent to websocket subscribers
const (
	EnvelopeSession  = "session"
	EnvelopeWorkflow = "workflow"
)

// Envelope wraps one snapshot for a UI subscriber. SessionID names the build
// session a session snapshot belongs to.
type Envelope struct {
	Type      string      `json:"type"`
	ProjectID string      `json:"projectId"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data"`
}

// subscriberBuffer is the number of snapshots queued per subscriber before
// the oldest is dropped
const subscriberBuffer = 32

type subscriber struct {
	mu sync.Mutex
	ch chan Envelope
}

// send queues env. When the subscriber is behind, the oldest snapshot that a
// later one of the same type replaces is dropped, so the latest session and
// workflow snapshots both survive.
func (s *subscriber) send(env Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.ch <- env:
		return true
	default:
	}

	queued := make([]Envelope, 0, cap(s.ch)+1)
	for drained := false; !drained; {
		select {
		case e := <-s.ch:
			queued = append(queued, e)
		default:
			drained = true
		}
	}
	for _, e := range dropSuperseded(append(queued, env)) {
		select {
		case s.ch <- e:
		default:
		}
	}
	return false
}

// dropSuperseded removes the oldest envelope that a later envelope of the
// same type replaces
func dropSuperseded(queue []Envelope) []Envelope {
	last := make(map[string]int, 2)
	for i, e := range queue {
		last[e.Type] = i
	}
	for i, e := range queue {
		if last[e.Type] != i {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue[1:]
}

// Hub fans session and workflow snapshots out to per-project subscribers
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	logger *zap.Logger
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe registers a subscriber for projectID. The returned function
// unsubscribes and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(projectID string) (<-chan Envelope, func()) {
	sub := &subscriber{ch: make(chan Envelope, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[projectID] == nil {
		h.subs[projectID] = make(map[*subscriber]struct{})
	}
	h.subs[projectID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[projectID], sub)
			if len(h.subs[projectID]) == 0 {
				delete(h.subs, projectID)
			}
			h.mu.Unlock()

			sub.mu.Lock()
			close(sub.ch)
			sub.mu.Unlock()
		})
	}
}

// Subscribers returns the number of subscribers for projectID
func (h *Hub) Subscribers(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[projectID])
}

// PublishSession delivers a build session snapshot
func (h *Hub) PublishSession(projectID, sessionID string, state progress.State) {
	h.publish(Envelope{Type: EnvelopeSession, ProjectID: projectID, SessionID: sessionID, Data: state})
}

// PublishWorkflow delivers a workflow snapshot
func (h *Hub) PublishWorkflow(projectID string, state workflow.State) {
	h.publish(Envelope{Type: EnvelopeWorkflow, ProjectID: projectID, Data: state})
}

func (h *Hub) publish(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[env.ProjectID] {
		if !sub.send(env) {
			h.logger.Debug("subscriber behind, dropped a superseded snapshot",
				zap.String("project_id", env.ProjectID),
				zap.String("type", env.Type),
			)
		}
	}
}
