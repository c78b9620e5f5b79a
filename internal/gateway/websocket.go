package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// StreamProject handles WebSocket /api/ws/projects/:id
// @Summary Stream build and workflow snapshots
// @Description Sends {"type":"session"|"workflow","data":...} envelopes for the project. The token may be passed as a query parameter.
// @Tags builds
// @Param id path string true "Project ID"
// @Param token query string false "Bearer token"
// @Success 101 "Switching Protocols"
// @Failure 401 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/ws/projects/{id} [get]
func (h *Handler) StreamProject(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "gateway.stream_project")
	defer span.End()

	project, ok := h.ownedProject(c)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("project.id", project.ID))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Warn("websocket upgrade failed", zap.String("project_id", project.ID), zap.Error(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := h.hub.Subscribe(project.ID)
	defer unsubscribe()

	log := h.logger.With(zap.String("project_id", project.ID))
	log.Debug("websocket subscriber connected")

	g, gctx := errgroup.WithContext(ctx)

	// the client only sends control frames; reading drives pong handling
	// and notices disconnects
	g.Go(func() error {
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		// an ended writer must also end the blocked reader
		defer conn.Close()

		for _, env := range h.currentSnapshots(project.ID) {
			if err := writeEnvelope(conn, env); err != nil {
				return err
			}
		}

		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return nil
			case env, ok := <-events:
				if !ok {
					return nil
				}
				if err := writeEnvelope(conn, env); err != nil {
					return err
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !isClosedConn(err) {
		span.RecordError(err)
		log.Debug("websocket stream ended", zap.Error(err))
	}
}

// currentSnapshots returns the latest known states so a new subscriber does
// not wait for the next transition
func (h *Handler) currentSnapshots(projectID string) []Envelope {
	var envs []Envelope
	if sessionID, st, ok := h.service.CurrentSession(projectID); ok {
		envs = append(envs, Envelope{Type: EnvelopeSession, ProjectID: projectID, SessionID: sessionID, Data: st})
	}
	if st, ok := h.service.WorkflowSnapshot(projectID); ok {
		envs = append(envs, Envelope{Type: EnvelopeWorkflow, ProjectID: projectID, Data: st})
	}
	return envs
}

func writeEnvelope(conn *websocket.Conn, env Envelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(env)
}

func isClosedConn(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, context.Canceled)
}
