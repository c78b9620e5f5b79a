package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bizmatters/agent-builder/app-studio/internal/session"
	"github.com/bizmatters/agent-builder/app-studio/internal/workflow"
)

// ErrStatusPollExhausted is returned when a build did not reach a terminal
// status within the configured number of polls
var ErrStatusPollExhausted = errors.New("build status polling attempts exhausted")

// BuildClientInterface is the build service surface used by the Service
type BuildClientInterface interface {
	session.Transport
	workflow.StepInvoker
	BuildStatus(ctx context.Context, buildID string) (*BuildStatus, error)
	PollBuildStatus(ctx context.Context, buildID string, cfg PollConfig) (*BuildStatus, error)
	IsHealthy(ctx context.Context) bool
}

// BuildClient talks to the remote build service
type BuildClient struct {
	baseURL string
	// httpClient has a request timeout; streamClient does not, the stream
	// lives as long as the build
	httpClient   *http.Client
	streamClient *http.Client
	tracer       trace.Tracer
	breaker      *gobreaker.CircuitBreaker
	logger       *zap.Logger
}

// StepResponse is the envelope returned by the workflow step endpoints
type StepResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// BuildStatus is the non-streaming status of a build
type BuildStatus struct {
	BuildID    string `json:"buildId"`
	Status     string `json:"status"` // "queued", "running", "completed", "failed"
	PreviewURL string `json:"previewUrl,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Terminal reports whether polling can stop
func (s *BuildStatus) Terminal() bool {
	return s.Status == "completed" || s.Status == "failed"
}

// PollConfig bounds the status polling fallback
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollConfig polls every 3 seconds, 20 times
var DefaultPollConfig = PollConfig{Interval: 3 * time.Second, MaxAttempts: 20}

// NewBuildClient creates a build service client for baseURL
func NewBuildClient(baseURL string, logger *zap.Logger) *BuildClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	settings := gobreaker.Settings{
		Name:        "build-service",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &BuildClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
		tracer:       otel.Tracer("build-service-client"),
		breaker:      gobreaker.NewCircuitBreaker(settings),
		logger:       logger,
	}
}

// Open starts a generation or modification request and returns the event
// stream body. The caller owns the body.
func (c *BuildClient) Open(ctx context.Context, req session.Request) (io.ReadCloser, error) {
	ctx, span := c.tracer.Start(ctx, "build_service.open_stream")
	defer span.End()

	span.SetAttributes(
		attribute.String("mode", string(req.Mode)),
		attribute.String("project_id", req.ProjectID),
	)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.openInternal(ctx, req)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to open build stream: %w", err)
	}

	return result.(io.ReadCloser), nil
}

func (c *BuildClient) openInternal(ctx context.Context, req session.Request) (io.ReadCloser, error) {
	jsonData, err := json.Marshal(streamBody(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	path := "/api/generate/stream"
	if req.Mode == session.ModeModify {
		path = "/api/modify/stream"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	return resp.Body, nil
}

// streamBody flattens the request into the wire body; credential keys sit
// next to the prompt.
func streamBody(req session.Request) map[string]interface{} {
	body := make(map[string]interface{}, len(req.Credentials)+4)
	for k, v := range req.Credentials {
		body[k] = v
	}
	body["prompt"] = req.Prompt
	body["userId"] = req.UserID
	if req.ProjectID != "" {
		body["projectId"] = req.ProjectID
	}
	if req.BuildID != "" {
		body["buildId"] = req.BuildID
	}
	return body
}

// InvokeStep runs one request/response workflow step. A response with
// success=false is returned as an error carrying the service's message.
func (c *BuildClient) InvokeStep(ctx context.Context, step string, in workflow.Input) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "build_service.invoke_step")
	defer span.End()

	span.SetAttributes(attribute.String("step", step), attribute.String("target", in.Target))

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.invokeStepInternal(ctx, step, in)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to invoke step %s: %w", step, err)
	}

	resp := result.(*StepResponse)
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = fmt.Sprintf("%s step failed", step)
		}
		span.SetAttributes(attribute.Bool("success", false))
		return nil, errors.New(msg)
	}

	return resp.Data, nil
}

func (c *BuildClient) invokeStepInternal(ctx context.Context, step string, in workflow.Input) (*StepResponse, error) {
	jsonData, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/workflow/%s", c.baseURL, url.PathEscape(step))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var stepResp StepResponse
	if err := json.NewDecoder(resp.Body).Decode(&stepResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &stepResp, nil
}

// BuildStatus fetches the current status of a build
func (c *BuildClient) BuildStatus(ctx context.Context, buildID string) (*BuildStatus, error) {
	ctx, span := c.tracer.Start(ctx, "build_service.build_status")
	defer span.End()

	span.SetAttributes(attribute.String("build_id", buildID))

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.buildStatusInternal(ctx, buildID)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get build status: %w", err)
	}

	return result.(*BuildStatus), nil
}

func (c *BuildClient) buildStatusInternal(ctx context.Context, buildID string) (*BuildStatus, error) {
	endpoint := fmt.Sprintf("%s/api/builds/%s/status", c.baseURL, url.PathEscape(buildID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var status BuildStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if status.BuildID == "" {
		status.BuildID = buildID
	}

	return &status, nil
}

// PollBuildStatus polls the build status at a fixed interval until it is
// terminal or cfg.MaxAttempts polls were made. Fetch errors count as attempts.
func (c *BuildClient) PollBuildStatus(ctx context.Context, buildID string, cfg PollConfig) (*BuildStatus, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultPollConfig.MaxAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollConfig.Interval
	}

	var last *BuildStatus
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		status, err := c.BuildStatus(ctx, buildID)
		if err == nil && status.Terminal() {
			return status, nil
		}
		if err != nil {
			lastErr = err
			c.logger.Warn("build status poll failed",
				zap.String("build_id", buildID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		} else {
			last = status
		}

		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(cfg.Interval):
		}
	}

	if last == nil && lastErr != nil {
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrStatusPollExhausted, cfg.MaxAttempts, lastErr)
	}
	return last, fmt.Errorf("%w after %d attempts", ErrStatusPollExhausted, cfg.MaxAttempts)
}

// IsHealthy checks if the build service is healthy
func (c *BuildClient) IsHealthy(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "build_service.health_check")
	defer span.End()

	// Use circuit breaker state as a quick health indicator
	if c.breaker.State() == gobreaker.StateOpen {
		span.SetAttributes(attribute.Bool("healthy", false), attribute.String("reason", "circuit_breaker_open"))
		return false
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		span.RecordError(err)
		return false
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	span.SetAttributes(attribute.Bool("healthy", healthy))

	return healthy
}

func statusError(resp *http.Response) error {
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("build service returned status %d (failed to read body: %w)", resp.StatusCode, err)
	}
	return fmt.Errorf("build service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
}
