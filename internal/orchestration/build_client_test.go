package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/app-studio/internal/session"
	"github.com/bizmatters/agent-builder/app-studio/internal/workflow"
)

func TestNewBuildClient(t *testing.T) {
	client := NewBuildClient("http://build-service:8080/", nil)

	assert.NotNil(t, client)
	assert.NotNil(t, client.httpClient)
	assert.NotNil(t, client.streamClient)
	assert.NotNil(t, client.tracer)
	assert.NotNil(t, client.breaker)
	assert.Equal(t, "http://build-service:8080", client.baseURL)
	assert.Zero(t, client.streamClient.Timeout)
}

func TestBuildClient_Open(t *testing.T) {
	tests := []struct {
		name           string
		req            session.Request
		serverResponse func(w http.ResponseWriter, r *http.Request)
		expectedError  string
		expectedBody   string
	}{
		{
			name: "generate_stream",
			req: session.Request{
				Mode:        session.ModeGenerate,
				Prompt:      "a todo app",
				UserID:      "u1",
				Credentials: map[string]string{"vercelToken": "tok"},
			},
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "POST", r.Method)
				assert.Equal(t, "/api/generate/stream", r.URL.Path)
				assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

				var body map[string]interface{}
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "a todo app", body["prompt"])
				assert.Equal(t, "u1", body["userId"])
				assert.Equal(t, "tok", body["vercelToken"])
				assert.NotContains(t, body, "projectId")

				w.Header().Set("Content-Type", "text/event-stream")
				w.Write([]byte("data: {\"type\":\"progress\",\"progress\":5}\n"))
			},
			expectedBody: "data: {\"type\":\"progress\",\"progress\":5}\n",
		},
		{
			name: "modify_stream",
			req:  session.Request{Mode: session.ModeModify, Prompt: "add login", ProjectID: "p1"},
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/modify/stream", r.URL.Path)

				var body map[string]interface{}
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "p1", body["projectId"])

				w.Write([]byte("data: {}\n"))
			},
			expectedBody: "data: {}\n",
		},
		{
			name: "server_error",
			req:  session.Request{Mode: session.ModeGenerate},
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				w.Write([]byte("upstream unavailable"))
			},
			expectedError: "build service returned status 502: upstream unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(tt.serverResponse))
			defer server.Close()

			client := NewBuildClient(server.URL, nil)
			body, err := client.Open(context.Background(), tt.req)

			if tt.expectedError != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
				return
			}
			require.NoError(t, err)
			defer body.Close()

			data, err := io.ReadAll(body)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedBody, string(data))
		})
	}
}

func TestBuildClient_OpenDrivesSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			"data: {\"type\":\"progress\",\"buildId\":\"b1\",\"progress\":10,\"phase\":\"generating\"}\n",
			"data: {\"type\":\"chunk\",\"buildId\":\"b1\",\"content\":\"<html>\"}\n",
			"data: {\"type\":\"complete\",\"buildId\":\"b1\"}\n",
			"data: {\"type\":\"result\",\"buildId\":\"b1\",\"result\":{\"previewUrl\":\"https://x\"}}\n",
		} {
			w.Write([]byte(line))
			flusher.Flush()
		}
	}))
	defer server.Close()

	manager := session.NewManager(NewBuildClient(server.URL, nil))
	s, err := manager.Start(context.Background(), session.Request{Target: "p1", Prompt: "x"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := s.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, "completed", string(final.Status))
	assert.Equal(t, 1, final.Stats.ChunksReceived)
	require.NotNil(t, final.Result)
	assert.Equal(t, "https://x", final.Result.PreviewURL)
}

func TestBuildClient_InvokeStep(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse func(w http.ResponseWriter, r *http.Request)
		expectedError  string
		expectedData   string
	}{
		{
			name: "successful_step",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "POST", r.Method)
				assert.Equal(t, "/api/workflow/design", r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				var in workflow.Input
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
				assert.Equal(t, "crm", in.Prompt)
				assert.Equal(t, "p1", in.Target)

				json.NewEncoder(w).Encode(StepResponse{Success: true, Message: "ok", Data: json.RawMessage(`{"pages":["home"]}`)})
			},
			expectedData: `{"pages":["home"]}`,
		},
		{
			name: "step_rejected",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(StepResponse{Success: false, Message: "prompt too vague"})
			},
			expectedError: "prompt too vague",
		},
		{
			name: "step_rejected_without_message",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"success":false}`))
			},
			expectedError: "design step failed",
		},
		{
			name: "server_error",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte("Internal server error"))
			},
			expectedError: "build service returned status 500",
		},
		{
			name: "invalid_json_response",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("invalid json"))
			},
			expectedError: "failed to decode response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(tt.serverResponse))
			defer server.Close()

			client := NewBuildClient(server.URL, nil)
			data, err := client.InvokeStep(context.Background(), workflow.StepDesign, workflow.Input{Prompt: "crm", Target: "p1"})

			if tt.expectedError != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
			} else {
				assert.NoError(t, err)
				assert.JSONEq(t, tt.expectedData, string(data))
			}
		})
	}
}

func TestBuildClient_BuildStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		switch r.URL.Path {
		case "/api/builds/b1/status":
			json.NewEncoder(w).Encode(BuildStatus{BuildID: "b1", Status: "completed", PreviewURL: "https://x"})
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("Build not found"))
		}
	}))
	defer server.Close()

	client := NewBuildClient(server.URL, nil)

	status, err := client.BuildStatus(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, &BuildStatus{BuildID: "b1", Status: "completed", PreviewURL: "https://x"}, status)
	assert.True(t, status.Terminal())

	_, err = client.BuildStatus(context.Background(), "missing")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "build service returned status 404")
}

func TestBuildClient_PollBuildStatus(t *testing.T) {
	t.Run("returns_at_first_terminal_status", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			status := "running"
			if atomic.AddInt32(&calls, 1) == 3 {
				status = "failed"
			}
			json.NewEncoder(w).Encode(BuildStatus{Status: status, Error: "oom"})
		}))
		defer server.Close()

		client := NewBuildClient(server.URL, nil)
		status, err := client.PollBuildStatus(context.Background(), "b1", PollConfig{Interval: time.Millisecond, MaxAttempts: 10})
		require.NoError(t, err)
		assert.Equal(t, "failed", status.Status)
		assert.Equal(t, "b1", status.BuildID)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("bounded_attempts", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			json.NewEncoder(w).Encode(BuildStatus{Status: "running"})
		}))
		defer server.Close()

		client := NewBuildClient(server.URL, nil)
		status, err := client.PollBuildStatus(context.Background(), "b1", PollConfig{Interval: time.Millisecond, MaxAttempts: 4})
		assert.True(t, errors.Is(err, ErrStatusPollExhausted))
		require.NotNil(t, status)
		assert.Equal(t, "running", status.Status)
		assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	})

	t.Run("context_cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(BuildStatus{Status: "queued"})
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		client := NewBuildClient(server.URL, nil)
		_, err := client.PollBuildStatus(ctx, "b1", PollConfig{Interval: time.Second, MaxAttempts: 20})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestBuildClient_IsHealthy(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse func(w http.ResponseWriter, r *http.Request)
		expectedHealth bool
	}{
		{
			name: "healthy_service",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "GET", r.Method)
				assert.Equal(t, "/health", r.URL.Path)
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(`{"status": "healthy"}`))
			},
			expectedHealth: true,
		},
		{
			name: "unhealthy_service",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			expectedHealth: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(tt.serverResponse))
			defer server.Close()

			client := NewBuildClient(server.URL, nil)
			assert.Equal(t, tt.expectedHealth, client.IsHealthy(context.Background()))
		})
	}
}

func TestBuildClient_CircuitBreaker(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Service unavailable"))
	}))
	defer server.Close()

	client := NewBuildClient(server.URL, nil)

	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = client.BuildStatus(context.Background(), "b1")
		assert.Error(t, lastErr)
	}

	// six consecutive failures trip the breaker; later calls never reach the server
	assert.Equal(t, int32(6), atomic.LoadInt32(&calls))
	assert.True(t, strings.Contains(lastErr.Error(), "circuit breaker is open"))
	assert.False(t, client.IsHealthy(context.Background()))
}

func TestStreamBody(t *testing.T) {
	body := streamBody(session.Request{
		Prompt:      "p",
		UserID:      "u",
		BuildID:     "b",
		Credentials: map[string]string{"prompt": "ignored", "supabaseKey": "k"},
	})

	assert.Equal(t, "p", body["prompt"], "credentials never override the prompt")
	assert.Equal(t, "k", body["supabaseKey"])
	assert.Equal(t, "b", body["buildId"])
	assert.NotContains(t, body, "projectId")
}
