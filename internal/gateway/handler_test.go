package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/app-studio/internal/auth"
	"github.com/bizmatters/agent-builder/app-studio/internal/credentials"
	"github.com/bizmatters/agent-builder/app-studio/internal/models"
	"github.com/bizmatters/agent-builder/app-studio/internal/orchestration"
	"github.com/bizmatters/agent-builder/app-studio/internal/progress"
	"github.com/bizmatters/agent-builder/app-studio/internal/registry"
	"github.com/bizmatters/agent-builder/app-studio/internal/session"
	"github.com/bizmatters/agent-builder/app-studio/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const buildStreamBody = "event: progress\n" +
	"data: {\"buildId\":\"b1\",\"progress\":30,\"phase\":\"generating\"}\n\n" +
	"data: {\"type\":\"complete\",\"buildId\":\"b1\"}\n\n" +
	"data: {\"type\":\"result\",\"buildId\":\"b1\",\"result\":{\"previewUrl\":\"https://preview.example\"}}\n\n"

// newBuildService fakes the remote build service
func newBuildService(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/stream"):
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, buildStreamBody)
		case strings.HasPrefix(r.URL.Path, "/api/workflow/"):
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"success":true,"message":"ok","data":{}}`)
		case strings.HasPrefix(r.URL.Path, "/api/builds/"):
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"buildId":"b7","status":"completed","previewUrl":"https://polled.example"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

type testEnv struct {
	router *gin.Engine
	store  *store.Memory
	jwt    *auth.JWTManager
	token  string
}

func newTestEnv(t *testing.T, passphrase string) *testEnv {
	t.Helper()
	buildService := newBuildService(t)

	client := orchestration.NewBuildClient(buildService.URL, nil)
	sessions := session.NewManager(client)
	t.Cleanup(sessions.Shutdown)

	creds, err := credentials.Open(filepath.Join(t.TempDir(), "credentials.db"), passphrase)
	require.NoError(t, err)
	t.Cleanup(func() { creds.Close() })

	mem := store.NewMemory()
	hub := NewHub(nil)
	svc := orchestration.NewService(orchestration.ServiceConfig{
		Store:       mem,
		Client:      client,
		Sessions:    sessions,
		Registry:    registry.New(),
		Hub:         hub,
		Credentials: creds,
		Poll:        orchestration.PollConfig{Interval: time.Millisecond, MaxAttempts: 3},
	})
	t.Cleanup(svc.Shutdown)

	jm, err := auth.NewJWTManager("gateway-test-secret")
	require.NoError(t, err)
	token, err := jm.GenerateToken(context.Background(), "user-1", "ada", time.Hour)
	require.NoError(t, err)

	return &testEnv{
		router: NewRouter(NewHandler(svc, mem, creds, hub, nil), jm, nil),
		store:  mem,
		jwt:    jm,
		token:  token,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+e.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createProject(t *testing.T, name string) models.Project {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/projects", CreateProjectRequest{Name: name})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var p models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	return p
}

func TestHandler_HealthEndpoints(t *testing.T) {
	env := newTestEnv(t, "pass")

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := env.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health orchestration.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.True(t, health.Checked)
	assert.True(t, health.Healthy)
}

func TestHandler_RequiresAuth(t *testing.T) {
	env := newTestEnv(t, "pass")

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.ErrCodeUnauthorized, resp.Code)
}

func TestHandler_ProjectLifecycle(t *testing.T) {
	env := newTestEnv(t, "pass")
	p := env.createProject(t, "  crm  ")
	assert.Equal(t, "crm", p.Name)
	assert.Equal(t, "user-1", p.OwnerID)
	assert.Equal(t, models.ProjectStatusDraft, p.Status)

	w := env.do(t, http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = env.do(t, http.MethodGet, "/api/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/projects", map[string]string{"description": "no name"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodDelete, "/api/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/projects/"+p.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ForeignProjectIsHidden(t *testing.T) {
	env := newTestEnv(t, "pass")
	foreign, err := env.store.CreateProject(context.Background(), &models.Project{Name: "theirs", OwnerID: "user-2"})
	require.NoError(t, err)

	for _, path := range []string{
		"/api/projects/" + foreign.ID,
		"/api/projects/" + foreign.ID + "/messages",
		"/api/projects/" + foreign.ID + "/builds/current",
	} {
		w := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}

	w := env.do(t, http.MethodPost, "/api/projects/"+foreign.ID+"/builds", PromptRequest{Prompt: "steal"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Messages(t *testing.T) {
	env := newTestEnv(t, "pass")
	p := env.createProject(t, "chat")
	base := "/api/projects/" + p.ID + "/messages"

	w := env.do(t, http.MethodPost, base, MessageRequest{Content: "hello"})
	require.Equal(t, http.StatusCreated, w.Code)
	var msg models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, models.RoleUser, msg.Role)

	w = env.do(t, http.MethodPost, base, MessageRequest{Role: "robot", Content: "beep"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, base, nil)
	var msgs []models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	assert.Len(t, msgs, 1)

	w = env.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, base, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	assert.Empty(t, msgs)
}

func TestHandler_Credentials(t *testing.T) {
	env := newTestEnv(t, "pass")

	w := env.do(t, http.MethodPut, "/api/credentials", CredentialsRequest{Values: map[string]string{"apiKey": "sk-1234567890"}})
	require.Equal(t, http.StatusOK, w.Code)

	var resp CredentialsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEqual(t, "sk-1234567890", resp.Values["apiKey"])
	assert.True(t, strings.HasSuffix(resp.Values["apiKey"], "7890"))
}

func TestHandler_CredentialsLocked(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodGet, "/api/credentials", nil)
	assert.Equal(t, http.StatusLocked, w.Code)
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.ErrCodeCredentialsLocked, resp.Code)
}

func waitForBuild(t *testing.T, env *testEnv, projectID string) progress.State {
	t.Helper()
	var state progress.State
	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/api/projects/"+projectID+"/builds/current", nil)
		if w.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
			return false
		}
		return state.Status.Terminal()
	}, 3*time.Second, 10*time.Millisecond)
	return state
}

func TestHandler_SubmitBuild(t *testing.T) {
	env := newTestEnv(t, "pass")
	p := env.createProject(t, "todo")

	w := env.do(t, http.MethodGet, "/api/projects/"+p.ID+"/builds/current", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/projects/"+p.ID+"/builds", PromptRequest{Prompt: "a todo app"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var res orchestration.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Started)
	assert.Equal(t, session.ModeGenerate, res.Mode)

	state := waitForBuild(t, env, p.ID)
	assert.Equal(t, progress.StatusCompleted, state.Status)
	assert.Equal(t, "https://preview.example", state.Result.PreviewURL)

	stored, err := env.store.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusReady, stored.Status)

	w = env.do(t, http.MethodPost, "/api/projects/"+p.ID+"/builds/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "nothing left to cancel")

	w = env.do(t, http.MethodPost, "/api/projects/"+p.ID+"/builds", PromptRequest{Prompt: " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_InitializeAndRetry(t *testing.T) {
	env := newTestEnv(t, "pass")
	p := env.createProject(t, "init")
	path := "/api/projects/" + p.ID + "/initialize"

	w := env.do(t, http.MethodPost, path, PromptRequest{Prompt: "start"})
	assert.Equal(t, http.StatusAccepted, w.Code)
	waitForBuild(t, env, p.ID)

	w = env.do(t, http.MethodPost, path, PromptRequest{Prompt: "start"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"started":false`)

	w = env.do(t, http.MethodPost, "/api/retry", RetryRequest{ProjectID: p.ID})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodPost, path, PromptRequest{Prompt: "start"})
	assert.Equal(t, http.StatusAccepted, w.Code)
	waitForBuild(t, env, p.ID)
}

func TestHandler_RetryChecksProjectOwnership(t *testing.T) {
	env := newTestEnv(t, "pass")
	foreign, err := env.store.CreateProject(context.Background(), &models.Project{Name: "theirs", OwnerID: "user-2"})
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/api/retry", RetryRequest{ProjectID: foreign.ID})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/retry", RetryRequest{ProjectID: "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/retry", nil)
	assert.Equal(t, http.StatusNoContent, w.Code, "a health-only retry needs no project")
}

func TestHandler_BuildStatus(t *testing.T) {
	env := newTestEnv(t, "pass")

	w := env.do(t, http.MethodGet, "/api/builds/b7/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status orchestration.BuildStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "https://polled.example", status.PreviewURL)
}

func TestHandler_Workflow(t *testing.T) {
	env := newTestEnv(t, "pass")
	p := env.createProject(t, "pipeline")

	w := env.do(t, http.MethodGet, "/api/projects/"+p.ID+"/workflows/current", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/projects/"+p.ID+"/workflows", PromptRequest{Prompt: "crm"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/api/projects/"+p.ID+"/workflows/current", nil)
		return w.Code == http.StatusOK && strings.Contains(w.Body.String(), `"status":"completed"`)
	}, 5*time.Second, 10*time.Millisecond)

	w = env.do(t, http.MethodPost, "/api/projects/"+p.ID+"/workflows/stop", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_StreamProject(t *testing.T) {
	env := newTestEnv(t, "pass")
	p := env.createProject(t, "live")

	server := httptest.NewServer(env.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws/projects/" + p.ID + "?token=" + env.token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	w := env.do(t, http.MethodPost, "/api/projects/"+p.ID+"/builds", PromptRequest{Prompt: "go"})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var env struct {
			Type      string         `json:"type"`
			SessionID string         `json:"sessionId"`
			Data      progress.State `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == EnvelopeSession && env.Data.Status == progress.StatusCompleted {
			assert.Equal(t, float64(100), env.Data.Percent)
			assert.NotEmpty(t, env.SessionID)
			break
		}
	}
}

func TestHandler_StreamProjectRejectsUnknownProject(t *testing.T) {
	env := newTestEnv(t, "pass")
	server := httptest.NewServer(env.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws/projects/missing?token=" + env.token
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
