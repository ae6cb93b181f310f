package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	neturl "net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lawtrack/internal/config"
	"lawtrack/internal/db"
	"lawtrack/internal/domain"
	"lawtrack/internal/engine"
	"lawtrack/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Stages []domain.Stage
	client *http.Client
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.New(conn, cfg, logger)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	for _, u := range []domain.User{
		{ID: "ada", Name: "Ada", Role: domain.RoleAdmin},
		{ID: "pete", Name: "Pete", Role: domain.RoleLawyer},
		{ID: "ann", Name: "Ann", Role: domain.RoleStaff},
		{ID: "olga", Name: "Olga", Role: domain.RoleStaff},
	} {
		_, err := e.RegisterUser(ctx, u, "system")
		require.NoError(t, err)
	}
	adminUser, err := e.GetUser(ctx, "ada")
	require.NoError(t, err)
	var stages []domain.Stage
	for i, policy := range []string{"single", "multiple"} {
		s, err := e.CreateStage(ctx, engine.StageInput{
			Name:           []string{"Intake", "Drafting"}[i],
			Order:          i + 1,
			ApprovalPolicy: policy,
		}, adminUser)
		require.NoError(t, err)
		stages = append(stages, s)
	}

	if len(cfg.Webhooks) > 0 {
		d, err := NewWebhookDispatcher(ctx, e, logger)
		require.NoError(t, err)
		d.interval = 50 * time.Millisecond
		e.Notifier = d
		go d.Run(ctx)
	}

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
		Logger:   logger,
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		cancel()
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{
		URL:    "http://" + ln.Addr().String() + "/v1",
		Engine: e,
		Stages: stages,
		client: &http.Client{},
	}
}

func as(userID string) map[string]string {
	return map[string]string{"X-User-Id": userID}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func (s *testServer) createTask(t *testing.T) TaskResponse {
	t.Helper()
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/tasks", map[string]any{
		"title":                 "Review lease",
		"principal_reviewer_id": "pete",
		"assignee_id":           "ann",
		"initial_stage_id":      s.Stages[0].ID,
	}, as("ada"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var task TaskResponse
	require.NoError(t, json.Unmarshal(data, &task))
	return task
}

func (s *testServer) approve(t *testing.T, taskID, checkpoint, userID string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, s.client, http.MethodPut, s.URL+"/tasks/"+taskID+"/approve/"+checkpoint, nil, as(userID))
}

func TestApprovalChainOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	task := srv.createTask(t)
	assert.Equal(t, "TSK-1", task.Code)
	assert.Equal(t, domain.ApprovalStatus("pending_admin"), task.ApprovalStatus)

	steps := []struct {
		checkpoint string
		user       string
		want       domain.ApprovalStatus
	}{
		{"admin", "ada", "pending_principal"},
		{"principal", "pete", "pending_assignee"},
		{"assignee", "ann", "approved"},
	}
	var last TaskResponse
	for _, step := range steps {
		res, data := srv.approve(t, task.ID, step.checkpoint, step.user)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		require.NoError(t, json.Unmarshal(data, &last))
		assert.Equal(t, step.want, last.ApprovalStatus, step.checkpoint)
	}
	assert.True(t, last.Approvals.AdminApproved)
	assert.True(t, last.Approvals.PrincipalApproved)
	assert.True(t, last.Approvals.AssigneeApproved)

	res, data := srv.approve(t, task.ID, "admin", "ada")
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var again TaskResponse
	require.NoError(t, json.Unmarshal(data, &again))
	assert.Equal(t, last.Version, again.Version)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/events?type=approval.granted&entity_id="+task.ID, nil, as("ada"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 3)
	assert.Equal(t, "assignee", page.Items[0].Payload["checkpoint"])
	assert.Equal(t, "ann", page.Items[0].ActorID)
}

func TestApprovalErrorsMapToStatus(t *testing.T) {
	srv := newTestServer(t, nil)
	task := srv.createTask(t)

	res, data := srv.approve(t, task.ID, "principal", "pete")
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "conflict", decodeError(t, data).Error.Code)

	res, data = srv.approve(t, task.ID, "admin", "olga")
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "forbidden", env.Error.Code)
	assert.Equal(t, "admin", env.Error.Details["checkpoint"])

	res, data = srv.approve(t, task.ID, "partner", "ada")
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", decodeError(t, data).Error.Code)

	res, data = srv.approve(t, "missing", "admin", "ada")
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", decodeError(t, data).Error.Code)
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t, nil)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "unauthorized", decodeError(t, data).Error.Code)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/me", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/auth/dev/login", map[string]any{"user_id": "pete"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))
	require.NotEmpty(t, login.Token)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "pete", me.UserID)
	assert.Equal(t, domain.RoleLawyer, me.Role)
	assert.Equal(t, "jwt", me.Source)

	plain, _, err := srv.Engine.CreateAPIKey(context.Background(), "ann", "ci")
	require.NoError(t, err)
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/me", nil, map[string]string{"X-Api-Key": plain})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "ann", me.UserID)
	assert.Equal(t, "api_key", me.Source)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/auth/dev/login", map[string]any{"user_id": "ghost"}, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestStagesAndAdvance(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Approvals.PrincipalEligibility = config.EligibilityDesignated
	})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/stages", map[string]any{
		"name": "Filing", "order": 3, "approval_policy": "single",
	}, as("ann"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/stages", map[string]any{
		"name": "Filing", "order": 3, "approval_policy": "single",
	}, as("ada"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var filing StageResponse
	require.NoError(t, json.Unmarshal(data, &filing))

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/stages", map[string]any{
		"name": "Dup", "order": 3, "approval_policy": "single",
	}, as("ada"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/stages", nil, as("olga"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var stages []StageResponse
	require.NoError(t, json.Unmarshal(data, &stages))
	require.Len(t, stages, 3)
	assert.Equal(t, "Filing", stages[2].Name)

	task := srv.createTask(t)
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/tasks/"+task.ID+"/advance", nil, as("olga"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/stages/"+srv.Stages[0].ID+"/tasks/"+task.ID+"/approve", nil, as("ann"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var moved TaskResponse
	require.NoError(t, json.Unmarshal(data, &moved))
	require.NotNil(t, moved.StageID)
	assert.Equal(t, srv.Stages[1].ID, *moved.StageID)

	// Stale stage reference.
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/stages/"+srv.Stages[0].ID+"/tasks/"+task.ID+"/approve", nil, as("ann"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	// Drafting needs the full approval chain before it can be left.
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/tasks/"+task.ID+"/advance", nil, as("ann"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "forbidden", decodeError(t, data).Error.Code)

	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/stages/task/"+task.ID+"/stage/"+filing.ID, nil, as("ada"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &moved))
	assert.Equal(t, filing.ID, *moved.StageID)

	res, data = doJSON(t, srv.client, http.MethodDelete, srv.URL+"/stages/"+filing.ID, nil, as("ada"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks?stage_id="+filing.ID, nil, as("ada"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedTasks
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, task.ID, page.Items[0].ID)
}

func TestLifecycleStatusOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	task := srv.createTask(t)

	res, data := doJSON(t, srv.client, http.MethodPut, srv.URL+"/tasks/"+task.ID+"/status", map[string]any{"status": "completed"}, as("ann"))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/tasks/"+task.ID+"/status", map[string]any{"status": "in_progress"}, as("ann"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var updated TaskResponse
	require.NoError(t, json.Unmarshal(data, &updated))
	assert.Equal(t, domain.LifecycleInProgress, updated.LifecycleStatus)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks/"+task.Code, nil, as("olga"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/tasks/"+task.Code+"/approve/admin", nil, as("ada"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &updated))
	assert.Equal(t, task.ID, updated.ID)
	assert.True(t, updated.Approvals.AdminApproved)
}

func TestListTasksPaginates(t *testing.T) {
	srv := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		srv.createTask(t)
	}
	seen := map[string]bool{}
	url := srv.URL + "/tasks?limit=2"
	res, data := doJSON(t, srv.client, http.MethodGet, url, nil, as("ada"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedTasks
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	for _, item := range page.Items {
		seen[item.ID] = true
	}

	res, data = doJSON(t, srv.client, http.MethodGet, url+"&cursor="+neturl.QueryEscape(page.NextCursor), nil, as("ada"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page = paginatedTasks{}
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.Empty(t, page.NextCursor)
	assert.False(t, seen[page.Items[0].ID])

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/tasks?cursor=broken", nil, as("ada"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestWebhookReceivesApprovals(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err == nil {
			mu.Lock()
			received = append(received, evt)
			headers = append(headers, r.Header.Clone())
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Webhooks = []config.WebhookConfig{{
			URL:    hook.URL,
			Events: []string{"approval.granted"},
			Secret: "s3cret",
		}}
	})
	task := srv.createTask(t)
	res, data := srv.approve(t, task.ID, "admin", "ada")
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "approval.granted", received[0].Type)
	assert.Equal(t, task.ID, received[0].EntityID)
	assert.Equal(t, "approval.granted", headers[0].Get("X-Lawtrack-Event"))
	assert.Equal(t, "s3cret", headers[0].Get("X-Lawtrack-Secret"))
	var payload map[string]any
	require.NoError(t, json.Unmarshal(received[0].Payload, &payload))
	assert.Equal(t, "admin", payload["checkpoint"])
}

func TestOpenAPIIsPublic(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "paths")
}
