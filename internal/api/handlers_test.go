package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/profilegen/internal/api"
	"github.com/spigell/profilegen/internal/bulk"
	"github.com/spigell/profilegen/internal/generation"
	"github.com/spigell/profilegen/internal/llm"
	"github.com/spigell/profilegen/internal/orgcache"
	"github.com/spigell/profilegen/internal/storage/memory"
)

const validProfile = `{"position_title": "Аналитик", "summary": "Формализует требования.", "responsibilities": ["Сбор требований"]}`

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T, adapter llm.Adapter) http.Handler {
	t.Helper()

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)

	cache, err := orgcache.New(orgcache.Config{
		Source: orgcache.StaticSource{
			{PositionID: "pos-42", PositionName: "Аналитик", DepartmentPath: []string{"ДИТ", "Отдел разработки"}},
			{PositionID: "pos-7", PositionName: "Юрист", DepartmentPath: []string{"Юридический департамент"}},
		},
		Profiles: repo,
	})
	require.NoError(t, err)

	orchestrator, err := generation.New(generation.Config{
		Catalog:    cache,
		Adapter:    adapter,
		Repository: repo,
		Timeout:    time.Second,
		Wait:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	require.NoError(t, err)
	t.Cleanup(orchestrator.Close)

	coordinator, err := bulk.New(bulk.Config{Tasks: orchestrator, Catalog: cache})
	require.NoError(t, err)
	t.Cleanup(coordinator.Close)

	return api.NewRouter(api.NewHandlers(orchestrator, coordinator, cache, repo, nil))
}

func okAdapter() llm.Adapter {
	return llm.AdapterFunc(func(context.Context, llm.Request) (*llm.Content, error) {
		return &llm.Content{Text: validProfile}, nil
	})
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestGenerateAndPoll(t *testing.T) {
	router := newRouter(t, okAdapter())

	rec := do(t, router, http.MethodPost, "/api/generation", api.GenerateRequest{PositionID: "pos-42"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	accepted := decode[api.GenerateResponse](t, rec)
	assert.NotEmpty(t, accepted.TaskID)
	assert.Equal(t, generation.StatusQueued, accepted.Status)
	assert.Equal(t, 60, accepted.EstimatedDuration)

	var task generation.Task
	require.Eventually(t, func() bool {
		rec := do(t, router, http.MethodGet, "/api/generation/"+accepted.TaskID+"/status", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		task = decode[generation.Task](t, rec)
		return task.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, generation.StatusCompleted, task.Status)
	require.NotNil(t, task.Result)
	assert.Equal(t, 100, task.Progress)

	rec = do(t, router, http.MethodGet, "/api/profiles/pos-42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), task.Result.ProfileID)

	rec = do(t, router, http.MethodGet, "/api/organization/positions/without-profile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decode[struct {
		Positions []orgcache.Position `json:"positions"`
		Total     int                 `json:"total"`
	}](t, rec)
	require.Equal(t, 1, listing.Total)
	assert.Equal(t, "pos-7", listing.Positions[0].PositionID)
}

func TestErrorMapping(t *testing.T) {
	router := newRouter(t, okAdapter())

	tests := map[string]struct {
		method string
		path   string
		body   any
		code   int
	}{
		"unknown position": {
			method: http.MethodPost,
			path:   "/api/generation",
			body:   api.GenerateRequest{PositionID: "pos-404"},
			code:   http.StatusBadRequest,
		},
		"empty position": {
			method: http.MethodPost,
			path:   "/api/generation",
			body:   api.GenerateRequest{},
			code:   http.StatusBadRequest,
		},
		"unknown task": {
			method: http.MethodGet,
			path:   "/api/generation/nope/status",
			code:   http.StatusNotFound,
		},
		"cancel unknown task": {
			method: http.MethodPost,
			path:   "/api/generation/nope/cancel",
			code:   http.StatusNotFound,
		},
		"unknown batch": {
			method: http.MethodGet,
			path:   "/api/generation/bulk/nope/status",
			code:   http.StatusNotFound,
		},
		"bulk with unknown position": {
			method: http.MethodPost,
			path:   "/api/generation/bulk",
			body:   api.BulkRequest{PositionIDs: []string{"pos-42", "pos-404"}},
			code:   http.StatusBadRequest,
		},
		"bulk with negative limit": {
			method: http.MethodPost,
			path:   "/api/generation/bulk",
			body:   api.BulkRequest{PositionIDs: []string{"pos-42"}, ConcurrencyLimit: -1},
			code:   http.StatusBadRequest,
		},
		"unknown position lookup": {
			method: http.MethodGet,
			path:   "/api/organization/positions/pos-404",
			code:   http.StatusNotFound,
		},
		"missing profile": {
			method: http.MethodGet,
			path:   "/api/profiles/pos-7",
			code:   http.StatusNotFound,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			rec := do(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestMalformedBody(t *testing.T) {
	router := newRouter(t, okAdapter())

	req := httptest.NewRequest(http.MethodPost, "/api/generation", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelTask(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	router := newRouter(t, llm.AdapterFunc(func(ctx context.Context, _ llm.Request) (*llm.Content, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &llm.Content{Text: validProfile}, nil
	}))

	accepted := decode[api.GenerateResponse](t, do(t, router, http.MethodPost, "/api/generation", api.GenerateRequest{PositionID: "pos-42"}))

	rec := do(t, router, http.MethodPost, "/api/generation/"+accepted.TaskID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[api.CancelResponse](t, rec)
	assert.Equal(t, accepted.TaskID, resp.TaskID)
	assert.Equal(t, generation.StatusCancelled, resp.NewStatus)

	// A second cancel is a no-op on a terminal task.
	resp = decode[api.CancelResponse](t, do(t, router, http.MethodPost, "/api/generation/"+accepted.TaskID+"/cancel", nil))
	assert.Equal(t, generation.StatusCancelled, resp.PreviousStatus)
	assert.Equal(t, generation.StatusCancelled, resp.NewStatus)
}

func TestBulk(t *testing.T) {
	router := newRouter(t, okAdapter())

	rec := do(t, router, http.MethodPost, "/api/generation/bulk", api.BulkRequest{PositionIDs: []string{"pos-42", "pos-7", "pos-42"}, ConcurrencyLimit: 50})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	batch := decode[bulk.Batch](t, rec)
	assert.Len(t, batch.TaskIDs, 2)
	assert.Equal(t, 10, batch.ConcurrencyLimit)

	var status bulk.Status
	require.Eventually(t, func() bool {
		rec := do(t, router, http.MethodGet, "/api/generation/bulk/"+batch.ID+"/status", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		status = decode[bulk.Status](t, rec)
		return status.Done
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 2, status.Completed)
	assert.Equal(t, 100, status.Progress)
	assert.Len(t, status.PerItem, 2)
}

func TestOrganization(t *testing.T) {
	router := newRouter(t, okAdapter())

	rec := do(t, router, http.MethodPost, "/api/organization/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_positions":2`)

	rec = do(t, router, http.MethodGet, "/api/organization/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Отдел разработки")

	rec = do(t, router, http.MethodGet, "/api/organization/positions/pos-7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	position := decode[orgcache.Position](t, rec)
	assert.Equal(t, "Юрист", position.PositionName)

	rec = do(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestCORSPreflight(t *testing.T) {
	router := newRouter(t, okAdapter())

	rec := do(t, router, http.MethodOptions, "/api/generation", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
