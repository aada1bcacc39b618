package memories_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirino/truthstore/internal/bus"
	"github.com/chirino/truthstore/internal/model"
	"github.com/chirino/truthstore/internal/plugin/route/memories"
	registrystore "github.com/chirino/truthstore/internal/registry/store"
	"github.com/chirino/truthstore/internal/security"
	"github.com/chirino/truthstore/internal/service"
)

// fakeStore overrides only the methods the handlers under test reach.
type fakeStore struct {
	registrystore.Store

	listMemoriesFn      func(ctx context.Context, req registrystore.ListMemoriesRequest) ([]model.Memory, error)
	searchMemoriesFn    func(ctx context.Context, req registrystore.SearchMemoriesRequest) ([]model.Memory, error)
	createMemoryFn      func(ctx context.Context, in registrystore.CreateMemoryInput) (*model.Memory, error)
	getMemoryFn         func(ctx context.Context, projectID, id string) (*model.Memory, error)
	deleteMemoryFn      func(ctx context.Context, projectID, id string) (bool, error)
	createRecallEventFn func(ctx context.Context, in registrystore.CreateRecallEventInput) (*model.MemoryRecallEvent, error)
	getRecallStatsFn    func(ctx context.Context, projectID string) (*registrystore.RecallStats, error)
}

func (f *fakeStore) ListMemories(ctx context.Context, req registrystore.ListMemoriesRequest) ([]model.Memory, error) {
	return f.listMemoriesFn(ctx, req)
}

func (f *fakeStore) SearchMemories(ctx context.Context, req registrystore.SearchMemoriesRequest) ([]model.Memory, error) {
	return f.searchMemoriesFn(ctx, req)
}

func (f *fakeStore) CreateMemory(ctx context.Context, in registrystore.CreateMemoryInput) (*model.Memory, error) {
	return f.createMemoryFn(ctx, in)
}

func (f *fakeStore) GetMemory(ctx context.Context, projectID, id string) (*model.Memory, error) {
	return f.getMemoryFn(ctx, projectID, id)
}

func (f *fakeStore) DeleteMemory(ctx context.Context, projectID, id string) (bool, error) {
	return f.deleteMemoryFn(ctx, projectID, id)
}

func (f *fakeStore) CreateRecallEvent(ctx context.Context, in registrystore.CreateRecallEventInput) (*model.MemoryRecallEvent, error) {
	return f.createRecallEventFn(ctx, in)
}

func (f *fakeStore) GetRecallStats(ctx context.Context, projectID string) (*registrystore.RecallStats, error) {
	return f.getRecallStatsFn(ctx, projectID)
}

func newRouter(store registrystore.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	svc := service.NewMemories(store, bus.New(), nil, service.NewExtractor(nil), nil, 0)
	retrieval := service.NewRetrieval(store, nil, nil, false)
	group := router.Group("/api/v1", security.ProjectMiddleware(""))
	memories.MountRoutes(group, svc, retrieval, store)
	return router
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(security.ProjectIDHeader, "proj1")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestProjectHeaderRequired(t *testing.T) {
	router := newRouter(&fakeStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/memories?subject_id=user1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "project_id_required", errorCode(t, w))
}

func TestListMemoriesRequiresSubject(t *testing.T) {
	router := newRouter(&fakeStore{})
	w := doRequest(router, http.MethodGet, "/api/v1/memories", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "subject_id_required", errorCode(t, w))
}

func TestListMemoriesPassesFilters(t *testing.T) {
	var got registrystore.ListMemoriesRequest
	router := newRouter(&fakeStore{
		listMemoriesFn: func(_ context.Context, req registrystore.ListMemoriesRequest) ([]model.Memory, error) {
			got = req
			return []model.Memory{{ID: "mem_1"}}, nil
		},
	})
	w := doRequest(router, http.MethodGet,
		"/api/v1/memories?subject_id=user1&limit=5&offset=2&include_deleted=true&include_superseded=1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "proj1", got.ProjectID)
	assert.Equal(t, "user1", got.SubjectID)
	assert.Equal(t, 5, got.Limit)
	assert.Equal(t, 2, got.Offset)
	assert.True(t, got.IncludeDeleted)
	assert.True(t, got.IncludeSuperseded)
}

func TestCreateMemory(t *testing.T) {
	router := newRouter(&fakeStore{
		createMemoryFn: func(_ context.Context, in registrystore.CreateMemoryInput) (*model.Memory, error) {
			assert.Equal(t, "proj1", in.ProjectID)
			return &model.Memory{ID: in.ID, ProjectID: in.ProjectID, SubjectID: in.SubjectID, Text: in.Text}, nil
		},
	})
	w := doRequest(router, http.MethodPost, "/api/v1/memories",
		`{"subject_id":"user1","text":"likes espresso","extract_claims":false}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	var body struct {
		Created bool    `json:"created"`
		ID      *string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Created)
	require.NotNil(t, body.ID)
	assert.True(t, strings.HasPrefix(*body.ID, "mem_"))
}

func TestCreateMemoryValidation(t *testing.T) {
	router := newRouter(&fakeStore{})

	w := doRequest(router, http.MethodPost, "/api/v1/memories", `{"subject_id":"user1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "text_required", errorCode(t, w))

	w = doRequest(router, http.MethodPost, "/api/v1/memories", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_json_body", errorCode(t, w))
}

func TestGetMemoryNotFound(t *testing.T) {
	router := newRouter(&fakeStore{
		getMemoryFn: func(_ context.Context, _, id string) (*model.Memory, error) {
			return nil, &registrystore.NotFoundError{Resource: "memory", ID: id}
		},
	})
	w := doRequest(router, http.MethodGet, "/api/v1/memories/mem_missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "memory_not_found", errorCode(t, w))
}

func TestDeleteMemory(t *testing.T) {
	router := newRouter(&fakeStore{
		getMemoryFn: func(_ context.Context, _, id string) (*model.Memory, error) {
			return &model.Memory{ID: id, SubjectID: "user1"}, nil
		},
		deleteMemoryFn: func(context.Context, string, string) (bool, error) {
			return true, nil
		},
	})
	w := doRequest(router, http.MethodDelete, "/api/v1/memories/mem_1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":true}`, w.Body.String())
}

func TestRestoreDeletedMemoryIsBadRequest(t *testing.T) {
	router := newRouter(&fakeStore{
		getMemoryFn: func(_ context.Context, _, id string) (*model.Memory, error) {
			return &model.Memory{ID: id, SubjectID: "user1", IsDeleted: true}, nil
		},
	})
	w := doRequest(router, http.MethodPost, "/api/v1/memories/mem_1/restore", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "memory_deleted", errorCode(t, w))
}

func TestSearchValidation(t *testing.T) {
	router := newRouter(&fakeStore{})

	w := doRequest(router, http.MethodGet, "/api/v1/memories/search?q=coffee", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "subject_id_required", errorCode(t, w))

	w = doRequest(router, http.MethodGet, "/api/v1/memories/search?subject_id=user1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "q_required", errorCode(t, w))
}

func TestSearchRecordsRecallsWithChatID(t *testing.T) {
	var recalls []registrystore.CreateRecallEventInput
	router := newRouter(&fakeStore{
		searchMemoriesFn: func(context.Context, registrystore.SearchMemoriesRequest) ([]model.Memory, error) {
			return []model.Memory{
				{ID: "mem_1", Score: 91},
				{ID: "mem_2", Score: 72},
			}, nil
		},
		createRecallEventFn: func(_ context.Context, in registrystore.CreateRecallEventInput) (*model.MemoryRecallEvent, error) {
			recalls = append(recalls, in)
			return &model.MemoryRecallEvent{ID: "rcl_1"}, nil
		},
	})
	w := doRequest(router, http.MethodGet,
		"/api/v1/memories/search?subject_id=user1&q=coffee&chat_id=chat1&message_index=3", "")
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, recalls, 2)
	assert.Equal(t, "chat1", recalls[0].ChatID)
	assert.Equal(t, 3, recalls[0].MessageIndex)
	assert.Equal(t, 91.0, recalls[0].Similarity)
	assert.Equal(t, "search", recalls[0].RequestType)
}

func TestRecallsRequireParameter(t *testing.T) {
	router := newRouter(&fakeStore{})
	w := doRequest(router, http.MethodGet, "/api/v1/memories/recalls", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "missing_parameter", errorCode(t, w))
}

func TestRecallStats(t *testing.T) {
	router := newRouter(&fakeStore{
		getRecallStatsFn: func(_ context.Context, projectID string) (*registrystore.RecallStats, error) {
			assert.Equal(t, "proj1", projectID)
			return &registrystore.RecallStats{TotalRecalls: 7}, nil
		},
	})
	w := doRequest(router, http.MethodGet, "/api/v1/memories/recalls?stats=true", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var stats registrystore.RecallStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(7), stats.TotalRecalls)
}
