package claims_test

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

	"github.com/chirino/truthstore/internal/model"
	"github.com/chirino/truthstore/internal/plugin/route/claims"
	registrystore "github.com/chirino/truthstore/internal/registry/store"
	"github.com/chirino/truthstore/internal/security"
	"github.com/chirino/truthstore/internal/service"
)

type fakeStore struct {
	registrystore.Store

	createClaimFn     func(ctx context.Context, in registrystore.CreateClaimInput) (*model.Claim, error)
	retractClaimFn    func(ctx context.Context, projectID, claimID, reason string) (*registrystore.RetractResult, error)
	getClaimFn        func(ctx context.Context, projectID, claimID string) (*model.Claim, error)
	getCurrentSlotFn  func(ctx context.Context, projectID, subjectID, slot string) (*registrystore.TruthRow, error)
	getCurrentTruthFn func(ctx context.Context, projectID, subjectID string) ([]registrystore.TruthRow, error)
	getSlotsFn        func(ctx context.Context, projectID, subjectID string, limit int) ([]model.SlotState, error)
	getMemoryFn       func(ctx context.Context, projectID, id string) (*model.Memory, error)
	getHistoryFn      func(ctx context.Context, projectID, subjectID, slot string, limit int) ([]model.Claim, []model.ClaimEdge, error)
}

func (f *fakeStore) CreateClaim(ctx context.Context, in registrystore.CreateClaimInput) (*model.Claim, error) {
	return f.createClaimFn(ctx, in)
}

func (f *fakeStore) RetractClaim(ctx context.Context, projectID, claimID, reason string) (*registrystore.RetractResult, error) {
	return f.retractClaimFn(ctx, projectID, claimID, reason)
}

func (f *fakeStore) GetClaim(ctx context.Context, projectID, claimID string) (*model.Claim, error) {
	return f.getClaimFn(ctx, projectID, claimID)
}

func (f *fakeStore) GetCurrentSlot(ctx context.Context, projectID, subjectID, slot string) (*registrystore.TruthRow, error) {
	return f.getCurrentSlotFn(ctx, projectID, subjectID, slot)
}

func (f *fakeStore) GetCurrentTruth(ctx context.Context, projectID, subjectID string) ([]registrystore.TruthRow, error) {
	return f.getCurrentTruthFn(ctx, projectID, subjectID)
}

func (f *fakeStore) GetSlots(ctx context.Context, projectID, subjectID string, limit int) ([]model.SlotState, error) {
	return f.getSlotsFn(ctx, projectID, subjectID, limit)
}

func (f *fakeStore) GetMemory(ctx context.Context, projectID, id string) (*model.Memory, error) {
	return f.getMemoryFn(ctx, projectID, id)
}

func (f *fakeStore) GetClaimHistory(ctx context.Context, projectID, subjectID, slot string, limit int) ([]model.Claim, []model.ClaimEdge, error) {
	return f.getHistoryFn(ctx, projectID, subjectID, slot, limit)
}

func newRouter(t *testing.T, store registrystore.Store) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, err := service.NewClaims(store)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	router := gin.New()
	group := router.Group("/api/v1", security.ProjectMiddleware("proj1"))
	claims.MountRoutes(group, svc, store, nil)
	return router
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
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

func TestCreateClaimValidation(t *testing.T) {
	router := newRouter(t, &fakeStore{})

	tests := []struct {
		body string
		code string
	}{
		{`{"predicate":"lives_in","object_value":"Lisbon"}`, "subject_id_required"},
		{`{"subject_id":"user1","object_value":"Lisbon"}`, "predicate_required"},
		{`{"subject_id":"user1","predicate":"lives_in"}`, "object_value_required"},
	}
	for _, tt := range tests {
		w := doRequest(router, http.MethodPost, "/api/v1/claims", tt.body)
		assert.Equal(t, http.StatusBadRequest, w.Code, tt.body)
		assert.Equal(t, tt.code, errorCode(t, w), tt.body)
	}
}

func TestCreateClaim(t *testing.T) {
	var got registrystore.CreateClaimInput
	router := newRouter(t, &fakeStore{
		createClaimFn: func(_ context.Context, in registrystore.CreateClaimInput) (*model.Claim, error) {
			got = in
			return &model.Claim{ClaimID: "clm_1", Predicate: in.Predicate, Slot: in.Slot}, nil
		},
	})
	w := doRequest(router, http.MethodPost, "/api/v1/claims",
		`{"subject_id":"user1","predicate":"Favorite Color","object_value":"blue"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "proj1", got.ProjectID)
	assert.Equal(t, "favorite_color", got.Predicate)
	assert.Equal(t, "favorite_color", got.Slot)
	assert.Equal(t, "preference", got.ClaimType)
}

func TestRetractClaim(t *testing.T) {
	var reason string
	router := newRouter(t, &fakeStore{
		getClaimFn: func(_ context.Context, _, claimID string) (*model.Claim, error) {
			return &model.Claim{ClaimID: claimID, SubjectID: "user1"}, nil
		},
		retractClaimFn: func(_ context.Context, _, claimID, r string) (*registrystore.RetractResult, error) {
			reason = r
			return &registrystore.RetractResult{Success: true, ClaimID: claimID, Slot: "lives_in"}, nil
		},
	})

	w := doRequest(router, http.MethodPost, "/api/v1/claims/clm_1/retract", `{"reason":"moved away"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "moved away", reason)

	var result registrystore.RetractResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "lives_in", result.Slot)

	// The body is optional.
	w = doRequest(router, http.MethodPost, "/api/v1/claims/clm_1/retract", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", reason)
}

func TestGetClaimWithEdges(t *testing.T) {
	store := &fakeStore{
		getClaimFn: func(_ context.Context, _, claimID string) (*model.Claim, error) {
			return &model.Claim{ClaimID: claimID, Predicate: "lives_in"}, nil
		},
	}
	// Assertions and edges come from default interface methods we did not
	// override, so stub them here.
	router := newRouter(t, &fakeStoreWithEdges{fakeStore: store})

	w := doRequest(router, http.MethodGet, "/api/v1/claims/clm_1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Claim             model.Claim       `json:"claim"`
		Edges             []model.ClaimEdge `json:"edges"`
		SupersessionChain []model.ClaimEdge `json:"supersession_chain"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "clm_1", body.Claim.ClaimID)
	assert.Len(t, body.Edges, 2)
	// Only supersedes edges appear in the chain.
	require.Len(t, body.SupersessionChain, 1)
	assert.Equal(t, model.EdgeSupersedes, body.SupersessionChain[0].EdgeType)
}

type fakeStoreWithEdges struct {
	*fakeStore
}

func (f *fakeStoreWithEdges) GetClaimAssertions(context.Context, string, string) ([]model.ClaimAssertion, error) {
	return []model.ClaimAssertion{}, nil
}

func (f *fakeStoreWithEdges) GetClaimEdges(context.Context, string, string) ([]model.ClaimEdge, error) {
	return []model.ClaimEdge{
		{ID: "edg_1", EdgeType: model.EdgeSupersedes},
		{ID: "edg_2", EdgeType: model.EdgeRetracts},
	}, nil
}

func TestGetSlotNotFound(t *testing.T) {
	router := newRouter(t, &fakeStore{
		getCurrentSlotFn: func(_ context.Context, _, _, slot string) (*registrystore.TruthRow, error) {
			return nil, &registrystore.NotFoundError{Resource: "slot", ID: slot}
		},
	})
	w := doRequest(router, http.MethodGet, "/api/v1/claims/subject/user1/slot/favorite_color", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "slot_not_found", errorCode(t, w))
}

func TestGetTruthIncludeSource(t *testing.T) {
	sourceID := "mem_source"
	router := newRouter(t, &fakeStore{
		getCurrentTruthFn: func(context.Context, string, string) ([]registrystore.TruthRow, error) {
			return []registrystore.TruthRow{{
				Slot:  "lives_in",
				Claim: model.Claim{ClaimID: "clm_1", SourceMemoryID: &sourceID},
			}}, nil
		},
		getMemoryFn: func(_ context.Context, _, id string) (*model.Memory, error) {
			return &model.Memory{ID: id, Text: "I live in Lisbon"}, nil
		},
	})

	w := doRequest(router, http.MethodGet, "/api/v1/claims/subject/user1/truth?include_source=true", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Truth []struct {
			Slot         string        `json:"slot"`
			SourceMemory *model.Memory `json:"source_memory"`
		} `json:"truth"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	require.NotNil(t, body.Truth[0].SourceMemory)
	assert.Equal(t, sourceID, body.Truth[0].SourceMemory.ID)
}

func TestGetSlotsGrouping(t *testing.T) {
	router := newRouter(t, &fakeStore{
		getSlotsFn: func(context.Context, string, string, int) ([]model.SlotState, error) {
			return []model.SlotState{
				{Slot: "a", Status: model.SlotStatusActive},
				{Slot: "b", Status: model.SlotStatusRetracted},
				{Slot: "c", Status: model.SlotStatusActive},
			}, nil
		},
	})
	w := doRequest(router, http.MethodGet, "/api/v1/claims/subject/user1/slots", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Slots struct {
			Active []model.SlotState `json:"active"`
			Other  []model.SlotState `json:"other"`
		} `json:"slots"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Count)
	assert.Len(t, body.Slots.Active, 2)
	assert.Len(t, body.Slots.Other, 1)
}

func TestGetHistoryGroupsBySlot(t *testing.T) {
	router := newRouter(t, &fakeStore{
		getHistoryFn: func(_ context.Context, _, _, slot string, _ int) ([]model.Claim, []model.ClaimEdge, error) {
			assert.Equal(t, "favorite_color", slot)
			return []model.Claim{
				{ClaimID: "clm_2", Slot: "favorite_color"},
				{ClaimID: "clm_1", Slot: "favorite_color"},
			}, []model.ClaimEdge{}, nil
		},
	})
	w := doRequest(router, http.MethodGet, "/api/v1/claims/subject/user1/history?slot=favorite_color", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Slots map[string][]model.Claim `json:"slots"`
		Count int                      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Slots["favorite_color"], 2)
}
