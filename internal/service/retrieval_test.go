package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirino/truthstore/internal/model"
	registryllm "github.com/chirino/truthstore/internal/registry/llm"
	registrystore "github.com/chirino/truthstore/internal/registry/store"
)

func mem(id string, effective float64) model.Memory {
	return model.Memory{
		ID:             id,
		Text:           "memory text for " + id,
		Status:         model.MemoryStatusActive,
		EffectiveScore: effective,
	}
}

func TestSearchSimpleWithoutLLM(t *testing.T) {
	var got registrystore.SearchMemoriesRequest
	store := &fakeStore{
		searchMemoriesFn: func(_ context.Context, req registrystore.SearchMemoriesRequest) ([]model.Memory, error) {
			got = req
			return []model.Memory{mem("mem_1", 80)}, nil
		},
	}
	r := NewRetrieval(store, nil, nil, true)

	result, err := r.Search(context.Background(), SearchRequest{
		ProjectID: "proj1", SubjectID: "user1", Query: "coffee",
	})
	require.NoError(t, err)
	assert.Equal(t, ModeSimple, result.Mode)
	assert.Equal(t, []string{"coffee"}, result.UsedQueries)
	require.Len(t, result.Memories, 1)
	assert.Equal(t, defaultLimit, got.Limit)
	assert.Nil(t, got.QueryEmbedding)
}

func TestSearchClampsLimit(t *testing.T) {
	store := &fakeStore{
		searchMemoriesFn: func(_ context.Context, req registrystore.SearchMemoriesRequest) ([]model.Memory, error) {
			assert.Equal(t, maxSearchLimit, req.Limit)
			return nil, nil
		},
	}
	r := NewRetrieval(store, nil, nil, false)
	_, err := r.Search(context.Background(), SearchRequest{
		ProjectID: "proj1", SubjectID: "user1", Query: "q", Limit: 9999,
	})
	require.NoError(t, err)
}

func TestSearchExpandedEmptyQuery(t *testing.T) {
	r := NewRetrieval(&fakeStore{}, nil, &fakeLLM{}, true)
	result, err := r.Search(context.Background(), SearchRequest{
		ProjectID: "proj1", SubjectID: "user1", Query: "   ",
	})
	require.NoError(t, err)
	assert.Equal(t, ModeIndirect, result.Mode)
	assert.Empty(t, result.Memories)
}

func TestSearchBroadMode(t *testing.T) {
	store := &fakeStore{
		listMemoriesFn: func(_ context.Context, req registrystore.ListMemoriesRequest) ([]model.Memory, error) {
			assert.Equal(t, 30, req.Limit) // 3x the request limit
			return []model.Memory{
				{ID: "mem_low", Importance: 30},
				{ID: "mem_high", Importance: 90},
				{ID: "mem_mid", Importance: 60},
			}, nil
		},
	}
	llm := &fakeLLM{response: `{"mode":"broad","predicates":[],"search_hints":[],"expanded_queries":[]}`}
	r := NewRetrieval(store, nil, llm, true)

	result, err := r.Search(context.Background(), SearchRequest{
		ProjectID: "proj1", SubjectID: "user1", Query: "what do you know about me", Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, ModeBroad, result.Mode)
	require.Len(t, result.Memories, 3)
	assert.Equal(t, "mem_high", result.Memories[0].ID)
	assert.Equal(t, "mem_mid", result.Memories[1].ID)
	assert.Equal(t, 100.0, result.Memories[0].Score)
	assert.Equal(t, 90.0, result.Memories[0].EffectiveScore)
}

func TestSearchDirectFansOutHints(t *testing.T) {
	var queries []string
	store := &fakeStore{
		searchMemoriesFn: func(_ context.Context, req registrystore.SearchMemoriesRequest) ([]model.Memory, error) {
			queries = append(queries, req.Query)
			return []model.Memory{mem("mem_"+req.Query, 70)}, nil
		},
		getCurrentTruthFn: func(context.Context, string, string) ([]registrystore.TruthRow, error) {
			return nil, nil
		},
	}
	llm := &fakeLLM{response: `{"mode":"direct","predicates":["favorite_color"],"search_hints":["color preference"],"expanded_queries":[]}`}
	r := NewRetrieval(store, nil, llm, true)

	result, err := r.Search(context.Background(), SearchRequest{
		ProjectID: "proj1", SubjectID: "user1", Query: "what is my favorite color", Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, result.Mode)
	assert.Equal(t, []string{"what is my favorite color", "color preference"}, queries)
	assert.Equal(t, []string{"favorite_color"}, result.Predicates)
	// Direct mode narrows to at most 5 answers.
	assert.LessOrEqual(t, len(result.Memories), 5)
}

func TestSearchDirectClaimBacked(t *testing.T) {
	sourceID := "mem_source"
	store := &fakeStore{
		searchMemoriesFn: func(context.Context, registrystore.SearchMemoriesRequest) ([]model.Memory, error) {
			return []model.Memory{mem("mem_fused", 70)}, nil
		},
		getCurrentTruthFn: func(context.Context, string, string) ([]registrystore.TruthRow, error) {
			return []registrystore.TruthRow{{
				Slot: "favorite_color",
				Claim: model.Claim{
					ClaimID:        "clm_1",
					Predicate:      "favorite_color",
					ObjectValue:    "blue",
					SourceMemoryID: &sourceID,
					Status:         model.ClaimStatusActive,
				},
			}}, nil
		},
		getMemoryFn: func(_ context.Context, _, id string) (*model.Memory, error) {
			m := mem(id, 50)
			return &m, nil
		},
	}
	llm := &fakeLLM{response: `{"mode":"direct","predicates":["favorite_color"],"search_hints":[],"expanded_queries":[]}`}
	r := NewRetrieval(store, nil, llm, true)

	result, err := r.Search(context.Background(), SearchRequest{
		ProjectID: "proj1", SubjectID: "user1", Query: "favorite color?", Limit: 10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Memories)
	assert.Equal(t, sourceID, result.Memories[0].ID)
	assert.Equal(t, claimBackedScore, result.Memories[0].Score)
	assert.Equal(t, claimBackedEffective, result.Memories[0].EffectiveScore)
}

func TestClassifyFallsBackOnFailure(t *testing.T) {
	r := NewRetrieval(&fakeStore{}, nil, &fakeLLM{err: fmt.Errorf("llm down")}, true)
	c := r.classify(context.Background(), "query", nil)
	assert.Equal(t, ModeIndirect, c.Mode)

	r = NewRetrieval(&fakeStore{}, nil, &fakeLLM{response: `not json`}, true)
	c = r.classify(context.Background(), "query", nil)
	assert.Equal(t, ModeIndirect, c.Mode)

	// Unknown modes are rejected; extras are capped at 3.
	r = NewRetrieval(&fakeStore{}, nil, &fakeLLM{response: `{"mode":"weird"}`}, true)
	c = r.classify(context.Background(), "query", nil)
	assert.Equal(t, ModeIndirect, c.Mode)

	r = NewRetrieval(&fakeStore{}, nil, &fakeLLM{
		response: `{"mode":"direct","predicates":["a","b","c","d","e"],"search_hints":[],"expanded_queries":[]}`,
	}, true)
	c = r.classify(context.Background(), "query", nil)
	assert.Equal(t, []string{"a", "b", "c"}, c.Predicates)
}

func TestQuerySet(t *testing.T) {
	queries := querySet("Original", []string{"original", " hint ", "", "hint", "a", "b", "c", "d"})
	assert.Equal(t, []string{"Original", "hint", "a", "b", "c", "d"}, queries)
	assert.Len(t, queries, maxQuerySet)
}

func TestMergeCandidatesRankPenalty(t *testing.T) {
	merged := mergeCandidates([]candidate{
		{memory: mem("mem_a", 100), rankIndex: 0},
		{memory: mem("mem_a", 100), rankIndex: 2}, // penalized duplicate
		{memory: mem("mem_b", 98), rankIndex: 1},
	})
	require.Len(t, merged, 2)
	assert.Equal(t, "mem_a", merged[0].ID)
	assert.InDelta(t, 100, merged[0].EffectiveScore, 0.001)
	// rank 1 applies a 3% penalty.
	assert.InDelta(t, 98*0.97, merged[1].EffectiveScore, 0.001)
}

func TestRerankFallbackKeepsFusedOrder(t *testing.T) {
	r := NewRetrieval(&fakeStore{}, nil, &fakeLLM{err: fmt.Errorf("llm down")}, true)
	merged := []model.Memory{
		mem("mem_a", 90),
		mem("mem_b", 80),
		{ID: "mem_short", Text: "short", EffectiveScore: 70}, // below min rerank length
		mem("mem_c", 60),
	}
	out := r.rerank(context.Background(), "query", merged, 2)
	require.Len(t, out, 2)
	assert.Equal(t, "mem_a", out[0].ID)
	assert.Equal(t, "mem_b", out[1].ID)
}

func TestRerankAppliesLLMScores(t *testing.T) {
	llm := &fakeLLM{respond: func(req registryllm.JSONRequest) (string, error) {
		return `{"results":[
			{"index":2,"relevant":true,"score":0.9},
			{"index":0,"relevant":true,"score":0.5},
			{"index":1,"relevant":false,"score":0.99},
			{"index":42,"relevant":true,"score":1.0}
		]}`, nil
	}}
	r := NewRetrieval(&fakeStore{}, nil, llm, true)
	merged := []model.Memory{
		mem("mem_a", 80),
		mem("mem_b", 75),
		mem("mem_c", 40),
	}
	out := r.rerank(context.Background(), "query", merged, 2)
	require.Len(t, out, 2)
	// The LLM-preferred candidate wins and is rescored to 90.
	assert.Equal(t, "mem_c", out[0].ID)
	assert.InDelta(t, 90, out[0].EffectiveScore, 0.001)
	// Prior fused score is kept when higher than the rescore.
	assert.Equal(t, "mem_a", out[1].ID)
	assert.InDelta(t, 80, out[1].EffectiveScore, 0.001)
}
