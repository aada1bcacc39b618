package service

import (
	"context"
	"encoding/json"

	"github.com/chirino/truthstore/internal/model"
	registryllm "github.com/chirino/truthstore/internal/registry/llm"
	registrystore "github.com/chirino/truthstore/internal/registry/store"
)

type fakeLLM struct {
	response string
	err      error
	// respond overrides response/err when set; it sees every request.
	respond func(req registryllm.JSONRequest) (string, error)
	calls   []registryllm.JSONRequest
}

func (f *fakeLLM) CallJSON(_ context.Context, req registryllm.JSONRequest) (json.RawMessage, error) {
	f.calls = append(f.calls, req)
	if f.respond != nil {
		s, err := f.respond(req)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(s), nil
	}
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.response), nil
}

func (f *fakeLLM) Name() string { return "fake" }

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

func (f *fakeEmbedder) ModelName() string { return "fake-embedder" }
func (f *fakeEmbedder) Dimension() int    { return len(f.vector) }

// fakeStore embeds the Store interface so tests only override the methods a
// code path actually reaches; anything else panics loudly.
type fakeStore struct {
	registrystore.Store

	listMemoriesFn    func(ctx context.Context, req registrystore.ListMemoriesRequest) ([]model.Memory, error)
	searchMemoriesFn  func(ctx context.Context, req registrystore.SearchMemoriesRequest) ([]model.Memory, error)
	createMemoryFn    func(ctx context.Context, in registrystore.CreateMemoryInput) (*model.Memory, error)
	getMemoryFn       func(ctx context.Context, projectID, id string) (*model.Memory, error)
	updateMemoryFn    func(ctx context.Context, projectID, id string, in registrystore.UpdateMemoryInput) (*model.Memory, error)
	deleteMemoryFn    func(ctx context.Context, projectID, id string) (bool, error)
	restoreMemoryFn   func(ctx context.Context, projectID, id string) (*model.Memory, error)
	findDuplicateFn   func(ctx context.Context, projectID, subjectID string, embedding []float32, threshold float64) (*model.Memory, error)
	findConflictingFn func(ctx context.Context, projectID, subjectID string, embedding []float32, minSim, maxSim float64, limit int) ([]model.Memory, error)
	supersedeFn       func(ctx context.Context, projectID string, ids []string, supersededBy string) (int64, error)
	createClaimFn     func(ctx context.Context, in registrystore.CreateClaimInput) (*model.Claim, error)
	retractClaimFn    func(ctx context.Context, projectID, claimID, reason string) (*registrystore.RetractResult, error)
	getClaimFn        func(ctx context.Context, projectID, claimID string) (*model.Claim, error)
	getCurrentTruthFn func(ctx context.Context, projectID, subjectID string) ([]registrystore.TruthRow, error)
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

func (f *fakeStore) UpdateMemory(ctx context.Context, projectID, id string, in registrystore.UpdateMemoryInput) (*model.Memory, error) {
	return f.updateMemoryFn(ctx, projectID, id, in)
}

func (f *fakeStore) DeleteMemory(ctx context.Context, projectID, id string) (bool, error) {
	return f.deleteMemoryFn(ctx, projectID, id)
}

func (f *fakeStore) RestoreMemory(ctx context.Context, projectID, id string) (*model.Memory, error) {
	return f.restoreMemoryFn(ctx, projectID, id)
}

func (f *fakeStore) FindDuplicateMemory(ctx context.Context, projectID, subjectID string, embedding []float32, threshold float64) (*model.Memory, error) {
	return f.findDuplicateFn(ctx, projectID, subjectID, embedding, threshold)
}

func (f *fakeStore) FindConflictingMemories(ctx context.Context, projectID, subjectID string, embedding []float32, minSim, maxSim float64, limit int) ([]model.Memory, error) {
	return f.findConflictingFn(ctx, projectID, subjectID, embedding, minSim, maxSim, limit)
}

func (f *fakeStore) SupersedeMemories(ctx context.Context, projectID string, ids []string, supersededBy string) (int64, error) {
	return f.supersedeFn(ctx, projectID, ids, supersededBy)
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

func (f *fakeStore) GetCurrentTruth(ctx context.Context, projectID, subjectID string) ([]registrystore.TruthRow, error) {
	return f.getCurrentTruthFn(ctx, projectID, subjectID)
}
