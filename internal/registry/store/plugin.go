package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/truthstore/internal/model"
)

// ListMemoriesRequest selects memories for a subject, newest first.
// Limit is clamped to [1,200]; Offset to [0,1e6].
type ListMemoriesRequest struct {
	ProjectID         string
	SubjectID         string
	Limit             int
	Offset            int
	IncludeDeleted    bool
	IncludeSuperseded bool
}

// SearchMemoriesRequest performs fused vector+lexical search.
// QueryEmbedding may be nil; the search then degrades to lexical matching.
type SearchMemoriesRequest struct {
	ProjectID      string
	SubjectID      string
	Query          string
	QueryEmbedding []float32
	Limit          int
	MinScore       float64
}

// CreateMemoryInput carries the fields for a new memory row. Zero values are
// replaced by defaults in the store (kind=fact, visibility=private,
// importance=50, confidence=0.95, source_type=explicit).
type CreateMemoryInput struct {
	ID         string
	ProjectID  string
	SubjectID  string
	Text       string
	Kind       model.MemoryKind
	Visibility model.Visibility
	Importance *int
	Confidence *float64
	IsTemporal bool
	Tags       []string
	Metadata   map[string]interface{}
	Embedding  []float32
	SourceType string
}

// UpdateMemoryInput carries a partial memory update; nil fields are left
// unchanged.
type UpdateMemoryInput struct {
	Text       *string
	Kind       *model.MemoryKind
	Visibility *model.Visibility
	Importance *int
	Confidence *float64
	IsTemporal *bool
	Tags       []string
	Metadata   map[string]interface{}
	Embedding  []float32
}

// CreateClaimInput carries the fields for a new claim plus its initial
// assertion. Slot defaults to Predicate; ClaimType is inferred from the
// predicate when empty.
type CreateClaimInput struct {
	ClaimID        string
	ProjectID      string
	SubjectID      string
	Predicate      string
	ObjectValue    string
	Slot           string
	ClaimType      string
	Confidence     *float64
	Importance     *float64
	Tags           []string
	SourceMemoryID *string
	SubjectEntity  string
	Embedding      []float32
	ValidFrom      *time.Time
	ValidUntil     *time.Time
}

// RetractResult reports the outcome of a claim retraction.
type RetractResult struct {
	Success          bool    `json:"success"`
	ClaimID          string  `json:"claim_id"`
	Slot             string  `json:"slot,omitempty"`
	PreviousClaimID  *string `json:"previous_claim_id,omitempty"`
	RestoredPrevious bool    `json:"restored_previous"`
}

// TruthRow is one active slot resolved to its winning claim.
type TruthRow struct {
	Slot      string      `json:"slot"`
	Claim     model.Claim `json:"claim"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ClaimGraph is the claims and edges for a subject plus an edge-type
// histogram.
type ClaimGraph struct {
	Claims     []model.Claim     `json:"claims"`
	Edges      []model.ClaimEdge `json:"edges"`
	EdgeCounts map[string]int    `json:"edge_counts"`
}

// CreateRecallEventInput records one memory usage in a recall.
type CreateRecallEventInput struct {
	ProjectID    string
	MemoryID     string
	SubjectID    string
	ChatID       string
	MessageIndex int
	Similarity   float64
	RequestType  string
	ModelID      string
}

// RecallStats aggregates recall-event activity for a project.
type RecallStats struct {
	TotalRecalls     int64      `json:"total_recalls"`
	DistinctChats    int64      `json:"distinct_chats"`
	DistinctSubjects int64      `json:"distinct_subjects"`
	AvgSimilarity    float64    `json:"avg_similarity"`
	FirstRecallAt    *time.Time `json:"first_recall_at,omitempty"`
	LastRecallAt     *time.Time `json:"last_recall_at,omitempty"`
}

// Store is the storage facade: typed operations against persistent state.
// Every operation takes explicit project (and usually subject) keys. All
// writes with caller-supplied ids are idempotent on identical inputs:
// duplicate keys surface as *AlreadyExistsError.
type Store interface {
	// Memories
	ListMemories(ctx context.Context, req ListMemoriesRequest) ([]model.Memory, error)
	ListSupersededMemories(ctx context.Context, projectID, subjectID string, limit, offset int) ([]model.Memory, error)
	SearchMemories(ctx context.Context, req SearchMemoriesRequest) ([]model.Memory, error)
	CreateMemory(ctx context.Context, in CreateMemoryInput) (*model.Memory, error)
	GetMemory(ctx context.Context, projectID, id string) (*model.Memory, error)
	UpdateMemory(ctx context.Context, projectID, id string, in UpdateMemoryInput) (*model.Memory, error)
	// DeleteMemory soft-deletes; it reports true only when the row
	// actually transitioned.
	DeleteMemory(ctx context.Context, projectID, id string) (bool, error)
	// RestoreMemory sets status=active and clears superseded_by for a
	// non-deleted row.
	RestoreMemory(ctx context.Context, projectID, id string) (*model.Memory, error)
	// FindDuplicateMemory returns the most similar active, non-deleted
	// memory at or above threshold (cosine ×100), or nil.
	FindDuplicateMemory(ctx context.Context, projectID, subjectID string, embedding []float32, threshold float64) (*model.Memory, error)
	// FindConflictingMemories returns active, non-deleted memories in the
	// half-open similarity band [minSim, maxSim), best first.
	FindConflictingMemories(ctx context.Context, projectID, subjectID string, embedding []float32, minSim, maxSim float64, limit int) ([]model.Memory, error)
	// SupersedeMemories transitions active rows to superseded and returns
	// the count actually transitioned.
	SupersedeMemories(ctx context.Context, projectID string, ids []string, supersededBy string) (int64, error)

	// Claims. CreateClaim atomically inserts the claim, its initial
	// assertion, and upserts the slot winner. RetractClaim atomically
	// retracts, restores the previous winner if any, and records a
	// retracts edge.
	CreateClaim(ctx context.Context, in CreateClaimInput) (*model.Claim, error)
	RetractClaim(ctx context.Context, projectID, claimID, reason string) (*RetractResult, error)
	GetClaim(ctx context.Context, projectID, claimID string) (*model.Claim, error)
	GetClaimAssertions(ctx context.Context, projectID, claimID string) ([]model.ClaimAssertion, error)
	GetClaimEdges(ctx context.Context, projectID, claimID string) ([]model.ClaimEdge, error)
	GetAssertionsByMemory(ctx context.Context, projectID, memoryID string) ([]model.ClaimAssertion, error)

	// Truth views, resolved by joining slot_state to active claims.
	GetCurrentTruth(ctx context.Context, projectID, subjectID string) ([]TruthRow, error)
	GetCurrentSlot(ctx context.Context, projectID, subjectID, slot string) (*TruthRow, error)
	GetSlots(ctx context.Context, projectID, subjectID string, limit int) ([]model.SlotState, error)
	GetClaimGraph(ctx context.Context, projectID, subjectID string, limit int) (*ClaimGraph, error)
	GetClaimHistory(ctx context.Context, projectID, subjectID, slot string, limit int) ([]model.Claim, []model.ClaimEdge, error)

	// Recall events
	CreateRecallEvent(ctx context.Context, in CreateRecallEventInput) (*model.MemoryRecallEvent, error)
	GetRecallsByChat(ctx context.Context, projectID, chatID string) ([]model.MemoryRecallEvent, error)
	GetRecallsByMemory(ctx context.Context, projectID, memoryID string, limit int) ([]model.MemoryRecallEvent, error)
	GetRecallStats(ctx context.Context, projectID string) (*RecallStats, error)
}

// Loader creates a Store from config carried in the context.
type Loader func(ctx context.Context) (Store, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
