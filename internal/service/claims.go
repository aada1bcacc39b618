package service

import (
	"context"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/chirino/truthstore/internal/model"
	registrystore "github.com/chirino/truthstore/internal/registry/store"
	"github.com/chirino/truthstore/internal/security"
)

const truthCacheTTL = 30 * time.Second

// Claims is the claim orchestrator: all claim writes go through it so the
// truth-snapshot cache stays coherent. Atomicity of create/retract lives in
// the store; this layer adds type inference and caching.
type Claims struct {
	store registrystore.Store
	cache *ristretto.Cache[string, []registrystore.TruthRow]
}

// NewClaims creates the claim orchestrator with its truth-snapshot cache.
func NewClaims(store registrystore.Store) (*Claims, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []registrystore.TruthRow]{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Claims{store: store, cache: cache}, nil
}

// Create inserts a claim and promotes it to its slot winner. Slot defaults
// to the predicate; claim type is inferred from the predicate when absent.
func (c *Claims) Create(ctx context.Context, in registrystore.CreateClaimInput) (*model.Claim, error) {
	in.Predicate = normalizePredicate(in.Predicate)
	if in.Slot == "" {
		in.Slot = in.Predicate
	}
	if in.ClaimType == "" {
		in.ClaimType = InferClaimType(in.Predicate)
	}
	claim, err := c.store.CreateClaim(ctx, in)
	if err != nil {
		return nil, err
	}
	c.invalidate(in.ProjectID, in.SubjectID)
	return claim, nil
}

// Retract retracts a claim and restores the previous slot winner if any.
func (c *Claims) Retract(ctx context.Context, projectID, claimID, reason string) (*registrystore.RetractResult, error) {
	// Subject is needed for invalidation and the claim may be gone after
	// the retract; resolve it first. A missing claim still goes through the
	// store so the result shape stays uniform.
	var subjectID string
	if claim, err := c.store.GetClaim(ctx, projectID, claimID); err == nil {
		subjectID = claim.SubjectID
	}
	result, err := c.store.RetractClaim(ctx, projectID, claimID, reason)
	if err != nil {
		return nil, err
	}
	if result.Success && subjectID != "" {
		c.invalidate(projectID, subjectID)
	}
	return result, nil
}

// CurrentTruth returns the active-slot snapshot for a subject, served from
// the cache when fresh.
func (c *Claims) CurrentTruth(ctx context.Context, projectID, subjectID string) ([]registrystore.TruthRow, error) {
	key := truthCacheKey(projectID, subjectID)
	if rows, ok := c.cache.Get(key); ok {
		if security.TruthCacheHitsTotal != nil {
			security.TruthCacheHitsTotal.Inc()
		}
		return rows, nil
	}
	if security.TruthCacheMissesTotal != nil {
		security.TruthCacheMissesTotal.Inc()
	}
	rows, err := c.store.GetCurrentTruth(ctx, projectID, subjectID)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(key, rows, int64(len(rows)+1), truthCacheTTL)
	return rows, nil
}

func (c *Claims) invalidate(projectID, subjectID string) {
	c.cache.Del(truthCacheKey(projectID, subjectID))
}

// Close releases the cache's background resources.
func (c *Claims) Close() {
	c.cache.Close()
}

func truthCacheKey(projectID, subjectID string) string {
	return projectID + "\x1e" + subjectID
}

// InferClaimType maps a predicate to a claim type when the caller did not
// provide one.
func InferClaimType(predicate string) string {
	switch {
	case strings.HasPrefix(predicate, "favorite_"),
		strings.HasPrefix(predicate, "likes_"),
		strings.HasPrefix(predicate, "dislikes_"):
		return "preference"
	case strings.Contains(predicate, "goal"), strings.HasPrefix(predicate, "wants_"):
		return "goal"
	case strings.HasPrefix(predicate, "did_"), strings.HasPrefix(predicate, "event_"):
		return "event"
	default:
		return "fact"
	}
}
