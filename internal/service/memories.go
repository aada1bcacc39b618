package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/chirino/truthstore/internal/bus"
	"github.com/chirino/truthstore/internal/model"
	registryembed "github.com/chirino/truthstore/internal/registry/embed"
	registrystore "github.com/chirino/truthstore/internal/registry/store"
)

const (
	maxMemoryTextLen = 10000

	// Cosine similarity ×100. At or above the threshold a new memory is a
	// duplicate and skipped; inside the half-open band below it the existing
	// rows are superseded by the new one.
	duplicateThreshold = 85.0
	conflictBandMin    = 60.0
	conflictBandMax    = 85.0
	maxConflictRows    = 50

	maxExtractedClaims  = 20
	extractTaskDeadline = 30 * time.Second
)

// CreateMemoryRequest is one memory write.
type CreateMemoryRequest struct {
	ID         string
	SubjectID  string
	Text       string
	Kind       model.MemoryKind
	Visibility model.Visibility
	Importance *int
	Confidence *float64
	IsTemporal bool
	Tags       []string
	Metadata   map[string]interface{}
	SourceType string

	// ExtractClaims schedules async claim extraction (default true at the
	// route layer). NoSupersede skips duplicate and conflict checks.
	ExtractClaims bool
	NoSupersede   bool
}

// CreateMemoryResult reports the outcome of a memory write. ID is nil on a
// duplicate skip.
type CreateMemoryResult struct {
	ID              *string          `json:"id"`
	SubjectID       string           `json:"subject_id,omitempty"`
	Text            string           `json:"text,omitempty"`
	Kind            model.MemoryKind `json:"kind,omitempty"`
	Created         bool             `json:"created"`
	Skipped         bool             `json:"skipped,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	SupersededCount int64            `json:"superseded_count"`
	SupersededIDs   []string         `json:"superseded_ids"`
}

// Memories is the memory orchestrator: it ties writes to duplicate and
// conflict checks, embedding, event emission, and async claim extraction.
type Memories struct {
	store     registrystore.Store
	bus       *bus.Bus
	embedder  registryembed.Embedder
	extractor *Extractor
	claims    *Claims
	sem       *semaphore.Weighted
}

// NewMemories creates the memory orchestrator. embedder may be nil; workers
// bounds concurrent async extraction tasks.
func NewMemories(store registrystore.Store, eventBus *bus.Bus, embedder registryembed.Embedder, extractor *Extractor, claims *Claims, workers int) *Memories {
	if workers <= 0 {
		workers = 4
	}
	return &Memories{
		store:     store,
		bus:       eventBus,
		embedder:  embedder,
		extractor: extractor,
		claims:    claims,
		sem:       semaphore.NewWeighted(int64(workers)),
	}
}

// Create runs the full write pipeline: validate, embed, duplicate check,
// conflict supersession, insert, events, and detached claim extraction.
func (s *Memories) Create(ctx context.Context, projectID string, req CreateMemoryRequest) (*CreateMemoryResult, error) {
	if req.SubjectID == "" {
		return nil, &registrystore.ValidationError{Field: "subject_id", Message: "subject_id is required"}
	}
	if req.Text == "" {
		return nil, &registrystore.ValidationError{Field: "text", Message: "text is required"}
	}
	if len(req.Text) > maxMemoryTextLen {
		return nil, &registrystore.ValidationError{Field: "text", Message: fmt.Sprintf("text exceeds %d characters", maxMemoryTextLen)}
	}

	embedding := s.embedOne(ctx, req.Text)

	var conflictIDs []string
	if embedding != nil && !req.NoSupersede {
		dup, err := s.store.FindDuplicateMemory(ctx, projectID, req.SubjectID, embedding, duplicateThreshold)
		if err != nil {
			return nil, err
		}
		if dup != nil {
			// Duplicate skips emit no events.
			return &CreateMemoryResult{
				Created:       false,
				Skipped:       true,
				Reason:        "duplicate",
				SupersededIDs: []string{},
			}, nil
		}

		conflicts, err := s.store.FindConflictingMemories(ctx, projectID, req.SubjectID, embedding, conflictBandMin, conflictBandMax, maxConflictRows)
		if err != nil {
			return nil, err
		}
		for _, m := range conflicts {
			conflictIDs = append(conflictIDs, m.ID)
		}
	}

	id := req.ID
	if id == "" {
		id = "mem_" + uuid.NewString()
	}
	memory, err := s.store.CreateMemory(ctx, registrystore.CreateMemoryInput{
		ID:         id,
		ProjectID:  projectID,
		SubjectID:  req.SubjectID,
		Text:       req.Text,
		Kind:       req.Kind,
		Visibility: req.Visibility,
		Importance: req.Importance,
		Confidence: req.Confidence,
		IsTemporal: req.IsTemporal,
		Tags:       req.Tags,
		Metadata:   req.Metadata,
		Embedding:  embedding,
		SourceType: req.SourceType,
	})
	if err != nil {
		return nil, err
	}

	supersededIDs := []string{}
	var supersededCount int64
	if len(conflictIDs) > 0 {
		supersededCount, err = s.store.SupersedeMemories(ctx, projectID, conflictIDs, memory.ID)
		if err != nil {
			return nil, err
		}
		supersededIDs = s.transitionedIDs(ctx, projectID, conflictIDs, memory.ID, supersededCount)
	}

	s.bus.Emit(projectID, memory.SubjectID, bus.EventMemoryCreated, map[string]interface{}{
		"id":         memory.ID,
		"subject_id": memory.SubjectID,
		"text":       memory.Text,
		"kind":       memory.Kind,
		"visibility": memory.Visibility,
		"importance": memory.Importance,
		"tags":       memory.Tags,
		"created_at": memory.CreatedAt,
	})
	for _, supersededID := range supersededIDs {
		s.bus.Emit(projectID, memory.SubjectID, bus.EventMemorySuperseded, map[string]interface{}{
			"id":            supersededID,
			"superseded_by": memory.ID,
		})
	}

	if req.ExtractClaims && !req.NoSupersede {
		s.scheduleExtraction(projectID, memory)
	}

	return &CreateMemoryResult{
		ID:              &memory.ID,
		SubjectID:       memory.SubjectID,
		Text:            memory.Text,
		Kind:            memory.Kind,
		Created:         true,
		SupersededCount: supersededCount,
		SupersededIDs:   supersededIDs,
	}, nil
}

// transitionedIDs resolves which conflict ids actually moved to superseded.
// When the bulk update count matches the candidate count no re-check is
// needed; otherwise a concurrent writer got there first for some rows.
func (s *Memories) transitionedIDs(ctx context.Context, projectID string, candidates []string, supersededBy string, count int64) []string {
	if count == int64(len(candidates)) {
		return candidates
	}
	var out []string
	for _, id := range candidates {
		m, err := s.store.GetMemory(ctx, projectID, id)
		if err != nil {
			continue
		}
		if m.Status == model.MemoryStatusSuperseded && m.SupersededBy != nil && *m.SupersededBy == supersededBy {
			out = append(out, id)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// embedOne returns the embedding for text, or nil when the embedder is
// absent, errored, or returned an empty vector.
func (s *Memories) embedOne(ctx context.Context, text string) []float32 {
	if s.embedder == nil {
		return nil
	}
	vectors, err := s.embedder.EmbedTexts(ctx, []string{text})
	if err != nil {
		log.Warn("Embedding failed, storing memory without a vector", "err", err)
		return nil
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil
	}
	return vectors[0]
}

// scheduleExtraction runs claim extraction on a bounded pool, detached from
// the request. Failures are logged, never surfaced.
func (s *Memories) scheduleExtraction(projectID string, memory *model.Memory) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), extractTaskDeadline)
		defer cancel()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			log.Warn("Claim extraction pool saturated, dropping task", "memory", memory.ID)
			return
		}
		defer s.sem.Release(1)

		s.extractClaims(ctx, projectID, memory)
	}()
}

func (s *Memories) extractClaims(ctx context.Context, projectID string, memory *model.Memory) {
	result := s.extractor.Extract(ctx, memory.Text, true, nil)

	var claims []ExtractedClaim
	for _, m := range result.Memories {
		claims = append(claims, m.Claims...)
	}
	claims = dedupeClaims(claims)
	if len(claims) > maxExtractedClaims {
		claims = claims[:maxExtractedClaims]
	}

	for _, c := range claims {
		confidence := c.Confidence
		sourceID := memory.ID
		_, err := s.claims.Create(ctx, registrystore.CreateClaimInput{
			ProjectID:      projectID,
			SubjectID:      memory.SubjectID,
			Predicate:      c.Predicate,
			ObjectValue:    c.ObjectValue,
			ClaimType:      c.ClaimType,
			Confidence:     &confidence,
			SourceMemoryID: &sourceID,
			Embedding:      s.embedOne(ctx, c.Predicate+": "+c.ObjectValue),
		})
		if err != nil {
			log.Warn("Extracted claim create failed", "memory", memory.ID, "predicate", c.Predicate, "err", err)
		}
	}
	if len(claims) > 0 {
		log.Info("Extracted claims from memory", "memory", memory.ID, "claims", len(claims))
	}
}

// UpdateMemoryRequest is a partial patch; nil fields are left unchanged.
type UpdateMemoryRequest struct {
	Text       *string
	Kind       *model.MemoryKind
	Visibility *model.Visibility
	Importance *int
	Confidence *float64
	IsTemporal *bool
	Tags       []string
	Metadata   map[string]interface{}
}

// Update patches a memory. A changed text recomputes the embedding when an
// embedder is available.
func (s *Memories) Update(ctx context.Context, projectID, id string, req UpdateMemoryRequest) (*model.Memory, error) {
	if req.Text != nil && len(*req.Text) > maxMemoryTextLen {
		return nil, &registrystore.ValidationError{Field: "text", Message: fmt.Sprintf("text exceeds %d characters", maxMemoryTextLen)}
	}

	in := registrystore.UpdateMemoryInput{
		Text:       req.Text,
		Kind:       req.Kind,
		Visibility: req.Visibility,
		Importance: req.Importance,
		Confidence: req.Confidence,
		IsTemporal: req.IsTemporal,
		Tags:       req.Tags,
		Metadata:   req.Metadata,
	}
	if req.Text != nil {
		in.Embedding = s.embedOne(ctx, *req.Text)
	}

	memory, err := s.store.UpdateMemory(ctx, projectID, id, in)
	if err != nil {
		return nil, err
	}

	s.bus.Emit(projectID, memory.SubjectID, bus.EventMemoryUpdated, map[string]interface{}{
		"id":         memory.ID,
		"subject_id": memory.SubjectID,
		"status":     memory.Status,
	})
	return memory, nil
}

// Delete soft-deletes a memory; the event fires only when the row actually
// transitioned.
func (s *Memories) Delete(ctx context.Context, projectID, id string) (bool, error) {
	memory, err := s.store.GetMemory(ctx, projectID, id)
	if err != nil {
		return false, err
	}

	deleted, err := s.store.DeleteMemory(ctx, projectID, id)
	if err != nil {
		return false, err
	}
	if deleted {
		s.bus.Emit(projectID, memory.SubjectID, bus.EventMemoryDeleted, map[string]interface{}{
			"id":         id,
			"subject_id": memory.SubjectID,
		})
	}
	return deleted, nil
}

// RestoreResult reports a restore outcome. Restored is false when the row
// was already active.
type RestoreResult struct {
	Restored bool          `json:"restored"`
	Memory   *model.Memory `json:"memory"`
}

// Restore re-activates a superseded memory. Deleted rows cannot be restored.
func (s *Memories) Restore(ctx context.Context, projectID, id string) (*RestoreResult, error) {
	memory, err := s.store.GetMemory(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if memory.IsDeleted {
		return nil, &registrystore.GoneError{Resource: "memory", ID: id}
	}
	if memory.Status == model.MemoryStatusActive {
		return &RestoreResult{Restored: false, Memory: memory}, nil
	}

	restored, err := s.store.RestoreMemory(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	s.bus.Emit(projectID, restored.SubjectID, bus.EventMemoryUpdated, map[string]interface{}{
		"id":         restored.ID,
		"subject_id": restored.SubjectID,
		"status":     restored.Status,
	})
	return &RestoreResult{Restored: true, Memory: restored}, nil
}

// ExtractRequest is an explicit extraction call. Learn persists the
// extracted memories and claims; without it extraction is a dry run.
type ExtractRequest struct {
	SubjectID           string
	Text                string
	Force               bool
	Learn               bool
	ConversationContext []string
}

// ExtractResponse is the extraction endpoint payload.
type ExtractResponse struct {
	Learned        bool              `json:"learned"`
	ExtractedCount int               `json:"extracted_count"`
	Memories       []ExtractedMemory `json:"memories"`
	CreatedIDs     []string          `json:"created_ids,omitempty"`
}

// Extract runs extraction and, when learning, persists each extracted
// memory through the full create pipeline with its claims attached.
func (s *Memories) Extract(ctx context.Context, projectID string, req ExtractRequest) (*ExtractResponse, error) {
	if req.SubjectID == "" {
		return nil, &registrystore.ValidationError{Field: "subject_id", Message: "subject_id is required"}
	}
	if req.Text == "" {
		return nil, &registrystore.ValidationError{Field: "text", Message: "text is required"}
	}
	if len(req.Text) > maxMemoryTextLen {
		return nil, &registrystore.ValidationError{Field: "text", Message: fmt.Sprintf("text exceeds %d characters", maxMemoryTextLen)}
	}

	result := s.extractor.Extract(ctx, req.Text, req.Force, req.ConversationContext)
	resp := &ExtractResponse{
		Learned:        false,
		ExtractedCount: len(result.Memories),
		Memories:       result.Memories,
	}
	if !req.Learn || len(result.Memories) == 0 {
		return resp, nil
	}

	for _, em := range result.Memories {
		importance := em.Importance
		confidence := em.Confidence
		created, err := s.Create(ctx, projectID, CreateMemoryRequest{
			SubjectID:  req.SubjectID,
			Text:       em.Text,
			Kind:       em.Kind,
			Visibility: em.Visibility,
			Importance: &importance,
			Confidence: &confidence,
			IsTemporal: em.IsTemporal,
			Tags:       em.Tags,
			SourceType: "extracted",
			// Claims come from this extraction; re-extracting would
			// duplicate them.
			ExtractClaims: false,
		})
		if err != nil {
			log.Warn("Learn: memory create failed", "subject", req.SubjectID, "err", err)
			continue
		}
		if created.Skipped || created.ID == nil {
			continue
		}
		resp.Learned = true
		resp.CreatedIDs = append(resp.CreatedIDs, *created.ID)

		for _, c := range em.Claims {
			claimConfidence := c.Confidence
			sourceID := *created.ID
			_, err := s.claims.Create(ctx, registrystore.CreateClaimInput{
				ProjectID:      projectID,
				SubjectID:      req.SubjectID,
				Predicate:      c.Predicate,
				ObjectValue:    c.ObjectValue,
				ClaimType:      c.ClaimType,
				Confidence:     &claimConfidence,
				SourceMemoryID: &sourceID,
				Embedding:      s.embedOne(ctx, c.Predicate+": "+c.ObjectValue),
			})
			if err != nil {
				log.Warn("Learn: claim create failed", "predicate", c.Predicate, "err", err)
			}
		}
	}
	return resp, nil
}
