package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/chirino/truthstore/internal/model"
	registrystore "github.com/chirino/truthstore/internal/registry/store"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var slotStateConflict = clause.OnConflict{
	Columns: []clause.Column{{Name: "project_id"}, {Name: "subject_id"}, {Name: "slot"}},
	DoUpdates: clause.AssignmentColumns([]string{
		"active_claim_id", "status", "replaced_by_claim_id", "updated_at",
	}),
}

// CreateClaim atomically inserts the claim row, its initial string assertion,
// and promotes the claim to the slot winner. Prior winners on the slot keep
// status=active at the claim table level; their demotion is observable only
// via slot_state, and the truth views join through slot_state to enforce
// single-winner semantics.
func (s *Store) CreateClaim(ctx context.Context, in registrystore.CreateClaimInput) (*model.Claim, error) {
	defer observe("create_claim", time.Now())

	if in.Predicate == "" {
		return nil, &registrystore.ValidationError{Field: "predicate", Message: "predicate is required"}
	}
	if in.ObjectValue == "" {
		return nil, &registrystore.ValidationError{Field: "object_value", Message: "object_value is required"}
	}

	now := time.Now()
	claim := model.Claim{
		ClaimID:        in.ClaimID,
		ProjectID:      in.ProjectID,
		SubjectID:      in.SubjectID,
		Predicate:      in.Predicate,
		ObjectValue:    in.ObjectValue,
		Slot:           in.Slot,
		ClaimType:      in.ClaimType,
		Confidence:     0.8,
		Importance:     0.5,
		Tags:           in.Tags,
		SourceMemoryID: in.SourceMemoryID,
		SubjectEntity:  in.SubjectEntity,
		Status:         model.ClaimStatusActive,
		ValidFrom:      in.ValidFrom,
		ValidUntil:     in.ValidUntil,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if claim.ClaimID == "" {
		claim.ClaimID = newID("clm")
	}
	if claim.Slot == "" {
		claim.Slot = claim.Predicate
	}
	if claim.ClaimType == "" {
		claim.ClaimType = "fact"
	}
	if claim.SubjectEntity == "" {
		claim.SubjectEntity = "self"
	}
	if in.Confidence != nil {
		claim.Confidence = clampFloat(*in.Confidence, 0, 1)
	}
	if in.Importance != nil {
		claim.Importance = clampFloat(*in.Importance, 0, 1)
	}
	if len(in.Embedding) > 0 {
		vec := pgvector.NewVector(in.Embedding)
		claim.Embedding = &vec
	}

	objectValue := claim.ObjectValue
	assertion := model.ClaimAssertion{
		AssertionID: newID("ast"),
		ProjectID:   claim.ProjectID,
		ClaimID:     claim.ClaimID,
		MemoryID:    in.SourceMemoryID,
		ObjectType:  "string",
		ValueString: &objectValue,
		Confidence:  claim.Confidence,
		Status:      "active",
		FirstSeenAt: now,
		LastSeenAt:  now,
	}

	activeID := claim.ClaimID
	slot := model.SlotState{
		ProjectID:     claim.ProjectID,
		SubjectID:     claim.SubjectID,
		Slot:          claim.Slot,
		ActiveClaimID: &activeID,
		Status:        model.SlotStatusActive,
		UpdatedAt:     now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&claim).Error; err != nil {
			return err
		}
		if err := tx.Create(&assertion).Error; err != nil {
			return err
		}
		return tx.Clauses(slotStateConflict).Create(&slot).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &registrystore.AlreadyExistsError{Resource: "claim", ID: claim.ClaimID}
		}
		return nil, fmt.Errorf("failed to create claim: %w", err)
	}
	return &claim, nil
}

// RetractClaim atomically retracts the claim, restores the most recent other
// active claim on the slot as the winner (if any), and records a retracts
// edge. Retracting an unknown or already-retracted claim reports
// success=false without touching state.
func (s *Store) RetractClaim(ctx context.Context, projectID, claimID, reason string) (*registrystore.RetractResult, error) {
	defer observe("retract_claim", time.Now())

	result := &registrystore.RetractResult{ClaimID: claimID}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var claim model.Claim
		found := tx.Where("project_id = ? AND claim_id = ?", projectID, claimID).Limit(1).Find(&claim)
		if found.Error != nil {
			return found.Error
		}
		if found.RowsAffected == 0 || claim.Status != model.ClaimStatusActive {
			return nil // success stays false
		}

		now := time.Now()
		if err := tx.Model(&model.Claim{}).
			Where("project_id = ? AND claim_id = ?", projectID, claimID).
			Updates(map[string]interface{}{
				"status":         model.ClaimStatusRetracted,
				"retracted_at":   now,
				"retract_reason": reason,
				"updated_at":     now,
			}).Error; err != nil {
			return err
		}

		var previous model.Claim
		prevFound := tx.Where(
			"project_id = ? AND subject_id = ? AND slot = ? AND status = ? AND claim_id <> ?",
			projectID, claim.SubjectID, claim.Slot, model.ClaimStatusActive, claimID,
		).Order("created_at DESC").Limit(1).Find(&previous)
		if prevFound.Error != nil {
			return prevFound.Error
		}
		hasPrevious := prevFound.RowsAffected > 0

		replacedBy := claimID
		slot := model.SlotState{
			ProjectID:         projectID,
			SubjectID:         claim.SubjectID,
			Slot:              claim.Slot,
			Status:            model.SlotStatusRetracted,
			ReplacedByClaimID: &replacedBy,
			UpdatedAt:         now,
		}
		if hasPrevious {
			prevID := previous.ClaimID
			slot.ActiveClaimID = &prevID
			slot.Status = model.SlotStatusActive
		}
		if err := tx.Clauses(slotStateConflict).Create(&slot).Error; err != nil {
			return err
		}

		if hasPrevious {
			edge := model.ClaimEdge{
				ID:          newID("edg"),
				ProjectID:   projectID,
				FromClaimID: claimID,
				ToClaimID:   previous.ClaimID,
				EdgeType:    model.EdgeRetracts,
				Weight:      1,
				ReasonCode:  "manual_retraction",
				ReasonText:  reason,
				CreatedAt:   now,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "project_id"}, {Name: "from_claim_id"}, {Name: "to_claim_id"}, {Name: "edge_type"},
				},
				DoNothing: true,
			}).Create(&edge).Error; err != nil {
				return err
			}
			prevID := previous.ClaimID
			result.PreviousClaimID = &prevID
			result.RestoredPrevious = true
		}

		result.Success = true
		result.Slot = claim.Slot
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retract claim: %w", err)
	}
	return result, nil
}

func (s *Store) GetClaim(ctx context.Context, projectID, claimID string) (*model.Claim, error) {
	defer observe("get_claim", time.Now())

	var claim model.Claim
	result := s.db.WithContext(ctx).
		Where("project_id = ? AND claim_id = ?", projectID, claimID).
		Limit(1).
		Find(&claim)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "claim", ID: claimID}
	}
	return &claim, nil
}

func (s *Store) GetClaimAssertions(ctx context.Context, projectID, claimID string) ([]model.ClaimAssertion, error) {
	var assertions []model.ClaimAssertion
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND claim_id = ?", projectID, claimID).
		Order("first_seen_at ASC").
		Find(&assertions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list assertions: %w", err)
	}
	return assertions, nil
}

func (s *Store) GetClaimEdges(ctx context.Context, projectID, claimID string) ([]model.ClaimEdge, error) {
	var edges []model.ClaimEdge
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND (from_claim_id = ? OR to_claim_id = ?)", projectID, claimID, claimID).
		Order("created_at ASC").
		Find(&edges).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	return edges, nil
}

func (s *Store) GetAssertionsByMemory(ctx context.Context, projectID, memoryID string) ([]model.ClaimAssertion, error) {
	var assertions []model.ClaimAssertion
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND memory_id = ?", projectID, memoryID).
		Order("first_seen_at ASC").
		Find(&assertions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list assertions by memory: %w", err)
	}
	return assertions, nil
}

// --- Truth views ---

// GetCurrentTruth returns every active slot resolved to its active winning
// claim, ordered by slot. Slots whose winner is missing or no longer active
// are skipped; the join is what enforces single-winner semantics.
func (s *Store) GetCurrentTruth(ctx context.Context, projectID, subjectID string) ([]registrystore.TruthRow, error) {
	defer observe("get_current_truth", time.Now())

	var slots []model.SlotState
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND subject_id = ? AND status = ? AND active_claim_id IS NOT NULL",
			projectID, subjectID, model.SlotStatusActive).
		Find(&slots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load slot state: %w", err)
	}
	if len(slots) == 0 {
		return []registrystore.TruthRow{}, nil
	}

	ids := make([]string, 0, len(slots))
	for _, sl := range slots {
		ids = append(ids, *sl.ActiveClaimID)
	}
	var claims []model.Claim
	err = s.db.WithContext(ctx).
		Where("project_id = ? AND claim_id IN ? AND status = ?", projectID, ids, model.ClaimStatusActive).
		Find(&claims).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load winning claims: %w", err)
	}
	claimByID := make(map[string]model.Claim, len(claims))
	for _, c := range claims {
		claimByID[c.ClaimID] = c
	}

	rows := make([]registrystore.TruthRow, 0, len(slots))
	for _, sl := range slots {
		claim, ok := claimByID[*sl.ActiveClaimID]
		if !ok {
			continue
		}
		rows = append(rows, registrystore.TruthRow{
			Slot:      sl.Slot,
			Claim:     claim,
			UpdatedAt: sl.UpdatedAt,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Slot < rows[j].Slot })
	return rows, nil
}

func (s *Store) GetCurrentSlot(ctx context.Context, projectID, subjectID, slot string) (*registrystore.TruthRow, error) {
	defer observe("get_current_slot", time.Now())

	var state model.SlotState
	result := s.db.WithContext(ctx).
		Where("project_id = ? AND subject_id = ? AND slot = ?", projectID, subjectID, slot).
		Limit(1).
		Find(&state)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 || state.Status != model.SlotStatusActive || state.ActiveClaimID == nil {
		return nil, &registrystore.NotFoundError{Resource: "slot", ID: slot}
	}

	claim, err := s.GetClaim(ctx, projectID, *state.ActiveClaimID)
	if err != nil {
		return nil, err
	}
	if claim.Status != model.ClaimStatusActive {
		return nil, &registrystore.NotFoundError{Resource: "slot", ID: slot}
	}
	return &registrystore.TruthRow{Slot: slot, Claim: *claim, UpdatedAt: state.UpdatedAt}, nil
}

func (s *Store) GetSlots(ctx context.Context, projectID, subjectID string, limit int) ([]model.SlotState, error) {
	if limit == 0 {
		limit = defaultListLimit
	}
	limit = clamp(limit, 1, maxListLimit)

	var slots []model.SlotState
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND subject_id = ?", projectID, subjectID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&slots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	return slots, nil
}

func (s *Store) GetClaimGraph(ctx context.Context, projectID, subjectID string, limit int) (*registrystore.ClaimGraph, error) {
	if limit == 0 {
		limit = defaultListLimit
	}
	limit = clamp(limit, 1, maxListLimit)

	var claims []model.Claim
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND subject_id = ?", projectID, subjectID).
		Order("created_at DESC").
		Limit(limit).
		Find(&claims).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load claims: %w", err)
	}

	graph := &registrystore.ClaimGraph{
		Claims:     claims,
		Edges:      []model.ClaimEdge{},
		EdgeCounts: map[string]int{},
	}
	if len(claims) == 0 {
		return graph, nil
	}

	ids := make([]string, len(claims))
	for i, c := range claims {
		ids[i] = c.ClaimID
	}
	var edges []model.ClaimEdge
	err = s.db.WithContext(ctx).
		Where("project_id = ? AND (from_claim_id IN ? OR to_claim_id IN ?)", projectID, ids, ids).
		Order("created_at ASC").
		Find(&edges).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load edges: %w", err)
	}
	graph.Edges = edges
	for _, e := range edges {
		graph.EdgeCounts[string(e.EdgeType)]++
	}
	return graph, nil
}

func (s *Store) GetClaimHistory(ctx context.Context, projectID, subjectID, slot string, limit int) ([]model.Claim, []model.ClaimEdge, error) {
	if limit == 0 {
		limit = defaultListLimit
	}
	limit = clamp(limit, 1, maxListLimit)

	tx := s.db.WithContext(ctx).
		Where("project_id = ? AND subject_id = ?", projectID, subjectID).
		Order("created_at DESC").
		Limit(limit)
	if slot != "" {
		tx = tx.Where("slot = ?", slot)
	}
	var claims []model.Claim
	if err := tx.Find(&claims).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load claim history: %w", err)
	}
	if len(claims) == 0 {
		return claims, []model.ClaimEdge{}, nil
	}

	ids := make([]string, len(claims))
	for i, c := range claims {
		ids[i] = c.ClaimID
	}
	var edges []model.ClaimEdge
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND edge_type = ? AND (from_claim_id IN ? OR to_claim_id IN ?)",
			projectID, model.EdgeSupersedes, ids, ids).
		Order("created_at ASC").
		Find(&edges).Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load supersedes edges: %w", err)
	}
	return claims, edges, nil
}

// --- Recall events ---

func (s *Store) CreateRecallEvent(ctx context.Context, in registrystore.CreateRecallEventInput) (*model.MemoryRecallEvent, error) {
	event := model.MemoryRecallEvent{
		ID:           newID("rcl"),
		ProjectID:    in.ProjectID,
		MemoryID:     in.MemoryID,
		SubjectID:    in.SubjectID,
		ChatID:       in.ChatID,
		MessageIndex: in.MessageIndex,
		Similarity:   in.Similarity,
		RequestType:  in.RequestType,
		ModelID:      in.ModelID,
		CreatedAt:    time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return nil, fmt.Errorf("failed to create recall event: %w", err)
	}
	return &event, nil
}

func (s *Store) GetRecallsByChat(ctx context.Context, projectID, chatID string) ([]model.MemoryRecallEvent, error) {
	var events []model.MemoryRecallEvent
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND chat_id = ?", projectID, chatID).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recalls by chat: %w", err)
	}
	return events, nil
}

func (s *Store) GetRecallsByMemory(ctx context.Context, projectID, memoryID string, limit int) ([]model.MemoryRecallEvent, error) {
	if limit == 0 {
		limit = defaultRecallLimit
	}
	limit = clamp(limit, 1, maxRecallLimit)

	var events []model.MemoryRecallEvent
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND memory_id = ?", projectID, memoryID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recalls by memory: %w", err)
	}
	return events, nil
}

func (s *Store) GetRecallStats(ctx context.Context, projectID string) (*registrystore.RecallStats, error) {
	row := s.db.WithContext(ctx).Raw(`
		SELECT COUNT(*),
		       COUNT(DISTINCT chat_id),
		       COUNT(DISTINCT subject_id),
		       COALESCE(AVG(similarity), 0),
		       MIN(created_at),
		       MAX(created_at)
		FROM memory_recall_events
		WHERE project_id = ?`,
		projectID,
	).Row()

	stats := &registrystore.RecallStats{}
	var first, last *time.Time
	if err := row.Scan(&stats.TotalRecalls, &stats.DistinctChats, &stats.DistinctSubjects,
		&stats.AvgSimilarity, &first, &last); err != nil {
		return nil, fmt.Errorf("failed to load recall stats: %w", err)
	}
	stats.FirstRecallAt = first
	stats.LastRecallAt = last
	return stats, nil
}
