package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/truthstore/internal/config"
	"github.com/chirino/truthstore/internal/model"
	registrymigrate "github.com/chirino/truthstore/internal/registry/migrate"
	registrystore "github.com/chirino/truthstore/internal/registry/store"
	"github.com/chirino/truthstore/internal/security"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

//go:embed db/schema.sql
var schemaSQL string

const (
	defaultListLimit   = 50
	maxListLimit       = 200
	maxListOffset      = 1_000_000
	defaultSearchLimit = 25
	defaultRecallLimit = 100
	maxRecallLimit     = 1000

	// Candidate pool size for in-process fusion scoring.
	searchCandidatePool = 500

	maxTextLength = 10_000
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.Store, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.DBURL == "" {
				return nil, fmt.Errorf("postgres: missing database URL")
			}
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			return &Store{db: db}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &migrator{}})
}

type migrator struct{}

func (m *migrator) Name() string { return "postgres-schema" }
func (m *migrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.MigrateAtStart {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("Postgres schema migration complete")
	return nil
}

// Store implements the storage facade using GORM + PostgreSQL + pgvector.
type Store struct {
	db *gorm.DB
}

// ForceImport ensures the plugin's init() runs when only the package identity
// is needed (tests).
var ForceImport = struct{}{}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func observe(op string, start time.Time) {
	if security.StoreLatency != nil {
		security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// --- Memories ---

func (s *Store) ListMemories(ctx context.Context, req registrystore.ListMemoriesRequest) ([]model.Memory, error) {
	defer observe("list_memories", time.Now())

	limit := req.Limit
	if limit == 0 {
		limit = defaultListLimit
	}
	limit = clamp(limit, 1, maxListLimit)
	offset := clamp(req.Offset, 0, maxListOffset)

	tx := s.db.WithContext(ctx).
		Where("project_id = ? AND subject_id = ?", req.ProjectID, req.SubjectID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset)
	if !req.IncludeDeleted {
		tx = tx.Where("is_deleted = FALSE")
	}
	if !req.IncludeSuperseded {
		tx = tx.Where("status = ?", model.MemoryStatusActive)
	}

	var memories []model.Memory
	if err := tx.Find(&memories).Error; err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	return memories, nil
}

func (s *Store) ListSupersededMemories(ctx context.Context, projectID, subjectID string, limit, offset int) ([]model.Memory, error) {
	defer observe("list_superseded", time.Now())

	if limit == 0 {
		limit = defaultListLimit
	}
	limit = clamp(limit, 1, maxListLimit)
	offset = clamp(offset, 0, maxListOffset)

	var memories []model.Memory
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND subject_id = ? AND status = ? AND is_deleted = FALSE",
			projectID, subjectID, model.MemoryStatusSuperseded).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&memories).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list superseded memories: %w", err)
	}
	return memories, nil
}

// similarityByIDs returns cosine similarity ×100 for the given memory ids
// against the query embedding. Rows without an embedding are absent from the
// result.
func (s *Store) similarityByIDs(ctx context.Context, ids []string, embedding []float32) (map[string]float64, error) {
	if len(ids) == 0 || len(embedding) == 0 {
		return map[string]float64{}, nil
	}
	vec := pgvector.NewVector(embedding)
	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT id, (1 - (embedding <=> ?::vector)) * 100 AS similarity
		FROM memories
		WHERE id IN ? AND embedding IS NOT NULL`,
		vec, ids,
	).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sims := make(map[string]float64, len(ids))
	for rows.Next() {
		var id string
		var sim float64
		if err := rows.Scan(&id, &sim); err != nil {
			return nil, err
		}
		sims[id] = sim
	}
	return sims, rows.Err()
}

func (s *Store) SearchMemories(ctx context.Context, req registrystore.SearchMemoriesRequest) ([]model.Memory, error) {
	defer observe("search_memories", time.Now())

	limit := req.Limit
	if limit == 0 {
		limit = defaultSearchLimit
	}
	limit = clamp(limit, 1, maxListLimit)

	var candidates []model.Memory
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND subject_id = ? AND is_deleted = FALSE AND status = ?",
			req.ProjectID, req.SubjectID, model.MemoryStatusActive).
		Order("created_at DESC").
		Limit(searchCandidatePool).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load search candidates: %w", err)
	}
	if len(candidates) == 0 {
		return []model.Memory{}, nil
	}

	var sims map[string]float64
	if len(req.QueryEmbedding) > 0 {
		ids := make([]string, len(candidates))
		for i := range candidates {
			ids[i] = candidates[i].ID
		}
		sims, err = s.similarityByIDs(ctx, ids, req.QueryEmbedding)
		if err != nil {
			return nil, fmt.Errorf("failed to compute similarities: %w", err)
		}
	}

	tokens := tokenizeQuery(req.Query)
	var results []model.Memory
	for _, m := range candidates {
		bonus := lexicalBonus(m.Text, req.Query, tokens)
		sim, hasSim := 0.0, false
		if sims != nil {
			sim, hasSim = sims[m.ID]
		}

		if len(req.QueryEmbedding) == 0 {
			// No query embedding: lexical filter, importance/confidence rank.
			if !qualifies(req.Query, bonus, false, 0, req.MinScore) {
				continue
			}
			m.Score = 0
			m.EffectiveScore = weightImportance*float64(m.Importance) + weightConfidence*m.Confidence*100
		} else {
			if !qualifies(req.Query, bonus, hasSim, sim, req.MinScore) {
				continue
			}
			m.Score = sim
			m.EffectiveScore = effectiveScore(sim, m.Importance, m.Confidence, bonus)
		}
		results = append(results, m)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].EffectiveScore > results[j].EffectiveScore
	})
	if len(results) > limit {
		results = results[:limit]
	}
	if results == nil {
		results = []model.Memory{}
	}
	return results, nil
}

func (s *Store) CreateMemory(ctx context.Context, in registrystore.CreateMemoryInput) (*model.Memory, error) {
	defer observe("create_memory", time.Now())

	if in.Text == "" {
		return nil, &registrystore.ValidationError{Field: "text", Message: "text is required"}
	}
	if len(in.Text) > maxTextLength {
		return nil, &registrystore.ValidationError{Field: "text", Message: "text exceeds 10000 characters"}
	}

	now := time.Now()
	m := model.Memory{
		ID:               in.ID,
		ProjectID:        in.ProjectID,
		SubjectID:        in.SubjectID,
		Text:             in.Text,
		Kind:             in.Kind,
		Visibility:       in.Visibility,
		Importance:       50,
		Confidence:       0.95,
		IsTemporal:       in.IsTemporal,
		Tags:             in.Tags,
		Metadata:         in.Metadata,
		Status:           model.MemoryStatusActive,
		SourceType:       in.SourceType,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastReinforcedAt: now,
	}
	if m.ID == "" {
		m.ID = newID("mem")
	}
	if m.Kind == "" {
		m.Kind = model.KindFact
	}
	if m.Visibility == "" {
		m.Visibility = model.VisibilityPrivate
	}
	if m.SourceType == "" {
		m.SourceType = "explicit"
	}
	if in.Importance != nil {
		m.Importance = clamp(*in.Importance, 0, 100)
	}
	if in.Confidence != nil {
		m.Confidence = clampFloat(*in.Confidence, 0, 1)
	}
	if len(in.Embedding) > 0 {
		vec := pgvector.NewVector(in.Embedding)
		m.Embedding = &vec
	}

	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, &registrystore.AlreadyExistsError{Resource: "memory", ID: m.ID}
		}
		return nil, fmt.Errorf("failed to create memory: %w", err)
	}
	return &m, nil
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *Store) GetMemory(ctx context.Context, projectID, id string) (*model.Memory, error) {
	defer observe("get_memory", time.Now())

	var m model.Memory
	result := s.db.WithContext(ctx).
		Where("project_id = ? AND id = ?", projectID, id).
		Limit(1).
		Find(&m)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "memory", ID: id}
	}
	return &m, nil
}

func (s *Store) UpdateMemory(ctx context.Context, projectID, id string, in registrystore.UpdateMemoryInput) (*model.Memory, error) {
	defer observe("update_memory", time.Now())

	m, err := s.GetMemory(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return nil, &registrystore.GoneError{Resource: "memory", ID: id}
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	if in.Text != nil {
		if *in.Text == "" {
			return nil, &registrystore.ValidationError{Field: "text", Message: "text is required"}
		}
		if len(*in.Text) > maxTextLength {
			return nil, &registrystore.ValidationError{Field: "text", Message: "text exceeds 10000 characters"}
		}
		updates["text"] = *in.Text
	}
	if in.Kind != nil {
		updates["kind"] = *in.Kind
	}
	if in.Visibility != nil {
		updates["visibility"] = *in.Visibility
	}
	if in.Importance != nil {
		updates["importance"] = clamp(*in.Importance, 0, 100)
	}
	if in.Confidence != nil {
		updates["confidence"] = clampFloat(*in.Confidence, 0, 1)
	}
	if in.IsTemporal != nil {
		updates["is_temporal"] = *in.IsTemporal
	}
	if in.Tags != nil {
		tags, err := json.Marshal(in.Tags)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tags: %w", err)
		}
		updates["tags"] = string(tags)
	}
	if in.Metadata != nil {
		metadata, err := json.Marshal(in.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		updates["metadata"] = string(metadata)
	}
	if len(in.Embedding) > 0 {
		updates["embedding"] = pgvector.NewVector(in.Embedding)
	}

	if err := s.db.WithContext(ctx).Model(&model.Memory{}).
		Where("project_id = ? AND id = ?", projectID, id).
		Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update memory: %w", err)
	}
	return s.GetMemory(ctx, projectID, id)
}

func (s *Store) DeleteMemory(ctx context.Context, projectID, id string) (bool, error) {
	defer observe("delete_memory", time.Now())

	result := s.db.WithContext(ctx).Model(&model.Memory{}).
		Where("project_id = ? AND id = ? AND is_deleted = FALSE", projectID, id).
		Updates(map[string]interface{}{"is_deleted": true, "updated_at": time.Now()})
	if result.Error != nil {
		return false, fmt.Errorf("failed to delete memory: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// Distinguish a repeat delete from an unknown id.
	if _, err := s.GetMemory(ctx, projectID, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) RestoreMemory(ctx context.Context, projectID, id string) (*model.Memory, error) {
	defer observe("restore_memory", time.Now())

	m, err := s.GetMemory(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return nil, &registrystore.GoneError{Resource: "memory", ID: id}
	}
	if err := s.db.WithContext(ctx).Model(&model.Memory{}).
		Where("project_id = ? AND id = ?", projectID, id).
		Updates(map[string]interface{}{
			"status":        model.MemoryStatusActive,
			"superseded_by": nil,
			"updated_at":    time.Now(),
		}).Error; err != nil {
		return nil, fmt.Errorf("failed to restore memory: %w", err)
	}
	return s.GetMemory(ctx, projectID, id)
}

func (s *Store) FindDuplicateMemory(ctx context.Context, projectID, subjectID string, embedding []float32, threshold float64) (*model.Memory, error) {
	defer observe("find_duplicate", time.Now())

	if len(embedding) == 0 {
		return nil, nil
	}
	vec := pgvector.NewVector(embedding)
	row := s.db.WithContext(ctx).Raw(`
		SELECT id, (1 - (embedding <=> ?::vector)) * 100 AS similarity
		FROM memories
		WHERE project_id = ? AND subject_id = ?
		  AND is_deleted = FALSE AND status = 'active' AND embedding IS NOT NULL
		ORDER BY embedding <=> ?::vector
		LIMIT 1`,
		vec, projectID, subjectID, vec,
	).Row()

	var id string
	var sim float64
	if err := row.Scan(&id, &sim); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find duplicate: %w", err)
	}
	if sim < threshold {
		return nil, nil
	}
	m, err := s.GetMemory(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	m.Score = sim
	return m, nil
}

func (s *Store) FindConflictingMemories(ctx context.Context, projectID, subjectID string, embedding []float32, minSim, maxSim float64, limit int) ([]model.Memory, error) {
	defer observe("find_conflicting", time.Now())

	if len(embedding) == 0 || limit <= 0 {
		return nil, nil
	}
	vec := pgvector.NewVector(embedding)
	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT id, (1 - (embedding <=> ?::vector)) * 100 AS similarity
		FROM memories
		WHERE project_id = ? AND subject_id = ?
		  AND is_deleted = FALSE AND status = 'active' AND embedding IS NOT NULL
		  AND (1 - (embedding <=> ?::vector)) * 100 >= ?
		  AND (1 - (embedding <=> ?::vector)) * 100 < ?
		ORDER BY similarity DESC
		LIMIT ?`,
		vec, projectID, subjectID, vec, minSim, vec, maxSim, limit,
	).Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to find conflicting memories: %w", err)
	}
	defer rows.Close()

	type hit struct {
		id  string
		sim float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.sim); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	simByID := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.id
		simByID[h.id] = h.sim
	}
	var memories []model.Memory
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&memories).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]model.Memory, len(memories))
	for _, m := range memories {
		byID[m.ID] = m
	}
	ordered := make([]model.Memory, 0, len(hits))
	for _, h := range hits {
		m, ok := byID[h.id]
		if !ok {
			continue
		}
		m.Score = h.sim
		ordered = append(ordered, m)
	}
	return ordered, nil
}

func (s *Store) SupersedeMemories(ctx context.Context, projectID string, ids []string, supersededBy string) (int64, error) {
	defer observe("supersede_memories", time.Now())

	if len(ids) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Model(&model.Memory{}).
		Where("project_id = ? AND id IN ? AND status = ? AND is_deleted = FALSE",
			projectID, ids, model.MemoryStatusActive).
		Updates(map[string]interface{}{
			"status":        model.MemoryStatusSuperseded,
			"superseded_by": supersededBy,
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to supersede memories: %w", result.Error)
	}
	return result.RowsAffected, nil
}
