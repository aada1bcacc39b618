package model

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// MemoryKind classifies what a memory records.
type MemoryKind string

const (
	KindFact       MemoryKind = "fact"
	KindPreference MemoryKind = "preference"
	KindContext    MemoryKind = "context"
	KindNote       MemoryKind = "note"
	KindEvent      MemoryKind = "event"
	KindTrait      MemoryKind = "trait"
)

// Visibility controls who may read a memory.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
	VisibilityPublic  Visibility = "public"
)

// MemoryStatus is the lifecycle state of a memory row.
type MemoryStatus string

const (
	MemoryStatusActive     MemoryStatus = "active"
	MemoryStatusSuperseded MemoryStatus = "superseded"
)

// ClaimStatus is the lifecycle state of a claim row.
type ClaimStatus string

const (
	ClaimStatusActive    ClaimStatus = "active"
	ClaimStatusRetracted ClaimStatus = "retracted"
)

// SlotStatus is the state of a slot's current winner.
type SlotStatus string

const (
	SlotStatusActive     SlotStatus = "active"
	SlotStatusSuperseded SlotStatus = "superseded"
	SlotStatusRetracted  SlotStatus = "retracted"
)

// EdgeType is the relation a ClaimEdge records between two claims.
type EdgeType string

const (
	EdgeSupersedes EdgeType = "supersedes"
	EdgeSupports   EdgeType = "supports"
	EdgeDuplicates EdgeType = "duplicates"
	EdgeRelated    EdgeType = "related"
	EdgeRetracts   EdgeType = "retracts"
)

// Memory is a durable, subject-scoped textual record of user context or fact.
// Rows are soft-deleted and soft-superseded; the API never hard-deletes.
type Memory struct {
	// ID is the primary key, prefixed "mem_".
	ID string `json:"id" gorm:"primaryKey"`

	ProjectID string `json:"project_id" gorm:"not null;index:idx_memories_scope,priority:1"`
	SubjectID string `json:"subject_id" gorm:"not null;index:idx_memories_scope,priority:2"`

	Text       string     `json:"text"       gorm:"not null"`
	Kind       MemoryKind `json:"kind"       gorm:"not null;default:'fact'"`
	Visibility Visibility `json:"visibility" gorm:"not null;default:'private'"`

	// Importance is an integer in [0,100]; Confidence a float in [0,1].
	Importance int     `json:"importance" gorm:"not null;default:50"`
	Confidence float64 `json:"confidence" gorm:"not null;default:0.95"`

	IsTemporal bool                   `json:"is_temporal" gorm:"not null;default:false"`
	Tags       []string               `json:"tags"        gorm:"type:jsonb;serializer:json"`
	Metadata   map[string]interface{} `json:"metadata"    gorm:"type:jsonb;serializer:json"`

	// Embedding is NULL when the embedder was unavailable at write time.
	// NULL is semantically distinct from a zero vector.
	Embedding *pgvector.Vector `json:"-" gorm:"type:vector(1536)"`

	Status       MemoryStatus `json:"status"                  gorm:"not null;default:'active'"`
	SupersededBy *string      `json:"superseded_by,omitempty" gorm:"column:superseded_by"`
	IsDeleted    bool         `json:"is_deleted"              gorm:"not null;default:false"`
	SourceType   string       `json:"source_type"             gorm:"not null;default:'explicit'"`

	CreatedAt        time.Time `json:"created_at"         gorm:"not null;default:now()"`
	UpdatedAt        time.Time `json:"updated_at"         gorm:"not null;default:now()"`
	LastReinforcedAt time.Time `json:"last_reinforced_at" gorm:"not null;default:now()"`

	// Score is the raw similarity (cosine ×100) against the current query.
	// EffectiveScore fuses similarity, importance, confidence, and lexical
	// match. Populated by search/retrieval only; never persisted.
	Score          float64 `json:"score,omitempty"           gorm:"-"`
	EffectiveScore float64 `json:"effective_score,omitempty" gorm:"-"`
}

// TableName implements gorm.Tabler.
func (Memory) TableName() string { return "memories" }

// Claim is a structured (predicate, object_value) assertion derived from or
// attached to a memory. Claims are mutated only by retraction; supersession
// is recorded via ClaimEdge rows and SlotState updates.
type Claim struct {
	// ClaimID is the primary key, prefixed "clm_".
	ClaimID string `json:"claim_id" gorm:"primaryKey;column:claim_id"`

	ProjectID string `json:"project_id" gorm:"not null;index:idx_claims_scope,priority:1"`
	SubjectID string `json:"subject_id" gorm:"not null;index:idx_claims_scope,priority:2"`

	Predicate   string `json:"predicate"    gorm:"not null"`
	ObjectValue string `json:"object_value" gorm:"not null"`

	// Slot is the semantic key holding at most one winning claim per
	// subject. Defaults to the predicate.
	Slot string `json:"slot" gorm:"not null;index:idx_claims_scope,priority:3"`

	ClaimType  string  `json:"claim_type" gorm:"not null;default:'fact'"`
	Confidence float64 `json:"confidence" gorm:"not null;default:0.8"`
	Importance float64 `json:"importance" gorm:"not null;default:0.5"`

	Tags []string `json:"tags" gorm:"type:jsonb;serializer:json"`

	SourceMemoryID *string `json:"source_memory_id,omitempty" gorm:"column:source_memory_id"`
	SubjectEntity  string  `json:"subject_entity"             gorm:"not null;default:'self'"`

	Status        ClaimStatus `json:"status"                   gorm:"not null;default:'active'"`
	RetractedAt   *time.Time  `json:"retracted_at,omitempty"`
	RetractReason *string     `json:"retract_reason,omitempty"`

	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`

	Embedding *pgvector.Vector `json:"-" gorm:"type:vector(1536)"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:now()"`
}

// TableName implements gorm.Tabler.
func (Claim) TableName() string { return "claims" }

// ClaimAssertion records one evidence occurrence of a claim. The typed value
// is a tagged union: ObjectType selects which Value* column is populated.
type ClaimAssertion struct {
	AssertionID string  `json:"assertion_id" gorm:"primaryKey;column:assertion_id"`
	ProjectID   string  `json:"project_id"   gorm:"not null"`
	ClaimID     string  `json:"claim_id"     gorm:"not null;index"`
	MemoryID    *string `json:"memory_id,omitempty" gorm:"index"`

	// ObjectType is one of "string", "number", "date", or "json".
	ObjectType  string                 `json:"object_type"            gorm:"not null;default:'string'"`
	ValueString *string                `json:"value_string,omitempty"`
	ValueNumber *float64               `json:"value_number,omitempty"`
	ValueDate   *time.Time             `json:"value_date,omitempty"`
	ValueJSON   map[string]interface{} `json:"value_json,omitempty"   gorm:"type:jsonb;serializer:json"`

	Confidence float64 `json:"confidence" gorm:"not null;default:0.8"`
	Status     string  `json:"status"     gorm:"not null;default:'active'"`

	FirstSeenAt time.Time `json:"first_seen_at" gorm:"not null;default:now()"`
	LastSeenAt  time.Time `json:"last_seen_at"  gorm:"not null;default:now()"`
}

// TableName implements gorm.Tabler.
func (ClaimAssertion) TableName() string { return "claim_assertions" }

// ClaimEdge is a typed directed relation between two claims.
// Unique on (project_id, from_claim_id, to_claim_id, edge_type), which makes
// repeated writes of the same edge idempotent.
type ClaimEdge struct {
	ID          string   `json:"id"            gorm:"primaryKey"`
	ProjectID   string   `json:"project_id"    gorm:"not null;uniqueIndex:uq_claim_edges,priority:1"`
	FromClaimID string   `json:"from_claim_id" gorm:"not null;uniqueIndex:uq_claim_edges,priority:2"`
	ToClaimID   string   `json:"to_claim_id"   gorm:"not null;uniqueIndex:uq_claim_edges,priority:3"`
	EdgeType    EdgeType `json:"edge_type"     gorm:"not null;uniqueIndex:uq_claim_edges,priority:4"`

	Weight     float64   `json:"weight"      gorm:"not null;default:1"`
	ReasonCode string    `json:"reason_code"`
	ReasonText string    `json:"reason_text"`
	CreatedAt  time.Time `json:"created_at"  gorm:"not null;default:now()"`
}

// TableName implements gorm.Tabler.
func (ClaimEdge) TableName() string { return "claim_edges" }

// SlotState records each slot's current winner. One row per
// (project, subject, slot) triple; upserted on every claim write and
// retraction for that slot.
type SlotState struct {
	ProjectID string `json:"project_id" gorm:"primaryKey"`
	SubjectID string `json:"subject_id" gorm:"primaryKey"`
	Slot      string `json:"slot"       gorm:"primaryKey"`

	// ActiveClaimID is NULL when every claim for the slot is retracted.
	ActiveClaimID     *string    `json:"active_claim_id,omitempty"`
	Status            SlotStatus `json:"status" gorm:"not null;default:'active'"`
	ReplacedByClaimID *string    `json:"replaced_by_claim_id,omitempty"`

	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:now()"`
}

// TableName implements gorm.Tabler.
func (SlotState) TableName() string { return "slot_state" }

// MemoryRecallEvent is an audit row written each time a memory was used in a
// recall.
type MemoryRecallEvent struct {
	ID        string `json:"id"         gorm:"primaryKey"`
	ProjectID string `json:"project_id" gorm:"not null;index"`
	MemoryID  string `json:"memory_id"  gorm:"not null;index"`
	SubjectID string `json:"subject_id" gorm:"not null"`

	ChatID       string  `json:"chat_id"      gorm:"index"`
	MessageIndex int     `json:"message_index"`
	Similarity   float64 `json:"similarity"`
	RequestType  string  `json:"request_type"`
	ModelID      string  `json:"model_id"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
}

// TableName implements gorm.Tabler.
func (MemoryRecallEvent) TableName() string { return "memory_recall_events" }
