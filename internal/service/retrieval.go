package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chirino/truthstore/internal/model"
	registryembed "github.com/chirino/truthstore/internal/registry/embed"
	registryllm "github.com/chirino/truthstore/internal/registry/llm"
	registrystore "github.com/chirino/truthstore/internal/registry/store"
)

const (
	classifyDeadline = 2 * time.Second
	rerankDeadline   = 3 * time.Second

	maxQuerySet     = 6
	maxSearchLimit  = 200
	defaultLimit    = 25
	rankPenaltyStep = 0.03

	// Claim-backed candidates outrank any fused search hit.
	claimBackedScore     = 100.0
	claimBackedEffective = 120.0

	minRerankTextLen = 10
)

// Retrieval modes.
const (
	ModeBroad    = "broad"
	ModeDirect   = "direct"
	ModeIndirect = "indirect"
	ModeSimple   = "simple"
)

// SearchRequest is one retrieval call.
type SearchRequest struct {
	ProjectID string
	SubjectID string
	Query     string
	Limit     int
	MinScore  float64
	// Context carries recent conversation turns; only the last 5 are used.
	Context []string
}

// SearchResult is the response shape shared by both retrieval variants.
type SearchResult struct {
	Memories    []model.Memory `json:"memories"`
	Mode        string         `json:"mode"`
	UsedQueries []string       `json:"used_queries"`
	Predicates  []string       `json:"predicates"`
}

// Retrieval runs memory search. With no LLM (or expansion disabled) every
// query takes the simple single-search path; otherwise queries are
// classified and fanned out per mode.
type Retrieval struct {
	store    registrystore.Store
	embedder registryembed.Embedder
	llm      registryllm.Caller
	expand   bool
}

// NewRetrieval creates a retrieval service. embedder and llm may be nil.
func NewRetrieval(store registrystore.Store, embedder registryembed.Embedder, llm registryllm.Caller, expand bool) *Retrieval {
	return &Retrieval{store: store, embedder: embedder, llm: llm, expand: expand}
}

// Search runs the retrieval pipeline.
func (r *Retrieval) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if req.Limit <= 0 {
		req.Limit = defaultLimit
	}
	if req.Limit > maxSearchLimit {
		req.Limit = maxSearchLimit
	}
	if r.llm == nil || !r.expand {
		return r.searchSimple(ctx, req)
	}
	if strings.TrimSpace(req.Query) == "" {
		return &SearchResult{Memories: []model.Memory{}, Mode: ModeIndirect, UsedQueries: []string{}, Predicates: []string{}}, nil
	}
	return r.searchExpanded(ctx, req)
}

func (r *Retrieval) searchSimple(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	memories, err := r.store.SearchMemories(ctx, registrystore.SearchMemoriesRequest{
		ProjectID:      req.ProjectID,
		SubjectID:      req.SubjectID,
		Query:          req.Query,
		QueryEmbedding: r.embed(ctx, req.Query),
		Limit:          req.Limit,
		MinScore:       req.MinScore,
	})
	if err != nil {
		return nil, err
	}
	return &SearchResult{
		Memories:    memories,
		Mode:        ModeSimple,
		UsedQueries: []string{req.Query},
		Predicates:  []string{},
	}, nil
}

// embed returns the query embedding or nil; embedder failures only degrade
// ranking, never fail the search.
func (r *Retrieval) embed(ctx context.Context, text string) []float32 {
	if r.embedder == nil {
		return nil
	}
	vectors, err := r.embedder.EmbedTexts(ctx, []string{text})
	if err != nil {
		log.Warn("Query embedding failed", "err", err)
		return nil
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil
	}
	return vectors[0]
}

type classification struct {
	Mode            string   `json:"mode"`
	Predicates      []string `json:"predicates"`
	SearchHints     []string `json:"search_hints"`
	ExpandedQueries []string `json:"expanded_queries"`
}

const classifySystemPrompt = `You classify memory-retrieval queries for an assistant's long-term memory.
Modes: "broad" (profile overview, e.g. "what do you know about me"), "direct" (specific fact lookup), "indirect" (advice or tasks needing background context).
Respond with JSON: {"mode":"broad|direct|indirect","predicates":[up to 3 snake_case slot names],"search_hints":[up to 3 short rephrasings],"expanded_queries":[up to 3 related queries]}.`

func (r *Retrieval) classify(ctx context.Context, query string, turns []string) classification {
	fallback := classification{Mode: ModeIndirect, Predicates: []string{}, SearchHints: []string{}, ExpandedQueries: []string{}}

	ctx, cancel := context.WithTimeout(ctx, classifyDeadline)
	defer cancel()

	if len(turns) > maxContextTurns {
		turns = turns[len(turns)-maxContextTurns:]
	}
	var sb strings.Builder
	if len(turns) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, t := range turns {
			sb.WriteString("- ")
			sb.WriteString(t)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Query: ")
	sb.WriteString(query)

	raw, err := r.llm.CallJSON(ctx, registryllm.JSONRequest{
		System:   classifySystemPrompt,
		User:     sb.String(),
		JSONMode: true,
	})
	if err != nil {
		log.Warn("Query classification failed", "llm", r.llm.Name(), "err", err)
		return fallback
	}
	var c classification
	if err := json.Unmarshal(raw, &c); err != nil {
		log.Warn("Query classification returned invalid JSON", "err", err)
		return fallback
	}
	if c.Mode != ModeBroad && c.Mode != ModeDirect && c.Mode != ModeIndirect {
		return fallback
	}
	c.Predicates = truncate(c.Predicates, 3)
	c.SearchHints = truncate(c.SearchHints, 3)
	c.ExpandedQueries = truncate(c.ExpandedQueries, 3)
	return c
}

func (r *Retrieval) searchExpanded(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	c := r.classify(ctx, req.Query, req.Context)

	switch c.Mode {
	case ModeBroad:
		return r.searchBroad(ctx, req)
	case ModeDirect:
		queries := querySet(req.Query, c.SearchHints)
		return r.searchFanout(ctx, req, ModeDirect, queries, c.Predicates, true)
	default:
		queries := querySet(req.Query, append(append([]string{}, c.SearchHints...), c.ExpandedQueries...))
		return r.searchFanout(ctx, req, ModeIndirect, queries, c.Predicates, false)
	}
}

// searchBroad lists the subject's memories sorted by importance; it answers
// profile-overview queries without vector search.
func (r *Retrieval) searchBroad(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	listLimit := req.Limit * 3
	if listLimit > maxSearchLimit {
		listLimit = maxSearchLimit
	}
	memories, err := r.store.ListMemories(ctx, registrystore.ListMemoriesRequest{
		ProjectID: req.ProjectID,
		SubjectID: req.SubjectID,
		Limit:     listLimit,
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(memories, func(i, j int) bool {
		if memories[i].Importance != memories[j].Importance {
			return memories[i].Importance > memories[j].Importance
		}
		return memories[i].CreatedAt.After(memories[j].CreatedAt)
	})
	keep := req.Limit
	if keep < 20 {
		keep = 20
	}
	if len(memories) > keep {
		memories = memories[:keep]
	}
	for i := range memories {
		memories[i].Score = 100
		memories[i].EffectiveScore = float64(memories[i].Importance)
	}
	return &SearchResult{
		Memories:    memories,
		Mode:        ModeBroad,
		UsedQueries: []string{req.Query},
		Predicates:  []string{},
	}, nil
}

// candidate pairs a memory with the rank of the query that produced it.
type candidate struct {
	memory    model.Memory
	rankIndex int
	claimed   bool
}

// searchFanout runs each query in the set, optionally adds claim-backed
// candidates from current truth, merges by memory id, and ranks.
func (r *Retrieval) searchFanout(ctx context.Context, req SearchRequest, mode string, queries, predicates []string, claimBoost bool) (*SearchResult, error) {
	perQueryLimit := req.Limit * 2
	if perQueryLimit > maxSearchLimit {
		perQueryLimit = maxSearchLimit
	}

	var candidates []candidate
	for rank, q := range queries {
		memories, err := r.store.SearchMemories(ctx, registrystore.SearchMemoriesRequest{
			ProjectID:      req.ProjectID,
			SubjectID:      req.SubjectID,
			Query:          q,
			QueryEmbedding: r.embed(ctx, q),
			Limit:          perQueryLimit,
			MinScore:       req.MinScore,
		})
		if err != nil {
			return nil, err
		}
		for _, m := range memories {
			candidates = append(candidates, candidate{memory: m, rankIndex: rank})
		}
	}

	hasClaimBacked := false
	if claimBoost && len(predicates) > 0 {
		backed, err := r.claimBackedCandidates(ctx, req.ProjectID, req.SubjectID, predicates)
		if err != nil {
			log.Warn("Claim-backed candidate lookup failed", "err", err)
		} else if len(backed) > 0 {
			hasClaimBacked = true
			candidates = append(candidates, backed...)
		}
	}

	merged := mergeCandidates(candidates)

	// Direct mode narrows to a 5-row answer set; indirect keeps the full
	// request limit.
	keep := min(req.Limit, 5)
	if mode == ModeIndirect {
		keep = req.Limit
	}
	var final []model.Memory
	switch {
	case hasClaimBacked:
		final = topN(merged, min(req.Limit, 5))
	case len(merged) > req.Limit:
		final = r.rerank(ctx, req.Query, merged, req.Limit)
	default:
		final = topN(merged, keep)
	}

	return &SearchResult{
		Memories:    final,
		Mode:        mode,
		UsedQueries: queries,
		Predicates:  predicates,
	}, nil
}

// claimBackedCandidates resolves current-truth rows whose predicate is in
// the classified set back to their source memories.
func (r *Retrieval) claimBackedCandidates(ctx context.Context, projectID, subjectID string, predicates []string) ([]candidate, error) {
	truth, err := r.store.GetCurrentTruth(ctx, projectID, subjectID)
	if err != nil {
		return nil, err
	}
	wanted := map[string]struct{}{}
	for _, p := range predicates {
		wanted[p] = struct{}{}
	}

	var out []candidate
	for _, row := range truth {
		if _, ok := wanted[row.Claim.Predicate]; !ok {
			continue
		}
		if row.Claim.SourceMemoryID == nil {
			continue
		}
		memory, err := r.store.GetMemory(ctx, projectID, *row.Claim.SourceMemoryID)
		if err != nil {
			continue
		}
		if memory.IsDeleted || memory.Status != model.MemoryStatusActive {
			continue
		}
		m := *memory
		m.Score = claimBackedScore
		m.EffectiveScore = claimBackedEffective
		out = append(out, candidate{memory: m, rankIndex: 0, claimed: true})
	}
	return out, nil
}

// mergeCandidates applies the per-query rank penalty and keeps the
// highest-effective-score variant of each memory, sorted best first.
func mergeCandidates(candidates []candidate) []model.Memory {
	best := map[string]model.Memory{}
	var order []string
	for _, c := range candidates {
		m := c.memory
		m.EffectiveScore *= 1 - rankPenaltyStep*float64(c.rankIndex)
		prev, seen := best[m.ID]
		if !seen {
			best[m.ID] = m
			order = append(order, m.ID)
			continue
		}
		if m.EffectiveScore > prev.EffectiveScore {
			best[m.ID] = m
		}
	}

	merged := make([]model.Memory, 0, len(order))
	for _, id := range order {
		merged = append(merged, best[id])
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].EffectiveScore > merged[j].EffectiveScore
	})
	return merged
}

type rerankEntry struct {
	Index    int     `json:"index"`
	Relevant bool    `json:"relevant"`
	Score    float64 `json:"score"`
}

const rerankSystemPrompt = `You rank candidate memories by relevance to a query.
Respond with JSON: {"results":[{"index":<candidate index>,"relevant":true|false,"score":0.0-1.0}]} covering every candidate.`

// rerank asks the LLM to re-order merged candidates. Candidates with very
// short text are excluded up front; on any LLM failure the first topK of the
// filtered set is returned unchanged.
func (r *Retrieval) rerank(ctx context.Context, query string, merged []model.Memory, topK int) []model.Memory {
	var filtered []model.Memory
	for _, m := range merged {
		if len(m.Text) >= minRerankTextLen {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) <= topK {
		return filtered
	}

	ctx, cancel := context.WithTimeout(ctx, rerankDeadline)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nCandidates:\n")
	for i, m := range filtered {
		fmt.Fprintf(&sb, "[%d] %s\n", i, m.Text)
	}

	raw, err := r.llm.CallJSON(ctx, registryllm.JSONRequest{
		System:   rerankSystemPrompt,
		User:     sb.String(),
		JSONMode: true,
	})
	if err != nil {
		log.Warn("Rerank failed, keeping fused order", "llm", r.llm.Name(), "err", err)
		return filtered[:topK]
	}
	var parsed struct {
		Results []rerankEntry `json:"results"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		log.Warn("Rerank returned invalid JSON", "err", err)
		return filtered[:topK]
	}

	var kept []rerankEntry
	for _, e := range parsed.Results {
		if !e.Relevant || e.Index < 0 || e.Index >= len(filtered) {
			continue
		}
		kept = append(kept, e)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if len(kept) > topK {
		kept = kept[:topK]
	}

	out := make([]model.Memory, 0, len(kept))
	for _, e := range kept {
		m := filtered[e.Index]
		rescored := e.Score * 100
		if rescored > m.Score {
			m.Score = rescored
		}
		if rescored > m.EffectiveScore {
			m.EffectiveScore = rescored
		}
		out = append(out, m)
	}
	return out
}

// querySet dedupes the original query plus extras, preserving order, capped
// at 6.
func querySet(original string, extras []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, q := range append([]string{original}, extras...) {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		key := strings.ToLower(q)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, q)
		if len(out) == maxQuerySet {
			break
		}
	}
	return out
}

func truncate(s []string, n int) []string {
	if s == nil {
		return []string{}
	}
	if len(s) > n {
		return s[:n]
	}
	return s
}

func topN(memories []model.Memory, n int) []model.Memory {
	if len(memories) > n {
		return memories[:n]
	}
	return memories
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
