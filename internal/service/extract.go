package service

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chirino/truthstore/internal/model"
	registryllm "github.com/chirino/truthstore/internal/registry/llm"
)

const (
	extractDeadline    = 4 * time.Second
	maxExtractedText   = 2000
	maxContextTurns    = 5
	trivialInputMaxLen = 40
)

// ExtractedClaim is a structured assertion derived from free text.
type ExtractedClaim struct {
	Predicate   string  `json:"predicate"`
	ObjectValue string  `json:"object_value"`
	ClaimType   string  `json:"claim_type"`
	Confidence  float64 `json:"confidence"`
}

// ExtractedMemory is one candidate memory produced by extraction.
type ExtractedMemory struct {
	Text       string           `json:"text"`
	Kind       model.MemoryKind `json:"kind"`
	Importance int              `json:"importance"`
	Confidence float64          `json:"confidence"`
	IsTemporal bool             `json:"is_temporal"`
	Visibility model.Visibility `json:"visibility"`
	Tags       []string         `json:"tags"`
	Claims     []ExtractedClaim `json:"claims"`
}

// ExtractResult is the normalized output shape shared by both extractor
// variants.
type ExtractResult struct {
	Memories []ExtractedMemory `json:"memories"`
}

// Extractor turns raw text into candidate memories and claims. When an LLM
// caller is configured it is tried first with a hard deadline; any failure
// falls through to the deterministic heuristic extractor.
type Extractor struct {
	llm registryllm.Caller
}

// NewExtractor creates an extractor. llm may be nil.
func NewExtractor(llm registryllm.Caller) *Extractor {
	return &Extractor{llm: llm}
}

// Extract runs extraction against text. force skips the trivial-input check
// in the heuristic path and is passed as a hint to the LLM.
func (e *Extractor) Extract(ctx context.Context, text string, force bool, conversationContext []string) *ExtractResult {
	if e.llm != nil {
		result, err := e.extractLLM(ctx, text, force, conversationContext)
		if err == nil {
			return result
		}
		log.Warn("LLM extraction failed, using heuristic extractor", "llm", e.llm.Name(), "err", err)
	}
	return extractHeuristic(text, force)
}

const extractSystemPrompt = `You extract durable user memories and structured claims from text.
Prefer durable facts, preferences, goals, and traits over transient chit-chat.
Respond with JSON matching this schema exactly:
{"memories":[{"text":string,"kind":"fact|preference|context|note|event|trait","importance":0-100,"confidence":0.0-1.0,"is_temporal":bool,"visibility":"private|shared|public","tags":[string],"claims":[{"predicate":string,"object_value":string,"claim_type":"fact|preference|goal|event","confidence":0.0-1.0}]}]}
Predicates are lowercase snake_case. Return {"memories":[]} when nothing durable is present.`

func (e *Extractor) extractLLM(ctx context.Context, text string, force bool, conversationContext []string) (*ExtractResult, error) {
	ctx, cancel := context.WithTimeout(ctx, extractDeadline)
	defer cancel()

	if len(conversationContext) > maxContextTurns {
		conversationContext = conversationContext[len(conversationContext)-maxContextTurns:]
	}
	var sb strings.Builder
	if len(conversationContext) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, turn := range conversationContext {
			sb.WriteString("- ")
			sb.WriteString(turn)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	if force {
		sb.WriteString("Extract at least one memory even if the input seems trivial.\n\n")
	}
	sb.WriteString("Input:\n")
	sb.WriteString(text)

	raw, err := e.llm.CallJSON(ctx, registryllm.JSONRequest{
		System:   extractSystemPrompt,
		User:     sb.String(),
		JSONMode: true,
	})
	if err != nil {
		return nil, err
	}

	var result ExtractResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	if len(result.Memories) == 0 {
		return nil, errEmptyExtraction
	}
	return normalizeExtraction(&result), nil
}

var errEmptyExtraction = &extractionError{"llm returned no memories"}

type extractionError struct{ msg string }

func (e *extractionError) Error() string { return e.msg }

// normalizeExtraction clamps numeric ranges, applies defaults, normalizes
// predicates, and dedupes claims. Memories with empty text are dropped.
func normalizeExtraction(in *ExtractResult) *ExtractResult {
	out := &ExtractResult{}
	for _, m := range in.Memories {
		m.Text = collapseText(m.Text)
		if m.Text == "" {
			continue
		}
		if m.Kind == "" {
			m.Kind = model.KindNote
		}
		if m.Visibility == "" {
			m.Visibility = model.VisibilityPrivate
		}
		if m.Importance <= 0 {
			m.Importance = 50
		} else if m.Importance > 100 {
			m.Importance = 100
		}
		if m.Confidence <= 0 {
			m.Confidence = 0.8
		} else if m.Confidence > 1 {
			m.Confidence = 1
		}
		m.Claims = dedupeClaims(m.Claims)
		out.Memories = append(out.Memories, m)
	}
	if len(out.Memories) == 0 {
		return &ExtractResult{Memories: []ExtractedMemory{}}
	}
	return out
}

// dedupeClaims normalizes predicates and keeps the first claim per
// (predicate, lowercased object value) pair.
func dedupeClaims(claims []ExtractedClaim) []ExtractedClaim {
	seen := map[string]struct{}{}
	var out []ExtractedClaim
	for _, c := range claims {
		c.Predicate = normalizePredicate(c.Predicate)
		c.ObjectValue = strings.TrimSpace(c.ObjectValue)
		if c.Predicate == "" || c.ObjectValue == "" {
			continue
		}
		if c.ClaimType == "" {
			c.ClaimType = "fact"
		}
		if c.Confidence <= 0 || c.Confidence > 1 {
			c.Confidence = 0.8
		}
		key := c.Predicate + "\x00" + strings.ToLower(c.ObjectValue)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

// --- heuristic extractor ---

var trivialPattern = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|yo|thanks|thank you|ok|okay|yes|no|sure|got it|cool|nice|great|good morning|good night|bye|goodbye|lol|haha)[\s!.,?]*$`)

type claimPattern struct {
	re         *regexp.Regexp
	predicate  string // empty when derived from a capture group
	claimType  string
	confidence float64
}

var claimPatterns = []claimPattern{
	{regexp.MustCompile(`(?i)\bmy name is\s+([a-zA-Z][a-zA-Z\s'-]*)`), "name", "fact", 0.9},
	{regexp.MustCompile(`(?i)\bi live in\s+([a-zA-Z][a-zA-Z\s,'-]*)`), "lives_in", "fact", 0.85},
	{regexp.MustCompile(`(?i)\bi work at\s+([a-zA-Z0-9][a-zA-Z0-9\s&.,'-]*)`), "works_at", "fact", 0.85},
	{regexp.MustCompile(`(?i)\bmy favorite\s+([a-zA-Z][a-zA-Z\s]*?)\s+is\s+([a-zA-Z0-9][a-zA-Z0-9\s'-]*)`), "", "preference", 0.85},
	{regexp.MustCompile(`(?i)\bi like\s+([a-zA-Z0-9][a-zA-Z0-9\s'-]*)`), "likes", "preference", 0.70},
}

// extractHeuristic emits one memory whose text is the cleaned input and
// derives claims from a fixed set of first-person patterns. Trivial inputs
// (short greetings and acknowledgements) produce nothing unless forced.
func extractHeuristic(text string, force bool) *ExtractResult {
	cleaned := collapseText(text)
	if cleaned == "" {
		return &ExtractResult{Memories: []ExtractedMemory{}}
	}
	if !force && len(cleaned) < trivialInputMaxLen && trivialPattern.MatchString(cleaned) {
		return &ExtractResult{Memories: []ExtractedMemory{}}
	}

	var claims []ExtractedClaim
	for _, p := range claimPatterns {
		match := p.re.FindStringSubmatch(cleaned)
		if match == nil {
			continue
		}
		predicate := p.predicate
		value := strings.TrimSpace(match[len(match)-1])
		if predicate == "" {
			// "my favorite Y is X" derives the predicate from Y.
			predicate = "favorite_" + normalizePredicate(match[1])
		}
		if value == "" {
			continue
		}
		claims = append(claims, ExtractedClaim{
			Predicate:   normalizePredicate(predicate),
			ObjectValue: value,
			ClaimType:   p.claimType,
			Confidence:  p.confidence,
		})
	}
	claims = dedupeClaims(claims)

	kind := model.KindNote
	if len(claims) > 0 {
		kind = model.KindFact
	}
	return &ExtractResult{Memories: []ExtractedMemory{{
		Text:       cleaned,
		Kind:       kind,
		Importance: 50,
		Confidence: 0.8,
		Visibility: model.VisibilityPrivate,
		Claims:     claims,
	}}}
}

// collapseText trims, collapses runs of whitespace to single spaces, and
// truncates to 2000 characters.
func collapseText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxExtractedText {
		s = s[:maxExtractedText]
	}
	return s
}

var nonPredicateChars = regexp.MustCompile(`[^a-z0-9_ ]`)
var whitespaceRuns = regexp.MustCompile(`\s+`)

// normalizePredicate lowercases, strips everything but [a-z0-9_ ], and
// collapses whitespace to single underscores.
func normalizePredicate(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	p = nonPredicateChars.ReplaceAllString(p, "")
	p = whitespaceRuns.ReplaceAllString(strings.TrimSpace(p), "_")
	return p
}
