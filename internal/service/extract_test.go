package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirino/truthstore/internal/model"
)

func TestHeuristicSkipsTrivialInput(t *testing.T) {
	for _, input := range []string{"hi", "thanks!", "ok", "good morning", "  Bye.  "} {
		result := extractHeuristic(input, false)
		assert.Empty(t, result.Memories, "input %q should be trivial", input)
	}

	// force overrides the trivial check.
	result := extractHeuristic("thanks!", true)
	require.Len(t, result.Memories, 1)
	assert.Equal(t, "thanks!", result.Memories[0].Text)
	assert.Equal(t, model.KindNote, result.Memories[0].Kind)
}

func TestHeuristicEmptyInput(t *testing.T) {
	result := extractHeuristic("   \n\t  ", true)
	assert.Empty(t, result.Memories)
}

func TestHeuristicClaimPatterns(t *testing.T) {
	tests := []struct {
		input      string
		predicate  string
		value      string
		claimType  string
		confidence float64
	}{
		{"By the way, my name is Alice Barnes", "name", "Alice Barnes", "fact", 0.9},
		{"I live in Lisbon, Portugal and love it here", "lives_in", "Lisbon, Portugal and love it here", "fact", 0.85},
		{"These days I work at Acme Corp", "works_at", "Acme Corp", "fact", 0.85},
		{"My favorite color is blue", "favorite_color", "blue", "preference", 0.85},
		{"My favorite programming language is Go", "favorite_programming_language", "Go", "preference", 0.85},
		{"I like hiking on weekends", "likes", "hiking on weekends", "preference", 0.70},
	}
	for _, tt := range tests {
		result := extractHeuristic(tt.input, false)
		require.Len(t, result.Memories, 1, "input %q", tt.input)
		m := result.Memories[0]
		assert.Equal(t, model.KindFact, m.Kind, "input %q", tt.input)
		require.NotEmpty(t, m.Claims, "input %q", tt.input)
		c := m.Claims[0]
		assert.Equal(t, tt.predicate, c.Predicate, "input %q", tt.input)
		assert.Equal(t, tt.value, c.ObjectValue, "input %q", tt.input)
		assert.Equal(t, tt.claimType, c.ClaimType, "input %q", tt.input)
		assert.Equal(t, tt.confidence, c.Confidence, "input %q", tt.input)
	}
}

func TestHeuristicKindWithoutClaims(t *testing.T) {
	result := extractHeuristic("The weather was unusually warm during the trip", false)
	require.Len(t, result.Memories, 1)
	assert.Equal(t, model.KindNote, result.Memories[0].Kind)
	assert.Empty(t, result.Memories[0].Claims)
}

func TestDedupeClaims(t *testing.T) {
	claims := dedupeClaims([]ExtractedClaim{
		{Predicate: "Favorite Color", ObjectValue: "Blue"},
		{Predicate: "favorite_color", ObjectValue: "blue"},
		{Predicate: "favorite_color", ObjectValue: "  "},
		{Predicate: "", ObjectValue: "blue"},
		{Predicate: "lives_in", ObjectValue: "Lisbon", Confidence: 1.5},
	})
	require.Len(t, claims, 2)
	assert.Equal(t, "favorite_color", claims[0].Predicate)
	assert.Equal(t, "Blue", claims[0].ObjectValue)
	assert.Equal(t, "fact", claims[0].ClaimType)
	assert.Equal(t, 0.8, claims[0].Confidence)
	// Out-of-range confidence falls back to the default.
	assert.Equal(t, 0.8, claims[1].Confidence)
}

func TestNormalizePredicate(t *testing.T) {
	assert.Equal(t, "favorite_color", normalizePredicate("  Favorite   Color! "))
	assert.Equal(t, "works_at", normalizePredicate("works_at"))
	assert.Equal(t, "a1_b2", normalizePredicate("A1 (b2)"))
	assert.Equal(t, "", normalizePredicate("???"))
}

func TestCollapseText(t *testing.T) {
	assert.Equal(t, "a b c", collapseText("  a\n\n b\t c  "))
	long := strings.Repeat("x", 3000)
	assert.Len(t, collapseText(long), maxExtractedText)
}

func TestNormalizeExtraction(t *testing.T) {
	in := &ExtractResult{Memories: []ExtractedMemory{
		{Text: "   "},
		{
			Text:       "likes  espresso",
			Importance: 500,
			Confidence: -1,
			Claims: []ExtractedClaim{
				{Predicate: "Likes", ObjectValue: "espresso"},
				{Predicate: "likes", ObjectValue: "Espresso"},
			},
		},
	}}
	out := normalizeExtraction(in)
	require.Len(t, out.Memories, 1)
	m := out.Memories[0]
	assert.Equal(t, "likes espresso", m.Text)
	assert.Equal(t, model.KindNote, m.Kind)
	assert.Equal(t, model.VisibilityPrivate, m.Visibility)
	assert.Equal(t, 100, m.Importance)
	assert.Equal(t, 0.8, m.Confidence)
	assert.Len(t, m.Claims, 1)
}

func TestExtractorFallsBackToHeuristic(t *testing.T) {
	// A failing LLM degrades to the heuristic path.
	extractor := NewExtractor(&fakeLLM{err: errEmptyExtraction})
	result := extractor.Extract(context.Background(), "my name is Alice", true, nil)
	require.Len(t, result.Memories, 1)
	require.Len(t, result.Memories[0].Claims, 1)
	assert.Equal(t, "name", result.Memories[0].Claims[0].Predicate)
}

func TestExtractorUsesLLM(t *testing.T) {
	extractor := NewExtractor(&fakeLLM{
		response: `{"memories":[{"text":"User is training for a marathon","kind":"goal","importance":70,"confidence":0.9,"claims":[{"predicate":"training_for","object_value":"marathon","claim_type":"goal","confidence":0.9}]}]}`,
	})
	result := extractor.Extract(context.Background(), "I'm training for a marathon in October", false, []string{"earlier turn"})
	require.Len(t, result.Memories, 1)
	assert.Equal(t, "User is training for a marathon", result.Memories[0].Text)
	require.Len(t, result.Memories[0].Claims, 1)
	assert.Equal(t, "training_for", result.Memories[0].Claims[0].Predicate)
}

func TestExtractorEmptyLLMResultFallsBack(t *testing.T) {
	extractor := NewExtractor(&fakeLLM{response: `{"memories":[]}`})
	result := extractor.Extract(context.Background(), "I live in Lisbon", false, nil)
	require.Len(t, result.Memories, 1)
	require.Len(t, result.Memories[0].Claims, 1)
	assert.Equal(t, "lives_in", result.Memories[0].Claims[0].Predicate)
}
