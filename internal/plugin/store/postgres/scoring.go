package postgres

import (
	"strings"
)

// Fusion weights for the effective score: similarity dominates, importance
// and confidence break ties, lexical hits get a flat bonus.
const (
	weightSimilarity = 0.60
	weightImportance = 0.25
	weightConfidence = 0.15

	wholeQueryBonus = 20.0
	tokenMatchBonus = 16.0

	maxQueryTokens = 10
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "does": {}, "for": {}, "from": {}, "how": {},
	"i": {}, "in": {}, "is": {}, "it": {}, "me": {}, "my": {}, "of": {},
	"on": {}, "or": {}, "our": {}, "personal": {}, "preference": {},
	"preferences": {}, "the": {}, "to": {}, "user": {}, "users": {},
	"what": {}, "where": {}, "who": {}, "why": {}, "you": {}, "your": {},
}

// tokenizeQuery lowercases, strips non-alphanumerics, splits on whitespace,
// drops tokens shorter than 2 characters or in the stop-word set, dedupes,
// and keeps the first 10.
func tokenizeQuery(q string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(q) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	seen := map[string]struct{}{}
	var tokens []string
	for _, tok := range strings.Fields(b.String()) {
		if len(tok) < 2 {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
		if len(tokens) == maxQueryTokens {
			break
		}
	}
	return tokens
}

// lexicalBonus returns 20 when the whole query is a substring of the text,
// 16 when any token is, and 0 otherwise. Both inputs are matched
// case-insensitively.
func lexicalBonus(text, query string, tokens []string) float64 {
	textLower := strings.ToLower(text)
	queryLower := strings.ToLower(strings.TrimSpace(query))
	if queryLower != "" && strings.Contains(textLower, queryLower) {
		return wholeQueryBonus
	}
	for _, tok := range tokens {
		if strings.Contains(textLower, tok) {
			return tokenMatchBonus
		}
	}
	return 0
}

// effectiveScore fuses similarity (cosine ×100), importance [0,100],
// confidence [0,1], and the lexical bonus into a single ranking signal.
func effectiveScore(similarity float64, importance int, confidence float64, bonus float64) float64 {
	return weightSimilarity*similarity +
		weightImportance*float64(importance) +
		weightConfidence*confidence*100 +
		bonus
}

// qualifies reports whether a row belongs in the search result set: an empty
// query matches everything, otherwise the row needs a lexical hit or enough
// embedding similarity. hasEmbedding is false when either side lacks a
// vector; similarity is then ignored.
func qualifies(query string, bonus float64, hasEmbedding bool, similarity, minScore float64) bool {
	if strings.TrimSpace(query) == "" {
		return true
	}
	if bonus > 0 {
		return true
	}
	return hasEmbedding && similarity >= minScore
}
