package retrieval

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Document is a single ingested text artifact. Documents are immutable once
// created; the index only ever appends.
type Document struct {
	ID      string    `json:"id"`
	Text    string    `json:"text"`
	Tags    []string  `json:"tags,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// Result pairs a document with its similarity to a query.
type Result struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

var tokenPattern = regexp.MustCompile(`[a-z0-9_]{2,}`)

// maxTokensPerDoc caps the vector size so one huge artifact cannot dominate
// index memory.
const maxTokensPerDoc = 500

// tokenize normalizes text to NFKC, lowercases it, and extracts word tokens.
func tokenize(text string) []string {
	normalized := strings.ToLower(norm.NFKC.String(text))
	tokens := tokenPattern.FindAllString(normalized, -1)
	if len(tokens) > maxTokensPerDoc {
		tokens = tokens[:maxTokensPerDoc]
	}
	return tokens
}

// termFrequencies builds the term-frequency vector for a token stream.
func termFrequencies(tokens []string) map[string]int {
	tf := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}
	return tf
}
