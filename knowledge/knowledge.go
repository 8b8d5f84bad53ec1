// Package knowledge provides the retrieval interface consumed by the
// pipeline's retrieve step, plus a dependency-free in-memory implementation.
// Production deployments can swap in a vector-store backend behind the same
// interface.
package knowledge

import (
	"context"
	"sort"
	"strings"
)

// Retriever returns reference text relevant to a query. An empty result
// means nothing matched; it is not an error.
type Retriever interface {
	Retrieve(ctx context.Context, query string) (string, error)
}

// Document is one entry in the knowledge base.
type Document struct {
	ID      string
	Title   string
	Content string
}

// KeywordRetriever scores documents by keyword overlap with the query. The
// index is built once at construction and never mutated, so lookups need no
// locking.
type KeywordRetriever struct {
	docs []Document
	// terms maps a lowercased token to the set of document indexes
	// containing it.
	terms map[string]map[int]int
	topK  int
}

var _ Retriever = (*KeywordRetriever)(nil)

// NewKeywordRetriever indexes the given documents. topK bounds how many
// documents one retrieval returns; values below 1 default to 3.
func NewKeywordRetriever(docs []Document, topK int) *KeywordRetriever {
	if topK < 1 {
		topK = 3
	}
	r := &KeywordRetriever{
		docs:  docs,
		terms: make(map[string]map[int]int),
		topK:  topK,
	}
	for i, doc := range docs {
		for _, token := range tokenize(doc.Title + " " + doc.Content) {
			byDoc, ok := r.terms[token]
			if !ok {
				byDoc = make(map[int]int)
				r.terms[token] = byDoc
			}
			byDoc[i]++
		}
	}
	return r
}

// Retrieve returns the best-matching documents joined by blank lines.
func (r *KeywordRetriever) Retrieve(ctx context.Context, query string) (string, error) {
	scores := make(map[int]int)
	for _, token := range tokenize(query) {
		for docIdx, count := range r.terms[token] {
			scores[docIdx] += count
		}
	}
	if len(scores) == 0 {
		return "", nil
	}
	ranked := make([]int, 0, len(scores))
	for docIdx := range scores {
		ranked = append(ranked, docIdx)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] > scores[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	if len(ranked) > r.topK {
		ranked = ranked[:r.topK]
	}
	parts := make([]string, 0, len(ranked))
	for _, docIdx := range ranked {
		parts = append(parts, r.docs[docIdx].Content)
	}
	return strings.Join(parts, "\n\n"), nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && !(r >= 0x00C0)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
