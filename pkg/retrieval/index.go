package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgeworks/anvil/pkg/errors"
)

// storedDoc carries a document plus its derived term statistics.
type storedDoc struct {
	doc    Document
	terms  map[string]int
	tokens int
	seq    int // insertion order, ties in Query prefer lower seq
}

// Index is a lightweight term-frequency index over ingested text artifacts.
// Queries rank documents by TF-IDF cosine similarity. The corpus is
// append-only: history is ground truth for future runs.
type Index struct {
	mu     sync.RWMutex
	docs   []*storedDoc
	byID   map[string]*storedDoc
	df     map[string]int // document frequency per term
	store  corpusStore    // optional durable corpus, nil for memory-only
	logger *zap.Logger
}

// corpusStore persists ingested documents. Persistence failures degrade to
// memory-only operation and are never fatal to a run.
type corpusStore interface {
	append(ctx context.Context, doc Document) error
	loadAll(ctx context.Context) ([]Document, error)
	close() error
}

// NewIndex creates an in-memory index.
func NewIndex(logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		byID:   make(map[string]*storedDoc),
		df:     make(map[string]int),
		logger: logger.With(zap.String("component", "retrieval_index")),
	}
}

// Ingest appends a document and its term-frequency vector. The empty text
// and duplicate IDs are rejected; documents are never edited afterwards.
func (x *Index) Ingest(ctx context.Context, doc Document) error {
	if err := errors.CheckContext(ctx, "ingest document"); err != nil {
		return err
	}
	if doc.ID == "" {
		return errors.New(errors.InvalidInput, "document ID is required")
	}
	if strings.TrimSpace(doc.Text) == "" {
		return errors.WithFields(
			errors.New(errors.InvalidInput, "document text is empty"),
			errors.Fields{"doc_id": doc.ID})
	}
	if doc.AddedAt.IsZero() {
		doc.AddedAt = time.Now()
	}

	x.mu.Lock()
	if _, exists := x.byID[doc.ID]; exists {
		x.mu.Unlock()
		return errors.WithFields(
			errors.New(errors.InvalidInput, "document already ingested"),
			errors.Fields{"doc_id": doc.ID})
	}
	x.appendLocked(doc)
	x.mu.Unlock()

	if x.store != nil {
		if err := x.store.append(ctx, doc); err != nil {
			x.logger.Warn("corpus persistence failed, continuing in memory",
				zap.String("doc_id", doc.ID), zap.Error(err))
		}
	}
	return nil
}

// appendLocked indexes the document. Caller holds the write lock.
func (x *Index) appendLocked(doc Document) {
	tokens := tokenize(doc.Text)
	sd := &storedDoc{
		doc:    doc,
		terms:  termFrequencies(tokens),
		tokens: len(tokens),
		seq:    len(x.docs),
	}
	x.docs = append(x.docs, sd)
	x.byID[doc.ID] = sd
	for term := range sd.terms {
		x.df[term]++
	}
}

// Query returns the top-k documents by descending cosine similarity to the
// query text. Ties are broken by insertion order, oldest first, preferring
// established knowledge over recent unvalidated ingestions. An empty corpus
// yields an empty result without error; documents with zero similarity are
// not returned.
func (x *Index) Query(ctx context.Context, text string, k int) ([]Result, error) {
	if err := errors.CheckContext(ctx, "query index"); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	qTokens := tokenize(text)
	if len(qTokens) == 0 {
		return nil, nil
	}
	qTF := termFrequencies(qTokens)

	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.docs) == 0 {
		return nil, nil
	}

	n := float64(len(x.docs))
	qVec := make(map[string]float64, len(qTF))
	var qNorm float64
	for term, count := range qTF {
		w := (float64(count) / float64(len(qTokens))) * x.idfLocked(term, n)
		qVec[term] = w
		qNorm += w * w
	}
	qNorm = math.Sqrt(qNorm)
	if qNorm == 0 {
		qNorm = 1
	}

	results := make([]Result, 0, len(x.docs))
	for _, sd := range x.docs {
		score := x.scoreLocked(sd, qVec, qNorm, n)
		if score > 0 {
			results = append(results, Result{Document: sd.doc, Score: score})
		}
	}

	// Stable sort on a slice already in insertion order implements the
	// oldest-first tie-break.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// idfLocked returns the smoothed inverse document frequency for term. The
// smoothing keeps the weight of a term that appears in every document (or
// in the only document) above zero, so an exact match against a one-entry
// corpus still ranks.
func (x *Index) idfLocked(term string, n float64) float64 {
	df := x.df[term]
	if df == 0 {
		df = 1
	}
	return math.Log(1 + n/float64(df))
}

// scoreLocked computes TF-IDF cosine similarity over the query's terms.
func (x *Index) scoreLocked(sd *storedDoc, qVec map[string]float64, qNorm, n float64) float64 {
	if sd.tokens == 0 {
		return 0
	}
	var dot, dNorm float64
	for term, qw := range qVec {
		count, ok := sd.terms[term]
		if !ok {
			continue
		}
		dw := (float64(count) / float64(sd.tokens)) * x.idfLocked(term, n)
		dot += qw * dw
		dNorm += dw * dw
	}
	if dot == 0 {
		return 0
	}
	dNorm = math.Sqrt(dNorm)
	if dNorm == 0 {
		dNorm = 1
	}
	return dot / (qNorm * dNorm)
}

// Contextualize formats the top-k matches as a grounding block for prompt
// injection. Returns the empty string when nothing matches.
func (x *Index) Contextualize(ctx context.Context, text string, k int) (string, error) {
	results, err := x.Query(ctx, text, k)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	parts := make([]string, 0, len(results))
	for _, r := range results {
		snippet := r.Document.Text
		if len(snippet) > 400 {
			snippet = snippet[:400]
		}
		snippet = strings.ReplaceAll(snippet, "\n", " ")
		parts = append(parts, fmt.Sprintf("[DOC %s S=%.4f] %s", r.Document.ID, r.Score, snippet))
	}
	return strings.Join(parts, "\n"), nil
}

// Len returns the corpus size.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Close releases the durable corpus, if any.
func (x *Index) Close() error {
	if x.store == nil {
		return nil
	}
	return x.store.close()
}
