// Package retrieval builds ranked context for agent prompts from three
// vector indices: normalized case history, a static past-outbreak
// corpus, and strategy memory.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/sentinel-ew/sentinel/internal/embed"
	"github.com/sentinel-ew/sentinel/internal/store"
)

// Snippet is one retrieved context item.
type Snippet struct {
	Source     string  `json:"source"`
	Ref        string  `json:"ref,omitempty"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// Source names as they appear on snippets.
const (
	SourceCaseHistory = "case_history"
	SourceCorpus      = "outbreak_corpus"
	SourceStrategy    = "strategy_memory"
)

// Source is one queryable vector index. A source that cannot serve a
// query returns an error; the engine treats that as an empty result.
type Source interface {
	Name() string
	Search(ctx context.Context, query []float64, k int) ([]Snippet, error)
}

// Reranker reorders merged snippets for a query. The default orders by
// similarity alone.
type Reranker interface {
	Rerank(snippets []Snippet, queryText string) []Snippet
}

// SimilarityReranker sorts snippets by descending similarity.
type SimilarityReranker struct{}

// Rerank implements Reranker.
func (SimilarityReranker) Rerank(snippets []Snippet, _ string) []Snippet {
	sort.SliceStable(snippets, func(i, j int) bool {
		return snippets[i].Similarity > snippets[j].Similarity
	})
	return snippets
}

// Engine queries all sources, merges and deduplicates the hits.
type Engine struct {
	sources  []Source
	reranker Reranker
}

// NewEngine creates a retrieval engine over the given sources.
func NewEngine(reranker Reranker, sources ...Source) *Engine {
	if reranker == nil {
		reranker = SimilarityReranker{}
	}
	return &Engine{sources: sources, reranker: reranker}
}

// Retrieve returns up to kPerSource hits from each source, merged,
// deduplicated by content hash and reranked. An unavailable source
// degrades context quality but never fails the call.
func (e *Engine) Retrieve(ctx context.Context, query []float64, queryText string, kPerSource int) []Snippet {
	seen := make(map[string]bool)
	var merged []Snippet
	for _, src := range e.sources {
		hits, err := src.Search(ctx, query, kPerSource)
		if err != nil {
			log.Printf("retrieval: source %s unavailable: %v", src.Name(), err)
			continue
		}
		for _, hit := range hits {
			key := contentHash(hit.Text)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, hit)
		}
	}
	return e.reranker.Rerank(merged, queryText)
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// CaseHistorySource searches previously processed cases. The query
// case itself and any case dated after it are filtered out so a case
// never retrieves itself or the future.
type CaseHistorySource struct {
	store   *store.Store
	maxScan int
}

// NewCaseHistorySource creates the case-history index over the store.
func NewCaseHistorySource(s *store.Store, maxScan int) *CaseHistorySource {
	if maxScan <= 0 {
		maxScan = 500
	}
	return &CaseHistorySource{store: s, maxScan: maxScan}
}

// Name implements Source.
func (c *CaseHistorySource) Name() string { return SourceCaseHistory }

// Query bundles the per-call filters for a case-history search.
type Query struct {
	Embedding     []float64
	ExcludeCaseID string
	Before        time.Time
}

// Search implements Source using the plain embedding with no filters.
func (c *CaseHistorySource) Search(ctx context.Context, query []float64, k int) ([]Snippet, error) {
	return c.SearchFiltered(ctx, Query{Embedding: query}, k)
}

// Filtered returns a Source view with self and date exclusion applied
// to every search. Used per case so a case never retrieves itself.
func (c *CaseHistorySource) Filtered(excludeCaseID string, before time.Time) Source {
	return &filteredHistory{src: c, excludeID: excludeCaseID, before: before}
}

type filteredHistory struct {
	src       *CaseHistorySource
	excludeID string
	before    time.Time
}

func (f *filteredHistory) Name() string { return SourceCaseHistory }

func (f *filteredHistory) Search(ctx context.Context, query []float64, k int) ([]Snippet, error) {
	return f.src.SearchFiltered(ctx, Query{Embedding: query, ExcludeCaseID: f.excludeID, Before: f.before}, k)
}

// SearchFiltered searches case history with self and date exclusion.
func (c *CaseHistorySource) SearchFiltered(_ context.Context, q Query, k int) ([]Snippet, error) {
	vectors, err := c.store.ScanCaseVectors(c.maxScan)
	if err != nil {
		return nil, fmt.Errorf("scan case history: %w", err)
	}

	var hits []Snippet
	for _, cv := range vectors {
		if cv.CaseID == q.ExcludeCaseID {
			continue
		}
		if !q.Before.IsZero() && cv.Date.After(q.Before) {
			continue
		}
		sim := embed.Cosine(q.Embedding, cv.Embedding)
		if sim <= 0 {
			continue
		}
		pathogen := cv.Pathogen
		if pathogen == "" {
			pathogen = "unknown"
		}
		hits = append(hits, Snippet{
			Source:     SourceCaseHistory,
			Ref:        cv.CaseID,
			Text:       fmt.Sprintf("prior case %s: %s, %s, pathogen %s (%s)", cv.CaseID, cv.City, cv.Country, pathogen, cv.Date.Format("2006-01-02")),
			Similarity: sim,
		})
	}
	return topK(hits, k), nil
}

// StrategyMemorySource searches learned heuristics from past runs.
type StrategyMemorySource struct {
	store   *store.Store
	maxScan int
}

// NewStrategyMemorySource creates the strategy-memory index.
func NewStrategyMemorySource(s *store.Store, maxScan int) *StrategyMemorySource {
	if maxScan <= 0 {
		maxScan = 200
	}
	return &StrategyMemorySource{store: s, maxScan: maxScan}
}

// Name implements Source.
func (m *StrategyMemorySource) Name() string { return SourceStrategy }

// Search implements Source.
func (m *StrategyMemorySource) Search(_ context.Context, query []float64, k int) ([]Snippet, error) {
	entries, err := m.store.ScanStrategyMemory(m.maxScan)
	if err != nil {
		return nil, fmt.Errorf("scan strategy memory: %w", err)
	}

	var hits []Snippet
	for _, e := range entries {
		sim := embed.Cosine(query, e.Embedding)
		if sim <= 0 {
			continue
		}
		hits = append(hits, Snippet{
			Source:     SourceStrategy,
			Ref:        e.ID,
			Text:       e.Note,
			Similarity: sim,
		})
	}
	return topK(hits, k), nil
}

func topK(hits []Snippet, k int) []Snippet {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
