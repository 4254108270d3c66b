package retrieval

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sentinel-ew/sentinel/internal/embed"
)

// CorpusEntry is one reference outbreak from the static corpus file.
type CorpusEntry struct {
	ID       string  `json:"id"`
	Pathogen string  `json:"pathogen"`
	Region   string  `json:"region"`
	Year     int     `json:"year"`
	Summary  string  `json:"summary"`
	Severity float64 `json:"severity"`
}

type corpusVector struct {
	entry     CorpusEntry
	text      string
	embedding []float64
}

// CorpusSource is the static past-outbreak index, loaded once at
// startup and embedded with the active embedder.
type CorpusSource struct {
	vectors []corpusVector
}

// LoadCorpus reads a JSONL corpus file and embeds each entry. A missing
// file yields an empty corpus, which is a valid degraded state.
func LoadCorpus(ctx context.Context, path string, embedder embed.Embedder) (*CorpusSource, error) {
	src := &CorpusSource{}
	if path == "" {
		return src, nil
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return src, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry CorpusEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("parse corpus line %d: %w", line, err)
		}
		text := fmt.Sprintf("%s outbreak, %s %d, severity %.1f: %s", entry.Pathogen, entry.Region, entry.Year, entry.Severity, entry.Summary)
		vec, err := embedder.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed corpus entry %s: %w", entry.ID, err)
		}
		src.vectors = append(src.vectors, corpusVector{entry: entry, text: text, embedding: vec})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	return src, nil
}

// Len reports how many corpus entries were loaded.
func (c *CorpusSource) Len() int { return len(c.vectors) }

// Name implements Source.
func (c *CorpusSource) Name() string { return SourceCorpus }

// Search implements Source.
func (c *CorpusSource) Search(_ context.Context, query []float64, k int) ([]Snippet, error) {
	var hits []Snippet
	for _, cv := range c.vectors {
		sim := embed.Cosine(query, cv.embedding)
		if sim <= 0 {
			continue
		}
		hits = append(hits, Snippet{
			Source:     SourceCorpus,
			Ref:        cv.entry.ID,
			Text:       cv.text,
			Similarity: sim,
		})
	}
	return topK(hits, k), nil
}
