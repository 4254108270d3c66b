// Package embed turns cases and strategy notes into vectors for
// similarity retrieval. A deterministic hashing embedder is always
// available; an OpenAI-backed embedder is used when an API key is set.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sentinel-ew/sentinel/internal/models"
)

// Embedder converts text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Dim() int
}

// CaseText renders the retrieval text for a normalized case. Reviewer
// notes from a request_more_evidence cycle are appended so the
// re-evaluation query shifts toward what the reviewer asked about.
func CaseText(nc *models.NormalizedCase, reviewerNotes string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s pathogen=%s", nc.Country, nc.City, orUnknown(nc.PathogenLabel))
	fmt.Fprintf(&b, " novelty=%.2f lineage=%.2f anomaly=%.2f", nc.Genomic.MutationNovelty, nc.Genomic.LineageDeviation, nc.EpiOsint.AnomalyScore)
	fmt.Fprintf(&b, " hub=%.2f density=%.2f border=%.2f", nc.Geo.TravelHubScore, nc.Geo.PopDensityScore, nc.Geo.BorderConnect)
	for _, snippet := range nc.EpiOsint.NewsSnippets {
		b.WriteString(" ")
		b.WriteString(snippet)
	}
	if reviewerNotes != "" {
		b.WriteString(" reviewer: ")
		b.WriteString(reviewerNotes)
	}
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// HashEmbedder is a deterministic feature-hashing embedder. The same
// text always maps to the same unit vector, which keeps offline runs
// and tests reproducible without a model call.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a hashing embedder with the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

// Dim returns the vector dimension.
func (h *HashEmbedder) Dim() int { return h.dim }

// Embed hashes each token into a bucket with a signed weight, then
// L2-normalizes the result.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, h.dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		digest := sha256.Sum256([]byte(token))
		idx := int(binary.BigEndian.Uint32(digest[:4])) % h.dim
		sign := 1.0
		if digest[4]%2 == 1 {
			sign = -1.0
		}
		weight := 1.0 + float64(digest[5])/255.0
		vec[idx] += sign * weight
	}
	return normalize(vec), nil
}

// OpenAIEmbedder embeds text via the OpenAI embeddings API and fits the
// result to the configured dimension.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dim    int
}

// NewOpenAIEmbedder creates an embedder backed by the OpenAI API. An
// empty model selects text-embedding-3-small.
func NewOpenAIEmbedder(apiKey, model string, dim int) *OpenAIEmbedder {
	m := openai.SmallEmbedding3
	if model != "" {
		m = openai.EmbeddingModel(model)
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  m,
		dim:    dim,
	}
}

// Dim returns the vector dimension.
func (o *OpenAIEmbedder) Dim() int { return o.dim }

// Embed requests one embedding and truncates or pads it to Dim.
func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: o.model,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response is empty")
	}
	raw := resp.Data[0].Embedding
	vec := make([]float64, len(raw))
	for i, v := range raw {
		vec[i] = float64(v)
	}
	return FitDim(vec, o.dim), nil
}

// FitDim truncates or zero-pads a vector to dim, renormalizing after a
// truncation so cosine comparisons stay meaningful.
func FitDim(vec []float64, dim int) []float64 {
	if len(vec) == dim {
		return vec
	}
	out := make([]float64, dim)
	copy(out, vec)
	if len(vec) > dim {
		return normalize(out)
	}
	return out
}

// Cosine returns the cosine similarity between two vectors, 0 when
// either has no magnitude or the dimensions differ.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func normalize(vec []float64) []float64 {
	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
