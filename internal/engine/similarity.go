package engine

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/lazypower/engram/internal/store"
)

// Match is one similarity-index hit.
type Match struct {
	MemoryID   string
	Similarity float64
}

// SimilarityIndex returns memories whose embeddings are at least floor-similar
// to the query, best first.
type SimilarityIndex interface {
	Query(ctx context.Context, userID string, embedding []float64, floor float64) ([]Match, error)
}

// Embedder turns memory text into a vector. Ingest uses it only when the
// extraction arrives without an embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// VectorSource is the read side CosineIndex scans.
type VectorSource interface {
	ActiveVectors(ctx context.Context, userID string) ([]store.VectorRecord, error)
}

// CosineIndex is a brute-force index over the embeddings stored with each
// active memory.
type CosineIndex struct {
	Source VectorSource
}

// NewCosineIndex creates an index backed by src.
func NewCosineIndex(src VectorSource) *CosineIndex {
	return &CosineIndex{Source: src}
}

// Query scores every active embedding for the user against embedding.
func (c *CosineIndex) Query(ctx context.Context, userID string, embedding []float64, floor float64) ([]Match, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}

	vectors, err := c.Source.ActiveVectors(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load vectors: %w", err)
	}

	var matches []Match
	for _, v := range vectors {
		sim := CosineSimilarity(embedding, v.Embedding)
		if sim >= floor && sim > 0 {
			matches = append(matches, Match{MemoryID: v.MemoryID, Similarity: sim})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].MemoryID < matches[j].MemoryID
	})
	return matches, nil
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched or empty vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
