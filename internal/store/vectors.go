package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// VectorRecord is a memory's embedding as read by a similarity scan.
type VectorRecord struct {
	MemoryID  string
	Embedding []float64
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
// A nil or empty vector is stored as NULL.
func encodeEmbedding(vec []float64) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	if n == 0 {
		return nil
	}
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// ActiveVectors returns the embeddings of a user's active memories.
func (db *DB) ActiveVectors(ctx context.Context, userID string) ([]VectorRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, embedding FROM memories
		WHERE user_id = ? AND archived = 0 AND embedding IS NOT NULL
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("active vectors: %w", err)
	}
	defer rows.Close()

	var records []VectorRecord
	for rows.Next() {
		var v VectorRecord
		var blob []byte
		if err := rows.Scan(&v.MemoryID, &blob); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v.Embedding = decodeEmbedding(blob)
		records = append(records, v)
	}
	return records, rows.Err()
}
