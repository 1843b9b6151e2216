package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thebtf/concord/internal/db"
)

// Get returns the cached vector for key.
func (s *Store) Get(ctx context.Context, key string) ([]float32, bool, error) {
	var blob []byte
	err := s.queryRowContext(ctx,
		"SELECT vector FROM embedding_cache WHERE cache_key = ?", key,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get embedding: %w", err)
	}
	vec, err := db.DecodeVector(blob)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// Put stores vec under key, replacing any previous entry.
func (s *Store) Put(ctx context.Context, key string, vec []float32) error {
	_, err := s.execContext(ctx, `
		INSERT INTO embedding_cache (cache_key, dimensions, vector, created_at_epoch)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			dimensions = excluded.dimensions,
			vector = excluded.vector`,
		key, len(vec), db.EncodeVector(vec), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put embedding: %w", err)
	}
	return nil
}
