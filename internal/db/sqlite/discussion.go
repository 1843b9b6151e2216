package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/thebtf/concord/pkg/models"
)

// SaveDiscussion upserts the snapshot of d.
func (s *Store) SaveDiscussion(ctx context.Context, d *models.Discussion) error {
	blob, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode discussion: %w", err)
	}
	const query = `
		INSERT INTO discussions (id, topic, snapshot, message_count, created_at, updated_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			topic = excluded.topic,
			snapshot = excluded.snapshot,
			message_count = excluded.message_count,
			updated_at_epoch = excluded.updated_at_epoch`
	_, err = s.execContext(ctx, query,
		d.ID, d.Topic, blob, len(d.Messages),
		d.CreatedAt.Format(time.RFC3339Nano), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save discussion %s: %w", d.ID, err)
	}
	return nil
}

// LoadDiscussion returns the most recently saved discussion, or nil.
func (s *Store) LoadDiscussion(ctx context.Context) (*models.Discussion, error) {
	var blob []byte
	err := s.queryRowContext(ctx,
		"SELECT snapshot FROM discussions ORDER BY updated_at_epoch DESC LIMIT 1",
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load discussion: %w", err)
	}

	var d models.Discussion
	if err := json.Unmarshal(blob, &d); err != nil {
		return nil, fmt.Errorf("decode discussion: %w", err)
	}
	return &d, nil
}
