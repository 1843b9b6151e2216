// Package db defines the storage contracts shared by the concord backends.
package db

import (
	"context"

	"github.com/thebtf/concord/pkg/models"
)

// DiscussionReader loads saved discussions.
type DiscussionReader interface {
	// LoadDiscussion returns the most recently saved discussion, or nil when
	// nothing has been saved yet.
	LoadDiscussion(ctx context.Context) (*models.Discussion, error)
}

// DiscussionWriter saves discussion snapshots. Saving the same discussion id
// again replaces the previous snapshot.
type DiscussionWriter interface {
	SaveDiscussion(ctx context.Context, d *models.Discussion) error
}

// DiscussionStore combines read and write operations for discussions.
type DiscussionStore interface {
	DiscussionReader
	DiscussionWriter
}

// EmbeddingCache stores vectors by cache key. Keys already encode the model
// version, so entries written by another model are never returned.
type EmbeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Put(ctx context.Context, key string, vec []float32) error
}

// Backend is a complete storage backend.
type Backend interface {
	DiscussionStore
	EmbeddingCache
	Ping(ctx context.Context) error
	Close() error
}
