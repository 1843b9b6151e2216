package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "001_pgvector_extension",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error
			},
			Rollback: func(tx *gorm.DB) error {
				return nil
			},
		},
		{
			ID: "002_discussion_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&DiscussionRow{}, &MessageRow{}, &ClusterRow{}, &ParticipantRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("participants", "clusters", "messages", "discussions")
			},
		},
		{
			ID: "003_embedding_cache",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&EmbeddingRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("embedding_cache")
			},
		},
	})
	return m.Migrate()
}
