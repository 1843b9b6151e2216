// Package main provides the entry point for the concord worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	gormlogger "gorm.io/gorm/logger"

	"github.com/thebtf/concord/internal/cluster"
	"github.com/thebtf/concord/internal/config"
	"github.com/thebtf/concord/internal/consensus"
	"github.com/thebtf/concord/internal/db"
	"github.com/thebtf/concord/internal/db/gorm"
	"github.com/thebtf/concord/internal/db/redis"
	"github.com/thebtf/concord/internal/db/sqlite"
	"github.com/thebtf/concord/internal/discussion"
	"github.com/thebtf/concord/internal/embedding"
	"github.com/thebtf/concord/internal/llm"
	"github.com/thebtf/concord/internal/representative"
	"github.com/thebtf/concord/internal/retry"
	"github.com/thebtf/concord/internal/scheduler"
	"github.com/thebtf/concord/internal/telemetry"
	"github.com/thebtf/concord/internal/worker"
	"github.com/thebtf/concord/internal/worker/sse"
)

var Version = "dev"

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	_ = godotenv.Load(".env")

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("version", Version).
		Msg("Starting concord worker")

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare data directory")
	}
	cfg := config.Get()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := openBackend(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}

	embedder, err := newEmbedder(ctx, cfg, backend)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create embedding service")
	}

	generator, err := newGenerator(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create text generator")
	}

	session := discussion.NewSession(backend, log.Logger)
	if restored, err := session.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore saved discussion")
	} else if restored {
		log.Info().Msg("Restored saved discussion")
	}

	manager := cluster.NewManager(session, embedder, generator, clusterConfig(cfg), log.Logger)

	metrics, err := telemetry.New(session)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register metrics")
	}
	clusters := metrics.Instrument(manager)

	selector := representative.NewSelector(session, generator, cfg.JudgeConcurrency, log.Logger)

	events := sse.NewBroadcaster()
	evaluator := consensus.NewEvaluator(embedder, generator, thresholds(cfg), log.Logger)
	evaluator.Subscribe(events)
	evaluator.Subscribe(metrics)

	sched := scheduler.NewScheduler(session, clusters, selector, evaluator, scheduler.SchedulerConfig{
		BootstrapInterval:    cfg.BootstrapInterval,
		ConsensusInterval:    cfg.ConsensusInterval,
		MinBootstrapMessages: cfg.MinBootstrapMessages,
	}, log.Logger)
	go sched.Start(ctx)

	go func() {
		err := config.Watch(ctx, config.SettingsPath(), log.Logger, func(next *config.Config) {
			if err := evaluator.SetThresholds(thresholds(next)); err != nil {
				log.Warn().Err(err).Msg("Ignoring invalid consensus thresholds")
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("Settings watcher stopped")
		}
	}()

	svc := worker.NewService(session, clusters, selector, evaluator, events, worker.Options{
		Version:        Version,
		Addr:           net.JoinHostPort(cfg.WorkerHost, strconv.Itoa(cfg.WorkerPort)),
		Metrics:        metrics.Handler(),
		EmbeddingStats: embedder.Stats,
	})

	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start service")
	}
	svc.SetReady()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Received shutdown signal")
	cancel()
	sched.Stop()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
	if err := embedder.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close embedding model")
	}
	if err := backend.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close storage")
	}

	log.Info().Msg("Worker shutdown complete")
}

// openBackend picks PostgreSQL when configured with a DSN, SQLite otherwise.
func openBackend(cfg *config.Config) (db.Backend, error) {
	if cfg.Storage == config.StoragePostgres {
		if cfg.DatabaseDSN == "" {
			return nil, fmt.Errorf("storage %q requires DATABASE_DSN", cfg.Storage)
		}
		log.Info().Msg("Using PostgreSQL storage")
		return gorm.NewStore(gorm.Config{
			DSN:      cfg.DatabaseDSN,
			MaxConns: cfg.MaxConns,
			LogLevel: gormlogger.Silent,
		})
	}

	log.Info().Str("path", cfg.DBPath).Msg("Using SQLite storage")
	return sqlite.NewStore(sqlite.StoreConfig{
		Path:     cfg.DBPath,
		MaxConns: cfg.MaxConns,
		WALMode:  true,
	})
}

// newEmbedder layers an in-process cache over the optional Redis tier and the
// storage backend.
func newEmbedder(ctx context.Context, cfg *config.Config, backend db.Backend) (*embedding.Service, error) {
	tiers := []embedding.Cache{embedding.NewMemoryCache(0)}
	if cfg.RedisURL != "" {
		shared, err := redis.NewCache(ctx, redis.Config{URL: cfg.RedisURL})
		if err != nil {
			log.Warn().Err(err).Msg("Redis cache unavailable, continuing without it")
		} else {
			tiers = append(tiers, shared)
		}
	}
	tiers = append(tiers, backend)

	version := embedding.BuiltinModelVersion
	if cfg.EmbeddingProvider == config.ProviderOpenAI {
		version = embedding.OpenAIModelVersion
	}

	return embedding.NewServiceWithModel(version, embedding.Options{
		APIKey:            cfg.OpenAIAPIKey,
		BaseURL:           cfg.EmbeddingBaseURL,
		Model:             cfg.EmbeddingModel,
		Dimensions:        cfg.EmbeddingDimensions,
		Timeout:           cfg.CollaboratorTimeout,
		RequestsPerSecond: cfg.CollaboratorRate,
	}, embedding.NewTieredCache(tiers...), embedding.ServiceConfig{
		Retry:   retryPolicy(cfg),
		Timeout: cfg.CollaboratorTimeout,
	}, log.Logger)
}

func newGenerator(cfg *config.Config) (llm.Generator, error) {
	if cfg.LLMProvider != config.ProviderOpenAI {
		return llm.Heuristic{}, nil
	}

	chat, err := llm.NewOpenAIChat(llm.ChatConfig{
		APIKey:            cfg.OpenAIAPIKey,
		BaseURL:           cfg.ChatBaseURL,
		Model:             cfg.ChatModel,
		Timeout:           cfg.CollaboratorTimeout,
		RequestsPerSecond: cfg.CollaboratorRate,
	})
	if err != nil {
		return nil, err
	}

	var prompts *llm.Prompts
	if cfg.PromptFile != "" {
		if prompts, err = llm.LoadPrompts(cfg.PromptFile); err != nil {
			return nil, err
		}
	}

	genCfg := llm.DefaultGeneratorConfig()
	genCfg.Retry = retryPolicy(cfg)
	return llm.NewChatGenerator(chat, prompts, genCfg, log.Logger)
}

func retryPolicy(cfg *config.Config) retry.Policy {
	p := retry.DefaultPolicy()
	if cfg.CollaboratorRetries > 0 {
		p.Attempts = cfg.CollaboratorRetries
	}
	return p
}

func clusterConfig(cfg *config.Config) cluster.Config {
	c := cluster.DefaultConfig()
	c.Strategy = cluster.Strategy(cfg.BootstrapStrategy)
	c.MaxClusters = cfg.MaxClusters
	c.MinBootstrapMessages = cfg.MinBootstrapMessages
	c.AssignmentThreshold = cfg.AssignmentThreshold
	c.HierarchicalMinSimilarity = cfg.HierarchicalMinSimilarity
	c.LabelSimilarityLimit = cfg.LabelSimilarityLimit
	c.LabelMaxAttempts = cfg.LabelMaxAttempts
	c.Seed = cfg.KMeansSeed
	return c
}

func thresholds(cfg *config.Config) consensus.Thresholds {
	return consensus.Thresholds{
		MinSizeRatio:        cfg.ConsensusMinSizeRatio,
		MinParticipantRatio: cfg.ConsensusMinParticipantRatio,
		MaxSentimentStdDev:  cfg.ConsensusMaxSentimentStdDev,
		MinIntraSimilarity:  cfg.ConsensusMinIntraSimilarity,
	}
}
