package embedding

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/concord/internal/retry"
	"github.com/thebtf/concord/pkg/models"
)

// ServiceConfig tunes how the service calls its model.
type ServiceConfig struct {
	Retry retry.Policy
	// Timeout bounds a single model call; zero means no extra bound.
	Timeout time.Duration
}

// Stats counts cache effectiveness.
type Stats struct {
	Model  string `json:"model"`
	Hits   int64  `json:"hits"`
	Misses int64  `json:"misses"`
}

// Service provides cache-backed, thread-safe text embedding.
// Every failure of the underlying model is wrapped in models.ErrCollaboratorUnavailable.
type Service struct {
	model  EmbeddingModel
	cache  Cache
	group  singleflight.Group
	config ServiceConfig
	logger zerolog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// NewService wraps model with cache. A nil cache gets an in-memory one.
func NewService(model EmbeddingModel, cache Cache, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Service{
		model:  model,
		cache:  cache,
		config: cfg,
		logger: logger.With().Str("component", "embedding").Logger(),
	}
}

// NewServiceWithModel builds the service around a model from the default registry.
func NewServiceWithModel(version string, opts Options, cache Cache, cfg ServiceConfig, logger zerolog.Logger) (*Service, error) {
	model, err := GetModel(version, opts)
	if err != nil {
		return nil, fmt.Errorf("get model %s: %w", version, err)
	}
	return NewService(model, cache, cfg, logger), nil
}

// Name returns the human-readable model name.
func (s *Service) Name() string {
	return s.model.Name()
}

// Version returns the model version used to tag cache entries.
func (s *Service) Version() string {
	return s.model.Version()
}

// Dimensions returns the embedding vector size.
func (s *Service) Dimensions() int {
	return s.model.Dimensions()
}

// Stats returns cache hit and miss counters.
func (s *Service) Stats() Stats {
	return Stats{Model: s.model.Version(), Hits: s.hits.Load(), Misses: s.misses.Load()}
}

// Embed returns the embedding of text, consulting the cache first. Concurrent
// requests for the same text share one model call.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	key := CacheKey(s.model.Version(), text)
	if vec, ok := s.lookup(ctx, key); ok {
		return vec, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		var vec []float32
		err := retry.Do(ctx, s.config.Retry, func(ctx context.Context) error {
			callCtx, cancel := s.callContext(ctx)
			defer cancel()
			var err error
			vec, err = s.model.Embed(callCtx, text)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(vec) == 0 {
			return nil, fmt.Errorf("model %s returned an empty vector", s.model.Version())
		}
		s.store(ctx, key, vec)
		return vec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %w", models.ErrCollaboratorUnavailable, err)
	}
	return slices.Clone(v.([]float32)), nil
}

// EmbedBatch embeds texts in order. Cached texts are served from the cache and
// the rest go to the model in a single batch call.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	pending := make(map[string][]int)
	var missTexts, missKeys []string

	for i, text := range texts {
		keys[i] = CacheKey(s.model.Version(), text)
		if idx, ok := pending[keys[i]]; ok {
			pending[keys[i]] = append(idx, i)
			continue
		}
		if vec, ok := s.lookup(ctx, keys[i]); ok {
			out[i] = vec
			continue
		}
		pending[keys[i]] = []int{i}
		missTexts = append(missTexts, text)
		missKeys = append(missKeys, keys[i])
	}

	if len(missTexts) > 0 {
		var vecs [][]float32
		err := retry.Do(ctx, s.config.Retry, func(ctx context.Context) error {
			callCtx, cancel := s.callContext(ctx)
			defer cancel()
			var err error
			vecs, err = s.model.EmbedBatch(callCtx, missTexts)
			return err
		})
		if err == nil && len(vecs) != len(missTexts) {
			err = fmt.Errorf("model %s returned %d vectors for %d texts", s.model.Version(), len(vecs), len(missTexts))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: embed batch: %w", models.ErrCollaboratorUnavailable, err)
		}
		for j, key := range missKeys {
			s.store(ctx, key, vecs[j])
			for _, i := range pending[key] {
				out[i] = slices.Clone(vecs[j])
			}
		}
	}

	return out, nil
}

// Close releases model resources.
func (s *Service) Close() error {
	return s.model.Close()
}

func (s *Service) lookup(ctx context.Context, key string) ([]float32, bool) {
	vec, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Embedding cache read failed")
	}
	if ok {
		s.hits.Add(1)
		return vec, true
	}
	s.misses.Add(1)
	return nil, false
}

func (s *Service) store(ctx context.Context, key string, vec []float32) {
	if err := s.cache.Put(ctx, key, vec); err != nil {
		s.logger.Warn().Err(err).Msg("Embedding cache write failed")
	}
}

func (s *Service) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.Timeout > 0 {
		return context.WithTimeout(ctx, s.config.Timeout)
	}
	return context.WithCancel(ctx)
}
