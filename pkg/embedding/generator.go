package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/amara/lorekeep/internal/observability"
	"github.com/amara/lorekeep/pkg/lorekeep"
)

// Channel weight defaults used when building combined reference vectors
const (
	DefaultVisualWeight   = 0.6
	DefaultSemanticWeight = 0.4
)

// GeneratorConfig configures a Generator. Text and Visual providers must
// produce vectors of the same dimension for combined embeddings to work.
type GeneratorConfig struct {
	Text              TextProvider
	Visual            VisualProvider
	Cache             *Cache
	Retry             RetryConfig
	Logger            zerolog.Logger
	VisualConcurrency int // parallel image embeds per batch, default 4
}

// Generator turns entity content into fixed-dimension vectors through
// remote providers, consulting the cache before every provider call and
// retrying transient failures.
type Generator struct {
	text        TextProvider
	visual      VisualProvider
	cache       *Cache
	retry       RetryConfig
	logger      zerolog.Logger
	concurrency int
}

// NewGenerator creates a Generator
func NewGenerator(cfg GeneratorConfig) *Generator {
	observability.EnsureRegistered()

	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialInterval == 0 {
		retry = DefaultRetryConfig()
	}
	concurrency := cfg.VisualConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewCache()
	}

	return &Generator{
		text:        cfg.Text,
		visual:      cfg.Visual,
		cache:       cache,
		retry:       retry,
		logger:      cfg.Logger,
		concurrency: concurrency,
	}
}

// Cache returns the generator's embedding cache
func (g *Generator) Cache() *Cache {
	return g.cache
}

// Fingerprint derives the cache key for a content payload on a channel
func Fingerprint(channel, payload string) string {
	sum := sha256.Sum256([]byte(channel + "|" + payload))
	return hex.EncodeToString(sum[:])
}

// GenerateTextEmbedding embeds a text description. Empty or blank text is
// a validation error.
func (g *Generator) GenerateTextEmbedding(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, lorekeep.NewValidationError("text", "text must not be empty")
	}
	if g.text == nil {
		return nil, lorekeep.NewValidationError("provider", "no text embedding provider configured")
	}

	key := Fingerprint("semantic", text)
	if vec, ok := g.cache.Get(key); ok {
		observability.RecordCacheEvent(true)
		return vec, nil
	}
	observability.RecordCacheEvent(false)

	start := time.Now()
	vec, err := RetryWithResult(ctx, g.retry, func() ([]float32, error) {
		return g.text.EmbedText(ctx, text)
	})
	observability.RecordEmbeddingCall("semantic", time.Since(start), err == nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Text embedding failed")
		return nil, err
	}

	g.cache.Set(key, vec, 0)
	return vec, nil
}

// GenerateVisualEmbedding embeds a single image URL
func (g *Generator) GenerateVisualEmbedding(ctx context.Context, imageURL string) ([]float32, error) {
	if strings.TrimSpace(imageURL) == "" {
		return nil, lorekeep.NewValidationError("imageUrl", "image URL must not be empty")
	}
	if g.visual == nil {
		return nil, lorekeep.NewValidationError("provider", "no visual embedding provider configured")
	}

	key := Fingerprint("visual", imageURL)
	if vec, ok := g.cache.Get(key); ok {
		observability.RecordCacheEvent(true)
		return vec, nil
	}
	observability.RecordCacheEvent(false)

	start := time.Now()
	vec, err := RetryWithResult(ctx, g.retry, func() ([]float32, error) {
		return g.visual.EmbedImage(ctx, imageURL)
	})
	observability.RecordEmbeddingCall("visual", time.Since(start), err == nil)
	if err != nil {
		g.logger.Warn().Err(err).Str("imageUrl", imageURL).Msg("Visual embedding failed")
		return nil, err
	}

	g.cache.Set(key, vec, 0)
	return vec, nil
}

// GenerateVisualEmbeddingsBatch embeds each URL, preserving input order.
// Embeds run in parallel with bounded concurrency; each call keeps its own
// retry budget.
func (g *Generator) GenerateVisualEmbeddingsBatch(ctx context.Context, imageURLs []string) ([][]float32, error) {
	if len(imageURLs) == 0 {
		return nil, lorekeep.NewValidationError("imageUrls", "at least one image URL is required")
	}

	vectors := make([][]float32, len(imageURLs))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)

	for i, url := range imageURLs {
		eg.Go(func() error {
			vec, err := g.GenerateVisualEmbedding(egCtx, url)
			if err != nil {
				return err
			}
			vectors[i] = vec
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// GenerateCombinedEmbedding builds a weighted combination of the visual
// channel (from imageURLs, omitted when empty) and the semantic channel
// (from text, omitted when blank). A single present channel receives full
// weight. When both channels are requested and one fails, the surviving
// channel is kept at full weight rather than aborting.
func (g *Generator) GenerateCombinedEmbedding(ctx context.Context, imageURLs []string, text string, visualWeight, semanticWeight float64) ([]float32, error) {
	hasVisual := len(imageURLs) > 0
	hasSemantic := strings.TrimSpace(text) != ""
	if !hasVisual && !hasSemantic {
		return nil, lorekeep.NewValidationError("input", "at least one of image URLs or text is required")
	}
	if visualWeight <= 0 && semanticWeight <= 0 {
		visualWeight, semanticWeight = DefaultVisualWeight, DefaultSemanticWeight
	}

	var visualVec, semanticVec []float32
	var visualErr, semanticErr error

	if hasVisual {
		var vectors [][]float32
		vectors, visualErr = g.GenerateVisualEmbeddingsBatch(ctx, imageURLs)
		if visualErr == nil {
			visualVec, visualErr = meanVector(vectors)
		}
	}
	if hasSemantic {
		semanticVec, semanticErr = g.GenerateTextEmbedding(ctx, text)
	}

	switch {
	case visualVec != nil && semanticVec != nil:
		return weightedMean(visualVec, semanticVec, visualWeight, semanticWeight)
	case visualVec != nil:
		if semanticErr != nil {
			g.logger.Warn().Err(semanticErr).Msg("Semantic channel failed, using visual only")
		}
		return NormalizeVector(visualVec), nil
	case semanticVec != nil:
		if visualErr != nil {
			g.logger.Warn().Err(visualErr).Msg("Visual channel failed, using semantic only")
		}
		return NormalizeVector(semanticVec), nil
	default:
		if visualErr != nil {
			return nil, fmt.Errorf("combined embedding failed: %w", visualErr)
		}
		return nil, fmt.Errorf("combined embedding failed: %w", semanticErr)
	}
}
