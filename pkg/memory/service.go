package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/amara/lorekeep/internal/observability"
	"github.com/amara/lorekeep/internal/tracing"
	"github.com/amara/lorekeep/pkg/consistency"
	"github.com/amara/lorekeep/pkg/embedding"
	"github.com/amara/lorekeep/pkg/genqueue"
	"github.com/amara/lorekeep/pkg/lorekeep"
	"github.com/amara/lorekeep/pkg/vectorindex"
)

// Error codes carried on Result envelopes
const (
	CodeValidation          = "validation_error"
	CodeProviderUnavailable = "provider_unavailable"
	CodeIndexOperation      = "index_operation_failed"
	CodeJobExecution        = "job_execution_failed"
	CodeAlreadyRunning      = "already_running"
	CodeInternal            = "internal_error"
)

// Result is the envelope every service operation returns. OK and Data
// are set on success; ErrorCode and Message on failure. RequestID ties
// the envelope back to the logs either way.
type Result struct {
	OK        bool        `json:"ok"`
	Data      interface{} `json:"data,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
	Message   string      `json:"message,omitempty"`
	RequestID string      `json:"request_id"`
}

// EntityStore supplies entity records owned by the entity-management
// subsystem. The service never writes through it.
type EntityStore interface {
	GetEntity(ctx context.Context, entityID string) (*lorekeep.Entity, error)
}

// SearchOptions configures SearchSimilarEntities
type SearchOptions struct {
	TopK     int     `json:"top_k"`
	BranchID string  `json:"branch_id,omitempty"`
	MinScore float64 `json:"min_score"`
}

// EntityMatch is one search hit
type EntityMatch struct {
	EntityID string  `json:"entity_id"`
	Score    float64 `json:"score"`
}

// EmbeddingSummary reports what GenerateEmbeddings produced
type EmbeddingSummary struct {
	EntityID string `json:"entity_id"`
	Visual   int    `json:"visual"`
	Semantic int    `json:"semantic"`
	Combined int    `json:"combined"`
}

// Config holds service configuration
type Config struct {
	Entities  EntityStore
	Generator *embedding.Generator
	Index     vectorindex.Index
	Scorer    *consistency.Scorer
	Processor *genqueue.Processor
	Logger    zerolog.Logger
}

// Service is the facade over the embedding, index, scoring and queue
// subsystems
type Service struct {
	entities  EntityStore
	generator *embedding.Generator
	index     vectorindex.Index
	scorer    *consistency.Scorer
	processor *genqueue.Processor
	logger    zerolog.Logger
}

// NewService creates the facade
func NewService(cfg Config) *Service {
	observability.EnsureRegistered()
	return &Service{
		entities:  cfg.Entities,
		generator: cfg.Generator,
		index:     cfg.Index,
		scorer:    cfg.Scorer,
		processor: cfg.Processor,
		logger:    cfg.Logger,
	}
}

// GenerateEmbeddings produces visual, semantic and combined reference
// vectors for an entity and upserts them into the index. Deterministic
// vector IDs make the call idempotent.
func (s *Service) GenerateEmbeddings(ctx context.Context, entityID string) Result {
	return s.run(ctx, "memory.generate_embeddings", func(ctx context.Context) (interface{}, error) {
		if entityID == "" {
			return nil, lorekeep.NewValidationError("entityId", "must not be empty")
		}

		entity, err := s.entities.GetEntity(ctx, entityID)
		if err != nil {
			return nil, fmt.Errorf("failed to load entity %s: %w", entityID, err)
		}
		if entity.Description == "" && len(entity.ImageURLs) == 0 {
			return nil, lorekeep.NewValidationError("entity", "has neither a description nor reference images")
		}

		now := time.Now()
		records := make([]vectorindex.Record, 0, len(entity.ImageURLs)+2)
		summary := EmbeddingSummary{EntityID: entityID}

		if len(entity.ImageURLs) > 0 {
			vectors, err := s.generator.GenerateVisualEmbeddingsBatch(ctx, entity.ImageURLs)
			if err != nil {
				return nil, err
			}
			for i, vector := range vectors {
				records = append(records, vectorindex.Record{
					ID:       lorekeep.RefVectorID(entityID, lorekeep.KindVisual, entity.ImageURLs[i]),
					Values:   vector,
					Metadata: s.vectorMetadata(entity, lorekeep.KindVisual),
				})
				summary.Visual++
			}
		}

		if entity.Description != "" {
			vector, err := s.generator.GenerateTextEmbedding(ctx, entity.Description)
			if err != nil {
				return nil, err
			}
			records = append(records, vectorindex.Record{
				ID:       lorekeep.RefVectorID(entityID, lorekeep.KindSemantic, ""),
				Values:   vector,
				Metadata: s.vectorMetadata(entity, lorekeep.KindSemantic),
			})
			summary.Semantic++
		}

		tunables := s.scorerTunables()
		combined, err := s.generator.GenerateCombinedEmbedding(ctx, entity.ImageURLs, entity.Description,
			tunables.VisualWeight, tunables.SemanticWeight)
		if err != nil {
			return nil, err
		}
		records = append(records, vectorindex.Record{
			ID:       lorekeep.RefVectorID(entityID, lorekeep.KindCombined, ""),
			Values:   combined,
			Metadata: s.vectorMetadata(entity, lorekeep.KindCombined),
		})
		summary.Combined++

		if err := s.index.Upsert(ctx, records); err != nil {
			return nil, err
		}

		s.logger.Info().
			Str("entity_id", entityID).
			Int("visual", summary.Visual).
			Int("semantic", summary.Semantic).
			Dur("duration", time.Since(now)).
			Msg("Entity embeddings generated")
		return summary, nil
	})
}

// SearchSimilarEntities embeds the query text and runs a filtered top-k
// search over combined reference vectors within one world.
func (s *Service) SearchSimilarEntities(ctx context.Context, worldID, query string, opts SearchOptions) Result {
	return s.run(ctx, "memory.search_similar", func(ctx context.Context) (interface{}, error) {
		if worldID == "" {
			return nil, lorekeep.NewValidationError("worldId", "must not be empty")
		}
		if query == "" {
			return nil, lorekeep.NewValidationError("query", "must not be empty")
		}
		topK := opts.TopK
		if topK <= 0 {
			topK = 10
		}

		vector, err := s.generator.GenerateTextEmbedding(ctx, query)
		if err != nil {
			return nil, err
		}

		filter := vectorindex.Filter{
			"worldId": worldID,
			"kind":    string(lorekeep.KindCombined),
		}
		if opts.BranchID != "" {
			filter["branchId"] = opts.BranchID
		}

		results, err := s.index.Query(ctx, vector, vectorindex.QueryOptions{
			TopK:            topK,
			Filter:          filter,
			IncludeMetadata: true,
		})
		if err != nil {
			return nil, err
		}

		matches := make([]EntityMatch, 0, len(results))
		for _, r := range results {
			if r.Score < opts.MinScore {
				continue
			}
			entityID := r.Metadata["entityId"]
			if entityID == "" {
				entityID = r.ID
			}
			matches = append(matches, EntityMatch{EntityID: entityID, Score: r.Score})
		}
		return matches, nil
	})
}

// DeleteEntityEmbeddings removes every reference vector of an entity.
// Deleting an entity that has no vectors succeeds.
func (s *Service) DeleteEntityEmbeddings(ctx context.Context, entityID string) Result {
	return s.run(ctx, "memory.delete_embeddings", func(ctx context.Context) (interface{}, error) {
		if entityID == "" {
			return nil, lorekeep.NewValidationError("entityId", "must not be empty")
		}
		if err := s.index.DeleteByFilter(ctx, vectorindex.Filter{"entityId": entityID}); err != nil {
			return nil, err
		}
		return map[string]string{"entity_id": entityID}, nil
	})
}

// RegenerateEmbeddings rebuilds an entity's reference vectors from its
// current record. Deterministic IDs mean upsert alone would overwrite,
// but the delete also drops vectors for images the entity no longer has.
func (s *Service) RegenerateEmbeddings(ctx context.Context, entityID string) Result {
	deleted := s.DeleteEntityEmbeddings(ctx, entityID)
	if !deleted.OK {
		return deleted
	}
	return s.GenerateEmbeddings(ctx, entityID)
}

// AnalyzeConsistency scores a generated artifact against the reference
// vectors of the entities its job names.
func (s *Service) AnalyzeConsistency(ctx context.Context, generationID, artifactURL, artifactKind string) Result {
	return s.run(ctx, "memory.analyze_consistency", func(ctx context.Context) (interface{}, error) {
		return s.scorer.AnalyzeConsistency(ctx, generationID, artifactURL, artifactKind)
	})
}

// ProcessQueue runs one generation queue pass
func (s *Service) ProcessQueue(ctx context.Context) Result {
	return s.run(ctx, "memory.process_queue", func(ctx context.Context) (interface{}, error) {
		processed, err := s.processor.ProcessQueue(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"processed": processed}, nil
	})
}

// IsRunning reports whether a queue pass is executing
func (s *Service) IsRunning() bool {
	return s.processor.IsRunning()
}

func (s *Service) vectorMetadata(entity *lorekeep.Entity, kind lorekeep.VectorKind) map[string]string {
	md := map[string]string{
		"entityId": entity.ID,
		"worldId":  entity.WorldID,
		"kind":     string(kind),
	}
	if entity.BranchID != "" {
		md["branchId"] = entity.BranchID
	}
	return md
}

func (s *Service) scorerTunables() consistency.Tunables {
	if s.scorer == nil {
		return consistency.DefaultTunables()
	}
	return s.scorer.CurrentTunables()
}

// run executes one operation inside a span and wraps its outcome in a
// Result envelope. Panics stop here.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (res Result) {
	requestID, idErr := gonanoid.New()
	if idErr != nil {
		requestID = fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	res.RequestID = requestID

	ctx = tracing.WithRequestID(ctx, requestID)
	ctx, span := tracing.StartSpan(ctx, "lorekeep.memory", op)
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID))
	logger := tracing.LoggerFromContext(ctx, s.logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("op", op).Msg("Operation panicked")
			span.SetStatus(codes.Error, "panic")
			res = Result{
				ErrorCode: CodeInternal,
				Message:   "internal error",
				RequestID: requestID,
			}
		}
	}()

	data, err := fn(ctx)
	if err != nil {
		code, message := classifyError(err)
		logger.Warn().Err(err).Str("op", op).Str("error_code", code).Msg("Operation failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		return Result{ErrorCode: code, Message: message, RequestID: requestID}
	}

	return Result{OK: true, Data: data, RequestID: requestID}
}

// classifyError maps the error taxonomy onto envelope codes. Messages
// stay terse; raw causes go to the logs, not the caller.
func classifyError(err error) (code, message string) {
	var jobErr *lorekeep.JobExecutionError
	switch {
	case lorekeep.IsValidation(err):
		return CodeValidation, err.Error()
	case lorekeep.IsProviderUnavailable(err):
		return CodeProviderUnavailable, "embedding provider unavailable; try again later"
	case lorekeep.IsIndexOperation(err):
		return CodeIndexOperation, "vector index operation failed; try again later"
	case errors.As(err, &jobErr):
		return CodeJobExecution, "generation job failed; inspect the job record"
	case errors.Is(err, genqueue.ErrAlreadyRunning):
		return CodeAlreadyRunning, "queue processing already running"
	default:
		return CodeInternal, "internal error"
	}
}
