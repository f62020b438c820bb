package consistency

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/amara/lorekeep/internal/observability"
	"github.com/amara/lorekeep/internal/tracing"
	"github.com/amara/lorekeep/pkg/embedding"
	"github.com/amara/lorekeep/pkg/lorekeep"
	"github.com/amara/lorekeep/pkg/vectorindex"
)

// Tunables are the scoring parameters. Defaults match the product's
// shipped behavior; deployments adjust them, so they are configuration
// rather than constants.
type Tunables struct {
	VisualWeight     float64 `json:"visual_weight" mapstructure:"visual_weight"`
	SemanticWeight   float64 `json:"semantic_weight" mapstructure:"semantic_weight"`
	DriftThreshold   float64 `json:"drift_threshold" mapstructure:"drift_threshold"`
	SuccessThreshold float64 `json:"success_threshold" mapstructure:"success_threshold"`
	WarningThreshold float64 `json:"warning_threshold" mapstructure:"warning_threshold"`
}

// DefaultTunables returns the standard scoring parameters
func DefaultTunables() Tunables {
	return Tunables{
		VisualWeight:     0.6,
		SemanticWeight:   0.4,
		DriftThreshold:   0.75,
		SuccessThreshold: 90,
		WarningThreshold: 75,
	}
}

// JobSource supplies generation job records; the job store is externally
// owned, the scorer only reads from it.
type JobSource interface {
	Get(ctx context.Context, jobID string) (*lorekeep.GenerationJob, error)
}

// ArtifactEmbedder computes the artifact-side channel embeddings
type ArtifactEmbedder interface {
	GenerateVisualEmbedding(ctx context.Context, imageURL string) ([]float32, error)
	GenerateTextEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Scorer compares generated artifacts against entity reference vectors
type Scorer struct {
	embedder ArtifactEmbedder
	index    vectorindex.Index
	jobs     JobSource
	logger   zerolog.Logger

	mu       sync.RWMutex
	tunables Tunables
}

// Config configures a Scorer
type Config struct {
	Embedder ArtifactEmbedder
	Index    vectorindex.Index
	Jobs     JobSource
	Logger   zerolog.Logger
	Tunables Tunables
}

// NewScorer creates a Scorer
func NewScorer(cfg Config) *Scorer {
	observability.EnsureRegistered()

	tunables := cfg.Tunables
	if tunables.VisualWeight == 0 && tunables.SemanticWeight == 0 {
		tunables = DefaultTunables()
	}
	if tunables.SuccessThreshold == 0 {
		tunables.SuccessThreshold = 90
	}
	if tunables.WarningThreshold == 0 {
		tunables.WarningThreshold = 75
	}
	if tunables.DriftThreshold == 0 {
		tunables.DriftThreshold = 0.75
	}

	return &Scorer{
		embedder: cfg.Embedder,
		index:    cfg.Index,
		jobs:     cfg.Jobs,
		logger:   cfg.Logger,
		tunables: tunables,
	}
}

// SetTunables swaps the scoring parameters at runtime (config reload)
func (s *Scorer) SetTunables(t Tunables) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tunables = t
}

// CurrentTunables returns the active scoring parameters
func (s *Scorer) CurrentTunables() Tunables {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tunables
}

// channelScore is one entity's per-channel comparison
type channelScore struct {
	entityID string
	visual   *float64
	semantic *float64
}

// AnalyzeConsistency compares the artifact at artifactURL against the
// combined reference vectors of the entities referenced by the job.
func (s *Scorer) AnalyzeConsistency(ctx context.Context, generationID, artifactURL, artifactKind string) (*lorekeep.ConsistencyResult, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"lorekeep.consistency",
		"consistency.analyze",
		attribute.String("generation_id", generationID),
		attribute.String("artifact_kind", artifactKind),
	)
	defer span.End()

	ctx = tracing.WithJobID(ctx, generationID)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if generationID == "" {
		return nil, lorekeep.NewValidationError("generationId", "generation ID is required")
	}
	if artifactURL == "" {
		return nil, lorekeep.NewValidationError("artifactUrl", "artifact URL is required")
	}

	job, err := s.jobs.Get(ctx, generationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load generation job: %w", err)
	}

	tunables := s.CurrentTunables()

	if len(job.EntityIDs) == 0 {
		logger.Debug().Msg("Job references no entities, returning no-data result")
		return noDataResult("Job references no entities; nothing to compare against."), nil
	}

	// Artifact channel embeddings. Partial-channel failure keeps whatever
	// succeeded instead of aborting the analysis.
	artifactVisual, visualErr := s.embedder.GenerateVisualEmbedding(ctx, artifactURL)
	if visualErr != nil {
		logger.Warn().Err(visualErr).Msg("Artifact visual embedding failed")
	}
	var artifactSemantic []float32
	var semanticErr error
	if strings.TrimSpace(job.Prompt) != "" {
		artifactSemantic, semanticErr = s.embedder.GenerateTextEmbedding(ctx, job.Prompt)
		if semanticErr != nil {
			logger.Warn().Err(semanticErr).Msg("Artifact semantic embedding failed")
		}
	}
	if artifactVisual == nil && artifactSemantic == nil {
		err := visualErr
		if err == nil {
			err = semanticErr
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "no artifact channel available")
		return nil, fmt.Errorf("artifact embedding failed on every channel: %w", err)
	}

	// Reference vectors are addressed deterministically per entity
	refIDs := make([]string, len(job.EntityIDs))
	for i, entityID := range job.EntityIDs {
		refIDs[i] = lorekeep.RefVectorID(entityID, lorekeep.KindCombined, "")
	}
	refs, err := s.index.FetchByIDs(ctx, refIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	probe := artifactVisual
	if probe == nil {
		probe = artifactSemantic
	}

	var scores []channelScore
	var missing []string
	for i, entityID := range job.EntityIDs {
		ref, ok := refs[refIDs[i]]
		if !ok {
			// Records written before the deterministic ID scheme are
			// findable by metadata
			ref, ok = s.lookupReference(ctx, entityID, probe)
			if !ok {
				missing = append(missing, entityID)
				continue
			}
			logger.Debug().Str("entity_id", entityID).Msg("Reference resolved by metadata lookup")
		}

		score := channelScore{entityID: entityID}
		if artifactVisual != nil {
			if sim, err := embedding.CosineSimilarity(artifactVisual, ref.Values); err == nil {
				score.visual = &sim
			} else {
				logger.Warn().Err(err).Str("entity_id", entityID).Msg("Visual channel comparison skipped")
			}
		}
		if artifactSemantic != nil {
			if sim, err := embedding.CosineSimilarity(artifactSemantic, ref.Values); err == nil {
				score.semantic = &sim
			} else {
				logger.Warn().Err(err).Str("entity_id", entityID).Msg("Semantic channel comparison skipped")
			}
		}
		if score.visual == nil && score.semantic == nil {
			missing = append(missing, entityID)
			continue
		}
		scores = append(scores, score)
	}

	result := s.aggregate(scores, missing, tunables)
	if result.Score != nil {
		observability.ObserveConsistencyScore(*result.Score)
		span.SetAttributes(attribute.Float64("consistency.score", *result.Score))
		logger.Info().
			Float64("score", *result.Score).
			Str("severity", string(result.Severity)).
			Int("drifted", len(result.DriftedAttributes)).
			Msg("Consistency analyzed")
	} else {
		logger.Info().Msg("Consistency analysis produced no data")
	}

	return result, nil
}

// lookupReference finds an entity's combined reference vector by metadata
// when its deterministic ID is absent from the index
func (s *Scorer) lookupReference(ctx context.Context, entityID string, probe []float32) (vectorindex.Record, bool) {
	if probe == nil {
		return vectorindex.Record{}, false
	}

	matches, err := s.index.Query(ctx, probe, vectorindex.QueryOptions{
		TopK: 1,
		Filter: vectorindex.Filter{
			"entityId": entityID,
			"kind":     string(lorekeep.KindCombined),
		},
	})
	if err != nil || len(matches) == 0 {
		return vectorindex.Record{}, false
	}

	refs, err := s.index.FetchByIDs(ctx, []string{matches[0].ID})
	if err != nil {
		return vectorindex.Record{}, false
	}
	ref, ok := refs[matches[0].ID]
	return ref, ok
}

// aggregate folds per-entity channel similarities into the final result
func (s *Scorer) aggregate(scores []channelScore, missing []string, t Tunables) *lorekeep.ConsistencyResult {
	if len(scores) == 0 {
		result := noDataResult("No reference embeddings found for the referenced entities; generate embeddings first.")
		for _, entityID := range missing {
			result.DriftedAttributes = append(result.DriftedAttributes, lorekeep.DriftedAttribute{
				EntityID: entityID,
				Channel:  "missing reference",
			})
		}
		return result
	}

	var drifted []lorekeep.DriftedAttribute
	var entityTotal, visualTotal, semanticTotal float64
	var visualCount, semanticCount int

	for _, score := range scores {
		visualWeight, semanticWeight := t.VisualWeight, t.SemanticWeight
		var weighted, weightSum float64

		if score.visual != nil {
			weighted += *score.visual * visualWeight
			weightSum += visualWeight
			visualTotal += *score.visual
			visualCount++
			if *score.visual < t.DriftThreshold {
				drifted = append(drifted, lorekeep.DriftedAttribute{
					EntityID:   score.entityID,
					Channel:    "visual",
					Similarity: *score.visual,
				})
			}
		}
		if score.semantic != nil {
			weighted += *score.semantic * semanticWeight
			weightSum += semanticWeight
			semanticTotal += *score.semantic
			semanticCount++
			if *score.semantic < t.DriftThreshold {
				drifted = append(drifted, lorekeep.DriftedAttribute{
					EntityID:   score.entityID,
					Channel:    "semantic",
					Similarity: *score.semantic,
				})
			}
		}

		entityTotal += weighted / weightSum
	}

	// Entities lacking reference data are excluded from the aggregate but
	// still surfaced to the caller.
	for _, entityID := range missing {
		drifted = append(drifted, lorekeep.DriftedAttribute{
			EntityID: entityID,
			Channel:  "missing reference",
		})
	}

	// Worst first
	sort.SliceStable(drifted, func(i, j int) bool {
		return drifted[i].Similarity < drifted[j].Similarity
	})

	score := math.Round(entityTotal / float64(len(scores)) * 100)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	severity := lorekeep.SeverityError
	switch {
	case score >= t.SuccessThreshold:
		severity = lorekeep.SeveritySuccess
	case score >= t.WarningThreshold:
		severity = lorekeep.SeverityWarning
	}

	result := &lorekeep.ConsistencyResult{
		Score:             &score,
		Severity:          severity,
		DriftedAttributes: drifted,
		Recommendations:   recommendations(severity, drifted),
	}
	if visualCount > 0 {
		result.VisualSimilarity = visualTotal / float64(visualCount)
	}
	if semanticCount > 0 {
		result.SemanticSimilarity = semanticTotal / float64(semanticCount)
	}
	return result
}

func noDataResult(reason string) *lorekeep.ConsistencyResult {
	return &lorekeep.ConsistencyResult{
		Score:             nil,
		Severity:          lorekeep.SeverityWarning,
		DriftedAttributes: []lorekeep.DriftedAttribute{},
		Recommendations:   []string{reason},
	}
}

// recommendations maps the outcome to terse, actionable guidance. Raw
// provider errors never leak here.
func recommendations(severity lorekeep.Severity, drifted []lorekeep.DriftedAttribute) []string {
	var recs []string

	switch severity {
	case lorekeep.SeveritySuccess:
		recs = append(recs, "Artifact is consistent with its referenced entities.")
	case lorekeep.SeverityWarning:
		recs = append(recs, "Artifact drifts slightly from its references; review before publishing.")
	case lorekeep.SeverityError:
		recs = append(recs, "Consistency is low; use more specific prompts that name the entity's defining attributes.")
	}

	hasVisual, hasSemantic, hasMissing := false, false, false
	for _, d := range drifted {
		switch d.Channel {
		case "visual":
			hasVisual = true
		case "semantic":
			hasSemantic = true
		case "missing reference":
			hasMissing = true
		}
	}
	if hasVisual {
		recs = append(recs, "Visual drift detected; add or refresh reference images for the drifting entities.")
	}
	if hasSemantic {
		recs = append(recs, "Semantic drift detected; align the prompt wording with the entity descriptions.")
	}
	if hasMissing {
		recs = append(recs, "No reference embeddings found for some entities; run embedding generation for them.")
	}

	return recs
}
