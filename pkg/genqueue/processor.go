package genqueue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/amara/lorekeep/internal/observability"
	"github.com/amara/lorekeep/internal/tracing"
	"github.com/amara/lorekeep/pkg/lorekeep"
)

// ErrAlreadyRunning is returned when a second ProcessQueue call arrives
// while a pass is still executing.
var ErrAlreadyRunning = errors.New("queue processing already running")

// EntitySource supplies entity records for prompt enhancement
type EntitySource interface {
	GetEntity(ctx context.Context, entityID string) (*lorekeep.Entity, error)
}

// ConsistencyAnalyzer triggers the post-completion scoring follow-up
type ConsistencyAnalyzer interface {
	AnalyzeConsistency(ctx context.Context, generationID, artifactURL, artifactKind string) (*lorekeep.ConsistencyResult, error)
}

// Event is a job lifecycle notification emitted during a pass
type Event struct {
	Type  string                 // "job_claimed", "job_completed", "job_failed", "score_recorded"
	JobID string
	Data  map[string]interface{}
}

// EventHandler receives processor events
type EventHandler func(event Event)

// Config configures a Processor
type Config struct {
	Store      JobStore
	Tool       GenerationTool
	Entities   EntitySource        // optional, prompt enhancement degrades without it
	Analyzer   ConsistencyAnalyzer // optional, scoring follow-up is skipped without it
	Logger     zerolog.Logger
	OnEvent    EventHandler  // optional
	JobTimeout time.Duration // per-job bound on the tool call, default 2m
	ScoreKind  string        // artifact kind passed to the analyzer, default "image"
}

// Processor drives queued generation jobs to a terminal status
type Processor struct {
	store      JobStore
	tool       GenerationTool
	entities   EntitySource
	analyzer   ConsistencyAnalyzer
	logger     zerolog.Logger
	onEvent    EventHandler
	jobTimeout time.Duration
	scoreKind  string

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewProcessor creates a Processor
func NewProcessor(cfg Config) *Processor {
	observability.EnsureRegistered()

	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 2 * time.Minute
	}
	scoreKind := cfg.ScoreKind
	if scoreKind == "" {
		scoreKind = "image"
	}

	return &Processor{
		store:      cfg.Store,
		tool:       cfg.Tool,
		entities:   cfg.Entities,
		analyzer:   cfg.Analyzer,
		logger:     cfg.Logger,
		onEvent:    cfg.OnEvent,
		jobTimeout: jobTimeout,
		scoreKind:  scoreKind,
	}
}

// IsRunning reports whether a pass is currently executing
func (p *Processor) IsRunning() bool {
	return p.running.Load()
}

// ProcessQueue claims queued jobs oldest-first and drives each to a
// terminal status. It returns how many jobs reached a terminal status.
// A second concurrent call is rejected with ErrAlreadyRunning. The error
// return reports only infrastructure-level inability to reach the job
// store, never an individual job's business failure.
func (p *Processor) ProcessQueue(ctx context.Context) (int, error) {
	if !p.running.CompareAndSwap(false, true) {
		return 0, ErrAlreadyRunning
	}
	defer p.running.Store(false)

	ctx, span := tracing.StartSpan(ctx, "lorekeep.genqueue", "genqueue.process")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, p.logger)

	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			observability.RecordQueuePass(false)
			return processed, err
		}

		job, err := p.store.OldestQueued(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			observability.RecordQueuePass(false)
			return processed, fmt.Errorf("failed to read job queue: %w", err)
		}
		if job == nil {
			break
		}

		claimed, err := p.store.Claim(ctx, job.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			observability.RecordQueuePass(false)
			return processed, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
		}
		if !claimed {
			// Someone else owns it now; move on
			continue
		}

		p.emit(Event{Type: "job_claimed", JobID: job.ID})
		p.runJob(ctx, job)
		processed++
	}

	if pending, err := p.store.CountQueued(ctx); err == nil {
		observability.SetJobsPending(pending)
	}
	observability.RecordQueuePass(true)

	logger.Info().Int("processed", processed).Msg("Queue pass completed")
	span.SetAttributes(attribute.Int("jobs.processed", processed))
	return processed, nil
}

// runJob drives one claimed job to a terminal status. Business failures
// land on the job record, not on the pass.
func (p *Processor) runJob(ctx context.Context, job *lorekeep.GenerationJob) {
	jobCtx := tracing.WithJobID(ctx, job.ID)
	logger := tracing.LoggerFromContext(jobCtx, p.logger)
	start := time.Now()

	toolCtx, cancel := context.WithTimeout(jobCtx, p.jobTimeout)
	defer cancel()

	artifactRef, err := p.tool.Generate(toolCtx, GenerationRequest{
		JobID:      job.ID,
		Tool:       job.Tool,
		Prompt:     p.enhancePrompt(jobCtx, job),
		EntityRefs: p.entityRefs(jobCtx, job),
	})
	duration := time.Since(start)

	if err != nil {
		message := classifyToolError(err)
		logger.Warn().Err(err).Dur("duration", duration).Msg("Generation job failed")
		if failErr := p.store.Fail(jobCtx, job.ID, message); failErr != nil {
			logger.Error().Err(failErr).Msg("Failed to record job failure")
		}
		observability.RecordJobProcessed(string(lorekeep.StatusFailed), duration)
		p.emit(Event{Type: "job_failed", JobID: job.ID, Data: map[string]interface{}{"error": message}})
		return
	}

	if completeErr := p.store.Complete(jobCtx, job.ID, artifactRef); completeErr != nil {
		logger.Error().Err(completeErr).Msg("Failed to record job completion")
		return
	}

	logger.Info().Str("artifact_ref", artifactRef).Dur("duration", duration).Msg("Generation job completed")
	observability.RecordJobProcessed(string(lorekeep.StatusCompleted), duration)
	p.emit(Event{Type: "job_completed", JobID: job.ID, Data: map[string]interface{}{"artifact_ref": artifactRef}})

	if p.analyzer != nil {
		p.scoreAsync(job.ID, artifactRef)
	}
}

// scoreAsync triggers the consistency follow-up without holding up the pass
func (p *Processor) scoreAsync(jobID, artifactRef string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.jobTimeout)
		defer cancel()
		ctx = tracing.WithJobID(ctx, jobID)
		logger := tracing.LoggerFromContext(ctx, p.logger)

		result, err := p.analyzer.AnalyzeConsistency(ctx, jobID, artifactRef, p.scoreKind)
		if err != nil {
			logger.Warn().Err(err).Msg("Consistency follow-up failed")
			return
		}
		if result.NoData() {
			logger.Debug().Msg("Consistency follow-up produced no data")
			return
		}

		if err := p.store.SetConsistencyScore(ctx, jobID, *result.Score); err != nil {
			logger.Warn().Err(err).Msg("Failed to store consistency score")
			return
		}
		p.emit(Event{Type: "score_recorded", JobID: jobID, Data: map[string]interface{}{
			"score":    *result.Score,
			"severity": string(result.Severity),
		}})
	}()
}

// Wait blocks until in-flight scoring follow-ups finish. Used at shutdown.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// enhancePrompt appends entity reference material to the job prompt
func (p *Processor) enhancePrompt(ctx context.Context, job *lorekeep.GenerationJob) string {
	refs := p.entityRefs(ctx, job)
	if len(refs) == 0 {
		return job.Prompt
	}

	var b strings.Builder
	b.WriteString(job.Prompt)
	b.WriteString("\n\nEntity references:")
	for _, ref := range refs {
		b.WriteString("\n- ")
		b.WriteString(ref.Name)
		if ref.Description != "" {
			b.WriteString(": ")
			b.WriteString(ref.Description)
		}
	}
	return b.String()
}

func (p *Processor) entityRefs(ctx context.Context, job *lorekeep.GenerationJob) []EntityRef {
	if p.entities == nil {
		return nil
	}

	logger := tracing.LoggerFromContext(ctx, p.logger)
	refs := make([]EntityRef, 0, len(job.EntityIDs))
	for _, entityID := range job.EntityIDs {
		entity, err := p.entities.GetEntity(ctx, entityID)
		if err != nil {
			logger.Warn().Err(err).Str("entity_id", entityID).Msg("Entity lookup failed, using bare reference")
			refs = append(refs, EntityRef{ID: entityID, Name: entityID})
			continue
		}
		refs = append(refs, EntityRef{ID: entity.ID, Name: entity.Name, Description: entity.Description})
	}
	return refs
}

func (p *Processor) emit(event Event) {
	if p.onEvent != nil {
		p.onEvent(event)
	}
}

// classifyToolError maps a tool failure to a terse, actionable message
// recorded on the job. Raw internals never reach the job record.
func classifyToolError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "generation tool timed out; try again later"
	case strings.Contains(err.Error(), fmt.Sprintf("status %d", http.StatusTooManyRequests)):
		return "generation tool rate limited; try again later"
	case strings.Contains(err.Error(), "failed validation"),
		strings.Contains(err.Error(), "not valid JSON"):
		return "generation tool returned an unusable response"
	default:
		return "generation tool failed; check tool configuration and retry"
	}
}
