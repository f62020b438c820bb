package genqueue

import (
	"context"

	"github.com/amara/lorekeep/pkg/lorekeep"
)

// JobStore is the externally owned source of truth for generation jobs.
// The processor never caches job state beyond a single pass.
type JobStore interface {
	// Get returns the job or an error when it does not exist
	Get(ctx context.Context, jobID string) (*lorekeep.GenerationJob, error)

	// OldestQueued returns the oldest job still in "queued", or nil when
	// the queue is empty
	OldestQueued(ctx context.Context) (*lorekeep.GenerationJob, error)

	// Claim transitions jobID from queued to processing as one atomic
	// step and reports whether this caller won the claim
	Claim(ctx context.Context, jobID string) (bool, error)

	// Complete records the artifact reference and transitions the job to
	// completed
	Complete(ctx context.Context, jobID, artifactRef string) error

	// Fail records the error message and transitions the job to failed
	Fail(ctx context.Context, jobID, errorMessage string) error

	// SetConsistencyScore stores a score on a completed job; it refuses
	// jobs in any other status
	SetConsistencyScore(ctx context.Context, jobID string, score float64) error

	// CountQueued returns how many jobs are still queued
	CountQueued(ctx context.Context) (int, error)

	// ResetToQueued is the explicitly authorized repair path out of a
	// terminal or stuck state. Normal flow never calls it.
	ResetToQueued(ctx context.Context, jobID, reason string) error
}
