package genqueue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amara/lorekeep/pkg/lorekeep"
)

// memJobStore is an in-memory JobStore for processor tests
type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*lorekeep.GenerationJob

	oldestErr error
	claimErr  error
}

func newMemJobStore(jobs ...*lorekeep.GenerationJob) *memJobStore {
	s := &memJobStore{jobs: make(map[string]*lorekeep.GenerationJob)}
	for _, job := range jobs {
		copied := *job
		if copied.Status == "" {
			copied.Status = lorekeep.StatusQueued
		}
		s.jobs[copied.ID] = &copied
	}
	return s
}

func (s *memJobStore) Get(_ context.Context, jobID string) (*lorekeep.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, errors.New("job not found")
	}
	copied := *job
	return &copied, nil
}

func (s *memJobStore) OldestQueued(_ context.Context) (*lorekeep.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oldestErr != nil {
		return nil, s.oldestErr
	}

	var queued []*lorekeep.GenerationJob
	for _, job := range s.jobs {
		if job.Status == lorekeep.StatusQueued {
			queued = append(queued, job)
		}
	}
	if len(queued) == 0 {
		return nil, nil
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].CreatedAt.Equal(queued[j].CreatedAt) {
			return queued[i].ID < queued[j].ID
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	copied := *queued[0]
	return &copied, nil
}

func (s *memJobStore) Claim(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return false, s.claimErr
	}
	job, ok := s.jobs[jobID]
	if !ok || job.Status != lorekeep.StatusQueued {
		return false, nil
	}
	job.Status = lorekeep.StatusProcessing
	return true, nil
}

func (s *memJobStore) Complete(_ context.Context, jobID, artifactRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != lorekeep.StatusProcessing {
		return errors.New("job not in processing")
	}
	now := time.Now()
	job.Status = lorekeep.StatusCompleted
	job.ResultArtifactRef = artifactRef
	job.CompletedAt = &now
	return nil
}

func (s *memJobStore) Fail(_ context.Context, jobID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != lorekeep.StatusProcessing {
		return errors.New("job not in processing")
	}
	now := time.Now()
	job.Status = lorekeep.StatusFailed
	job.ErrorMessage = errorMessage
	job.CompletedAt = &now
	return nil
}

func (s *memJobStore) SetConsistencyScore(_ context.Context, jobID string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != lorekeep.StatusCompleted || job.ResultArtifactRef == "" {
		return errors.New("job not completed")
	}
	job.ConsistencyScore = &score
	return nil
}

func (s *memJobStore) CountQueued(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if job.Status == lorekeep.StatusQueued {
			n++
		}
	}
	return n, nil
}

func (s *memJobStore) ResetToQueued(_ context.Context, jobID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return errors.New("job not found")
	}
	job.Status = lorekeep.StatusQueued
	job.ResultArtifactRef = ""
	job.ConsistencyScore = nil
	job.ErrorMessage = ""
	job.CompletedAt = nil
	return nil
}

// fakeTool records requests and answers from a per-job script
type fakeTool struct {
	mu       sync.Mutex
	requests []GenerationRequest
	errs     map[string]error // jobID -> failure
	block    chan struct{}    // when set, Generate waits on it
}

func (f *fakeTool) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	block := f.block
	err := f.errs[req.JobID]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return "cdn://artifact-" + req.JobID, nil
}

func TestProcessQueueEmpty(t *testing.T) {
	p := NewProcessor(Config{Store: newMemJobStore(), Tool: &fakeTool{}, Logger: zerolog.Nop()})

	processed, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.False(t, p.IsRunning())
}

func TestProcessQueueOldestFirst(t *testing.T) {
	base := time.Now()
	store := newMemJobStore(
		&lorekeep.GenerationJob{ID: "job-b", Prompt: "second", Tool: "image-gen", CreatedAt: base.Add(time.Minute)},
		&lorekeep.GenerationJob{ID: "job-a", Prompt: "first", Tool: "image-gen", CreatedAt: base},
	)
	tool := &fakeTool{}
	p := NewProcessor(Config{Store: store, Tool: tool, Logger: zerolog.Nop()})

	processed, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	require.Len(t, tool.requests, 2)
	assert.Equal(t, "job-a", tool.requests[0].JobID)
	assert.Equal(t, "job-b", tool.requests[1].JobID)

	jobA, err := store.Get(context.Background(), "job-a")
	require.NoError(t, err)
	assert.Equal(t, lorekeep.StatusCompleted, jobA.Status)
	assert.Equal(t, "cdn://artifact-job-a", jobA.ResultArtifactRef)
}

func TestProcessQueueJobFailureDoesNotAbortPass(t *testing.T) {
	base := time.Now()
	store := newMemJobStore(
		&lorekeep.GenerationJob{ID: "job-bad", Prompt: "p", Tool: "image-gen", CreatedAt: base},
		&lorekeep.GenerationJob{ID: "job-good", Prompt: "p", Tool: "image-gen", CreatedAt: base.Add(time.Second)},
	)
	tool := &fakeTool{errs: map[string]error{"job-bad": errors.New("generation tool returned status 429")}}
	p := NewProcessor(Config{Store: store, Tool: tool, Logger: zerolog.Nop()})

	processed, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	bad, err := store.Get(context.Background(), "job-bad")
	require.NoError(t, err)
	assert.Equal(t, lorekeep.StatusFailed, bad.Status)
	assert.Equal(t, "generation tool rate limited; try again later", bad.ErrorMessage)

	good, err := store.Get(context.Background(), "job-good")
	require.NoError(t, err)
	assert.Equal(t, lorekeep.StatusCompleted, good.Status)
}

func TestProcessQueueStoreFailureAbortsPass(t *testing.T) {
	store := newMemJobStore()
	store.oldestErr = errors.New("disk gone")
	p := NewProcessor(Config{Store: store, Tool: &fakeTool{}, Logger: zerolog.Nop()})

	processed, err := p.ProcessQueue(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, processed)
}

func TestProcessQueueSingleFlight(t *testing.T) {
	store := newMemJobStore(
		&lorekeep.GenerationJob{ID: "job-1", Prompt: "p", Tool: "image-gen", CreatedAt: time.Now()},
	)
	block := make(chan struct{})
	tool := &fakeTool{block: block}
	p := NewProcessor(Config{Store: store, Tool: tool, Logger: zerolog.Nop()})

	firstDone := make(chan error, 1)
	go func() {
		_, err := p.ProcessQueue(context.Background())
		firstDone <- err
	}()

	// Wait until the first pass is inside the tool call
	require.Eventually(t, p.IsRunning, time.Second, 5*time.Millisecond)

	processed, err := p.ProcessQueue(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 0, processed)

	close(block)
	require.NoError(t, <-firstDone)
	assert.False(t, p.IsRunning())

	// The queue is drained, so a fresh pass is accepted again
	processed, err = p.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}

func TestProcessQueueEnhancesPromptWithEntities(t *testing.T) {
	store := newMemJobStore(
		&lorekeep.GenerationJob{
			ID: "job-1", Prompt: "a knight by the gate", Tool: "image-gen",
			EntityIDs: []string{"ent-1", "ent-2"}, CreatedAt: time.Now(),
		},
	)
	tool := &fakeTool{}
	entities := &stubEntitySource{entities: map[string]*lorekeep.Entity{
		"ent-1": {ID: "ent-1", Name: "Ser Aldric", Description: "a scarred knight in tarnished silver plate"},
	}}
	p := NewProcessor(Config{Store: store, Tool: tool, Entities: entities, Logger: zerolog.Nop()})

	_, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)

	require.Len(t, tool.requests, 1)
	req := tool.requests[0]
	assert.Contains(t, req.Prompt, "a knight by the gate")
	assert.Contains(t, req.Prompt, "Ser Aldric: a scarred knight in tarnished silver plate")
	// Unresolvable entities degrade to a bare reference instead of failing the job
	assert.Contains(t, req.Prompt, "ent-2")
	require.Len(t, req.EntityRefs, 2)
	assert.Equal(t, "Ser Aldric", req.EntityRefs[0].Name)
}

func TestProcessQueueRecordsConsistencyScore(t *testing.T) {
	store := newMemJobStore(
		&lorekeep.GenerationJob{ID: "job-1", Prompt: "p", Tool: "image-gen", CreatedAt: time.Now()},
	)
	score := 87.0
	analyzer := &stubAnalyzer{result: &lorekeep.ConsistencyResult{
		Score:    &score,
		Severity: lorekeep.SeverityWarning,
	}}

	var mu sync.Mutex
	var events []Event
	p := NewProcessor(Config{
		Store: store, Tool: &fakeTool{}, Analyzer: analyzer, Logger: zerolog.Nop(),
		OnEvent: func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})

	_, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	p.Wait()

	job, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.ConsistencyScore)
	assert.Equal(t, 87.0, *job.ConsistencyScore)

	mu.Lock()
	defer mu.Unlock()
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, "job_claimed")
	assert.Contains(t, types, "job_completed")
	assert.Contains(t, types, "score_recorded")
}

func TestProcessQueueSkipsScoreWithoutData(t *testing.T) {
	store := newMemJobStore(
		&lorekeep.GenerationJob{ID: "job-1", Prompt: "p", Tool: "image-gen", CreatedAt: time.Now()},
	)
	analyzer := &stubAnalyzer{result: &lorekeep.ConsistencyResult{Severity: lorekeep.SeverityWarning}}
	p := NewProcessor(Config{Store: store, Tool: &fakeTool{}, Analyzer: analyzer, Logger: zerolog.Nop()})

	_, err := p.ProcessQueue(context.Background())
	require.NoError(t, err)
	p.Wait()

	job, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, lorekeep.StatusCompleted, job.Status)
	assert.Nil(t, job.ConsistencyScore)
}

func TestClassifyToolError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", context.DeadlineExceeded, "generation tool timed out; try again later"},
		{"rate limit", errors.New("generation tool returned status 429"), "generation tool rate limited; try again later"},
		{"bad schema", errors.New("tool response failed validation: artifact_ref is required"), "generation tool returned an unusable response"},
		{"bad json", errors.New("tool response is not valid JSON: unexpected end"), "generation tool returned an unusable response"},
		{"other", errors.New("connection refused"), "generation tool failed; check tool configuration and retry"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyToolError(tc.err))
		})
	}
}

type stubEntitySource struct {
	entities map[string]*lorekeep.Entity
}

func (s *stubEntitySource) GetEntity(_ context.Context, entityID string) (*lorekeep.Entity, error) {
	entity, ok := s.entities[entityID]
	if !ok {
		return nil, errors.New("entity not found")
	}
	return entity, nil
}

type stubAnalyzer struct {
	mu     sync.Mutex
	calls  []string
	result *lorekeep.ConsistencyResult
	err    error
}

func (s *stubAnalyzer) AnalyzeConsistency(_ context.Context, generationID, _, _ string) (*lorekeep.ConsistencyResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, generationID)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}
