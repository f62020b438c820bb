package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amara/lorekeep/pkg/embedding"
	"github.com/amara/lorekeep/pkg/lorekeep"
	"github.com/amara/lorekeep/pkg/vectorindex"
)

type stubEntityStore struct {
	entities map[string]*lorekeep.Entity
}

func (s *stubEntityStore) GetEntity(_ context.Context, entityID string) (*lorekeep.Entity, error) {
	entity, ok := s.entities[entityID]
	if !ok {
		return nil, errors.New("entity not found")
	}
	return entity, nil
}

type mockTextProvider struct{}

func (p *mockTextProvider) EmbedText(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("empty text")
	}
	return []float32{1, 0, 0, 0}, nil
}

func (p *mockTextProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.EmbedText(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (p *mockTextProvider) Dimension() int { return 4 }

type mockVisualProvider struct{}

func (p *mockVisualProvider) EmbedImage(_ context.Context, _ string) ([]float32, error) {
	return []float32{0, 1, 0, 0}, nil
}

func (p *mockVisualProvider) Dimension() int { return 4 }

// fakeIndex records upserts and deletions in memory
type fakeIndex struct {
	mu       sync.Mutex
	records  map[string]vectorindex.Record
	queryRes []vectorindex.QueryResult
	failWith error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{records: make(map[string]vectorindex.Record)}
}

func (f *fakeIndex) Upsert(_ context.Context, records []vectorindex.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	for _, r := range records {
		f.records[r.ID] = r
	}
	return nil
}

func (f *fakeIndex) Query(_ context.Context, _ []float32, _ vectorindex.QueryOptions) ([]vectorindex.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.queryRes, nil
}

func (f *fakeIndex) DeleteByIDs(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.records, id)
	}
	return nil
}

func (f *fakeIndex) DeleteByFilter(_ context.Context, filter vectorindex.Filter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	for id, r := range f.records {
		match := true
		for k, v := range filter {
			if r.Metadata[k] != v {
				match = false
				break
			}
		}
		if match {
			delete(f.records, id)
		}
	}
	return nil
}

func (f *fakeIndex) FetchByIDs(_ context.Context, ids []string) (map[string]vectorindex.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]vectorindex.Record)
	for _, id := range ids {
		if r, ok := f.records[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func newTestService(t *testing.T, index vectorindex.Index, entities map[string]*lorekeep.Entity) *Service {
	t.Helper()
	gen := embedding.NewGenerator(embedding.GeneratorConfig{
		Text:   &mockTextProvider{},
		Visual: &mockVisualProvider{},
		Cache:  embedding.NewCache(),
		Logger: zerolog.Nop(),
	})
	return NewService(Config{
		Entities:  &stubEntityStore{entities: entities},
		Generator: gen,
		Index:     index,
		Logger:    zerolog.Nop(),
	})
}

func TestGenerateEmbeddings(t *testing.T) {
	index := newFakeIndex()
	svc := newTestService(t, index, map[string]*lorekeep.Entity{
		"ent-1": {
			ID:          "ent-1",
			Name:        "Ser Aldric",
			Description: "a scarred knight",
			ImageURLs:   []string{"https://cdn.example/a.png", "https://cdn.example/b.png"},
			WorldID:     "world-1",
		},
	})

	res := svc.GenerateEmbeddings(context.Background(), "ent-1")
	require.True(t, res.OK, "error: %s %s", res.ErrorCode, res.Message)
	assert.NotEmpty(t, res.RequestID)

	summary, ok := res.Data.(EmbeddingSummary)
	require.True(t, ok)
	assert.Equal(t, 2, summary.Visual)
	assert.Equal(t, 1, summary.Semantic)
	assert.Equal(t, 1, summary.Combined)

	// 2 visual + 1 semantic + 1 combined
	assert.Len(t, index.records, 4)

	combinedID := lorekeep.RefVectorID("ent-1", lorekeep.KindCombined, "")
	combined, ok := index.records[combinedID]
	require.True(t, ok)
	assert.Equal(t, "ent-1", combined.Metadata["entityId"])
	assert.Equal(t, "world-1", combined.Metadata["worldId"])
	assert.Equal(t, "combined", combined.Metadata["kind"])
}

func TestGenerateEmbeddingsIdempotent(t *testing.T) {
	index := newFakeIndex()
	svc := newTestService(t, index, map[string]*lorekeep.Entity{
		"ent-1": {ID: "ent-1", Description: "a scarred knight", WorldID: "world-1"},
	})

	require.True(t, svc.GenerateEmbeddings(context.Background(), "ent-1").OK)
	first := len(index.records)
	require.True(t, svc.GenerateEmbeddings(context.Background(), "ent-1").OK)

	// Deterministic IDs overwrite instead of accumulating
	assert.Equal(t, first, len(index.records))
}

func TestGenerateEmbeddingsValidation(t *testing.T) {
	svc := newTestService(t, newFakeIndex(), map[string]*lorekeep.Entity{
		"ent-empty": {ID: "ent-empty", WorldID: "world-1"},
	})

	res := svc.GenerateEmbeddings(context.Background(), "")
	assert.False(t, res.OK)
	assert.Equal(t, CodeValidation, res.ErrorCode)

	res = svc.GenerateEmbeddings(context.Background(), "ent-empty")
	assert.False(t, res.OK)
	assert.Equal(t, CodeValidation, res.ErrorCode)
}

func TestGenerateEmbeddingsIndexFailure(t *testing.T) {
	index := newFakeIndex()
	index.failWith = &lorekeep.IndexOperationError{Op: "upsert", Cause: errors.New("backend down")}
	svc := newTestService(t, index, map[string]*lorekeep.Entity{
		"ent-1": {ID: "ent-1", Description: "a scarred knight", WorldID: "world-1"},
	})

	res := svc.GenerateEmbeddings(context.Background(), "ent-1")
	assert.False(t, res.OK)
	assert.Equal(t, CodeIndexOperation, res.ErrorCode)
	// Raw cause stays out of the envelope
	assert.NotContains(t, res.Message, "backend down")
}

func TestSearchSimilarEntities(t *testing.T) {
	index := newFakeIndex()
	index.queryRes = []vectorindex.QueryResult{
		{ID: "vec-1", Score: 0.93, Metadata: map[string]string{"entityId": "ent-1"}},
		{ID: "vec-2", Score: 0.41, Metadata: map[string]string{"entityId": "ent-2"}},
	}
	svc := newTestService(t, index, nil)

	res := svc.SearchSimilarEntities(context.Background(), "world-1", "a knight", SearchOptions{TopK: 5, MinScore: 0.5})
	require.True(t, res.OK)

	matches, ok := res.Data.([]EntityMatch)
	require.True(t, ok)
	require.Len(t, matches, 1)
	assert.Equal(t, "ent-1", matches[0].EntityID)
	assert.InDelta(t, 0.93, matches[0].Score, 1e-9)
}

func TestSearchSimilarEntitiesValidation(t *testing.T) {
	svc := newTestService(t, newFakeIndex(), nil)

	res := svc.SearchSimilarEntities(context.Background(), "", "a knight", SearchOptions{})
	assert.Equal(t, CodeValidation, res.ErrorCode)

	res = svc.SearchSimilarEntities(context.Background(), "world-1", "", SearchOptions{})
	assert.Equal(t, CodeValidation, res.ErrorCode)
}

func TestDeleteEntityEmbeddings(t *testing.T) {
	index := newFakeIndex()
	index.records["vec-1"] = vectorindex.Record{
		ID:       "vec-1",
		Metadata: map[string]string{"entityId": "ent-1"},
	}
	index.records["vec-2"] = vectorindex.Record{
		ID:       "vec-2",
		Metadata: map[string]string{"entityId": "ent-2"},
	}
	svc := newTestService(t, index, nil)

	res := svc.DeleteEntityEmbeddings(context.Background(), "ent-1")
	require.True(t, res.OK)
	assert.Len(t, index.records, 1)

	// Deleting an entity with no vectors is still a success
	res = svc.DeleteEntityEmbeddings(context.Background(), "ent-unknown")
	assert.True(t, res.OK)
}

func TestRegenerateEmbeddings(t *testing.T) {
	index := newFakeIndex()
	// A vector for an image the entity no longer references
	staleID := lorekeep.RefVectorID("ent-1", lorekeep.KindVisual, "https://cdn.example/old.png")
	index.records[staleID] = vectorindex.Record{
		ID:       staleID,
		Metadata: map[string]string{"entityId": "ent-1", "kind": "visual"},
	}
	svc := newTestService(t, index, map[string]*lorekeep.Entity{
		"ent-1": {ID: "ent-1", Description: "a scarred knight", WorldID: "world-1"},
	})

	res := svc.RegenerateEmbeddings(context.Background(), "ent-1")
	require.True(t, res.OK)

	_, staleStillThere := index.records[staleID]
	assert.False(t, staleStillThere)
	_, hasCombined := index.records[lorekeep.RefVectorID("ent-1", lorekeep.KindCombined, "")]
	assert.True(t, hasCombined)
}

func TestServiceNeverPanicsAcrossBoundary(t *testing.T) {
	// A nil generator makes GenerateEmbeddings panic internally; the
	// envelope must absorb it.
	svc := NewService(Config{
		Entities: &stubEntityStore{entities: map[string]*lorekeep.Entity{
			"ent-1": {ID: "ent-1", Description: "a scarred knight"},
		}},
		Index:  newFakeIndex(),
		Logger: zerolog.Nop(),
	})

	res := svc.GenerateEmbeddings(context.Background(), "ent-1")
	assert.False(t, res.OK)
	assert.Equal(t, CodeInternal, res.ErrorCode)
	assert.NotEmpty(t, res.RequestID)
}
