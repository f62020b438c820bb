package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amara/lorekeep/pkg/lorekeep"
)

// indexBackend records upsert/delete requests and serves canned query
// responses
type indexBackend struct {
	mu        sync.Mutex
	upserts   []map[string]interface{}
	deletes   []map[string]interface{}
	status    int
	queryBody string
}

func (b *indexBackend) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("Api-Key"))

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		b.mu.Lock()
		defer b.mu.Unlock()

		if b.status != 0 {
			w.WriteHeader(b.status)
			fmt.Fprint(w, `{"error":"backend exploded"}`)
			return
		}

		switch r.URL.Path {
		case "/vectors/upsert":
			b.upserts = append(b.upserts, payload)
			fmt.Fprint(w, `{}`)
		case "/vectors/delete":
			b.deletes = append(b.deletes, payload)
			fmt.Fprint(w, `{}`)
		case "/query":
			fmt.Fprint(w, b.queryBody)
		case "/vectors/fetch":
			fmt.Fprint(w, `{"vectors":{}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestIndex(t *testing.T, backend *indexBackend) (*HTTPIndex, *httptest.Server) {
	srv := httptest.NewServer(backend.handler(t))
	t.Cleanup(srv.Close)

	idx := NewHTTPIndex(HTTPIndexConfig{
		BaseURL:   srv.URL,
		APIKey:    "test-key",
		Namespace: "test-ns",
	})
	return idx, srv
}

func makeRecords(n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = Record{
			ID:     fmt.Sprintf("ref_%d", i),
			Values: []float32{float32(i), 1},
		}
	}
	return records
}

func TestHTTPIndexUpsertBatching(t *testing.T) {
	cases := []struct {
		records int
		batches int
		sizes   []int
	}{
		{records: 1, batches: 1, sizes: []int{1}},
		{records: MaxUpsertBatch, batches: 1, sizes: []int{100}},
		{records: MaxUpsertBatch + 1, batches: 2, sizes: []int{100, 1}},
		{records: 250, batches: 3, sizes: []int{100, 100, 50}},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d records", tc.records), func(t *testing.T) {
			backend := &indexBackend{}
			idx, _ := newTestIndex(t, backend)

			err := idx.Upsert(context.Background(), makeRecords(tc.records))
			require.NoError(t, err)

			require.Len(t, backend.upserts, tc.batches)
			for i, payload := range backend.upserts {
				vectors := payload["vectors"].([]interface{})
				assert.Len(t, vectors, tc.sizes[i])
				assert.Equal(t, "test-ns", payload["namespace"])
			}
		})
	}
}

func TestHTTPIndexUpsertEmpty(t *testing.T) {
	backend := &indexBackend{}
	idx, _ := newTestIndex(t, backend)

	require.NoError(t, idx.Upsert(context.Background(), nil))
	assert.Empty(t, backend.upserts)
}

func TestHTTPIndexQuery(t *testing.T) {
	backend := &indexBackend{
		queryBody: `{"matches":[
			{"id":"ref_a","score":0.93,"metadata":{"entityId":"ent_1"}},
			{"id":"ref_b","score":0.71,"metadata":{"entityId":"ent_2"}}
		]}`,
	}
	idx, _ := newTestIndex(t, backend)

	results, err := idx.Query(context.Background(), []float32{1, 0}, QueryOptions{
		TopK:            5,
		Filter:          Filter{"worldId": "w1"},
		IncludeMetadata: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "ref_a", results[0].ID)
	assert.InDelta(t, 0.93, results[0].Score, 1e-9)
	assert.Equal(t, "ent_2", results[1].Metadata["entityId"])
}

func TestHTTPIndexDeleteNotFoundIsSuccess(t *testing.T) {
	backend := &indexBackend{status: http.StatusNotFound}
	idx, _ := newTestIndex(t, backend)

	assert.NoError(t, idx.DeleteByIDs(context.Background(), []string{"ref_missing"}))
	assert.NoError(t, idx.DeleteByFilter(context.Background(), Filter{"entityId": "ent_gone"}))

	got, err := idx.FetchByIDs(context.Background(), []string{"ref_missing"})
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestHTTPIndexNotFoundFailsWrites(t *testing.T) {
	// A 404 on upsert or query points at a bad base URL, not absent
	// records
	backend := &indexBackend{status: http.StatusNotFound}
	idx, _ := newTestIndex(t, backend)

	err := idx.Upsert(context.Background(), makeRecords(1))
	require.Error(t, err)
	assert.True(t, lorekeep.IsIndexOperation(err))

	_, err = idx.Query(context.Background(), []float32{1, 0}, QueryOptions{TopK: 1})
	require.Error(t, err)
	assert.True(t, lorekeep.IsIndexOperation(err))
}

func TestHTTPIndexDeleteByFilterRequiresFilter(t *testing.T) {
	backend := &indexBackend{}
	idx, _ := newTestIndex(t, backend)

	err := idx.DeleteByFilter(context.Background(), Filter{})
	assert.True(t, lorekeep.IsValidation(err))
	assert.Empty(t, backend.deletes)
}

func TestHTTPIndexServerErrorWrapped(t *testing.T) {
	backend := &indexBackend{status: http.StatusInternalServerError}
	idx, _ := newTestIndex(t, backend)

	err := idx.Upsert(context.Background(), makeRecords(1))
	require.Error(t, err)
	assert.True(t, lorekeep.IsIndexOperation(err))

	var ioErr *lorekeep.IndexOperationError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "upsert", ioErr.Op)
}

func TestHTTPIndexFetchByIDsEmpty(t *testing.T) {
	backend := &indexBackend{}
	idx, _ := newTestIndex(t, backend)

	got, err := idx.FetchByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
