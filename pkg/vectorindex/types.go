package vectorindex

import "context"

// MaxUpsertBatch is the most records sent to the backend in one call
const MaxUpsertBatch = 100

// Record is one stored vector with its metadata
type Record struct {
	ID       string            `json:"id"`
	Values   []float32         `json:"values"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Filter is an exact-match conjunction over metadata fields
// (e.g. worldId, branchId, kind)
type Filter map[string]string

// QueryOptions configures a top-k query
type QueryOptions struct {
	TopK            int
	Filter          Filter
	IncludeMetadata bool
}

// QueryResult is one ranked match, descending similarity
type QueryResult struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Index is the only contract the rest of the core assumes about the
// similarity-search backend; implementations must remain swappable.
type Index interface {
	Upsert(ctx context.Context, records []Record) error
	Query(ctx context.Context, vector []float32, opts QueryOptions) ([]QueryResult, error)
	DeleteByIDs(ctx context.Context, ids []string) error
	DeleteByFilter(ctx context.Context, filter Filter) error
	FetchByIDs(ctx context.Context, ids []string) (map[string]Record, error)
}
