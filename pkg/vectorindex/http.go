package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/amara/lorekeep/internal/observability"
	"github.com/amara/lorekeep/pkg/lorekeep"
)

// HTTPIndex implements Index against a remote similarity-search service
// with a JSON API.
type HTTPIndex struct {
	baseURL     string
	apiKey      string
	namespace   string
	callTimeout time.Duration
	httpClient  *http.Client
	logger      zerolog.Logger
}

// HTTPIndexConfig configures the remote index adapter
type HTTPIndexConfig struct {
	BaseURL     string
	APIKey      string
	Namespace   string
	CallTimeout time.Duration
	Logger      zerolog.Logger
}

// NewHTTPIndex creates a remote index adapter
func NewHTTPIndex(cfg HTTPIndexConfig) *HTTPIndex {
	observability.EnsureRegistered()

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &HTTPIndex{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		namespace:   cfg.Namespace,
		callTimeout: timeout,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      cfg.Logger,
	}
}

// Upsert writes records idempotently by ID, splitting the input into
// batches of at most MaxUpsertBatch. There is no cross-batch atomicity: a
// later batch's failure does not undo earlier successful batches.
func (x *HTTPIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	for start := 0; start < len(records); start += MaxUpsertBatch {
		end := start + MaxUpsertBatch
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		observability.RecordUpsertBatch(len(batch))
		payload := map[string]interface{}{
			"vectors":   batch,
			"namespace": x.namespace,
		}
		if err := x.call(ctx, "upsert", "/vectors/upsert", payload, nil); err != nil {
			return err
		}
		x.logger.Debug().Int("batch", len(batch)).Int("offset", start).Msg("Upserted vector batch")
	}
	return nil
}

// Query returns up to opts.TopK results ranked by descending similarity,
// filtered by exact-match conjunction over metadata fields.
func (x *HTTPIndex) Query(ctx context.Context, vector []float32, opts QueryOptions) ([]QueryResult, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}

	payload := map[string]interface{}{
		"vector":          vector,
		"topK":            topK,
		"includeMetadata": opts.IncludeMetadata,
		"namespace":       x.namespace,
	}
	if len(opts.Filter) > 0 {
		payload["filter"] = opts.Filter
	}

	var result struct {
		Matches []QueryResult `json:"matches"`
	}
	if err := x.call(ctx, "query", "/query", payload, &result); err != nil {
		return nil, err
	}
	return result.Matches, nil
}

// DeleteByIDs removes records by ID; absent IDs are not an error
func (x *HTTPIndex) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	payload := map[string]interface{}{
		"ids":       ids,
		"namespace": x.namespace,
	}
	return x.call(ctx, "delete", "/vectors/delete", payload, nil)
}

// DeleteByFilter removes all records matching the filter; an empty match
// set is success
func (x *HTTPIndex) DeleteByFilter(ctx context.Context, filter Filter) error {
	if len(filter) == 0 {
		return lorekeep.NewValidationError("filter", "delete filter must not be empty")
	}
	payload := map[string]interface{}{
		"filter":    filter,
		"namespace": x.namespace,
	}
	return x.call(ctx, "delete", "/vectors/delete", payload, nil)
}

// FetchByIDs returns the stored records for ids; absent IDs are silently
// omitted from the result map
func (x *HTTPIndex) FetchByIDs(ctx context.Context, ids []string) (map[string]Record, error) {
	if len(ids) == 0 {
		return map[string]Record{}, nil
	}
	payload := map[string]interface{}{
		"ids":       ids,
		"namespace": x.namespace,
	}

	var result struct {
		Vectors map[string]Record `json:"vectors"`
	}
	if err := x.call(ctx, "fetch", "/vectors/fetch", payload, &result); err != nil {
		return nil, err
	}
	if result.Vectors == nil {
		result.Vectors = map[string]Record{}
	}
	return result.Vectors, nil
}

// call performs one JSON round trip. For delete and fetch, HTTP 404 is
// normalized to success with an empty body; every other non-2xx status
// becomes an IndexOperationError.
func (x *HTTPIndex) call(ctx context.Context, op, path string, payload interface{}, out interface{}) error {
	// Absent records are a normal outcome only when removing or reading;
	// a 404 on upsert or query means the endpoint itself is wrong.
	notFoundOK := op == "delete" || op == "fetch"

	start := time.Now()
	err := x.doCall(ctx, path, payload, out, notFoundOK)
	observability.RecordIndexOp(op, time.Since(start), err == nil)
	if err != nil {
		return &lorekeep.IndexOperationError{Op: op, Cause: err}
	}
	return nil
}

func (x *HTTPIndex) doCall(ctx context.Context, path string, payload interface{}, out interface{}, notFoundOK bool) error {
	ctx, cancel := context.WithTimeout(ctx, x.callTimeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", x.apiKey)

	resp, err := x.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("index call failed: %w", err)
	}
	defer resp.Body.Close()

	if notFoundOK && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("index returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
