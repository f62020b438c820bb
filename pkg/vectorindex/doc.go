// Package vectorindex adapts an external similarity-search store behind a
// small interface: put vectors with metadata in, get nearest neighbors
// under a metadata filter out.
//
// Invariants:
// - Upsert is idempotent by record ID and batches at most 100 records per call.
// - A later batch's failure does not undo earlier successful batches.
// - "Nothing matched" on delete or fetch is success, not an error.
//
// Usage:
//
//	idx := vectorindex.NewHTTPIndex(vectorindex.HTTPIndexConfig{BaseURL: url, APIKey: key})
//	err := idx.Upsert(ctx, records)
//	_ = err
package vectorindex
