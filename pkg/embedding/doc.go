// Package embedding turns entity content into fixed-dimension vectors and
// owns the retry, caching and similarity primitives built around that.
//
// Invariants:
// - A cache entry is never returned past its TTL.
// - Cache eviction at capacity removes the oldest-inserted entry.
// - Every remote provider call is retried on transient failures and bounded
//   by the caller's context.
//
// Usage:
//
//	gen := embedding.NewGenerator(embedding.GeneratorConfig{
//		Text:   textProvider,
//		Visual: visualProvider,
//	})
//	vec, err := gen.GenerateTextEmbedding(ctx, "A red cloak")
//	_ = vec
//	_ = err
package embedding
