// Package memory is the exposed surface of the entity memory subsystem.
// It ties the embedding generator, the vector index, the consistency
// scorer and the generation queue processor into one service consumed by
// the entity-management layer and the daemon.
//
// Invariants:
//   - Every operation returns a Result envelope; failures are carried as
//     error codes and messages, never as panics across the boundary.
//   - Reference vector IDs are deterministic, so regenerating an entity's
//     embeddings overwrites its old vectors instead of duplicating them.
//   - The service holds no entity data of its own; the EntityStore is the
//     source of truth for entity records.
//
// Usage:
//
//	svc := memory.NewService(memory.Config{...})
//	res := svc.GenerateEmbeddings(ctx, "ent-1")
//	if !res.OK {
//	    log.Printf("%s: %s", res.ErrorCode, res.Message)
//	}
package memory
