// Package kvstore implements the persistent byte-store the identity cache,
// the offline queue and the sync coordinator write through.
//
// Every backend satisfies Store (get/put/delete/clear). Backends that can
// commit several keys atomically also implement Batcher; Apply uses it when
// present and falls back to sequential writes otherwise.
//
// # Backends
//
//   - SQLite: single-file database, WAL journal, synchronous=FULL. The
//     default on devices with a writable filesystem.
//   - File: one file per key, written to a temp file and renamed into place.
//   - Redis: keys under a prefix, batches run in MULTI/EXEC.
//   - Memory: process-local map for tests and dry runs.
//
// Writes are synchronous. There is no write-behind caching: a Put that
// returned nil has reached the backend.
package kvstore
