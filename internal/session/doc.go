// Package session provides a durable, branching store of chat messages.
//
// Every message is an entry with a numeric id and an optional parent id.
// Entries form a forest: a root has no parent, and appending under an
// existing entry forks a new branch. A branch is addressed by its head id;
// its lineage is the root-to-head path.
//
// # Invariants
//
// Append-only: entries are never modified in place. Only Repair,
// CompactToLineage and ImportSnapshot (replace) remove entries.
//
// Ids are never reused: the id counter is persisted next to the entries and
// only moves forward, except for an explicit replace import.
//
// Mutations are serialized: every mutating call takes a sidecar lock file
// (the store path with a ".lock" extension), reloads the persisted state,
// applies its change and writes it back before releasing the lock.
//
// # Backends
//
// The path suffix selects storage:
//   - ".sqlite", ".sqlite3", ".db": SQLite (WAL, embedded schema.sql)
//   - ".zst": zstd-compressed JSONL
//   - anything else: JSONL, one tagged record per line
//
// On first open a SQLite store imports the JSONL log with the same base name,
// if one exists, under the store lock. A legacy_checked marker in session_meta
// records the import so it runs once.
//
// # Corrupt input
//
// Loading never validates the graph. ValidationReport counts duplicate ids,
// dangling parents and cycles; Repair removes them. Every graph walk is
// iterative and guarded against cycles.
package session
