package session

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
)

// BackendKind names a physical store format.
type BackendKind string

const (
	// BackendJSONL is the append-only line log: one JSON record per line.
	BackendJSONL BackendKind = "jsonl"

	// BackendSQLite is the embedded relational store.
	BackendSQLite BackendKind = "sqlite"
)

// Backend is the physical store behind a Store. Implementations never
// validate the entry graph.
type Backend interface {
	// Kind identifies the backend format.
	Kind() BackendKind

	// Load reads the full persisted state. A missing store yields an empty
	// state with NextID 1.
	Load(ctx context.Context) (State, error)

	// Append persists added entries on top of st, where st is the complete
	// post-append state (st.Entries ends with added).
	Append(ctx context.Context, st State, added []Entry) error

	// Persist atomically replaces the stored state with st.
	Persist(ctx context.Context, st State) error

	// Close releases backend resources.
	Close() error
}

// BackendKindForPath selects the backend from the store path suffix:
// ".sqlite", ".sqlite3" and ".db" select SQLite; anything else is a JSONL log.
func BackendKindForPath(path string) BackendKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sqlite", ".sqlite3", ".db":
		return BackendSQLite
	default:
		return BackendJSONL
	}
}

// OpenBackend opens the backend selected by path. The first open of a SQLite
// database imports a same-named ".jsonl" log, holding the store lock under
// the default policy.
func OpenBackend(ctx context.Context, path string, logger *slog.Logger) (Backend, error) {
	return openBackend(ctx, path, backendOptions{logger: logger, lockPolicy: DefaultLockPolicy()})
}

type backendOptions struct {
	logger     *slog.Logger
	lockPolicy LockPolicy

	// readOnly opens an existing SQLite database without pragmas, schema or
	// legacy migration, so nothing is created beside it. Writes fail.
	readOnly bool
}

func openBackend(ctx context.Context, path string, opts backendOptions) (Backend, error) {
	switch BackendKindForPath(path) {
	case BackendSQLite:
		return openSQLiteBackend(ctx, path, opts)
	default:
		return newJSONLBackend(path), nil
	}
}

// legacyLogPathFor returns the JSONL log a SQLite store migrates from.
func legacyLogPathFor(sqlitePath string) string {
	ext := filepath.Ext(sqlitePath)
	return strings.TrimSuffix(sqlitePath, ext) + ".jsonl"
}
