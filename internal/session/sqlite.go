package session

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking (PRAGMA user_version):
// 0 - empty database
// 1 - entries + session_meta tables
const currentDBVersion = 1

const (
	metaKeySchemaVersion = "schema_version"
	metaKeyNextID        = "next_id"

	// metaKeyLegacyChecked is set once the legacy JSONL log has been
	// imported, or found absent.
	metaKeyLegacyChecked = "legacy_checked"
)

// sqliteBackend stores entries in a SQLite database. Every mutation runs in
// a single transaction.
type sqliteBackend struct {
	path string
	db   *sql.DB
}

// openSQLiteBackend opens or creates the database at path. A database that
// has never checked for a same-named JSONL log imports it before returning.
func openSQLiteBackend(ctx context.Context, path string, opts backendOptions) (*sqliteBackend, error) {
	if opts.logger == nil {
		opts.logger = discardLogger()
	}

	dsn := path
	if opts.readOnly {
		dsn = "file:" + filepath.ToSlash(path) + "?mode=ro"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, ioError(path, "failed to open database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, ioError(path, "failed to connect to database", err)
	}

	// SQLite supports one writer; the store lock serializes writers across
	// processes, this serializes them within one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	b := &sqliteBackend{path: path, db: db}
	if opts.readOnly {
		return b, nil
	}

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, ioError(path, "failed to apply pragmas", err)
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, ioError(path, "failed to apply schema", err)
	}
	if err := b.migrateLegacyLog(ctx, opts.lockPolicy, opts.logger); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentDBVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentDBVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// migrateLegacyLog imports a same-named JSONL log into the database once.
// The decision is recorded in session_meta rather than inferred from the
// database file, so a failed import is retried on the next open. The import
// holds the store lock; concurrent openers wait and then find the marker.
func (b *sqliteBackend) migrateLegacyLog(ctx context.Context, policy LockPolicy, logger *slog.Logger) error {
	if done, err := b.legacyChecked(ctx); err != nil || done {
		return err
	}

	lock, err := AcquireLock(ctx, lockPathFor(b.path), policy, logger)
	if err != nil {
		return fmt.Errorf("import legacy session log: %w", err)
	}
	defer lock.Release()

	if done, err := b.legacyChecked(ctx); err != nil || done {
		return err
	}
	return b.importLegacyLog(ctx, logger)
}

func (b *sqliteBackend) legacyChecked(ctx context.Context) (bool, error) {
	meta, err := b.readMeta(ctx)
	if err != nil {
		return false, err
	}
	_, ok := meta[metaKeyLegacyChecked]
	return ok, nil
}

// importLegacyLog copies the legacy log into an empty database and sets the
// marker in the same transaction. A database that already holds entries
// predates the marker and is only marked. The log file is left in place.
func (b *sqliteBackend) importLegacyLog(ctx context.Context, logger *slog.Logger) error {
	current, err := b.Load(ctx)
	if err != nil {
		return err
	}
	if len(current.Entries) > 0 {
		return b.withTx(ctx, "mark legacy import", func(tx *sql.Tx) error {
			return b.setMeta(ctx, tx, metaKeyLegacyChecked, 1)
		})
	}

	legacyPath := legacyLogPathFor(b.path)
	st := current
	_, statErr := os.Stat(legacyPath)
	imported := statErr == nil
	if imported {
		if st, err = readLogFile(legacyPath); err != nil {
			return fmt.Errorf("import legacy session log: %w", err)
		}
	}

	err = b.withTx(ctx, "import legacy log", func(tx *sql.Tx) error {
		if err := b.replaceState(ctx, tx, st); err != nil {
			return err
		}
		return b.setMeta(ctx, tx, metaKeyLegacyChecked, 1)
	})
	if err != nil {
		return fmt.Errorf("import legacy session log: %w", err)
	}
	if imported {
		logger.Info("imported legacy session log",
			"from", legacyPath,
			"to", b.path,
			"entries", len(st.Entries),
		)
	}
	return nil
}

func (b *sqliteBackend) Kind() BackendKind {
	return BackendSQLite
}

func (b *sqliteBackend) Load(ctx context.Context) (State, error) {
	st := State{SchemaVersion: SchemaVersion}

	meta, err := b.readMeta(ctx)
	if err != nil {
		return State{}, err
	}
	if v, ok := meta[metaKeySchemaVersion]; ok {
		st.SchemaVersion = int(v)
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, parent_id, message
		FROM entries
		ORDER BY seq ASC
	`)
	if err != nil {
		return State{}, ioError(b.path, "failed to query entries", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id       int64
			parentID sql.NullInt64
			message  string
		)
		if err := rows.Scan(&id, &parentID, &message); err != nil {
			return State{}, ioError(b.path, "failed to scan entry", err)
		}
		entry := Entry{ID: uint64(id)}
		if parentID.Valid {
			entry.ParentID = parentRef(uint64(parentID.Int64))
		}
		if err := json.Unmarshal([]byte(message), &entry.Message); err != nil {
			return State{}, serializationError(b.path, fmt.Sprintf("failed to parse message of entry %d", id), err)
		}
		st.Entries = append(st.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return State{}, ioError(b.path, "failed to iterate entries", err)
	}

	st.NextID = effectiveNextID(uint64(meta[metaKeyNextID]), st.Entries)
	return st, nil
}

func (b *sqliteBackend) readMeta(ctx context.Context) (map[string]int64, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key, value FROM session_meta`)
	if err != nil {
		return nil, ioError(b.path, "failed to query session meta", err)
	}
	defer rows.Close()

	meta := make(map[string]int64)
	for rows.Next() {
		var (
			key   string
			value int64
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, ioError(b.path, "failed to scan session meta", err)
		}
		meta[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, ioError(b.path, "failed to iterate session meta", err)
	}
	return meta, nil
}

func (b *sqliteBackend) Append(ctx context.Context, st State, added []Entry) error {
	return b.withTx(ctx, "append", func(tx *sql.Tx) error {
		if err := b.insertEntries(ctx, tx, added); err != nil {
			return err
		}
		return b.writeMeta(ctx, tx, st)
	})
}

func (b *sqliteBackend) Persist(ctx context.Context, st State) error {
	return b.withTx(ctx, "persist", func(tx *sql.Tx) error {
		return b.replaceState(ctx, tx, st)
	})
}

func (b *sqliteBackend) replaceState(ctx context.Context, tx *sql.Tx, st State) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return ioError(b.path, "failed to clear entries", err)
	}
	if err := b.insertEntries(ctx, tx, st.Entries); err != nil {
		return err
	}
	return b.writeMeta(ctx, tx, st)
}

func (b *sqliteBackend) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return ioError(b.path, op+": begin tx", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return ioError(b.path, op+": commit", err)
	}
	return nil
}

func (b *sqliteBackend) insertEntries(ctx context.Context, tx *sql.Tx, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entries (id, parent_id, message)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return ioError(b.path, "failed to prepare insert", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		id, err := toSQLInt(entry.ID)
		if err != nil {
			return serializationError(b.path, "entry id out of range", err)
		}
		var parentID sql.NullInt64
		if p, ok := entry.Parent(); ok {
			v, err := toSQLInt(p)
			if err != nil {
				return serializationError(b.path, "parent id out of range", err)
			}
			parentID = sql.NullInt64{Int64: v, Valid: true}
		}
		message, err := json.Marshal(entry.Message)
		if err != nil {
			return serializationError(b.path, fmt.Sprintf("failed to encode message of entry %d", entry.ID), err)
		}
		if _, err := stmt.ExecContext(ctx, id, parentID, string(message)); err != nil {
			return ioError(b.path, fmt.Sprintf("failed to insert entry %d", entry.ID), err)
		}
	}
	return nil
}

func (b *sqliteBackend) writeMeta(ctx context.Context, tx *sql.Tx, st State) error {
	version := st.SchemaVersion
	if version == 0 {
		version = SchemaVersion
	}
	nextID, err := toSQLInt(st.NextID)
	if err != nil {
		return serializationError(b.path, "next id out of range", err)
	}
	if err := b.setMeta(ctx, tx, metaKeySchemaVersion, int64(version)); err != nil {
		return err
	}
	return b.setMeta(ctx, tx, metaKeyNextID, nextID)
}

func (b *sqliteBackend) setMeta(ctx context.Context, tx *sql.Tx, key string, value int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value); err != nil {
		return ioError(b.path, "failed to write session meta", err)
	}
	return nil
}

func (b *sqliteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// toSQLInt converts an id to SQLite's signed 64-bit integer.
func toSQLInt(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%d exceeds int64", v)
	}
	return int64(v), nil
}
