// Package testutil writes raw session files for tests, including corrupt
// ones the store API refuses to produce.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Record is one raw line of a session log.
type Record map[string]any

// Meta returns a meta record. A zero nextID omits the field, as older logs do.
func Meta(schemaVersion int, nextID uint64) Record {
	rec := Record{"record_type": "meta", "schema_version": schemaVersion}
	if nextID != 0 {
		rec["next_id"] = nextID
	}
	return rec
}

// Entry returns a tagged entry record with a single text block.
// A zero parent writes a root (parent_id null).
func Entry(id, parent uint64, role, text string) Record {
	rec := BareEntry(id, parent, role, text)
	rec["record_type"] = "entry"
	return rec
}

// BareEntry returns an entry without record_type, the legacy line format.
func BareEntry(id, parent uint64, role, text string) Record {
	var parentID any
	if parent != 0 {
		parentID = parent
	}
	return Record{
		"id":        id,
		"parent_id": parentID,
		"message": map[string]any{
			"role":    role,
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	}
}

// WriteLog writes records to path, one JSON object per line, creating the
// parent directory.
func WriteLog(t testing.TB, path string, records ...Record) {
	t.Helper()

	lines := make([]string, 0, len(records))
	for _, rec := range records {
		encoded, err := json.Marshal(rec)
		require.NoError(t, err)
		lines = append(lines, string(encoded))
	}
	WriteRaw(t, path, strings.Join(lines, "\n")+"\n")
}

// WriteRaw writes content to path verbatim.
func WriteRaw(t testing.TB, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// AgedFile creates path (if missing) and backdates its mtime by age.
// Used to plant lock files left by crashed writers.
func AgedFile(t testing.TB, path string, age time.Duration) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		WriteRaw(t, path, "{}\n")
	}
	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
}

// ReadLines returns the non-empty lines of path.
func ReadLines(t testing.TB, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
