package session

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sessionstore/internal/chat"
	"github.com/roach88/sessionstore/internal/testutil"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestExportLineageJSONL_Golden(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "s.jsonl"))
	seedBranches(t, s)

	out, err := s.ExportLineageJSONL(5)
	require.NoError(t, err)
	assert.False(t, strings.HasSuffix(out, "\n"))

	newGoldie(t).Assert(t, "export_lineage_5", []byte(out))
}

func TestExportLineageJSONL_ZeroHead(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "s.jsonl"))
	seedBranches(t, s)

	out, err := s.ExportLineageJSONL(0)
	require.NoError(t, err)
	assert.Equal(t, `{"record_type":"meta","schema_version":1,"next_id":1}`, out)
}

func TestExportLineage_RoundTrip(t *testing.T) {
	destinations := []string{"export.jsonl", "export.jsonl.zst", "export.sqlite"}
	for _, name := range destinations {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := openTestStore(t, filepath.Join(t.TempDir(), "s.jsonl"))
			seedBranches(t, s)

			dest := filepath.Join(t.TempDir(), name)
			n, err := s.ExportLineage(ctx, 5, dest)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			exported := openTestStore(t, dest)
			want, err := s.LineageMessages(5)
			require.NoError(t, err)
			got, err := exported.LineageMessages(exported.HeadID())
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.Equal(t, []uint64{1, 4, 5}, entryIDs(exported.Entries()))
		})
	}
}

func TestExportLineage_CompressedHasZstdFrame(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "s.jsonl"))
	seedBranches(t, s)

	dest := filepath.Join(t.TempDir(), "export.jsonl.zst")
	_, err := s.ExportLineage(context.Background(), 5, dest)
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 4)
	assert.Equal(t, []byte{0x28, 0xb5, 0x2f, 0xfd}, data[:4])
}

func TestExportLineage_UnknownHead(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "s.jsonl"))
	dest := filepath.Join(t.TempDir(), "export.jsonl")

	_, err := s.ExportLineage(context.Background(), 3, dest)
	assert.True(t, IsUnknownID(err))
	assert.NoFileExists(t, dest)
}

func TestParseImportMode(t *testing.T) {
	mode, err := ParseImportMode(" Replace ")
	require.NoError(t, err)
	assert.Equal(t, ImportReplace, mode)

	_, err = ParseImportMode("overwrite")
	assert.Error(t, err)
}

func TestImportSnapshot_Merge(t *testing.T) {
	forEachBackend(t, func(t *testing.T, path string) {
		ctx := context.Background()
		source := filepath.Join(t.TempDir(), "snapshot.jsonl")
		testutil.WriteLog(t, source,
			testutil.Meta(1, 0),
			testutil.Entry(1, 0, "system", "snap sys"),
			testutil.Entry(2, 1, "user", "snap q"),
			testutil.Entry(3, 1, "user", "snap fork"),
		)

		s := openTestStore(t, path)
		seedBranches(t, s)
		existing := s.Entries()

		report, err := s.ImportSnapshot(ctx, source, ImportMerge)
		require.NoError(t, err)
		assert.Equal(t, ImportMerge, report.Mode)
		assert.Equal(t, 3, report.ImportedEntries)
		assert.Equal(t, 3, report.RemappedEntries)
		assert.Equal(t, []IDMapping{{Old: 1, New: 6}, {Old: 2, New: 7}, {Old: 3, New: 8}}, report.RemappedIDs)
		assert.Equal(t, 0, report.ReplacedEntries)
		assert.Equal(t, 8, report.ResultingEntries)
		assert.Equal(t, uint64(8), report.ActiveHead)

		assert.Equal(t, existing, s.Entries()[:len(existing)])
		assert.True(t, s.ValidationReport().IsValid())

		messages, err := s.LineageMessages(8)
		require.NoError(t, err)
		assert.Equal(t, []string{"snap sys", "snap fork"}, texts(messages))
		assert.Equal(t, uint64(9), s.NextID())
	})
}

func TestImportSnapshot_MergeEmptySource(t *testing.T) {
	source := filepath.Join(t.TempDir(), "empty.jsonl")
	testutil.WriteLog(t, source, testutil.Meta(1, 0))

	s := openTestStore(t, filepath.Join(t.TempDir(), "s.jsonl"))
	seedBranches(t, s)

	report, err := s.ImportSnapshot(context.Background(), source, ImportMerge)
	require.NoError(t, err)
	assert.Equal(t, 0, report.ImportedEntries)
	assert.Equal(t, uint64(0), report.ActiveHead)
	assert.Equal(t, 5, report.ResultingEntries)
}

func TestImportSnapshot_Replace(t *testing.T) {
	forEachBackend(t, func(t *testing.T, path string) {
		ctx := context.Background()
		source := filepath.Join(t.TempDir(), "snapshot.jsonl")
		testutil.WriteLog(t, source,
			testutil.Meta(1, 0),
			testutil.Entry(10, 0, "system", "snap sys"),
			testutil.Entry(12, 10, "user", "snap q"),
		)

		s := openTestStore(t, path)
		seedBranches(t, s)

		report, err := s.ImportSnapshot(ctx, source, ImportReplace)
		require.NoError(t, err)
		assert.Equal(t, ImportReport{
			Mode:             ImportReplace,
			ImportedEntries:  2,
			RemappedIDs:      []IDMapping{},
			ReplacedEntries:  5,
			ResultingEntries: 2,
			ActiveHead:       12,
		}, report)

		assert.Equal(t, []uint64{10, 12}, entryIDs(s.Entries()))
		assert.Equal(t, uint64(13), s.NextID())

		reloaded := openTestStore(t, path)
		assert.Equal(t, s.Entries(), reloaded.Entries())
	})
}

func TestImportSnapshot_ReplaceWithEmptySource(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "s.jsonl"))
	seedBranches(t, s)

	source := filepath.Join(t.TempDir(), "empty.jsonl")
	_, err := openTestStore(t, filepath.Join(t.TempDir(), "blank.jsonl")).ExportLineage(ctx, 0, source)
	require.NoError(t, err)

	report, err := s.ImportSnapshot(ctx, source, ImportReplace)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), report.ActiveHead)
	assert.Empty(t, s.Entries())
	assert.Equal(t, uint64(1), s.NextID())
}

func TestImportSnapshot_InvalidSourceLeavesTargetUntouched(t *testing.T) {
	ctx := context.Background()
	source := filepath.Join(t.TempDir(), "corrupt.jsonl")
	testutil.WriteLog(t, source,
		testutil.Meta(1, 0),
		testutil.Entry(1, 0, "system", "sys"),
		testutil.Entry(2, 9, "user", "dangling"),
	)

	path := filepath.Join(t.TempDir(), "s.jsonl")
	s := openTestStore(t, path)
	seedBranches(t, s)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	for _, mode := range []ImportMode{ImportMerge, ImportReplace} {
		_, err := s.ImportSnapshot(ctx, source, mode)
		require.Error(t, err)
		assert.True(t, IsImportValidation(err))
	}

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoFileExists(t, lockPathFor(path))
}

func TestImportSnapshot_MissingSource(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "s.jsonl"))
	missing := filepath.Join(t.TempDir(), "missing.sqlite")

	_, err := s.ImportSnapshot(context.Background(), missing, ImportMerge)
	require.Error(t, err)
	assert.Equal(t, ErrCodeIO, CodeOf(err))
	assert.NoFileExists(t, missing)
}

func TestImportSnapshot_NeverCollidesAfterCompaction(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "s.jsonl"))
	seedBranches(t, s)

	source := filepath.Join(t.TempDir(), "snapshot.jsonl")
	_, err := s.ExportLineage(ctx, 3, source)
	require.NoError(t, err)
	_, err = s.CompactToLineage(ctx, 3)
	require.NoError(t, err)

	report, err := s.ImportSnapshot(ctx, source, ImportMerge)
	require.NoError(t, err)
	for _, m := range report.RemappedIDs {
		assert.Greater(t, m.New, uint64(5))
	}
	assert.True(t, s.ValidationReport().IsValid())

	_, err = s.AppendMessages(ctx, report.ActiveHead, []chat.Message{chat.User("after")})
	require.NoError(t, err)
	assert.True(t, s.ValidationReport().IsValid())
}

func TestImportSnapshot_SQLiteSource(t *testing.T) {
	ctx := context.Background()
	origin := openTestStore(t, filepath.Join(t.TempDir(), "origin.jsonl"))
	seedBranches(t, origin)

	snapshot := filepath.Join(t.TempDir(), "snapshot.sqlite")
	_, err := origin.ExportLineage(ctx, 5, snapshot)
	require.NoError(t, err)

	s := openTestStore(t, filepath.Join(t.TempDir(), "s.jsonl"))
	_, err = s.AppendMessages(ctx, 0, []chat.Message{chat.System("target")})
	require.NoError(t, err)

	report, err := s.ImportSnapshot(ctx, snapshot, ImportMerge)
	require.NoError(t, err)
	assert.Equal(t, 3, report.ImportedEntries)
	assert.Equal(t, uint64(4), report.ActiveHead)

	messages, err := s.LineageMessages(report.ActiveHead)
	require.NoError(t, err)
	assert.Equal(t, []string{"sys", "q2b", "a2b"}, texts(messages))
}

func TestImportSnapshot_DoesNotModifySQLiteSource(t *testing.T) {
	source := filepath.Join(t.TempDir(), "foreign.sqlite")
	db, err := sql.Open("sqlite3", source)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE notes (body TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s := openTestStore(t, filepath.Join(t.TempDir(), "s.jsonl"))
	_, err = s.ImportSnapshot(context.Background(), source, ImportMerge)
	require.Error(t, err)
	assert.Equal(t, ErrCodeIO, CodeOf(err))
	assert.Empty(t, s.Entries())

	assert.NoFileExists(t, source+"-wal")
	assert.NoFileExists(t, source+"-shm")

	db, err = sql.Open("sqlite3", source)
	require.NoError(t, err)
	defer db.Close()

	var tables int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('entries', 'session_meta')`).Scan(&tables))
	assert.Zero(t, tables)

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "delete", mode)
}
