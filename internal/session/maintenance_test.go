package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sessionstore/internal/chat"
	"github.com/roach88/sessionstore/internal/testutil"
)

func corruptLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "s.jsonl")
	testutil.WriteLog(t, path,
		testutil.Meta(1, 0),
		testutil.Entry(1, 0, "system", "sys"),
		testutil.Entry(2, 1, "user", "q"),
		testutil.Entry(1, 0, "system", "dup"),
		testutil.Entry(3, 40, "user", "orphan"),
		testutil.Entry(4, 3, "assistant", "orphan child"),
		testutil.Entry(5, 6, "user", "loop a"),
		testutil.Entry(6, 5, "user", "loop b"),
		testutil.Entry(7, 6, "user", "loop tail"),
	)
	return path
}

func TestRepair_DuplicateScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	testutil.WriteLog(t, path,
		testutil.Meta(1, 0),
		testutil.Entry(1, 0, "system", "sys"),
		testutil.Entry(2, 1, "user", "q"),
		testutil.Entry(1, 0, "system", "dup"),
	)
	s := openTestStore(t, path)

	report, err := s.Repair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.RemovedDuplicates)
	assert.Equal(t, []uint64{1}, report.DuplicateIDs)
	assert.Len(t, s.Entries(), 2)
	assert.Equal(t, "sys", s.Entries()[0].Message.TextContent())
	assert.True(t, s.ValidationReport().IsValid())
}

func TestRepair_AllCategories(t *testing.T) {
	s := openTestStore(t, corruptLog(t))

	report, err := s.Repair(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uint64{1}, report.DuplicateIDs)
	assert.Equal(t, []uint64{3, 4}, report.InvalidParentIDs)
	assert.Equal(t, []uint64{5, 6, 7}, report.CycleIDs)
	assert.Equal(t, 1, report.RemovedDuplicates)
	assert.Equal(t, 2, report.RemovedInvalidParent)
	assert.Equal(t, 3, report.RemovedCycles)

	assert.Equal(t, []uint64{1, 2}, entryIDs(s.Entries()))
	assert.True(t, s.ValidationReport().IsValid())
}

func TestRepair_Idempotent(t *testing.T) {
	path := corruptLog(t)
	s := openTestStore(t, path)

	_, err := s.Repair(context.Background())
	require.NoError(t, err)

	second, err := s.Repair(context.Background())
	require.NoError(t, err)
	assert.True(t, second.IsEmpty())
	assert.Empty(t, second.DuplicateIDs)
	assert.Empty(t, second.InvalidParentIDs)
	assert.Empty(t, second.CycleIDs)

	reloaded := openTestStore(t, path)
	assert.Equal(t, []uint64{1, 2}, entryIDs(reloaded.Entries()))
}

func TestRepair_KeepsIDCounter(t *testing.T) {
	s := openTestStore(t, corruptLog(t))

	_, err := s.Repair(context.Background())
	require.NoError(t, err)

	head, err := s.AppendMessages(context.Background(), 2, []chat.Message{chat.Assistant("a")})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), head)
}

func TestRepair_ValidStoreWritesNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, path string) {
		s := openTestStore(t, path)
		seedBranches(t, s)

		report, err := s.Repair(context.Background())
		require.NoError(t, err)
		assert.True(t, report.IsEmpty())
		assert.Len(t, s.Entries(), 5)
	})
}

func TestCompactToLineage(t *testing.T) {
	forEachBackend(t, func(t *testing.T, path string) {
		ctx := context.Background()
		s := openTestStore(t, path)
		seedBranches(t, s)

		report, err := s.CompactToLineage(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, CompactReport{RemovedEntries: 2, RetainedEntries: 3, HeadID: 3}, report)
		assert.Equal(t, []uint64{1, 2, 3}, entryIDs(s.Entries()))

		// Ids 4 and 5 are gone but must not be handed out again, even after reload.
		require.NoError(t, s.Close())
		reloaded := openTestStore(t, path)
		head, err := reloaded.AppendMessages(ctx, 3, []chat.Message{chat.User("next")})
		require.NoError(t, err)
		assert.Equal(t, uint64(6), head)
	})
}

func TestCompactToLineage_ZeroHeadUsesLastEntry(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "s.jsonl"))
	seedBranches(t, s)

	report, err := s.CompactToLineage(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), report.HeadID)
	assert.Equal(t, []uint64{1, 4, 5}, entryIDs(s.Entries()))
}

func TestCompactToLineage_EmptyStore(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "s.jsonl"))

	report, err := s.CompactToLineage(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, CompactReport{}, report)
	assert.NoFileExists(t, s.Path())
}

func TestCompactToLineage_Errors(t *testing.T) {
	s := openTestStore(t, corruptLog(t))

	_, err := s.CompactToLineage(context.Background(), 99)
	assert.True(t, IsUnknownID(err))

	_, err = s.CompactToLineage(context.Background(), 7)
	assert.True(t, IsCycle(err))

	assert.Len(t, s.Entries(), 9)
}
