package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sessionstore/internal/testutil"
)

func TestComputeStats(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "s.jsonl"))
	seedBranches(t, s)

	stats, err := s.ComputeStats()
	require.NoError(t, err)
	assert.Equal(t, Stats{
		Entries:     5,
		BranchTips:  2,
		Roots:       1,
		MaxDepth:    3,
		LatestHead:  5,
		LatestDepth: 3,
		RoleCounts:  map[string]int{"system": 1, "user": 2, "assistant": 2},
	}, stats)

	assert.Equal(t, "session stats: entries=5 branch_tips=2 roots=1 max_depth=3\n"+
		"latest: head=5 depth=3\n"+
		"role: assistant=2\n"+
		"role: system=1\n"+
		"role: user=2", stats.String())
}

func TestComputeStats_Empty(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "s.jsonl"))

	stats, err := s.ComputeStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, uint64(0), stats.LatestHead)
	assert.Contains(t, stats.String(), "latest: head=none depth=0")
	assert.Contains(t, stats.String(), "roles: none")
}

func TestComputeStats_RejectsCorruptGraphs(t *testing.T) {
	tests := map[string]struct {
		records []testutil.Record
		code    ErrorCode
	}{
		"duplicate": {
			records: []testutil.Record{testutil.Entry(1, 0, "system", "a"), testutil.Entry(1, 0, "system", "b")},
			code:    ErrCodeDuplicateID,
		},
		"dangling": {
			records: []testutil.Record{testutil.Entry(1, 0, "system", "a"), testutil.Entry(2, 5, "user", "b")},
			code:    ErrCodeUnknownID,
		},
		"cycle": {
			records: []testutil.Record{testutil.Entry(1, 2, "user", "a"), testutil.Entry(2, 1, "user", "b")},
			code:    ErrCodeCycleDetected,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "s.jsonl")
			testutil.WriteLog(t, path, tt.records...)
			s := openTestStore(t, path)

			_, err := s.ComputeStats()
			require.Error(t, err)
			assert.Equal(t, tt.code, CodeOf(err))
		})
	}
}

func TestEntryDepths_DeepChain(t *testing.T) {
	const n = 20_000
	entries := make([]Entry, 0, n)
	for id := uint64(1); id <= n; id++ {
		entries = append(entries, entry(id, id-1))
	}

	depths, err := entryDepths(entries)
	require.NoError(t, err)
	assert.Equal(t, n, depths[n])
	assert.Equal(t, 1, depths[1])
}
