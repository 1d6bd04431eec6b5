package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sessionstore/internal/testutil"
)

// execute runs sessionctl with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// mustExecute runs sessionctl and fails the test on error.
func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	require.NoError(t, err, "sessionctl %v: %s", args, out)
	return out
}

// decodeData decodes the data field of a JSON response into v.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

// seedStore builds, through the CLI:
//
//	1 system
//	├── 2 q1 ── 3 a1
//	└── 4 q2b ── 5 a2b
func seedStore(t *testing.T) string {
	t.Helper()
	store := filepath.Join(t.TempDir(), "session.jsonl")
	mustExecute(t, "--store", store, "init", "You are helpful.")
	mustExecute(t, "--store", store, "append", "q1")
	mustExecute(t, "--store", store, "append", "--role", "assistant", "a1")
	mustExecute(t, "--store", store, "append", "--parent", "1", "q2b")
	mustExecute(t, "--store", store, "append", "--role", "assistant", "a2b")
	return store
}

func TestInitAndAppend(t *testing.T) {
	store := filepath.Join(t.TempDir(), "session.jsonl")

	out := mustExecute(t, "--store", store, "init", "You", "are", "helpful.")
	assert.Equal(t, "head=1\n", out)

	out = mustExecute(t, "--store", store, "init", "ignored")
	assert.Equal(t, "head=1\n", out, "init on a non-empty store reports the head")

	out = mustExecute(t, "--store", store, "--format", "json", "append", "hello", "there")
	var res HeadResult
	decodeData(t, out, &res)
	assert.Equal(t, HeadResult{Head: 2, Parent: 1}, res)

	out = mustExecute(t, "--store", store, "append", "--root", "--role", "system", "second conversation")
	assert.Equal(t, "head=3 parent=none\n", out)

	out = mustExecute(t, "--store", store, "lineage", "2")
	assert.Equal(t, "[1] parent=none system: You are helpful.\n[2] parent=1 user: hello there\n", out)
}

func TestAppendRejectsBadInput(t *testing.T) {
	store := seedStore(t)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown_role", []string{"append", "--role", "robot", "hi"}},
		{"root_and_parent", []string{"append", "--root", "--parent", "2", "hi"}},
		{"unknown_parent", []string{"append", "--parent", "99", "hi"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"--store", store}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}

	out := mustExecute(t, "--store", store, "stats")
	assert.Contains(t, out, "entries=5", "rejected appends write nothing")
}

func TestLineageUnknownHead(t *testing.T) {
	store := seedStore(t)

	out, err := execute(t, "--store", store, "--format", "json", "lineage", "99")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "UNKNOWN_ID", resp.Error.Code)
}

func TestTips(t *testing.T) {
	store := seedStore(t)

	out := mustExecute(t, "--store", store, "--format", "json", "tips")
	var list EntryList
	decodeData(t, out, &list)
	require.Len(t, list.Entries, 2)
	assert.Equal(t, uint64(3), list.Entries[0].ID)
	assert.Equal(t, uint64(5), list.Entries[1].ID)
	assert.Equal(t, "a2b", list.Entries[1].Text)
}

func TestValidateAndRepair(t *testing.T) {
	store := filepath.Join(t.TempDir(), "session.jsonl")
	testutil.WriteLog(t, store,
		testutil.Meta(1, 0),
		testutil.Entry(1, 0, "system", "root"),
		testutil.Entry(2, 1, "user", "kept"),
		testutil.Entry(3, 42, "user", "orphan"),
	)

	out, err := execute(t, "--store", store, "validate")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "invalid parent: 1")

	out = mustExecute(t, "--store", store, "--format", "json", "repair")
	var report struct {
		RemovedInvalidParent int      `json:"removed_invalid_parent"`
		InvalidParentIDs     []uint64 `json:"invalid_parent_ids"`
	}
	decodeData(t, out, &report)
	assert.Equal(t, 1, report.RemovedInvalidParent)
	assert.Equal(t, []uint64{3}, report.InvalidParentIDs)

	out = mustExecute(t, "--store", store, "validate")
	assert.Contains(t, out, "Session store valid (2 entries)")

	out = mustExecute(t, "--store", store, "repair")
	assert.Equal(t, "nothing to repair\n", out)
}

func TestCompact(t *testing.T) {
	store := seedStore(t)

	out := mustExecute(t, "--store", store, "compact", "3")
	assert.Equal(t, "compacted to head=3 removed=2 retained=3\n", out)

	out = mustExecute(t, "--store", store, "append", "next")
	assert.Equal(t, "head=6 parent=3\n", out, "compacted ids are not reused")
}

func TestMerge(t *testing.T) {
	t.Run("fast_forward_refused", func(t *testing.T) {
		store := seedStore(t)

		_, err := execute(t, "--store", store, "merge", "--strategy", "fast-forward", "3", "5")
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
	})

	t.Run("append", func(t *testing.T) {
		store := seedStore(t)

		out := mustExecute(t, "--store", store, "merge", "3", "5")
		assert.Equal(t, "merge append: source=3 target=5 common_ancestor=1 appended=2 merged_head=7\n", out)

		out = mustExecute(t, "--store", store, "lineage", "7")
		assert.Contains(t, out, "[6] parent=5 user: q1")
		assert.Contains(t, out, "[7] parent=6 assistant: a1")
	})

	t.Run("bad_strategy", func(t *testing.T) {
		store := seedStore(t)

		_, err := execute(t, "--store", store, "merge", "--strategy", "rebase", "3", "5")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("zero_id", func(t *testing.T) {
		store := seedStore(t)

		_, err := execute(t, "--store", store, "merge", "0", "5")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestExportImport(t *testing.T) {
	store := seedStore(t)
	snapshot := filepath.Join(t.TempDir(), "lineage.jsonl.zst")

	out := mustExecute(t, "--store", store, "export", "--head", "3", snapshot)
	assert.Equal(t, "exported 3 entries (head=3) to "+snapshot+"\n", out)

	target := filepath.Join(t.TempDir(), "target.sqlite")
	mustExecute(t, "--store", target, "init", "other")

	out = mustExecute(t, "--store", target, "--format", "json", "import", snapshot)
	var merged struct {
		Mode             string `json:"mode"`
		RemappedEntries  int    `json:"remapped_entries"`
		ResultingEntries int    `json:"resulting_entries"`
		ActiveHead       uint64 `json:"active_head"`
	}
	decodeData(t, out, &merged)
	assert.Equal(t, "merge", merged.Mode)
	assert.Equal(t, 3, merged.RemappedEntries)
	assert.Equal(t, 4, merged.ResultingEntries)
	assert.Equal(t, uint64(4), merged.ActiveHead)

	out = mustExecute(t, "--store", target, "import", "--mode", "replace", snapshot)
	assert.Contains(t, out, "import replace: imported=3 remapped=0 replaced=4 resulting=3 active_head=3")
}

func TestImportRejectsCorruptSnapshot(t *testing.T) {
	store := seedStore(t)
	snapshot := filepath.Join(t.TempDir(), "bad.jsonl")
	testutil.WriteLog(t, snapshot,
		testutil.Entry(1, 0, "system", "root"),
		testutil.Entry(2, 7, "user", "dangling"),
	)

	_, err := execute(t, "--store", store, "import", snapshot)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out := mustExecute(t, "--store", store, "stats")
	assert.Contains(t, out, "entries=5")
}

func TestGraph(t *testing.T) {
	store := seedStore(t)

	out := mustExecute(t, "--store", store, "graph")
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "  n4 --> n5")

	out = mustExecute(t, "--store", store, "graph", "--graph-format", "dot")
	assert.Contains(t, out, "digraph session {")

	dest := filepath.Join(t.TempDir(), "session.dot")
	out = mustExecute(t, "--store", store, "graph", dest)
	assert.Equal(t, "graph export: path="+dest+" format=dot nodes=5 edges=4\n", out)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "  n1 -> n2;")
}

func TestStatsAndDiff(t *testing.T) {
	store := seedStore(t)

	out := mustExecute(t, "--store", store, "stats")
	assert.Contains(t, out, "session stats: entries=5 branch_tips=2 roots=1 max_depth=3")
	assert.Contains(t, out, "role: assistant=2")

	out = mustExecute(t, "--store", store, "diff", "3")
	assert.Contains(t, out, "session diff: left=3 right=5")
	assert.Contains(t, out, "left-only: id=2 parent=1 role=user preview=q1")
	assert.Contains(t, out, "right-only: id=5 parent=4 role=assistant preview=a2b")
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "configured.jsonl")
	cfgPath := filepath.Join(dir, "sessionctl.yaml")
	testutil.WriteRaw(t, cfgPath, "store: "+store+"\nlock:\n  timeout: 2s\nlog:\n  level: warn\n")

	mustExecute(t, "--config", cfgPath, "init", "configured")
	_, err := os.Stat(store)
	require.NoError(t, err)

	testutil.WriteRaw(t, cfgPath, "stor: typo.jsonl\n")
	_, err = execute(t, "--config", cfgPath, "tips")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
