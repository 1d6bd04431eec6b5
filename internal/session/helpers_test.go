package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/sessionstore/internal/chat"
)

// backendFiles names one store file per backend so shared behaviour runs
// against both.
var backendFiles = map[BackendKind]string{
	BackendJSONL:  "session.jsonl",
	BackendSQLite: "session.sqlite",
}

func forEachBackend(t *testing.T, fn func(t *testing.T, path string)) {
	t.Helper()
	for kind, name := range backendFiles {
		t.Run(string(kind), func(t *testing.T) {
			fn(t, filepath.Join(t.TempDir(), name))
		})
	}
}

// openTestStore loads path and closes it when the test ends.
func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Load(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedBranches builds the two-branch fixture:
//
//	1 sys ─┬─ 2 q1 ── 3 a1
//	       └─ 4 q2b ─ 5 a2b
func seedBranches(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	root, err := s.AppendMessages(ctx, 0, []chat.Message{chat.System("sys")})
	require.NoError(t, err)
	require.Equal(t, uint64(1), root)

	head, err := s.AppendMessages(ctx, root, []chat.Message{chat.User("q1"), chat.Assistant("a1")})
	require.NoError(t, err)
	require.Equal(t, uint64(3), head)

	head, err = s.AppendMessages(ctx, root, []chat.Message{chat.User("q2b"), chat.Assistant("a2b")})
	require.NoError(t, err)
	require.Equal(t, uint64(5), head)
}

func texts(messages []chat.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.TextContent()
	}
	return out
}

func entryIDs(entries []Entry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
