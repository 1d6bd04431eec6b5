package session

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/roach88/sessionstore/internal/chat"
)

// Store is a branching, append-only message history addressed by entry id.
//
// A Store holds an in-memory copy of the persisted state. Every mutating
// operation takes the sidecar lock, reloads the state from the backend,
// applies its change and persists it before releasing the lock, so
// independent Store values (in one process or many) never lose updates.
// Read-only operations use the in-memory copy and take no lock.
//
// A Store value is not safe for concurrent use by multiple goroutines;
// give each writer its own Store.
type Store struct {
	path       string
	backend    Backend
	state      State
	lockPolicy LockPolicy
	logger     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLockPolicy overrides the default lock policy.
func WithLockPolicy(policy LockPolicy) Option {
	return func(s *Store) {
		s.SetLockPolicy(policy.Timeout, policy.StaleAfter)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Load opens the store at path, creating its parent directory if needed.
// The backend is chosen from the path suffix (see BackendKindForPath).
// A missing store loads empty with NextID 1. Loading never validates the
// graph, so a corrupt store still loads and can be repaired.
func Load(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:       path,
		lockPolicy: DefaultLockPolicy(),
		logger:     discardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if parent := filepath.Dir(path); parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return nil, ioError(parent, "failed to create session directory", err)
		}
	}

	backend, err := openBackend(ctx, path, backendOptions{logger: s.logger, lockPolicy: s.lockPolicy})
	if err != nil {
		return nil, err
	}
	st, err := backend.Load(ctx)
	if err != nil {
		backend.Close()
		return nil, err
	}
	if st.SchemaVersion > SchemaVersion {
		s.logger.Warn("session schema is newer than supported; reading entries anyway",
			"path", path,
			"schema_version", st.SchemaVersion,
			"supported", SchemaVersion,
		)
	}

	s.backend = backend
	s.state = st
	return s, nil
}

// Close releases backend resources.
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

// Path returns the store path.
func (s *Store) Path() string {
	return s.path
}

// Backend returns the backend kind in use.
func (s *Store) Backend() BackendKind {
	return s.backend.Kind()
}

// Entries returns a copy of the loaded entries in physical order.
func (s *Store) Entries() []Entry {
	return slices.Clone(s.state.Entries)
}

// HeadID returns the id of the last entry in physical order, or 0 when the
// store is empty.
func (s *Store) HeadID() uint64 {
	if len(s.state.Entries) == 0 {
		return 0
	}
	return s.state.Entries[len(s.state.Entries)-1].ID
}

// NextID returns the id the next appended entry will receive, as of the
// last load or mutation.
func (s *Store) NextID() uint64 {
	return s.state.NextID
}

// Contains reports whether an entry with id is loaded.
func (s *Store) Contains(id uint64) bool {
	return slices.ContainsFunc(s.state.Entries, func(e Entry) bool { return e.ID == id })
}

// SetLockPolicy overrides lock timeout and stale threshold for this store.
// The timeout is clamped to at least one millisecond; a zero staleAfter
// disables stale lock reclamation.
func (s *Store) SetLockPolicy(timeout, staleAfter time.Duration) {
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	if staleAfter < 0 {
		staleAfter = 0
	}
	s.lockPolicy = LockPolicy{Timeout: timeout, StaleAfter: staleAfter}
}

// LockPolicy returns the active lock policy.
func (s *Store) LockPolicy() LockPolicy {
	return s.lockPolicy
}

// Reload replaces the in-memory copy with the persisted state.
func (s *Store) Reload(ctx context.Context) error {
	st, err := s.backend.Load(ctx)
	if err != nil {
		return err
	}
	s.state = st
	return nil
}

func (s *Store) lockPath() string {
	return lockPathFor(s.path)
}

// change is the outcome of a mutation: the complete next state, plus the
// entries added on top of the loaded state when the change is a pure append.
type change struct {
	next  State
	added []Entry
}

// appended builds the change that appends added to st.
func appended(st State, added []Entry) *change {
	return &change{
		next: State{
			SchemaVersion: SchemaVersion,
			NextID:        st.NextID + uint64(len(added)),
			Entries:       append(slices.Clone(st.Entries), added...),
		},
		added: added,
	}
}

// mutate runs fn under the store lock with freshly loaded state. A non-nil
// change is persisted (as an append when it only adds entries) and becomes
// the in-memory copy. The lock is released on every return path.
func (s *Store) mutate(ctx context.Context, fn func(st State) (*change, error)) error {
	lock, err := AcquireLock(ctx, s.lockPath(), s.lockPolicy, s.logger)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := s.backend.Load(ctx)
	if err != nil {
		return err
	}
	c, err := fn(st)
	if err != nil {
		return err
	}
	if c == nil {
		s.state = st
		return nil
	}

	if c.added != nil {
		err = s.backend.Append(ctx, c.next, c.added)
	} else {
		err = s.backend.Persist(ctx, c.next)
	}
	if err != nil {
		return err
	}
	s.state = c.next
	return nil
}

// AppendMessages appends messages as a chain starting under parent (0 for a
// new root) and returns the id of the last appended entry. With no messages
// it returns parent unchanged and writes nothing.
func (s *Store) AppendMessages(ctx context.Context, parent uint64, messages []chat.Message) (uint64, error) {
	if len(messages) == 0 {
		return parent, nil
	}

	var head uint64
	err := s.mutate(ctx, func(st State) (*change, error) {
		if parent != 0 && !slices.ContainsFunc(st.Entries, func(e Entry) bool { return e.ID == parent }) {
			return nil, &Error{
				Code:    ErrCodeUnknownID,
				Message: "parent id does not exist in session",
				ID:      parent,
			}
		}
		added := chainEntries(st.NextID, parent, messages)
		head = added[len(added)-1].ID
		return appended(st, added), nil
	})
	if err != nil {
		return 0, err
	}
	return head, nil
}

// chainEntries assigns sequential ids from firstID, each entry parented on
// the previous one and the first on parent.
func chainEntries(firstID, parent uint64, messages []chat.Message) []Entry {
	added := make([]Entry, 0, len(messages))
	id := firstID
	for _, message := range messages {
		added = append(added, Entry{ID: id, ParentID: parentRef(parent), Message: message})
		parent = id
		id++
	}
	return added
}

// EnsureInitialized seeds an empty store with a system message root.
// A non-empty store returns its head; a blank prompt on an empty store
// returns 0 and writes nothing.
func (s *Store) EnsureInitialized(ctx context.Context, systemPrompt string) (uint64, error) {
	if len(s.state.Entries) > 0 {
		return s.HeadID(), nil
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return 0, nil
	}
	return s.AppendMessages(ctx, 0, []chat.Message{chat.System(systemPrompt)})
}

// LineageEntries returns the entries from the root to head inclusive.
// head 0 yields an empty lineage.
func (s *Store) LineageEntries(head uint64) ([]Entry, error) {
	if head == 0 {
		return []Entry{}, nil
	}
	return indexEntries(s.state.Entries).lineage(head)
}

// LineageMessages returns the messages from the root to head inclusive.
func (s *Store) LineageMessages(head uint64) ([]chat.Message, error) {
	lineage, err := s.LineageEntries(head)
	if err != nil {
		return nil, err
	}
	messages := make([]chat.Message, len(lineage))
	for i, entry := range lineage {
		messages[i] = entry.Message
	}
	return messages, nil
}

// BranchTips returns every entry that is not the parent of another entry,
// ordered by ascending id.
func (s *Store) BranchTips() []Entry {
	return branchTipsFor(s.state.Entries)
}

// ValidationReport scans the loaded entries for duplicates, dangling parents
// and cycles.
func (s *Store) ValidationReport() Report {
	return validationReportFor(s.state.Entries)
}
