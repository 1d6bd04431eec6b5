package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/sessionstore/internal/chat"
)

// SchemaVersion is the record format version written by this package.
const SchemaVersion = 1

// Entry is one persisted message node.
// ParentID is nil for roots.
type Entry struct {
	ID       uint64       `json:"id"`
	ParentID *uint64      `json:"parent_id"`
	Message  chat.Message `json:"message"`
}

// Parent returns the parent id and whether the entry has one.
func (e Entry) Parent() (uint64, bool) {
	if e.ParentID == nil {
		return 0, false
	}
	return *e.ParentID, true
}

// IsRoot reports whether the entry has no parent.
func (e Entry) IsRoot() bool {
	return e.ParentID == nil
}

// parentRef returns a pointer suitable for Entry.ParentID; 0 means root.
func parentRef(id uint64) *uint64 {
	if id == 0 {
		return nil
	}
	p := id
	return &p
}

// State is the full persisted content of a store: the meta values plus
// every entry in physical order.
type State struct {
	SchemaVersion int
	NextID        uint64
	Entries       []Entry
}

// nextIDFor returns max(ids)+1, or 1 when entries is empty.
func nextIDFor(entries []Entry) uint64 {
	var maxID uint64
	for _, entry := range entries {
		if entry.ID > maxID {
			maxID = entry.ID
		}
	}
	return maxID + 1
}

// effectiveNextID never lets the counter fall below max(ids)+1.
func effectiveNextID(persisted uint64, entries []Entry) uint64 {
	computed := nextIDFor(entries)
	if persisted > computed {
		return persisted
	}
	return computed
}

const (
	recordTypeMeta  = "meta"
	recordTypeEntry = "entry"
)

type metaRecord struct {
	RecordType    string `json:"record_type"`
	SchemaVersion int    `json:"schema_version"`
	NextID        uint64 `json:"next_id,omitempty"`
}

type entryRecord struct {
	RecordType string       `json:"record_type"`
	ID         uint64       `json:"id"`
	ParentID   *uint64      `json:"parent_id"`
	Message    chat.Message `json:"message"`
}

// rawRecord accepts tagged records and legacy bare entries alike.
type rawRecord struct {
	RecordType    string        `json:"record_type"`
	SchemaVersion int           `json:"schema_version"`
	NextID        uint64        `json:"next_id"`
	ID            *uint64       `json:"id"`
	ParentID      *uint64       `json:"parent_id"`
	Message       *chat.Message `json:"message"`
}

// encodeRecords writes a meta record followed by one entry record per line.
func encodeRecords(w io.Writer, st State) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	version := st.SchemaVersion
	if version == 0 {
		version = SchemaVersion
	}
	if err := enc.Encode(metaRecord{
		RecordType:    recordTypeMeta,
		SchemaVersion: version,
		NextID:        st.NextID,
	}); err != nil {
		return fmt.Errorf("encode meta record: %w", err)
	}

	for _, entry := range st.Entries {
		if err := enc.Encode(entryRecord{
			RecordType: recordTypeEntry,
			ID:         entry.ID,
			ParentID:   entry.ParentID,
			Message:    entry.Message,
		}); err != nil {
			return fmt.Errorf("encode entry %d: %w", entry.ID, err)
		}
	}
	return nil
}

// decodeRecords reads records in physical order. The first meta record sets
// the schema version and persisted next id; later meta records are ignored.
// Lines without a record_type are read as legacy bare entries.
// The graph is not validated.
func decodeRecords(r io.Reader, path string) (State, error) {
	st := State{}
	metaSeen := false
	reader := bufio.NewReader(r)

	for lineNo := 1; ; lineNo++ {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return State{}, ioError(path, fmt.Sprintf("failed to read line %d", lineNo), readErr)
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var raw rawRecord
			if err := json.Unmarshal(trimmed, &raw); err != nil {
				return State{}, serializationError(path, fmt.Sprintf("failed to parse session line %d", lineNo), err)
			}

			switch raw.RecordType {
			case recordTypeMeta:
				if !metaSeen {
					metaSeen = true
					st.SchemaVersion = raw.SchemaVersion
					st.NextID = raw.NextID
				}
			case recordTypeEntry, "":
				entry, err := raw.entry()
				if err != nil {
					return State{}, serializationError(path, fmt.Sprintf("invalid entry on line %d", lineNo), err)
				}
				st.Entries = append(st.Entries, entry)
			default:
				return State{}, serializationError(path,
					fmt.Sprintf("unknown record_type %q on line %d", raw.RecordType, lineNo), nil)
			}
		}

		if readErr != nil {
			break
		}
	}

	if !metaSeen {
		st.SchemaVersion = SchemaVersion
	}
	return st, nil
}

func (r rawRecord) entry() (Entry, error) {
	if r.ID == nil {
		return Entry{}, fmt.Errorf("missing id")
	}
	if r.Message == nil {
		return Entry{}, fmt.Errorf("missing message")
	}
	return Entry{ID: *r.ID, ParentID: r.ParentID, Message: *r.Message}, nil
}
