package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ImportMode selects how a snapshot is applied to the target store.
type ImportMode string

const (
	// ImportMerge appends the snapshot under fresh ids after the target's entries.
	ImportMerge ImportMode = "merge"

	// ImportReplace discards the target's entries and keeps the snapshot's ids.
	ImportReplace ImportMode = "replace"
)

// ParseImportMode parses an import mode name.
func ParseImportMode(raw string) (ImportMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "merge":
		return ImportMerge, nil
	case "replace":
		return ImportReplace, nil
	default:
		return "", fmt.Errorf("invalid import mode %q; expected merge or replace", raw)
	}
}

// IDMapping records the new id given to an imported entry.
type IDMapping struct {
	Old uint64 `json:"old"`
	New uint64 `json:"new"`
}

// ImportReport describes a completed import.
type ImportReport struct {
	Mode             ImportMode  `json:"mode"`
	ImportedEntries  int         `json:"imported_entries"`
	RemappedEntries  int         `json:"remapped_entries"`
	RemappedIDs      []IDMapping `json:"remapped_ids"`
	ReplacedEntries  int         `json:"replaced_entries"`
	ResultingEntries int         `json:"resulting_entries"`
	ActiveHead       uint64      `json:"active_head"`
}

// ExportLineage writes head's lineage (ids and parents unchanged) to a
// standalone store at path and returns the number of entries written.
// The destination format follows the path suffix like Load does.
func (s *Store) ExportLineage(ctx context.Context, head uint64, path string) (int, error) {
	lineage, err := s.LineageEntries(head)
	if err != nil {
		return 0, err
	}

	dest, err := openBackend(ctx, path, backendOptions{logger: s.logger, lockPolicy: s.lockPolicy})
	if err != nil {
		return 0, err
	}
	defer dest.Close()

	st := State{SchemaVersion: SchemaVersion, NextID: nextIDFor(lineage), Entries: lineage}
	if err := dest.Persist(ctx, st); err != nil {
		return 0, err
	}
	return len(lineage), nil
}

// ExportLineageJSONL renders head's lineage as JSONL records: a meta line
// followed by one entry line each, without a trailing newline.
func (s *Store) ExportLineageJSONL(head uint64) (string, error) {
	lineage, err := s.LineageEntries(head)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	st := State{SchemaVersion: SchemaVersion, NextID: nextIDFor(lineage), Entries: lineage}
	if err := encodeRecords(&buf, st); err != nil {
		return "", serializationError("", "failed to encode lineage", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// loadSnapshot reads a snapshot store without creating or modifying it.
func loadSnapshot(ctx context.Context, path string, s *Store) (State, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, ioError(path, "snapshot does not exist", err)
		}
		return State{}, ioError(path, "failed to stat snapshot", err)
	}
	src, err := openBackend(ctx, path, backendOptions{logger: s.logger, readOnly: true})
	if err != nil {
		return State{}, err
	}
	defer src.Close()
	return src.Load(ctx)
}

// ImportSnapshot applies the snapshot at sourcePath to the store.
//
// The snapshot is validated before the target is touched; a corrupt
// snapshot fails with ErrCodeImportValidationFailed and nothing is written.
// In merge mode every imported entry receives a fresh id from the target's
// counter, preserving the snapshot's parent structure. In replace mode the
// target's entries are replaced verbatim and the counter restarts above the
// snapshot's largest id.
func (s *Store) ImportSnapshot(ctx context.Context, sourcePath string, mode ImportMode) (ImportReport, error) {
	if mode != ImportMerge && mode != ImportReplace {
		return ImportReport{}, fmt.Errorf("invalid import mode %q", mode)
	}

	source, err := loadSnapshot(ctx, sourcePath, s)
	if err != nil {
		return ImportReport{}, err
	}
	if report := validationReportFor(source.Entries); !report.IsValid() {
		return ImportReport{}, &Error{
			Code: ErrCodeImportValidationFailed,
			Message: fmt.Sprintf("import session validation failed: entries=%d duplicates=%d invalid_parent=%d cycles=%d",
				report.Entries, report.Duplicates, report.InvalidParent, report.Cycles),
			Path: sourcePath,
		}
	}

	report := ImportReport{Mode: mode, RemappedIDs: []IDMapping{}}
	err = s.mutate(ctx, func(st State) (*change, error) {
		switch mode {
		case ImportMerge:
			added, mapping := remapEntries(source.Entries, st.NextID)
			report.ImportedEntries = len(source.Entries)
			report.RemappedEntries = len(mapping)
			report.RemappedIDs = mapping
			report.ResultingEntries = len(st.Entries) + len(added)
			if len(added) == 0 {
				return nil, nil
			}
			report.ActiveHead = added[len(added)-1].ID
			return appended(st, added), nil

		default:
			report.ImportedEntries = len(source.Entries)
			report.ReplacedEntries = len(st.Entries)
			report.ResultingEntries = len(source.Entries)
			if n := len(source.Entries); n > 0 {
				report.ActiveHead = source.Entries[n-1].ID
			}
			return &change{next: State{
				SchemaVersion: SchemaVersion,
				NextID:        nextIDFor(source.Entries),
				Entries:       source.Entries,
			}}, nil
		}
	})
	if err != nil {
		return ImportReport{}, err
	}

	s.logger.Info("imported session snapshot",
		"path", s.path,
		"source", sourcePath,
		"mode", mode,
		"imported", report.ImportedEntries,
		"resulting", report.ResultingEntries,
	)
	return report, nil
}

// remapEntries gives every entry a new contiguous id starting at firstID,
// rewriting parent links through the same mapping. entries must be valid.
func remapEntries(entries []Entry, firstID uint64) ([]Entry, []IDMapping) {
	ids := make(map[uint64]uint64, len(entries))
	mapping := make([]IDMapping, 0, len(entries))
	next := firstID
	for _, entry := range entries {
		ids[entry.ID] = next
		mapping = append(mapping, IDMapping{Old: entry.ID, New: next})
		next++
	}

	remapped := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		out := Entry{ID: ids[entry.ID], Message: entry.Message}
		if parent, ok := entry.Parent(); ok {
			out.ParentID = parentRef(ids[parent])
		}
		remapped = append(remapped, out)
	}
	return remapped, mapping
}
