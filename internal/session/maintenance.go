package session

import (
	"context"
	"slices"
)

// RepairReport lists the entries removed by Repair, per fault category.
// Id lists are ascending.
type RepairReport struct {
	RemovedDuplicates    int      `json:"removed_duplicates"`
	DuplicateIDs         []uint64 `json:"duplicate_ids"`
	RemovedInvalidParent int      `json:"removed_invalid_parent"`
	InvalidParentIDs     []uint64 `json:"invalid_parent_ids"`
	RemovedCycles        int      `json:"removed_cycles"`
	CycleIDs             []uint64 `json:"cycle_ids"`
}

// IsEmpty reports whether nothing was removed.
func (r RepairReport) IsEmpty() bool {
	return r.RemovedDuplicates == 0 && r.RemovedInvalidParent == 0 && r.RemovedCycles == 0
}

// CompactReport describes a compaction.
type CompactReport struct {
	RemovedEntries  int    `json:"removed_entries"`
	RetainedEntries int    `json:"retained_entries"`
	HeadID          uint64 `json:"head_id"`
}

// Repair removes, in order, duplicate ids beyond their first occurrence,
// entries whose parent is missing (cascading to their descendants), and
// entries whose parent chain loops. Roots are never removed. The surviving
// entries are persisted in ascending id order. Running Repair on a valid
// store removes nothing and writes nothing.
func (s *Store) Repair(ctx context.Context) (RepairReport, error) {
	var report RepairReport

	err := s.mutate(ctx, func(st State) (*change, error) {
		var repaired []Entry
		report, repaired = repairEntries(st.Entries)
		if report.IsEmpty() {
			return nil, nil
		}
		return &change{next: State{
			SchemaVersion: SchemaVersion,
			NextID:        st.NextID,
			Entries:       repaired,
		}}, nil
	})
	if err != nil {
		return RepairReport{}, err
	}

	if !report.IsEmpty() {
		s.logger.Info("repaired session store",
			"path", s.path,
			"duplicates", report.RemovedDuplicates,
			"invalid_parent", report.RemovedInvalidParent,
			"cycles", report.RemovedCycles,
		)
	}
	return report, nil
}

func repairEntries(entries []Entry) (RepairReport, []Entry) {
	report := RepairReport{
		DuplicateIDs:     []uint64{},
		InvalidParentIDs: []uint64{},
		CycleIDs:         []uint64{},
	}

	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b Entry) int { return compareIDs(a.ID, b.ID) })

	kept := make(entryIndex, len(sorted))
	for _, entry := range sorted {
		if _, dup := kept[entry.ID]; dup {
			report.DuplicateIDs = append(report.DuplicateIDs, entry.ID)
			continue
		}
		kept[entry.ID] = entry
	}

	// Removing an entry orphans its children, so repeat until stable.
	for {
		var invalid []uint64
		for id, entry := range kept {
			if parent, ok := entry.Parent(); ok {
				if _, exists := kept[parent]; !exists {
					invalid = append(invalid, id)
				}
			}
		}
		if len(invalid) == 0 {
			break
		}
		for _, id := range invalid {
			delete(kept, id)
			report.InvalidParentIDs = append(report.InvalidParentIDs, id)
		}
	}

	for id := range kept.cyclicIDs() {
		delete(kept, id)
		report.CycleIDs = append(report.CycleIDs, id)
	}

	slices.Sort(report.InvalidParentIDs)
	slices.Sort(report.CycleIDs)
	report.RemovedDuplicates = len(report.DuplicateIDs)
	report.RemovedInvalidParent = len(report.InvalidParentIDs)
	report.RemovedCycles = len(report.CycleIDs)

	repaired := make([]Entry, 0, len(kept))
	for _, entry := range sorted {
		if _, ok := kept[entry.ID]; ok {
			repaired = append(repaired, entry)
			delete(kept, entry.ID)
		}
	}
	return report, repaired
}

// CompactToLineage deletes every entry outside head's lineage. head 0 selects
// the last entry in physical order; an empty store is a no-op. The id counter
// is kept, so later appends never reuse a deleted id.
func (s *Store) CompactToLineage(ctx context.Context, head uint64) (CompactReport, error) {
	var report CompactReport

	err := s.mutate(ctx, func(st State) (*change, error) {
		if len(st.Entries) == 0 {
			return nil, nil
		}
		if head == 0 {
			head = st.Entries[len(st.Entries)-1].ID
		}

		ids, err := indexEntries(st.Entries).lineageIDs(head)
		if err != nil {
			return nil, err
		}
		keep := make(map[uint64]struct{}, len(ids))
		for _, id := range ids {
			keep[id] = struct{}{}
		}

		compacted := make([]Entry, 0, len(ids))
		for _, entry := range st.Entries {
			if _, ok := keep[entry.ID]; ok {
				compacted = append(compacted, entry)
			}
		}

		report = CompactReport{
			RemovedEntries:  len(st.Entries) - len(compacted),
			RetainedEntries: len(compacted),
			HeadID:          head,
		}
		return &change{next: State{
			SchemaVersion: SchemaVersion,
			NextID:        st.NextID,
			Entries:       compacted,
		}}, nil
	})
	if err != nil {
		return CompactReport{}, err
	}

	if report.RemovedEntries > 0 {
		s.logger.Info("compacted session store",
			"path", s.path,
			"head", report.HeadID,
			"removed", report.RemovedEntries,
			"retained", report.RetainedEntries,
		)
	}
	return report, nil
}
