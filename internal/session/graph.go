package session

import (
	"slices"
)

// Graph algorithms over an entry list. Entries are tagged data (id plus
// optional parent id); every walk is iterative and guarded by a visited set,
// so corrupt input containing cycles always terminates.

// entryIndex maps id to the first entry carrying it.
type entryIndex map[uint64]Entry

func indexEntries(entries []Entry) entryIndex {
	idx := make(entryIndex, len(entries))
	for _, entry := range entries {
		if _, ok := idx[entry.ID]; !ok {
			idx[entry.ID] = entry
		}
	}
	return idx
}

// lineage walks parent links from head back to a root and returns the
// entries in root-to-head order.
func (idx entryIndex) lineage(head uint64) ([]Entry, error) {
	if _, ok := idx[head]; !ok {
		return nil, unknownIDError(head, "session")
	}

	var path []Entry
	visited := make(map[uint64]struct{})
	current := head
	for {
		if _, seen := visited[current]; seen {
			return nil, cycleError(current)
		}
		visited[current] = struct{}{}

		entry, ok := idx[current]
		if !ok {
			return nil, &Error{
				Code:    ErrCodeUnknownID,
				Message: "missing parent id while resolving session lineage",
				ID:      current,
			}
		}
		path = append(path, entry)

		parent, hasParent := entry.Parent()
		if !hasParent {
			break
		}
		current = parent
	}

	slices.Reverse(path)
	return path, nil
}

// lineageIDs returns the ids of head's lineage in root-to-head order.
func (idx entryIndex) lineageIDs(head uint64) ([]uint64, error) {
	path, err := idx.lineage(head)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, len(path))
	for i, entry := range path {
		ids[i] = entry.ID
	}
	return ids, nil
}

// cyclicIDs returns every id whose parent walk revisits an entry, which
// covers entries on a loop and entries whose ancestry leads into one.
// Walk results are memoized, so the scan is linear in the entry count.
func (idx entryIndex) cyclicIDs() map[uint64]struct{} {
	const (
		unvisited = iota
		onPath
		acyclic
		cyclic
	)
	state := make(map[uint64]int, len(idx))
	result := make(map[uint64]struct{})

	for start := range idx {
		if state[start] != unvisited {
			continue
		}

		var path []uint64
		outcome := acyclic
		current := start
		for {
			s := state[current]
			if s == onPath {
				outcome = cyclic
				break
			}
			if s == acyclic || s == cyclic {
				outcome = s
				break
			}
			entry, ok := idx[current]
			if !ok {
				// Dangling parent: the walk ends without a cycle.
				break
			}
			state[current] = onPath
			path = append(path, current)

			parent, hasParent := entry.Parent()
			if !hasParent {
				break
			}
			current = parent
		}

		for _, id := range path {
			state[id] = outcome
			if outcome == cyclic {
				result[id] = struct{}{}
			}
		}
	}
	return result
}

// Report summarizes graph integrity.
type Report struct {
	// Entries is the raw stored entry count, duplicates included.
	Entries int `json:"entries"`

	// Duplicates counts entries whose id already appeared earlier.
	Duplicates int `json:"duplicates"`

	// InvalidParent counts entries whose parent id is absent.
	InvalidParent int `json:"invalid_parent"`

	// Cycles counts distinct ids whose parent chain never reaches a root.
	Cycles int `json:"cycles"`
}

// IsValid reports whether no faults were found.
func (r Report) IsValid() bool {
	return r.Duplicates == 0 && r.InvalidParent == 0 && r.Cycles == 0
}

func validationReportFor(entries []Entry) Report {
	report := Report{Entries: len(entries)}

	seen := make(map[uint64]struct{}, len(entries))
	for _, entry := range entries {
		if _, dup := seen[entry.ID]; dup {
			report.Duplicates++
			continue
		}
		seen[entry.ID] = struct{}{}
	}

	for _, entry := range entries {
		if parent, ok := entry.Parent(); ok {
			if _, exists := seen[parent]; !exists {
				report.InvalidParent++
			}
		}
	}

	report.Cycles = len(indexEntries(entries).cyclicIDs())
	return report
}

// branchTipsFor returns entries never referenced as a parent, by ascending id.
func branchTipsFor(entries []Entry) []Entry {
	parents := make(map[uint64]struct{}, len(entries))
	for _, entry := range entries {
		if parent, ok := entry.Parent(); ok {
			parents[parent] = struct{}{}
		}
	}

	tips := make([]Entry, 0)
	for _, entry := range entries {
		if _, isParent := parents[entry.ID]; !isParent {
			tips = append(tips, entry)
		}
	}
	slices.SortStableFunc(tips, func(a, b Entry) int {
		return compareIDs(a.ID, b.ID)
	})
	return tips
}

// commonAncestor returns the deepest id shared by two root-to-tip paths,
// i.e. the last element of their longest common prefix.
func commonAncestor(left, right []uint64) (uint64, bool) {
	var (
		ancestor uint64
		found    bool
	)
	for i := 0; i < len(left) && i < len(right); i++ {
		if left[i] != right[i] {
			break
		}
		ancestor = left[i]
		found = true
	}
	return ancestor, found
}

func compareIDs(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
