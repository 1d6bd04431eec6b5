package session

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Stats summarizes the shape of the loaded history.
type Stats struct {
	Entries     int            `json:"entries"`
	BranchTips  int            `json:"branch_tips"`
	Roots       int            `json:"roots"`
	MaxDepth    int            `json:"max_depth"`
	LatestHead  uint64         `json:"latest_head"`
	LatestDepth int            `json:"latest_depth"`
	RoleCounts  map[string]int `json:"role_counts"`
}

// ComputeStats derives Stats from the loaded entries. Depth counts a root as
// 1. It fails on duplicate ids, dangling parents and cycles; repair first.
func (s *Store) ComputeStats() (Stats, error) {
	entries := s.state.Entries
	depths, err := entryDepths(entries)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Entries:    len(entries),
		BranchTips: len(branchTipsFor(entries)),
		LatestHead: s.HeadID(),
		RoleCounts: make(map[string]int),
	}
	for _, entry := range entries {
		if entry.IsRoot() {
			stats.Roots++
		}
		stats.RoleCounts[entry.Message.RoleLabel()]++
	}
	for _, depth := range depths {
		stats.MaxDepth = max(stats.MaxDepth, depth)
	}
	if stats.LatestHead != 0 {
		stats.LatestDepth = depths[stats.LatestHead]
	}
	return stats, nil
}

// entryDepths returns the lineage length of every entry. Walks are iterative
// and memoized; a revisit during one walk is a cycle.
func entryDepths(entries []Entry) (map[uint64]int, error) {
	idx := make(entryIndex, len(entries))
	for _, entry := range entries {
		if _, dup := idx[entry.ID]; dup {
			return nil, &Error{
				Code:    ErrCodeDuplicateID,
				Message: "duplicate session entry id",
				ID:      entry.ID,
			}
		}
		idx[entry.ID] = entry
	}

	depths := make(map[uint64]int, len(entries))
	for _, entry := range entries {
		var (
			path    []uint64
			onPath  = make(map[uint64]struct{})
			current = entry.ID
			base    int
		)
		for {
			if d, ok := depths[current]; ok {
				base = d
				break
			}
			if _, seen := onPath[current]; seen {
				return nil, cycleError(current)
			}
			node, ok := idx[current]
			if !ok {
				return nil, unknownIDError(current, "parent")
			}
			onPath[current] = struct{}{}
			path = append(path, current)

			parent, hasParent := node.Parent()
			if !hasParent {
				break
			}
			current = parent
		}
		for i := len(path) - 1; i >= 0; i-- {
			base++
			depths[path[i]] = base
		}
	}
	return depths, nil
}

// String renders the stats as text lines.
func (st Stats) String() string {
	lines := []string{
		fmt.Sprintf("session stats: entries=%d branch_tips=%d roots=%d max_depth=%d",
			st.Entries, st.BranchTips, st.Roots, st.MaxDepth),
		fmt.Sprintf("latest: head=%s depth=%d", formatHead(st.LatestHead), st.LatestDepth),
	}
	if len(st.RoleCounts) == 0 {
		lines = append(lines, "roles: none")
	} else {
		for _, role := range slices.Sorted(maps.Keys(st.RoleCounts)) {
			lines = append(lines, fmt.Sprintf("role: %s=%d", role, st.RoleCounts[role]))
		}
	}
	return strings.Join(lines, "\n")
}

func formatHead(id uint64) string {
	if id == 0 {
		return "none"
	}
	return fmt.Sprintf("%d", id)
}
