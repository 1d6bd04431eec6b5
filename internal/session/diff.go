package session

import (
	"fmt"
	"strings"
)

const diffPreviewRunes = 80

// DiffEntry is one entry as shown in a lineage diff.
type DiffEntry struct {
	ID       uint64  `json:"id"`
	ParentID *uint64 `json:"parent_id"`
	Role     string  `json:"role"`
	Preview  string  `json:"preview"`
}

// Diff compares the lineages of two heads.
type Diff struct {
	Left           uint64      `json:"left"`
	Right          uint64      `json:"right"`
	CommonAncestor uint64      `json:"common_ancestor,omitempty"`
	SharedDepth    int         `json:"shared_depth"`
	LeftDepth      int         `json:"left_depth"`
	RightDepth     int         `json:"right_depth"`
	Shared         []DiffEntry `json:"shared"`
	LeftOnly       []DiffEntry `json:"left_only"`
	RightOnly      []DiffEntry `json:"right_only"`
}

// DiffLineages splits the lineages of left and right into their shared
// root prefix and the entries unique to each side.
func (s *Store) DiffLineages(left, right uint64) (Diff, error) {
	idx := indexEntries(s.state.Entries)
	if _, ok := idx[left]; !ok {
		return Diff{}, unknownIDError(left, "left session")
	}
	if _, ok := idx[right]; !ok {
		return Diff{}, unknownIDError(right, "right session")
	}

	leftPath, err := idx.lineage(left)
	if err != nil {
		return Diff{}, err
	}
	rightPath, err := idx.lineage(right)
	if err != nil {
		return Diff{}, err
	}

	shared := 0
	for shared < len(leftPath) && shared < len(rightPath) && leftPath[shared].ID == rightPath[shared].ID {
		shared++
	}

	diff := Diff{
		Left:        left,
		Right:       right,
		SharedDepth: shared,
		LeftDepth:   len(leftPath),
		RightDepth:  len(rightPath),
		Shared:      diffEntries(leftPath[:shared]),
		LeftOnly:    diffEntries(leftPath[shared:]),
		RightOnly:   diffEntries(rightPath[shared:]),
	}
	if shared > 0 {
		diff.CommonAncestor = leftPath[shared-1].ID
	}
	return diff, nil
}

func diffEntries(entries []Entry) []DiffEntry {
	out := make([]DiffEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, DiffEntry{
			ID:       entry.ID,
			ParentID: entry.ParentID,
			Role:     entry.Message.RoleLabel(),
			Preview:  entry.Message.Preview(diffPreviewRunes),
		})
	}
	return out
}

// String renders the diff as text lines.
func (d Diff) String() string {
	lines := []string{
		fmt.Sprintf("session diff: left=%d right=%d", d.Left, d.Right),
		fmt.Sprintf("summary: shared_depth=%d left_depth=%d right_depth=%d left_only=%d right_only=%d",
			d.SharedDepth, d.LeftDepth, d.RightDepth, len(d.LeftOnly), len(d.RightOnly)),
	}
	lines = appendDiffSection(lines, "shared", d.Shared)
	lines = appendDiffSection(lines, "left-only", d.LeftOnly)
	lines = appendDiffSection(lines, "right-only", d.RightOnly)
	return strings.Join(lines, "\n")
}

func appendDiffSection(lines []string, label string, entries []DiffEntry) []string {
	if len(entries) == 0 {
		return append(lines, label+": none")
	}
	for _, e := range entries {
		parent := "none"
		if e.ParentID != nil {
			parent = fmt.Sprintf("%d", *e.ParentID)
		}
		lines = append(lines, fmt.Sprintf("%s: id=%d parent=%s role=%s preview=%s", label, e.ID, parent, e.Role, e.Preview))
	}
	return lines
}
