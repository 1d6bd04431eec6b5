package session

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/sessionstore/internal/chat"
)

// MergeStrategy selects how a source branch is merged into a target branch.
type MergeStrategy string

const (
	// MergeAppend replays each source-only entry onto the target head.
	MergeAppend MergeStrategy = "append"

	// MergeSquash appends one summary entry of the source-only entries.
	MergeSquash MergeStrategy = "squash"

	// MergeFastForward moves the head to the source when the target is its
	// ancestor; nothing is written.
	MergeFastForward MergeStrategy = "fast-forward"
)

// ParseMergeStrategy parses a strategy name. "ff" and "fast_forward" are
// accepted for fast-forward.
func ParseMergeStrategy(raw string) (MergeStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "append":
		return MergeAppend, nil
	case "squash":
		return MergeSquash, nil
	case "fast-forward", "fast_forward", "ff":
		return MergeFastForward, nil
	default:
		return "", fmt.Errorf("invalid merge strategy %q; expected append, squash, or fast-forward", raw)
	}
}

const (
	squashPreviewEntries = 6
	squashPreviewRunes   = 72
)

// MergeReport describes a completed merge.
type MergeReport struct {
	SourceHead      uint64        `json:"source_head"`
	TargetHead      uint64        `json:"target_head"`
	Strategy        MergeStrategy `json:"strategy"`
	CommonAncestor  uint64        `json:"common_ancestor,omitempty"`
	HasAncestor     bool          `json:"has_common_ancestor"`
	AppendedEntries int           `json:"appended_entries"`
	MergedHead      uint64        `json:"merged_head"`
}

// MergeBranches merges the branch ending at source into the branch ending at
// target. Existing entries are never modified; append and squash only add
// entries chained onto target.
func (s *Store) MergeBranches(ctx context.Context, source, target uint64, strategy MergeStrategy) (MergeReport, error) {
	report := MergeReport{SourceHead: source, TargetHead: target, Strategy: strategy}

	err := s.mutate(ctx, func(st State) (*change, error) {
		idx := indexEntries(st.Entries)
		if _, ok := idx[source]; !ok {
			return nil, unknownIDError(source, "source session")
		}
		if _, ok := idx[target]; !ok {
			return nil, unknownIDError(target, "target session")
		}
		if source == target {
			return nil, &Error{
				Code:    ErrCodeInvalidMergeState,
				Message: "source and target session ids must differ",
				ID:      source,
			}
		}

		sourcePath, err := idx.lineageIDs(source)
		if err != nil {
			return nil, err
		}
		targetPath, err := idx.lineageIDs(target)
		if err != nil {
			return nil, err
		}

		ancestor, found := commonAncestor(sourcePath, targetPath)
		report.CommonAncestor, report.HasAncestor = ancestor, found

		unique := sourcePath
		if found {
			unique = sourcePath[slices.Index(sourcePath, ancestor)+1:]
		}

		switch strategy {
		case MergeFastForward:
			if !slices.Contains(sourcePath, target) {
				return nil, &Error{
					Code:    ErrCodeInvalidMergeState,
					Message: fmt.Sprintf("cannot fast-forward target %d to source %d because target is not an ancestor", target, source),
					ID:      target,
				}
			}
			report.MergedHead = source
			return nil, nil

		case MergeAppend:
			messages := make([]chat.Message, len(unique))
			for i, id := range unique {
				messages[i] = idx[id].Message
			}
			return appendMerged(st, target, messages, &report), nil

		case MergeSquash:
			if len(unique) == 0 {
				report.MergedHead = target
				return nil, nil
			}
			summary := renderSquashSummary(idx, source, target, unique)
			return appendMerged(st, target, []chat.Message{chat.Assistant(summary)}, &report), nil

		default:
			return nil, &Error{
				Code:    ErrCodeInvalidMergeState,
				Message: fmt.Sprintf("unsupported merge strategy %q", strategy),
			}
		}
	})
	if err != nil {
		return MergeReport{}, err
	}

	if report.AppendedEntries > 0 {
		s.logger.Info("merged session branches",
			"strategy", strategy,
			"source", source,
			"target", target,
			"appended", report.AppendedEntries,
			"merged_head", report.MergedHead,
		)
	}
	return report, nil
}

// appendMerged chains messages onto target and fills the report. It returns
// nil when there is nothing to write.
func appendMerged(st State, target uint64, messages []chat.Message, report *MergeReport) *change {
	if len(messages) == 0 {
		report.MergedHead = target
		return nil
	}
	added := chainEntries(st.NextID, target, messages)
	report.AppendedEntries = len(added)
	report.MergedHead = added[len(added)-1].ID
	return appended(st, added)
}

// renderSquashSummary produces the squash entry text:
//
//	squash merge: source=<s> target=<t> entries=<n>
//	- <role>: <preview>
//	- ... <k> additional entries
func renderSquashSummary(idx entryIndex, source, target uint64, unique []uint64) string {
	lines := []string{
		fmt.Sprintf("squash merge: source=%d target=%d entries=%d", source, target, len(unique)),
	}
	for i, id := range unique {
		if i == squashPreviewEntries {
			break
		}
		msg := idx[id].Message
		lines = append(lines, fmt.Sprintf("- %s: %s", msg.RoleLabel(), msg.Preview(squashPreviewRunes)))
	}
	if len(unique) > squashPreviewEntries {
		lines = append(lines, fmt.Sprintf("- ... %d additional entries", len(unique)-squashPreviewEntries))
	}
	return strings.Join(lines, "\n")
}
