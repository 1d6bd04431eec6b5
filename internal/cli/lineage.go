package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/sessionstore/internal/session"
)

const listPreviewRunes = 80

// EntryView is the CLI rendering of one entry.
type EntryView struct {
	ID       uint64  `json:"id"`
	ParentID *uint64 `json:"parent_id"`
	Role     string  `json:"role"`
	Text     string  `json:"text"`
}

// EntryList is the payload of lineage and tips.
type EntryList struct {
	Head    uint64      `json:"head,omitempty"`
	Entries []EntryView `json:"entries"`
}

func viewEntries(entries []session.Entry, full bool) []EntryView {
	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		text := e.Message.Preview(listPreviewRunes)
		if full {
			text = e.Message.TextContent()
		}
		views = append(views, EntryView{ID: e.ID, ParentID: e.ParentID, Role: e.Message.RoleLabel(), Text: text})
	}
	return views
}

func (l EntryList) text(empty string) string {
	if len(l.Entries) == 0 {
		return empty
	}
	lines := make([]string, 0, len(l.Entries))
	for _, e := range l.Entries {
		parent := "none"
		if e.ParentID != nil {
			parent = fmt.Sprintf("%d", *e.ParentID)
		}
		lines = append(lines, fmt.Sprintf("[%d] parent=%s %s: %s", e.ID, parent, e.Role, e.Text))
	}
	return strings.Join(lines, "\n")
}

// NewLineageCommand creates the lineage command.
func NewLineageCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lineage [head]",
		Short: "Print the root-to-head message path",
		Long: `Print every message from the root down to head (default: the latest entry).

Fails on an unknown head id or a corrupt (cyclic) parent chain.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLineage(rootOpts, args, cmd)
		},
	}
}

func runLineage(opts *RootOptions, args []string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts, cmd)

	st, err := openStore(ctx, opts, cmd, f)
	if err != nil {
		return err
	}
	defer st.Close()

	head, err := headOrLatest(st, args, f)
	if err != nil {
		return err
	}
	entries, err := st.LineageEntries(head)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeUsage, err)
	}

	list := EntryList{Head: head, Entries: viewEntries(entries, true)}
	return f.Success(list, list.text("(empty session)"))
}

// NewTipsCommand creates the tips command.
func NewTipsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "tips",
		Short:         "List branch tips (entries without children)",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			f := newFormatter(rootOpts, cmd)

			st, err := openStore(ctx, rootOpts, cmd, f)
			if err != nil {
				return err
			}
			defer st.Close()

			list := EntryList{Entries: viewEntries(st.BranchTips(), false)}
			return f.Success(list, list.text("(no branches)"))
		},
	}
}
