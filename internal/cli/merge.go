package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/sessionstore/internal/session"
)

// MergeOptions holds flags for the merge command.
type MergeOptions struct {
	*RootOptions
	Strategy string
}

// NewMergeCommand creates the merge command.
func NewMergeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MergeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "merge <source-head> <target-head>",
		Short: "Merge one branch into another",
		Long: `Merge the branch ending at source-head into the branch ending at target-head.

Strategies:
  append        replay each source-only message onto the target
  squash        append one summary message of the source-only messages
  fast-forward  move to the source when the target is its ancestor (writes nothing)

Exit codes:
  0 - Merged
  1 - Merge refused (e.g. fast-forward on diverged branches)
  2 - Command error (unknown id, lock timeout, etc.)`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Strategy, "strategy", string(session.MergeAppend), "merge strategy (append|squash|fast-forward)")

	return cmd
}

func runMerge(opts *MergeOptions, args []string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd)

	strategy, err := session.ParseMergeStrategy(opts.Strategy)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeUsage, err)
	}
	source, err := parseID(args[0], "source")
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeUsage, err)
	}
	target, err := parseID(args[1], "target")
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeUsage, err)
	}

	st, err := openStore(ctx, opts.RootOptions, cmd, f)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := st.MergeBranches(ctx, source, target, strategy)
	if err != nil {
		if session.IsInvalidMergeState(err) {
			return f.Fail(ExitFailure, ErrCodeUsage, err)
		}
		return f.Fail(ExitCommandError, ErrCodeUsage, err)
	}

	ancestor := "none"
	if report.HasAncestor {
		ancestor = fmt.Sprintf("%d", report.CommonAncestor)
	}
	return f.Success(report, fmt.Sprintf("merge %s: source=%d target=%d common_ancestor=%s appended=%d merged_head=%d",
		report.Strategy, report.SourceHead, report.TargetHead, ancestor, report.AppendedEntries, report.MergedHead))
}
