package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/sessionstore/internal/session"
)

// GraphOptions holds flags for the graph command.
type GraphOptions struct {
	*RootOptions
	GraphFormat string
}

// GraphResult is the payload of the graph command when printing.
type GraphResult struct {
	Format session.GraphFormat `json:"format"`
	Graph  string              `json:"graph"`
}

// NewGraphCommand creates the graph command.
func NewGraphCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GraphOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "graph [destination]",
		Short: "Render the entry graph as Mermaid or Graphviz dot",
		Long: `Render every entry as a parent-to-child graph.

With a destination the graph is written there (".dot" selects dot, anything
else Mermaid). Without one it is printed in --graph-format.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.GraphFormat, "graph-format", string(session.GraphMermaid), "printed graph format (mermaid|dot)")

	return cmd
}

func runGraph(opts *GraphOptions, args []string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd)

	format, err := session.ParseGraphFormat(opts.GraphFormat)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeUsage, err)
	}

	st, err := openStore(ctx, opts.RootOptions, cmd, f)
	if err != nil {
		return err
	}
	defer st.Close()

	if len(args) == 1 {
		export, err := st.ExportGraph(args[0])
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeUsage, err)
		}
		return f.Success(export, fmt.Sprintf("graph export: path=%s format=%s nodes=%d edges=%d",
			export.Path, export.Format, export.Nodes, export.Edges))
	}

	rendered := session.RenderGraph(st.Entries(), format)
	return f.Success(GraphResult{Format: format, Graph: rendered}, rendered)
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Summarize entries, branches, depth and roles",
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

			stats, err := st.ComputeStats()
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeUsage, err)
			}
			return f.Success(stats, stats.String())
		},
	}
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <left-head> [right-head]",
		Short: "Compare the lineages of two heads",
		Long: `Split the lineages of two heads into their shared root prefix and the
entries unique to each side. right-head defaults to the latest entry.`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			f := newFormatter(rootOpts, cmd)

			left, err := parseID(args[0], "left")
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeUsage, err)
			}

			st, err := openStore(ctx, rootOpts, cmd, f)
			if err != nil {
				return err
			}
			defer st.Close()

			right, err := headOrLatest(st, args[1:], f)
			if err != nil {
				return err
			}
			diff, err := st.DiffLineages(left, right)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeUsage, err)
			}
			return f.Success(diff, diff.String())
		},
	}
}
