package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/sessionstore/internal/session"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Head uint64
}

// ExportResult is the payload of the export command.
type ExportResult struct {
	Path    string `json:"path"`
	Head    uint64 `json:"head"`
	Entries int    `json:"entries"`
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export <destination>",
		Short: "Write one lineage to a standalone store",
		Long: `Write the lineage of --head (default: the latest entry) to a new store file.

Ids and parents are preserved. The destination suffix picks the format
(.jsonl, .zst, .sqlite), so a lineage can be exported compressed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, args[0], cmd)
		},
	}

	cmd.Flags().Uint64Var(&opts.Head, "head", 0, "lineage head (default: latest entry)")

	return cmd
}

func runExport(opts *ExportOptions, dest string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd)

	st, err := openStore(ctx, opts.RootOptions, cmd, f)
	if err != nil {
		return err
	}
	defer st.Close()

	head := opts.Head
	if head == 0 {
		head = st.HeadID()
	}
	n, err := st.ExportLineage(ctx, head, dest)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeUsage, err)
	}

	result := ExportResult{Path: dest, Head: head, Entries: n}
	return f.Success(result, fmt.Sprintf("exported %d entries (head=%s) to %s", n, formatID(head), dest))
}

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Mode string
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <snapshot>",
		Short: "Import a snapshot store",
		Long: `Import a snapshot into the store.

Modes:
  merge    append the snapshot under fresh ids after the existing entries
  replace  discard the existing entries and keep the snapshot's ids

The snapshot is validated first; a corrupt snapshot is rejected and the
store is left untouched.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", string(session.ImportMerge), "import mode (merge|replace)")

	return cmd
}

func runImport(opts *ImportOptions, source string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd)

	mode, err := session.ParseImportMode(opts.Mode)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeUsage, err)
	}

	st, err := openStore(ctx, opts.RootOptions, cmd, f)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := st.ImportSnapshot(ctx, source, mode)
	if err != nil {
		if session.IsImportValidation(err) {
			return f.Fail(ExitFailure, ErrCodeUsage, err)
		}
		return f.Fail(ExitCommandError, ErrCodeUsage, err)
	}

	return f.Success(report, fmt.Sprintf("import %s: imported=%d remapped=%d replaced=%d resulting=%d active_head=%s",
		report.Mode, report.ImportedEntries, report.RemappedEntries, report.ReplacedEntries,
		report.ResultingEntries, formatID(report.ActiveHead)))
}
