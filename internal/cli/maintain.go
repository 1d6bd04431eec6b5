package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/sessionstore/internal/session"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the store for duplicate ids, dangling parents and cycles",
		Long: `Scan the store graph without modifying it.

Exit codes:
  0 - Store is valid
  1 - Faults found (run "sessionctl repair")
  2 - Command error (store unreadable, etc.)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd)
		},
	}
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts, cmd)

	st, err := openStore(ctx, opts, cmd, f)
	if err != nil {
		return err
	}
	defer st.Close()

	report := st.ValidationReport()
	if report.IsValid() {
		return f.Success(report, fmt.Sprintf("✓ Session store valid (%d entries)", report.Entries))
	}

	message := fmt.Sprintf("session store invalid: duplicates=%d invalid_parent=%d cycles=%d",
		report.Duplicates, report.InvalidParent, report.Cycles)
	if f.Format == "json" {
		if err := json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Data:   report,
			Error:  &CLIError{Code: "INVALID_STORE", Message: message},
		}); err != nil {
			return WrapExitError(ExitCommandError, "failed to encode JSON", err)
		}
	} else {
		fmt.Fprintf(f.Writer, "✗ Session store invalid (%d entries)\n", report.Entries)
		fmt.Fprintf(f.Writer, "  duplicates:     %d\n", report.Duplicates)
		fmt.Fprintf(f.Writer, "  invalid parent: %d\n", report.InvalidParent)
		fmt.Fprintf(f.Writer, "  cycles:         %d\n", report.Cycles)
	}
	return NewExitError(ExitFailure, message)
}

// NewRepairCommand creates the repair command.
func NewRepairCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Remove duplicate, orphaned and cyclic entries",
		Long: `Remove, in order: duplicate ids beyond their first occurrence, entries whose
parent is missing (and their descendants), and entries on or leading into a
parent cycle. Roots are never removed. A valid store is not rewritten.`,
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

			report, err := st.Repair(ctx)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeUsage, err)
			}
			return f.Success(report, repairText(report))
		},
	}
}

func repairText(r session.RepairReport) string {
	if r.IsEmpty() {
		return "nothing to repair"
	}
	return fmt.Sprintf("removed duplicates=%d %v\nremoved invalid_parent=%d %v\nremoved cycles=%d %v",
		r.RemovedDuplicates, r.DuplicateIDs,
		r.RemovedInvalidParent, r.InvalidParentIDs,
		r.RemovedCycles, r.CycleIDs)
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact [head]",
		Short: "Delete every entry outside one lineage",
		Long: `Keep only the lineage of head (default: the latest entry) and delete the rest.

Deleted ids are never reused by later appends.`,
		Args:          cobra.MaximumNArgs(1),
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

			head, err := headOrLatest(st, args, f)
			if err != nil {
				return err
			}
			report, err := st.CompactToLineage(ctx, head)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeUsage, err)
			}
			return f.Success(report, fmt.Sprintf("compacted to head=%s removed=%d retained=%d",
				formatID(report.HeadID), report.RemovedEntries, report.RetainedEntries))
		},
	}
}
