package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/sessionstore/internal/config"
	"github.com/roach88/sessionstore/internal/session"
)

// newFormatter builds the formatter every command writes through.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

// openStore resolves configuration and flags, then loads the store.
// Callers must Close the returned store.
func openStore(ctx context.Context, opts *RootOptions, cmd *cobra.Command, f *OutputFormatter) (*session.Store, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, err)
	}
	if opts.Store != "" {
		cfg.Store = opts.Store
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}

	logger, err := cfg.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, err)
	}

	st, err := session.Load(ctx, cfg.Store,
		session.WithLogger(logger.With(slog.String("component", "session"))),
		session.WithLockPolicy(cfg.LockPolicy()),
	)
	if err != nil {
		return nil, f.Fail(ExitCommandError, string(session.ErrCodeIO), err)
	}
	f.VerboseLog("Loaded %s store %s (%d entries)", st.Backend(), st.Path(), len(st.Entries()))
	return st, nil
}

// parseID parses a positional entry id. "0" is rejected; ids start at 1.
func parseID(raw, what string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s id %q: expected a positive integer", what, raw)
	}
	return id, nil
}

// headOrLatest returns the parsed head argument, or the store's latest entry
// when no argument was given.
func headOrLatest(st *session.Store, args []string, f *OutputFormatter) (uint64, error) {
	if len(args) == 0 {
		return st.HeadID(), nil
	}
	id, err := parseID(args[0], "head")
	if err != nil {
		return 0, f.Fail(ExitCommandError, ErrCodeUsage, err)
	}
	return id, nil
}
