package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/sessionstore/internal/chat"
)

// HeadResult is the payload of commands that produce a head id.
type HeadResult struct {
	Head   uint64 `json:"head"`
	Parent uint64 `json:"parent,omitempty"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init <system-prompt...>",
		Short: "Seed an empty store with a system message",
		Long: `Seed an empty store with a system message root.

A store that already has entries is left unchanged and its latest head is
reported.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(rootOpts, strings.Join(args, " "), cmd)
		},
	}
	return cmd
}

func runInit(opts *RootOptions, prompt string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts, cmd)

	st, err := openStore(ctx, opts, cmd, f)
	if err != nil {
		return err
	}
	defer st.Close()

	head, err := st.EnsureInitialized(ctx, prompt)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeUsage, err)
	}
	return f.Success(HeadResult{Head: head}, fmt.Sprintf("head=%d", head))
}

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Parent uint64
	Root   bool
	Role   string
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <text...>",
		Short: "Append a message under a parent entry",
		Long: `Append one text message under --parent (default: the latest entry).

Appending under an entry that already has children starts a new branch.

Examples:
  sessionctl append --store s.jsonl "hello"
  sessionctl append --store s.jsonl --parent 1 --role assistant "hi there"
  sessionctl append --store s.jsonl --root --role system "new conversation"`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, strings.Join(args, " "), cmd)
		},
	}

	cmd.Flags().Uint64Var(&opts.Parent, "parent", 0, "parent entry id (default: latest entry)")
	cmd.Flags().BoolVar(&opts.Root, "root", false, "start a new root instead of appending under a parent")
	cmd.Flags().StringVar(&opts.Role, "role", string(chat.RoleUser), "message role (system|user|assistant|tool)")

	return cmd
}

func runAppend(opts *AppendOptions, text string, cmd *cobra.Command) error {
	ctx := context.Background()
	f := newFormatter(opts.RootOptions, cmd)

	role, err := parseRole(opts.Role)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeUsage, err)
	}
	if opts.Root && opts.Parent != 0 {
		return f.Fail(ExitCommandError, ErrCodeUsage, fmt.Errorf("--root and --parent are mutually exclusive"))
	}

	st, err := openStore(ctx, opts.RootOptions, cmd, f)
	if err != nil {
		return err
	}
	defer st.Close()

	parent := opts.Parent
	if parent == 0 && !opts.Root {
		parent = st.HeadID()
	}

	msg := chat.Message{Role: role, Content: []chat.Block{{Type: chat.BlockText, Text: text}}}
	head, err := st.AppendMessages(ctx, parent, []chat.Message{msg})
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeUsage, err)
	}
	f.VerboseLog("Appended %s message under %d", role, parent)

	return f.Success(HeadResult{Head: head, Parent: parent}, fmt.Sprintf("head=%d parent=%s", head, formatID(parent)))
}

func parseRole(raw string) (chat.Role, error) {
	switch role := chat.Role(strings.ToLower(strings.TrimSpace(raw))); role {
	case chat.RoleSystem, chat.RoleUser, chat.RoleAssistant, chat.RoleTool:
		return role, nil
	default:
		return "", fmt.Errorf("invalid role %q: must be one of system, user, assistant, tool", raw)
	}
}

func formatID(id uint64) string {
	if id == 0 {
		return "none"
	}
	return fmt.Sprintf("%d", id)
}
