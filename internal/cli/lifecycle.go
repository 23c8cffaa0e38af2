package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dimagi/caseledger/internal/engine"
)

// LifecycleOptions holds flags for archive and unarchive.
type LifecycleOptions struct {
	*RootOptions
	UserID string
}

// LifecycleOutput reports one form transition.
type LifecycleOutput struct {
	FormID  string   `json:"form_id"`
	Action  string   `json:"action"`
	Cases   []string `json:"cases"`
	Rebuilt []string `json:"rebuilt"`
}

// NewArchiveCommand creates the archive command.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	return newLifecycleCommand(rootOpts, "archive",
		"Archive a form and rebuild its cases",
		`Move a normal form to archived. Its case transactions are disabled and
every case they touch is rebuilt without them.

Example:
  caseledger archive --db ./ledger.db f-123 --user admin`,
		func(ctx context.Context, e *engine.Engine, formID, userID string) ([]engine.RebuildResult, error) {
			return e.Archive(ctx, formID, userID)
		})
}

// NewUnarchiveCommand creates the unarchive command.
func NewUnarchiveCommand(rootOpts *RootOptions) *cobra.Command {
	return newLifecycleCommand(rootOpts, "unarchive",
		"Restore an archived form and rebuild its cases",
		`Move an archived form back to normal. Its transactions are re-enabled at
their original position and every touched case is rebuilt.

Example:
  caseledger unarchive --db ./ledger.db f-123 --user admin`,
		func(ctx context.Context, e *engine.Engine, formID, userID string) ([]engine.RebuildResult, error) {
			return e.Unarchive(ctx, formID, userID)
		})
}

type transitionFunc func(ctx context.Context, e *engine.Engine, formID, userID string) ([]engine.RebuildResult, error)

func newLifecycleCommand(rootOpts *RootOptions, action, short, long string, fn transitionFunc) *cobra.Command {
	opts := &LifecycleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           action + " <form_id>",
		Short:         short,
		Long:          long,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(opts, action, args[0], fn, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.UserID, "user", "admin", "user recorded on the form operation")
	return cmd
}

func runLifecycle(opts *LifecycleOptions, action, formID string, fn transitionFunc, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	l, err := openLedger(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer l.Close()

	rebuilds, err := fn(ctx, l.engine, formID, opts.UserID)
	if err != nil {
		return formatter.Fail(action+" "+formID, err)
	}

	out := LifecycleOutput{FormID: formID, Action: action, Cases: []string{}, Rebuilt: []string{}}
	for _, r := range rebuilds {
		out.Cases = append(out.Cases, r.CaseID)
	}
	out.Rebuilt = append(out.Rebuilt, changedCases(rebuilds)...)

	if opts.Format == "json" {
		return formatter.Success(out)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "✓ %s %s\n", action, formID)
	for _, r := range rebuilds {
		status := "unchanged"
		if r.Changed {
			status = "rebuilt"
		}
		fmt.Fprintf(w, "  %s %s\n", status, r.CaseID)
	}
	return nil
}
