package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dimagi/caseledger/internal/model"
)

// RebuildOptions holds flags for the rebuild-case command.
type RebuildOptions struct {
	*RootOptions
	Reason string
}

// RebuildOutput reports a user requested rebuild.
type RebuildOutput struct {
	CaseID  string `json:"case_id"`
	Domain  string `json:"domain"`
	Reason  string `json:"reason"`
	Changed bool   `json:"changed"`
}

// NewRebuildCaseCommand creates the rebuild-case command.
func NewRebuildCaseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RebuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rebuild-case <domain> <case_id>",
		Short: "Rebuild one case from its transaction log",
		Long: `Fold a case's enabled transactions into a fresh aggregate and store it
with a user requested rebuild marker.

Rebuilding a case whose aggregate is already current with the same reason
writes nothing.

Example:
  caseledger rebuild-case --db ./ledger.db demo c-42 --reason "support ticket 981"`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuildCase(opts, args[0], args[1], cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded on the rebuild marker (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func runRebuildCase(opts *RebuildOptions, domain, caseID string, cmd *cobra.Command) error {
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

	// The case must have a log in the named domain.
	txs, err := l.engine.History(ctx, caseID)
	if err != nil {
		return formatter.Fail("read case history", err)
	}
	if len(txs) == 0 {
		return formatter.Fail("rebuild "+caseID, model.NewCaseNotFound(caseID))
	}
	if txs[0].Domain != domain {
		_ = formatter.Error(ErrCodeInvalid, fmt.Sprintf("case %s belongs to domain %s", caseID, txs[0].Domain), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("case %s is not in domain %s", caseID, domain))
	}

	res, err := l.engine.RebuildCase(ctx, caseID, model.ReasonUserRequested(opts.Reason))
	if err != nil {
		return formatter.Fail("rebuild "+caseID, err)
	}

	out := RebuildOutput{CaseID: caseID, Domain: domain, Reason: opts.Reason, Changed: res.Changed}
	if opts.Format == "json" {
		return formatter.Success(out)
	}
	if res.Changed {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ rebuilt %s\n", caseID)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s already current\n", caseID)
	}
	return nil
}
