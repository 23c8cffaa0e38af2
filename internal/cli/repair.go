package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// RepairOptions holds flags for the repair-clashes command.
type RepairOptions struct {
	*RootOptions
	DryRun bool
}

// ClashOutput is one misattributed edit.
type ClashOutput struct {
	FormID  string `json:"form_id"`
	Message string `json:"message"`
}

// RepairOutput reports a clash repair run.
type RepairOutput struct {
	Domain   string         `json:"domain"`
	DryRun   bool           `json:"dry_run"`
	Clashes  []ClashOutput  `json:"clashes"`
	Repairs  []RepairedForm `json:"repairs"`
	Resolved int            `json:"resolved"`
	Rebuilt  []string       `json:"rebuilt"`
}

// RepairedForm is one reversed edit.
type RepairedForm struct {
	FormID  string   `json:"form_id"`
	FreshID string   `json:"fresh_id"`
	Touched []string `json:"touched"`
	Skipped []string `json:"skipped,omitempty"`
}

// NewRepairClashesCommand creates the repair-clashes command.
func NewRepairClashesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RepairOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "repair-clashes <domain>",
		Short: "Undo edits that linked forms of different xmlns",
		Long: `Find normal forms whose deprecated form has a different xmlns and reverse
the edit: the original form gets its id back, the misattributed form moves
to a fresh id, transactions are regenerated from the stored payloads and the
touched cases are rebuilt. Soft deleted cases are skipped.

Re-running after a successful repair finds nothing.

Examples:
  caseledger repair-clashes --db ./ledger.db demo --dry-run
  caseledger repair-clashes --db ./ledger.db demo`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepairClashes(opts, args[0], cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report clashes without repairing them")
	return cmd
}

func runRepairClashes(opts *RepairOptions, domain string, cmd *cobra.Command) error {
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

	report, err := l.engine.RepairClashes(ctx, domain, opts.DryRun)
	if report == nil && err != nil {
		return formatter.Fail("repair clashes", err)
	}

	out := RepairOutput{
		Domain:   domain,
		DryRun:   opts.DryRun,
		Clashes:  []ClashOutput{},
		Repairs:  []RepairedForm{},
		Resolved: report.Resolved,
		Rebuilt:  []string{},
	}
	for _, c := range report.Clashes {
		out.Clashes = append(out.Clashes, ClashOutput{FormID: c.FormID, Message: c.Message})
	}
	for _, r := range report.Repairs {
		out.Repairs = append(out.Repairs, RepairedForm{FormID: r.FormID, FreshID: r.FreshID, Touched: r.Touched, Skipped: r.Skipped})
	}
	out.Rebuilt = append(out.Rebuilt, changedCases(report.Rebuilds)...)

	if opts.Format == "json" {
		if err := formatter.Success(out); err != nil {
			return err
		}
	} else {
		printRepair(cmd, out)
	}

	if err != nil {
		// Some repairs or rebuilds failed after others were written.
		return WrapExitError(ExitCommandError, "clash repair incomplete", err)
	}
	return nil
}

func printRepair(cmd *cobra.Command, out RepairOutput) {
	w := cmd.OutOrStdout()
	if len(out.Clashes) == 0 {
		fmt.Fprintf(w, "✓ no clashes in %s\n", out.Domain)
		return
	}
	fmt.Fprintf(w, "Clashes in %s: %d\n", out.Domain, len(out.Clashes))
	for _, c := range out.Clashes {
		fmt.Fprintf(w, "  %s: %s\n", c.FormID, c.Message)
	}
	if out.DryRun {
		fmt.Fprintln(w, "(dry run, nothing written)")
		return
	}
	for _, r := range out.Repairs {
		fmt.Fprintf(w, "  repaired %s (misattributed form now %s)\n", r.FormID, r.FreshID)
		for _, id := range r.Skipped {
			fmt.Fprintf(w, "    skipped deleted case %s\n", id)
		}
	}
	fmt.Fprintf(w, "Resolved: %d, rebuilt cases: %d\n", out.Resolved, len(out.Rebuilt))
}
