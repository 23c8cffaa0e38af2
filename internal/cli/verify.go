package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dimagi/caseledger/internal/diff"
	"github.com/dimagi/caseledger/internal/engine"
)

// VerifyCaseResult is one case whose stored aggregate differs from a fresh
// fold of its log.
type VerifyCaseResult struct {
	CaseID string      `json:"case_id"`
	Diffs  []diff.Diff `json:"diffs"`
}

// VerifyResult holds the overall verify result.
type VerifyResult struct {
	Domain     string             `json:"domain,omitempty"`
	Checked    int                `json:"checked"`
	Mismatches []VerifyCaseResult `json:"mismatches"`
	Consistent bool               `json:"consistent"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [domain]",
		Short: "Rebuild every case in memory and compare with the store",
		Long: `Fold every stored case of a domain from its transaction log and compare
the result with the stored aggregate. Nothing is written. Without a domain
every case is checked.

Exit codes:
  0 - Every aggregate matches its log
  1 - One or more aggregates differ
  2 - Command error (database not found, etc.)

Examples:
  caseledger verify --db ./ledger.db demo
  caseledger verify --db ./ledger.db --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			domain := ""
			if len(args) == 1 {
				domain = args[0]
			}
			return runVerify(rootOpts, domain, cmd)
		},
	}
	return cmd
}

func runVerify(opts *RootOptions, domain string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts, cmd)

	l, err := openLedger(ctx, opts)
	if err != nil {
		return err
	}
	defer l.Close()

	report, err := l.engine.Verify(ctx, domain)
	if err != nil {
		return formatter.Fail("verify", err)
	}
	result := verifyResult(domain, report)

	if opts.Format == "json" {
		response := CLIResponse{Status: "ok", Data: result}
		if !result.Consistent {
			response.Status = "error"
			response.Error = &CLIError{
				Code:    ErrCodeVerifyFailed,
				Message: fmt.Sprintf("%d case(s) differ from their log", len(result.Mismatches)),
			}
		}
		if err := formatter.encode(response); err != nil {
			return err
		}
	} else {
		outputVerifyText(cmd, result, opts.Verbose)
	}

	if !result.Consistent {
		return NewExitError(ExitFailure, fmt.Sprintf("%d case(s) differ from their log", len(result.Mismatches)))
	}
	return nil
}

func verifyResult(domain string, report *engine.VerifyReport) VerifyResult {
	result := VerifyResult{
		Domain:     domain,
		Checked:    report.Checked,
		Mismatches: []VerifyCaseResult{},
		Consistent: len(report.Mismatches) == 0,
	}
	for _, m := range report.Mismatches {
		result.Mismatches = append(result.Mismatches, VerifyCaseResult{
			CaseID: m.CaseID,
			Diffs:  diff.Objects(m.Stored.Object(), m.Built.Object()),
		})
	}
	return result
}

func outputVerifyText(cmd *cobra.Command, result VerifyResult, verbose bool) {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Verify Summary: %d case(s)\n", result.Checked)
	for _, m := range result.Mismatches {
		fmt.Fprintf(w, "✗ Case: %s\n", m.CaseID)
		if verbose {
			for _, d := range m.Diffs {
				fmt.Fprintf(w, "  %s\n", d)
			}
		} else {
			fmt.Fprintf(w, "  %d field(s) differ\n", len(m.Diffs))
		}
	}

	if result.Consistent {
		fmt.Fprintln(w, "✓ All aggregates match their transaction logs")
		return
	}
	fmt.Fprintln(w, "✗ Verification failed")
}
