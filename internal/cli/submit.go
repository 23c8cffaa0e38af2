package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dimagi/caseledger/internal/engine"
)

// SubmitOutput reports one submitted payload.
type SubmitOutput struct {
	File    string   `json:"file"`
	Outcome string   `json:"outcome,omitempty"`
	FormID  string   `json:"form_id,omitempty"`
	OrigID  string   `json:"orig_id,omitempty"`
	Problem string   `json:"problem,omitempty"`
	Rebuilt []string `json:"rebuilt,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <payload.json>...",
		Short: "Submit form payloads",
		Long: `Submit one or more JSON form submissions. Use "-" to read stdin.

Each payload is stored as a new form, a duplicate, an edit of the form
holding its id, or an error form when its case properties fail the schema
for its xmlns. Affected cases are rebuilt before the command returns.

Examples:
  caseledger submit --db ./ledger.db form.json
  cat form.json | caseledger submit --db ./ledger.db -`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runSubmit(opts *RootOptions, files []string, cmd *cobra.Command) error {
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

	outputs := make([]SubmitOutput, 0, len(files))
	failed := 0
	for _, file := range files {
		out := submitFile(ctx, l.engine, file, cmd.InOrStdin())
		if out.Error != "" {
			failed++
		}
		formatter.VerboseLog("%s: %s %s", file, out.Outcome, out.FormID)
		outputs = append(outputs, out)
	}

	if opts.Format == "json" {
		if err := formatter.Success(outputs); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		for _, out := range outputs {
			if out.Error != "" {
				fmt.Fprintf(w, "✗ %s: %s\n", out.File, out.Error)
				continue
			}
			fmt.Fprintf(w, "✓ %s: %s %s\n", out.File, out.Outcome, out.FormID)
			for _, id := range out.Rebuilt {
				fmt.Fprintf(w, "  rebuilt %s\n", id)
			}
		}
	}

	if failed > 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("%d of %d submission(s) failed", failed, len(files)))
	}
	return nil
}

func submitFile(ctx context.Context, e *engine.Engine, file string, stdin io.Reader) SubmitOutput {
	out := SubmitOutput{File: file}
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		out.Error = fmt.Sprintf("read payload: %v", err)
		return out
	}

	res, err := e.Submit(ctx, data)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Outcome = string(res.Outcome)
	out.FormID = res.Form.FormID
	out.OrigID = res.Form.OrigID
	out.Problem = res.Form.Problem
	out.Rebuilt = changedCases(res.Rebuilds)
	return out
}

// changedCases lists the ids of rebuilds that wrote a new aggregate.
func changedCases(rebuilds []engine.RebuildResult) []string {
	var ids []string
	for _, r := range rebuilds {
		if r.Changed {
			ids = append(ids, r.CaseID)
		}
	}
	return ids
}
