package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dimagi/caseledger/internal/migrate"
)

// ExportOutput reports a finished export.
type ExportOutput struct {
	Domain string `json:"domain"`
	Dir    string `json:"dir"`
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "export <domain>",
		Short: "Write a domain's forms and cases as a jsonl export",
		Long: `Write every form of a domain, in received order and with its lifecycle
fields, to forms.jsonl and every case aggregate to cases.jsonl. The result
is a source that migrate --source jsonl reads back.

Examples:
  caseledger export --db ./ledger.db demo --dir ./export`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(rootOpts, args[0], dir, cmd)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to write forms.jsonl and cases.jsonl into")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func runExport(opts *RootOptions, domain, dir string, cmd *cobra.Command) error {
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

	if err := migrate.Export(ctx, l.engine, domain, dir); err != nil {
		return formatter.Fail("export "+domain, err)
	}
	if opts.Format == "json" {
		return formatter.Success(ExportOutput{Domain: domain, Dir: dir})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ exported %s to %s\n", domain, dir)
	return nil
}
