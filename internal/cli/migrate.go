package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dimagi/caseledger/internal/migrate"
	"github.com/dimagi/caseledger/internal/model"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Source    string
	Dir       string
	DSN       string
	FormTable string
	CaseTable string
	StateDB   string
	DryRun    bool
	Rediff    bool
}

// MigrateOutput reports one migration run.
type MigrateOutput struct {
	Domain       string          `json:"domain"`
	Forms        int             `json:"forms"`
	Migrated     int             `json:"migrated"`
	Resumed      int             `json:"resumed"`
	Skipped      int             `json:"skipped"`
	Failed       []FailureOutput `json:"failed"`
	CasesChecked int             `json:"cases_checked"`
	Clean        int             `json:"clean"`
	Diffs        int             `json:"diffs"`
	Unverifiable int             `json:"unverifiable"`
	Complete     bool            `json:"complete"`
	DryRun       bool            `json:"dry_run,omitempty"`
}

// FailureOutput is one form the migrator could not move.
type FailureOutput struct {
	FormID string `json:"form_id"`
	Error  string `json:"error"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate <domain>",
		Short: "Migrate a domain from a document source",
		Long: `Move every form of a domain from the source into the ledger in received
order, rebuild the cases they touch, and record a diff of each migrated
form and case against its source document.

Runs resume: forms already recorded in the state database are skipped.
Interrupting with Ctrl-C stops between forms.

--dry-run reads and checks the source and reports what would be migrated
without writing to the ledger or the state database. --rediff migrates
nothing; it rebuilds every case whose latest record is a diff and compares
it with its source document again.

Exit codes:
  0 - Every form migrated
  1 - Source not ordered by received_on (fatal)
  2 - Partial run, failed forms, or command error

Examples:
  caseledger migrate --db ./ledger.db demo --source jsonl --dir ./export
  caseledger migrate --db ./ledger.db demo --source postgres --dsn postgres://localhost/commcare
  caseledger migrate --db ./ledger.db demo --dir ./export --dry-run
  caseledger migrate --db ./ledger.db demo --dir ./export --rediff`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", "", "document source (jsonl|postgres)")
	cmd.Flags().StringVar(&opts.Dir, "dir", "", "directory holding forms.jsonl and cases.jsonl")
	cmd.Flags().StringVar(&opts.DSN, "dsn", "", "postgres connection string")
	cmd.Flags().StringVar(&opts.FormTable, "form-table", "", "postgres table of form documents")
	cmd.Flags().StringVar(&opts.CaseTable, "case-table", "", "postgres table of case documents")
	cmd.Flags().StringVar(&opts.StateDB, "state", "", "path to migration state database")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "check the source without writing anything")
	cmd.Flags().BoolVar(&opts.Rediff, "rediff", false, "rebuild and re-diff cases that still differ")
	cmd.MarkFlagsMutuallyExclusive("dry-run", "rediff")

	return cmd
}

// migrationConfig applies the command flags over the config file.
func (o *MigrateOptions) migrationConfig(cfg *Config) MigrationConfig {
	mc := cfg.Migration
	if o.Source != "" {
		mc.Source = o.Source
	}
	if o.Dir != "" {
		mc.Dir = o.Dir
	}
	if o.DSN != "" {
		mc.DSN = o.DSN
	}
	if o.FormTable != "" {
		mc.FormTable = o.FormTable
	}
	if o.CaseTable != "" {
		mc.CaseTable = o.CaseTable
	}
	if o.StateDB != "" {
		mc.StateDB = o.StateDB
	}
	if mc.Source == "" {
		mc.Source = SourceJSONL
	}
	return mc
}

func openSource(ctx context.Context, mc MigrationConfig) (migrate.Source, error) {
	switch mc.Source {
	case SourceJSONL:
		if mc.Dir == "" {
			return nil, fmt.Errorf("--dir is required for the jsonl source")
		}
		return migrate.OpenJSONL(mc.Dir)
	case SourcePostgres:
		if mc.DSN == "" {
			return nil, fmt.Errorf("--dsn is required for the postgres source")
		}
		return migrate.OpenPostgres(ctx, mc.DSN, mc.FormTable, mc.CaseTable)
	default:
		return nil, fmt.Errorf("unknown migration source %q", mc.Source)
	}
}

func runMigrate(opts *MigrateOptions, domain string, cmd *cobra.Command) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	formatter := newFormatter(opts.RootOptions, cmd)

	l, err := openLedger(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer l.Close()

	mc := opts.migrationConfig(l.cfg)
	src, err := openSource(ctx, mc)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open source", err)
	}
	defer src.Close()

	state, err := migrate.OpenState(mc.StateDB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open migration state", err)
	}
	defer state.Close()

	migOpts := []migrate.Option{migrate.WithMetrics(l.metrics)}
	if opts.DryRun {
		migOpts = append(migOpts, migrate.WithDryRun())
	}
	m := migrate.New(l.engine, src, state, migOpts...)

	var report *migrate.Report
	var runErr error
	if opts.Rediff {
		formatter.VerboseLog("Re-diffing %s against %s source", domain, mc.Source)
		report, runErr = m.Rediff(ctx, domain)
	} else {
		formatter.VerboseLog("Migrating %s from %s source", domain, mc.Source)
		report, runErr = m.MigrateDomain(ctx, domain)
	}
	if report == nil {
		return formatter.Fail("migrate "+domain, runErr)
	}

	out := migrateOutput(report)
	if opts.Format == "json" {
		if err := formatter.Success(out); err != nil {
			return err
		}
	} else {
		printMigrate(cmd, out)
	}

	switch {
	case model.IsOrderingViolation(runErr):
		return WrapExitError(ExitFailure, "source is not ordered by received_on", runErr)
	case migrate.IsPartial(runErr):
		return WrapExitError(ExitCommandError, "migration interrupted", runErr)
	case runErr != nil:
		return WrapExitError(ExitCommandError, "migration failed", runErr)
	case !report.Complete():
		return NewExitError(ExitCommandError, fmt.Sprintf("%d form(s) failed to migrate", len(report.Failed)))
	}
	return nil
}

func migrateOutput(r *migrate.Report) MigrateOutput {
	out := MigrateOutput{
		Domain:       r.Domain,
		Forms:        r.Forms,
		Migrated:     r.Migrated,
		Resumed:      r.Resumed,
		Skipped:      r.Skipped,
		Failed:       []FailureOutput{},
		CasesChecked: r.CasesChecked,
		Clean:        r.Clean,
		Diffs:        r.Diffs,
		Unverifiable: r.Unverifiable,
		Complete:     r.Complete(),
		DryRun:       r.DryRun,
	}
	for _, f := range r.Failed {
		out.Failed = append(out.Failed, FailureOutput{FormID: f.FormID, Error: f.Err.Error()})
	}
	return out
}

func printMigrate(cmd *cobra.Command, out MigrateOutput) {
	w := cmd.OutOrStdout()
	mark := "✓"
	if !out.Complete {
		mark = "✗"
	}
	if out.DryRun {
		fmt.Fprintf(w, "%s migrate %s (dry run, nothing written)\n", mark, out.Domain)
	} else {
		fmt.Fprintf(w, "%s migrate %s\n", mark, out.Domain)
	}
	fmt.Fprintf(w, "  Forms:    %d (migrated %d, resumed %d, skipped %d, failed %d)\n",
		out.Forms, out.Migrated, out.Resumed, out.Skipped, len(out.Failed))
	fmt.Fprintf(w, "  Cases:    %d checked\n", out.CasesChecked)
	fmt.Fprintf(w, "  Diffs:    %d clean, %d diff, %d unverifiable\n", out.Clean, out.Diffs, out.Unverifiable)
	for _, f := range out.Failed {
		fmt.Fprintf(w, "  failed %s: %s\n", f.FormID, f.Error)
	}
}
