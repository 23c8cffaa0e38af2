package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dimagi/caseledger/internal/diff"
	"github.com/dimagi/caseledger/internal/migrate"
	"github.com/dimagi/caseledger/internal/model"
)

// DiffsOptions holds flags for the diffs command.
type DiffsOptions struct {
	*RootOptions
	StateDB string
	Status  string
	Entity  string
	ID      string
}

// DiffOutput is one recorded migration comparison.
type DiffOutput struct {
	EntityType string      `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	Status     string      `json:"status"`
	Diffs      []diff.Diff `json:"diffs,omitempty"`
	Problem    string      `json:"problem,omitempty"`
	RecordedAt string      `json:"recorded_at"`
}

// NewDiffsCommand creates the diffs command.
func NewDiffsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiffsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "diffs <domain>",
		Short: "List migration diff records",
		Long: `List the comparisons the migrator recorded for a domain, in recording
order. Use --status to show only clean, diff or unverifiable records,
--entity to show only form or case records and --id to show the history of
one document.

Examples:
  caseledger diffs --state ./migration.db demo
  caseledger diffs --state ./migration.db demo --status diff --format json
  caseledger diffs --state ./migration.db demo --entity case --id c1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiffs(opts, args[0], cmd)
		},
	}
	cmd.Flags().StringVar(&opts.StateDB, "state", "", "path to migration state database")
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (clean|diff|unverifiable)")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "filter by entity type (form|case)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "filter by form or case id")
	return cmd
}

func runDiffs(opts *DiffsOptions, domain string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	status := migrate.Status(opts.Status)
	switch status {
	case "", migrate.StatusClean, migrate.StatusDiff, migrate.StatusUnverifiable:
	default:
		_ = formatter.Error(ErrCodeInvalid, fmt.Sprintf("unknown status %q", opts.Status), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown status %q", opts.Status))
	}
	entity := migrate.EntityType(opts.Entity)
	switch entity {
	case "", migrate.EntityForm, migrate.EntityCase:
	default:
		_ = formatter.Error(ErrCodeInvalid, fmt.Sprintf("unknown entity %q", opts.Entity), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown entity %q", opts.Entity))
	}

	cfg, err := resolveConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	path := cfg.Migration.StateDB
	if opts.StateDB != "" {
		path = opts.StateDB
	}

	state, err := migrate.OpenState(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open migration state", err)
	}
	defer state.Close()

	records, err := state.QueryDiffs(ctx, domain, migrate.DiffFilter{
		Status:     status,
		EntityType: entity,
		EntityID:   opts.ID,
	})
	if err != nil {
		return formatter.Fail("read diffs", err)
	}

	out := make([]DiffOutput, len(records))
	for i, r := range records {
		out[i] = DiffOutput{
			EntityType: string(r.EntityType),
			EntityID:   r.EntityID,
			Status:     string(r.Status),
			Diffs:      r.Diffs,
			Problem:    r.Problem,
			RecordedAt: model.FormatTime(r.RecordedAt),
		}
	}

	if opts.Format == "json" {
		return formatter.Success(out)
	}
	w := cmd.OutOrStdout()
	if len(out) == 0 {
		fmt.Fprintf(w, "No diff records for %s\n", domain)
		return nil
	}
	for _, r := range out {
		fmt.Fprintf(w, "%s %s %s\n", r.EntityType, r.EntityID, r.Status)
		for _, d := range r.Diffs {
			fmt.Fprintf(w, "  %s\n", d)
		}
		if r.Problem != "" {
			fmt.Fprintf(w, "  problem: %s\n", r.Problem)
		}
	}
	return nil
}
