package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dimagi/caseledger/internal/model"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Enabled bool // hide revoked transactions
}

// HistoryEvent is one entry of a case's transaction log.
type HistoryEvent struct {
	ID         int64  `json:"id"`
	Seq        int64  `json:"seq"`
	ServerDate string `json:"server_date"`
	Type       string `json:"type"`
	FormID     string `json:"form_id,omitempty"`
	Revoked    bool   `json:"revoked"`
	Marker     bool   `json:"marker"`
	XMLNS      string `json:"xmlns,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// HistoryStats summarizes a case history.
type HistoryStats struct {
	Transactions int `json:"transactions"`
	Enabled      int `json:"enabled"`
	Revoked      int `json:"revoked"`
	Markers      int `json:"markers"`
}

// HistoryResult holds the complete history output.
type HistoryResult struct {
	CaseID   string         `json:"case_id"`
	Timeline []HistoryEvent `json:"timeline"`
	Stats    HistoryStats   `json:"stats"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <case_id>",
		Short: "Show a case's transaction log",
		Long: `Show every transaction of a case in fold order: form transactions,
revoked ones included, and rebuild markers with their reasons.

Examples:
  caseledger history --db ./ledger.db c-42
  caseledger history --db ./ledger.db c-42 --enabled --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args[0], cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Enabled, "enabled", false, "only show enabled transactions")
	return cmd
}

func runHistory(opts *HistoryOptions, caseID string, cmd *cobra.Command) error {
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

	txs, err := l.engine.History(ctx, caseID)
	if err != nil {
		return formatter.Fail("read history of "+caseID, err)
	}
	if len(txs) == 0 {
		return formatter.Fail("history "+caseID, model.NewCaseNotFound(caseID))
	}

	result := buildHistory(caseID, txs, opts.Enabled)
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	outputHistoryText(cmd.OutOrStdout(), result, opts.Verbose)
	return nil
}

// buildHistory converts log entries to timeline events. Stats always
// cover the whole log.
func buildHistory(caseID string, txs []model.Transaction, enabledOnly bool) HistoryResult {
	result := HistoryResult{CaseID: caseID, Timeline: []HistoryEvent{}}
	for _, t := range txs {
		marker := t.Type.IsRebuild()
		result.Stats.Transactions++
		switch {
		case marker:
			result.Stats.Markers++
		case t.Revoked:
			result.Stats.Revoked++
		default:
			result.Stats.Enabled++
		}
		if enabledOnly && t.Revoked {
			continue
		}
		result.Timeline = append(result.Timeline, HistoryEvent{
			ID:         t.ID,
			Seq:        t.Seq,
			ServerDate: model.FormatTime(t.ServerDate),
			Type:       t.Type.String(),
			FormID:     t.FormID,
			Revoked:    t.Revoked,
			Marker:     marker,
			XMLNS:      t.Details.XMLNS,
			Reason:     t.Details.Reason,
		})
	}
	return result
}

func outputHistoryText(w io.Writer, result HistoryResult, verbose bool) {
	fmt.Fprintf(w, "History for Case: %s\n", result.CaseID)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no transactions)")
	}
	for _, ev := range result.Timeline {
		formatHistoryEvent(w, ev, verbose)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Transactions: %d\n", result.Stats.Transactions)
	fmt.Fprintf(w, "  Enabled:      %d\n", result.Stats.Enabled)
	fmt.Fprintf(w, "  Revoked:      %d\n", result.Stats.Revoked)
	fmt.Fprintf(w, "  Markers:      %d\n", result.Stats.Markers)
}

func formatHistoryEvent(w io.Writer, ev HistoryEvent, verbose bool) {
	if ev.Marker {
		fmt.Fprintf(w, "  [%d] %s REBUILD %s: %s\n", ev.Seq, ev.ServerDate, ev.Type, ev.Reason)
		return
	}
	flag := ""
	if ev.Revoked {
		flag = " (revoked)"
	}
	fmt.Fprintf(w, "  [%d] %s %s %s%s\n", ev.Seq, ev.ServerDate, ev.Type, ev.FormID, flag)
	if verbose && ev.XMLNS != "" {
		fmt.Fprintf(w, "       xmlns: %s\n", ev.XMLNS)
	}
}
