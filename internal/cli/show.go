package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dimagi/caseledger/internal/model"
)

// ShowCaseOptions holds flags for the show-case command.
type ShowCaseOptions struct {
	*RootOptions
	Property string
	Forms    bool
}

// ShowFormOptions holds flags for the show-form command.
type ShowFormOptions struct {
	*RootOptions
	Exact      bool
	Attachment string
}

// FormSummary is the short form listing of show-case --forms.
type FormSummary struct {
	FormID     string `json:"form_id"`
	XMLNS      string `json:"xmlns"`
	ReceivedOn string `json:"received_on"`
	State      string `json:"state"`
}

// NewShowCaseCommand creates the show-case command.
func NewShowCaseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowCaseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show-case <case_id>",
		Short: "Print a case aggregate",
		Long: `Print the stored aggregate of a case.

With --property only that property is printed. With --forms the forms that
contributed to the case are listed in fold order.

Examples:
  caseledger show-case --db ./ledger.db c-42
  caseledger show-case --db ./ledger.db c-42 --property age
  caseledger show-case --db ./ledger.db c-42 --forms --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShowCase(opts, args[0], cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Property, "property", "", "print a single case property")
	cmd.Flags().BoolVar(&opts.Forms, "forms", false, "list contributing forms")
	return cmd
}

func runShowCase(opts *ShowCaseOptions, caseID string, cmd *cobra.Command) error {
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

	switch {
	case opts.Property != "":
		v, ok, err := l.engine.GetCaseProperty(ctx, caseID, opts.Property)
		if err != nil {
			return formatter.Fail("read case "+caseID, err)
		}
		if !ok {
			_ = formatter.Error(ErrCodeInvalid, fmt.Sprintf("case %s has no property %q", caseID, opts.Property), nil)
			return NewExitError(ExitCommandError, fmt.Sprintf("property %q not set", opts.Property))
		}
		if opts.Format == "json" {
			return formatter.Success(model.Object{opts.Property: v})
		}
		fmt.Fprintln(cmd.OutOrStdout(), model.Display(v))
		return nil

	case opts.Forms:
		forms, err := l.engine.GetFormsForCase(ctx, caseID)
		if err != nil {
			return formatter.Fail("read forms of "+caseID, err)
		}
		out := make([]FormSummary, len(forms))
		for i, f := range forms {
			out[i] = FormSummary{
				FormID:     f.FormID,
				XMLNS:      f.XMLNS,
				ReceivedOn: model.FormatTime(f.ReceivedOn),
				State:      string(f.State),
			}
		}
		if opts.Format == "json" {
			return formatter.Success(out)
		}
		w := cmd.OutOrStdout()
		for _, f := range out {
			fmt.Fprintf(w, "%s  %-10s %s  %s\n", f.ReceivedOn, f.State, f.FormID, f.XMLNS)
		}
		return nil
	}

	c, err := l.engine.GetCase(ctx, caseID)
	if err != nil {
		return formatter.Fail("read case "+caseID, err)
	}
	if opts.Format == "json" {
		return formatter.Success(c.Object())
	}
	printCase(cmd.OutOrStdout(), c)
	return nil
}

func printCase(w io.Writer, c *model.Case) {
	fmt.Fprintf(w, "Case: %s (%s)\n", c.CaseID, c.Domain)
	fmt.Fprintf(w, "  type:     %s\n", c.Type)
	fmt.Fprintf(w, "  name:     %s\n", c.Name)
	fmt.Fprintf(w, "  owner:    %s\n", c.OwnerID)
	fmt.Fprintf(w, "  closed:   %t\n", c.Closed)
	if c.IsDeleted {
		fmt.Fprintln(w, "  deleted:  true")
	}
	if c.ModifiedOn != nil {
		fmt.Fprintf(w, "  modified: %s\n", model.FormatTime(*c.ModifiedOn))
	}

	fmt.Fprintln(w, "=== Properties ===")
	if len(c.Properties) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, k := range c.Properties.SortedKeys() {
		fmt.Fprintf(w, "  %s = %s\n", k, model.Display(c.Properties[k]))
	}

	if len(c.Indices) > 0 {
		fmt.Fprintln(w, "=== Indices ===")
		for _, idx := range c.Indices {
			fmt.Fprintf(w, "  %s -> %s (%s)\n", idx.Identifier, idx.ReferencedID, idx.ReferencedType)
		}
	}
}

// NewShowFormCommand creates the show-form command.
func NewShowFormCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowFormOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show-form <form_id>",
		Short: "Print a form record",
		Long: `Print a stored form. A deprecated form resolves to the form that replaced
it unless --exact is given.

With --attachment the named attachment is written to stdout as stored.

Examples:
  caseledger show-form --db ./ledger.db f-123
  caseledger show-form --db ./ledger.db f-123 --attachment form.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShowForm(opts, args[0], cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Exact, "exact", false, "do not follow deprecation to the replacing form")
	cmd.Flags().StringVar(&opts.Attachment, "attachment", "", "write the named attachment to stdout")
	return cmd
}

func runShowForm(opts *ShowFormOptions, formID string, cmd *cobra.Command) error {
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

	if opts.Attachment != "" {
		data, _, err := l.engine.GetAttachment(ctx, formID, opts.Attachment)
		if err != nil {
			return formatter.Fail("read attachment", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}

	var f *model.Form
	if opts.Exact {
		f, err = l.engine.GetFormExact(ctx, formID)
	} else {
		f, err = l.engine.GetForm(ctx, formID)
	}
	if err != nil {
		return formatter.Fail("read form "+formID, err)
	}

	if opts.Format == "json" {
		return formatter.Success(f)
	}
	printForm(cmd.OutOrStdout(), f)
	return nil
}

func printForm(w io.Writer, f *model.Form) {
	fmt.Fprintf(w, "Form: %s (%s)\n", f.FormID, f.Domain)
	fmt.Fprintf(w, "  xmlns:    %s\n", f.XMLNS)
	fmt.Fprintf(w, "  state:    %s\n", f.State)
	fmt.Fprintf(w, "  received: %s\n", model.FormatTime(f.ReceivedOn))
	if f.EditedOn != nil {
		fmt.Fprintf(w, "  edited:   %s\n", model.FormatTime(*f.EditedOn))
	}
	if f.OrigID != "" {
		fmt.Fprintf(w, "  orig_id:  %s\n", f.OrigID)
	}
	if f.DeprecatedFormID != "" {
		fmt.Fprintf(w, "  replaces: %s\n", f.DeprecatedFormID)
	}
	if f.Problem != "" {
		fmt.Fprintf(w, "  problem:  %s\n", f.Problem)
	}

	if len(f.Operations) > 0 {
		fmt.Fprintln(w, "=== Operations ===")
		for _, op := range f.Operations {
			fmt.Fprintf(w, "  %s %s by %s\n", model.FormatTime(op.Date), op.Operation, op.UserID)
		}
	}
	if len(f.Attachments) > 0 {
		fmt.Fprintln(w, "=== Attachments ===")
		atts := append([]model.Attachment(nil), f.Attachments...)
		sort.Slice(atts, func(i, j int) bool { return atts[i].Name < atts[j].Name })
		for _, a := range atts {
			fmt.Fprintf(w, "  %s (%s, %d bytes)\n", a.Name, a.ContentType, a.Size)
		}
	}
}
