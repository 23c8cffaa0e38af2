package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dimagi/caseledger/internal/schema"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool                `json:"valid"`
	Schemas []SchemaSummary     `json:"schemas,omitempty"`
	Errors  []ValidationMessage `json:"errors,omitempty"`
}

// SchemaSummary describes one loaded form schema.
type SchemaSummary struct {
	XMLNS      string `json:"xmlns"`
	Name       string `json:"name"`
	Properties int    `json:"properties"`
}

// ValidationMessage is one schema definition error.
type ValidationMessage struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <schemas-dir>",
		Short: "Validate CUE property schemas",
		Long: `Load the CUE property schemas in a directory and report definition
errors: unknown property kinds, missing xmlns, duplicate namespaces.

Example:
  caseledger validate ./schemas`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, schemasDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	reg, err := schema.Load(schemasDir)
	if err != nil {
		var schemaErr *schema.SchemaError
		if errors.As(err, &schemaErr) {
			return outputValidationErrors(formatter, []ValidationMessage{validationMessage(schemaErr)})
		}
		_ = formatter.Error(ErrCodeInvalid, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load schemas", err)
	}

	result := ValidationResult{Valid: true}
	for _, ns := range reg.XMLNS() {
		s, _ := reg.Lookup(ns)
		result.Schemas = append(result.Schemas, SchemaSummary{XMLNS: ns, Name: s.Name, Properties: len(s.Properties)})
		formatter.VerboseLog("%s: %d properties", ns, len(s.Properties))
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ %d schema(s) valid\n", len(result.Schemas))
	for _, s := range result.Schemas {
		fmt.Fprintf(formatter.Writer, "  %s (%s, %d properties)\n", s.XMLNS, s.Name, s.Properties)
	}
	return nil
}

func validationMessage(e *schema.SchemaError) ValidationMessage {
	msg := ValidationMessage{Field: e.Field, Message: e.Message}
	if e.Pos.IsValid() {
		msg.Line = e.Pos.Line()
	}
	return msg
}

// outputValidationErrors outputs schema definition errors.
func outputValidationErrors(formatter *OutputFormatter, errs []ValidationMessage) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    ErrCodeInvalid,
				Message: errs[0].Message,
			},
		}
		if err := formatter.encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range errs {
		if e.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", e.Line)
		}
		if e.Field != "" {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", e.Field, e.Message)
		} else {
			fmt.Fprintf(formatter.Writer, "  %s\n\n", e.Message)
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
