package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dimagi/caseledger/internal/engine"
	"github.com/dimagi/caseledger/internal/ingest"
	"github.com/dimagi/caseledger/internal/model"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Addr    string
	Workers int
}

// maxPayload bounds one submission body.
const maxPayload = 32 << 20

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve submissions with background rebuild workers",
		Long: `Start the ledger as a service. Submissions are accepted over HTTP and the
cases they touch are rebuilt by a pool of background workers.

Endpoints:
  POST /forms              submit a JSON form payload
  GET  /forms/{id}         read a form (follows deprecation)
  GET  /cases/{id}         read a case aggregate
  GET  /metrics            prometheus metrics

Example:
  caseledger run --db ./ledger.db --addr :8080 --workers 4`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default metrics_addr from config, or :8080)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "rebuild workers (default workers from config)")

	return cmd
}

func runServer(opts *RunOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := resolveConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	workers := opts.Workers
	if workers == 0 {
		workers = cfg.Workers
	}
	if workers == 0 {
		workers = engine.DefaultWorkers
	}
	addr := opts.Addr
	if addr == "" {
		addr = cfg.MetricsAddr
	}
	if addr == "" {
		addr = ":8080"
	}

	l, err := openLedger(ctx, opts.RootOptions, engine.WithAsyncRebuild(workers))
	if err != nil {
		return err
	}
	defer l.Close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newHandler(l),
		ReadHeaderTimeout: 10 * time.Second,
	}

	engineDone := make(chan error, 1)
	go func() { engineDone <- l.engine.Run(ctx) }()

	serveDone := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr, "workers", workers)
		serveDone <- srv.ListenAndServe()
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "Ledger serving on %s. Press Ctrl-C to stop.\n", addr)

	select {
	case err := <-serveDone:
		cancel()
		<-engineDone
		return WrapExitError(ExitCommandError, "server error", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}

	// Cancellation stops the workers; anything still queued is rebuilt here.
	if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	if err := l.engine.Drain(shutdownCtx); err != nil {
		return WrapExitError(ExitCommandError, "pending rebuilds failed", err)
	}
	slog.Info("stopped gracefully")
	return nil
}

// newHandler routes the service endpoints onto l.
func newHandler(l *ledger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", l.metrics.Handler())

	mux.HandleFunc("POST /forms", func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayload))
		if err != nil {
			writeJSONError(w, http.StatusRequestEntityTooLarge, ErrCodeInvalid, err.Error())
			return
		}
		res, err := l.engine.Submit(r.Context(), payload)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		status := http.StatusCreated
		if res.Outcome != engine.OutcomeNormal {
			status = http.StatusOK
		}
		writeJSON(w, status, CLIResponse{Status: "ok", Data: SubmitOutput{
			Outcome: string(res.Outcome),
			FormID:  res.Form.FormID,
			OrigID:  res.Form.OrigID,
			Problem: res.Form.Problem,
		}})
	})

	mux.HandleFunc("GET /forms/{id}", func(w http.ResponseWriter, r *http.Request) {
		f, err := l.engine.GetForm(r.Context(), r.PathValue("id"))
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, CLIResponse{Status: "ok", Data: f})
	})

	mux.HandleFunc("GET /cases/{id}", func(w http.ResponseWriter, r *http.Request) {
		c, err := l.engine.GetCase(r.Context(), r.PathValue("id"))
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, CLIResponse{Status: "ok", Data: c.Object()})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, resp CLIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("write response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, CLIResponse{Status: "error", Error: &CLIError{Code: code, Message: message}})
}

// writeLedgerError maps ledger error codes to HTTP statuses. Errors without
// a code are client errors when the payload was malformed or failed
// validation and server errors otherwise.
func writeLedgerError(w http.ResponseWriter, err error) {
	code, ok := model.CodeOf(err)
	if !ok {
		if errors.Is(err, ingest.ErrMalformed) || ingest.IsValidationError(err) {
			writeJSONError(w, http.StatusBadRequest, ErrCodeInvalid, err.Error())
			return
		}
		slog.Error("request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, ErrCodeGeneric, err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch code {
	case model.ErrCodeCaseNotFound, model.ErrCodeFormNotFound, model.ErrCodeAttachmentNotFound:
		status = http.StatusNotFound
	case model.ErrCodeInvalidStateTransition, model.ErrCodeDuplicateTransaction:
		status = http.StatusConflict
	}
	writeJSONError(w, status, string(code), err.Error())
}
