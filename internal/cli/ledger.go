package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dimagi/caseledger/internal/blob"
	"github.com/dimagi/caseledger/internal/engine"
	"github.com/dimagi/caseledger/internal/metrics"
	"github.com/dimagi/caseledger/internal/schema"
	"github.com/dimagi/caseledger/internal/store"
)

// ledger is an opened target store with its engine.
type ledger struct {
	cfg     *Config
	store   *store.Store
	engine  *engine.Engine
	metrics *metrics.Metrics
}

// openLedger resolves the configuration, opens the store, blob driver and
// schemas, and builds an engine over them.
func openLedger(ctx context.Context, opts *RootOptions, extra ...engine.Option) (*ledger, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	blobs, err := blob.Open(ctx, cfg.Blobs)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open blob store", err)
	}

	schemas := schema.NewRegistry()
	if cfg.Schemas != "" {
		if schemas, err = schema.Load(cfg.Schemas); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load schemas", err)
		}
	}

	slog.Debug("opening database", "path", cfg.Database, "blobs", cfg.Blobs.Driver)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	m := metrics.New()
	engineOpts := append([]engine.Option{
		engine.WithSchemas(schemas),
		engine.WithMetrics(m),
	}, extra...)
	eng, err := engine.New(ctx, st, blobs, engineOpts...)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	return &ledger{cfg: cfg, store: st, engine: eng, metrics: m}, nil
}

// Close stops the engine's workers and closes the store.
func (l *ledger) Close() error {
	l.engine.Stop()
	if err := l.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
