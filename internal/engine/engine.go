package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dimagi/caseledger/internal/blob"
	"github.com/dimagi/caseledger/internal/metrics"
	"github.com/dimagi/caseledger/internal/model"
	"github.com/dimagi/caseledger/internal/schema"
	"github.com/dimagi/caseledger/internal/store"
)

// DefaultWorkers is the worker pool size used by Run when none is set.
const DefaultWorkers = 4

// Engine owns the form lifecycle and the rebuild of case aggregates.
//
// Thread-safety model:
//   - every exported method is safe from any goroutine
//   - case aggregates are written only under their case lock
//   - Run may be called at most once, and only in async mode
type Engine struct {
	store   *store.Store
	blobs   blob.Store
	schemas *schema.Registry
	clock   *Clock
	ids     IDGenerator
	now     TimeSource
	metrics *metrics.Metrics
	locks   *caseLocks

	// Async rebuild (see Run). In sync mode rebuilds happen inline and
	// queue is unused.
	async   bool
	workers int
	queue   *rebuildQueue
}

// Option configures an Engine.
type Option func(*Engine)

// WithSchemas sets the property schemas submissions are validated against.
func WithSchemas(r *schema.Registry) Option {
	return func(e *Engine) { e.schemas = r }
}

// WithIDGenerator replaces the UUIDv7 id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithTimeSource replaces the system clock.
func WithTimeSource(ts TimeSource) Option {
	return func(e *Engine) { e.now = ts }
}

// WithMetrics records into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAsyncRebuild queues rebuild requests instead of running them inline.
// Run drains the queue with the given number of workers.
func WithAsyncRebuild(workers int) Option {
	return func(e *Engine) {
		e.async = true
		e.workers = workers
	}
}

// New creates an Engine over s and blobs. The sequence clock continues after
// the highest seq already stored.
func New(ctx context.Context, s *store.Store, blobs blob.Store, opts ...Option) (*Engine, error) {
	seq, err := s.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	e := &Engine{
		store:   s,
		blobs:   blobs,
		clock:   NewClockAt(seq),
		ids:     UUIDv7Generator{},
		now:     systemTime{},
		locks:   newCaseLocks(),
		workers: DefaultWorkers,
		queue:   newRebuildQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers < 1 {
		e.workers = 1
	}
	return e, nil
}

// Store returns the underlying target store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Enqueue submits a rebuild request. In sync mode it runs immediately.
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(ctx context.Context, r RebuildRequested) bool {
	if !e.async {
		if _, err := e.rebuild(ctx, r); err != nil {
			logRebuildError(r, err)
		}
		return true
	}
	ok := e.queue.Enqueue(r)
	e.metrics.SetQueueDepth(e.queue.Len())
	return ok
}

// QueueLen returns the number of pending rebuild requests.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Run drains the rebuild queue with a bounded worker pool.
// Blocks until ctx is cancelled or Stop is called and the queue is empty.
//
// ERROR HANDLING: a failed rebuild is logged with its case and reason and
// the workers continue. The case keeps its previous aggregate and is
// rebuilt again by the next request that names it.
func (e *Engine) Run(ctx context.Context) error {
	if !e.async {
		return errors.New("engine: Run requires async rebuild mode")
	}
	slog.Info("engine starting", "workers", e.workers)

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		stopErr error
	)
	for i := range e.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.work(ctx, i); err != nil {
				errOnce.Do(func() { stopErr = err })
			}
		}()
	}
	wg.Wait()
	return stopErr
}

func (e *Engine) work(ctx context.Context, worker int) error {
	for {
		r, ok := e.queue.TryDequeue()
		if ok {
			e.metrics.SetQueueDepth(e.queue.Len())
			if _, err := e.rebuild(ctx, r); err != nil {
				logRebuildError(r, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled", "worker", worker)
			e.queue.Close()
			return ctx.Err()

		case _, open := <-e.queue.Wait():
			if !open && e.queue.Len() == 0 {
				slog.Debug("engine stopping: queue closed", "worker", worker)
				return nil
			}
		}
	}
}

// Stop closes the queue. Run returns once pending requests are drained.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Drain rebuilds every pending request on the calling goroutine. Tests and
// the CLI use it to settle an async engine without starting workers.
func (e *Engine) Drain(ctx context.Context) error {
	var b batch
	b.op = "drain rebuild queue"
	for {
		r, ok := e.queue.TryDequeue()
		if !ok {
			break
		}
		if _, err := e.rebuild(ctx, r); err != nil {
			b.add(r.CaseID, err)
		}
	}
	e.metrics.SetQueueDepth(0)
	return b.err()
}

// requestRebuilds rebuilds caseIDs inline (sync mode) or queues them. Once
// the queue is closed, by Stop or a cancelled Run, the cases it refuses are
// rebuilt inline so no write is left without its rebuild.
func (e *Engine) requestRebuilds(ctx context.Context, op string, caseIDs []string, reason model.Reason) ([]RebuildResult, error) {
	if !e.async {
		return e.rebuildCases(ctx, op, caseIDs, reason)
	}
	var refused []string
	for _, id := range caseIDs {
		if !e.queue.Enqueue(RebuildRequested{CaseID: id, Reason: reason}) {
			refused = append(refused, id)
		}
	}
	e.metrics.SetQueueDepth(e.queue.Len())
	if len(refused) == 0 {
		return nil, nil
	}
	slog.Warn("rebuild queue closed, rebuilding inline", "op", op, "cases", len(refused))
	return e.rebuildCases(ctx, op, refused, reason)
}

// observe records an operation's outcome and latency.
func (e *Engine) observe(ctx context.Context, op string, start time.Time, err error) {
	e.metrics.Observe(ctx, op, err, time.Since(start))
}

func logRebuildError(r RebuildRequested, err error) {
	slog.Error("rebuild failed",
		"case_id", r.CaseID,
		"reason", r.Reason.Text,
		"error", err,
	)
}
