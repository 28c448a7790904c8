// Package worker runs the background control loop that keeps the pool
// fresh: syncing the upstream list, validating stale records, and
// revalidating the working set, each on its own cadence.
package worker

import (
	"context"
	"log/slog"
	"time"

	"proxy-pool/pkg/database"
	"proxy-pool/pkg/models"
	"proxy-pool/pkg/validator"
)

// Store is the persistence contract the worker drives. *database.DB
// satisfies it.
type Store interface {
	UpsertProxy(ctx context.Context, address string, outcome models.Outcome) error
	WorkingProxies(ctx context.Context, limit int) ([]string, error)
	ProxiesToValidate(ctx context.Context, staleness time.Duration, limit int) ([]models.Proxy, error)
	CleanupFailed(ctx context.Context, maxFailures int) error
	RemoveMissing(ctx context.Context, current []string) error
	GetStats(ctx context.Context) (database.Stats, error)
	LastListVersion(ctx context.Context) (string, error)
	RecordListVersion(ctx context.Context, token string) error
}

// Engine validates batches of addresses.
type Engine interface {
	ValidateMany(ctx context.Context, addresses []string, mode validator.Mode) map[string]models.Outcome
}

// ListSource supplies candidate addresses and their version token.
type ListSource interface {
	FetchMeta(ctx context.Context) (string, error)
	AllProxies(ctx context.Context) ([]string, error)
}

// Options contains the worker cadences and policies.
type Options struct {
	// MetaCheckInterval gates upstream list syncs.
	MetaCheckInterval time.Duration
	// RevalidationInterval gates re-testing of the working set.
	RevalidationInterval time.Duration
	// IdleInterval is the fixed sleep between ticks, regardless of how
	// long the tick's work took.
	IdleInterval time.Duration
	// Staleness is the age after which a tested record is due again.
	Staleness time.Duration
	// MaxFailures is the consecutive-failure ceiling before deletion.
	MaxFailures int
	// BatchSize bounds how many addresses one validation pass fans
	// out over.
	BatchSize int
}

type Worker struct {
	store  Store
	engine Engine
	source ListSource
	opts   Options
	logger *slog.Logger
}

func New(store Store, engine Engine, source ListSource, opts Options, logger *slog.Logger) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	return &Worker{
		store:  store,
		engine: engine,
		source: source,
		opts:   opts,
		logger: logger,
	}
}

// tickState holds the wall-clock gates for the cadenced actions. It is
// threaded through runTick by value and returned updated, never
// mutated in place, so the cadence logic is testable in isolation.
type tickState struct {
	lastMetaCheck    time.Time
	lastRevalidation time.Time
}

func (s tickState) metaCheckDue(now time.Time, interval time.Duration) bool {
	return s.lastMetaCheck.IsZero() || now.Sub(s.lastMetaCheck) >= interval
}

func (s tickState) revalidationDue(now time.Time, interval time.Duration) bool {
	return s.lastRevalidation.IsZero() || now.Sub(s.lastRevalidation) >= interval
}

// Run loops until ctx is cancelled. A single proxy failing its test is
// never fatal; upstream and store errors are logged and the loop
// continues with the previously stored state.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker starting",
		"metaCheckInterval", w.opts.MetaCheckInterval,
		"revalidationInterval", w.opts.RevalidationInterval,
		"batchSize", w.opts.BatchSize)

	var state tickState
	for tick := 1; ; tick++ {
		w.logger.Debug("Tick starting", "tick", tick)

		var err error
		state, err = w.runTick(ctx, state)
		if err != nil {
			w.logger.Info("Worker stopping", "reason", err)
			return err
		}

		select {
		case <-time.After(w.opts.IdleInterval):
		case <-ctx.Done():
			w.logger.Info("Worker stopping", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}

// runTick executes the four gated actions once and returns the updated
// gate state. The only error it returns is ctx cancellation.
func (w *Worker) runTick(ctx context.Context, state tickState) (tickState, error) {
	now := time.Now()

	if state.metaCheckDue(now, w.opts.MetaCheckInterval) {
		w.syncUpstream(ctx)
		state.lastMetaCheck = now
	}

	if err := w.validateStale(ctx); err != nil {
		return state, err
	}

	if state.revalidationDue(now, w.opts.RevalidationInterval) {
		w.revalidateWorking(ctx)
		state.lastRevalidation = now
	}

	w.emitStats(ctx)

	if err := ctx.Err(); err != nil {
		return state, err
	}
	return state, nil
}

// syncUpstream checks the list source's version token and, when it has
// changed, tests the genuinely new candidates and reconciles the pool
// against the full fetched set.
func (w *Worker) syncUpstream(ctx context.Context) {
	token, err := w.source.FetchMeta(ctx)
	if err != nil {
		w.logger.Warn("Failed to fetch list meta", "error", err)
		return
	}
	if token == "" {
		w.logger.Debug("No list update available")
		return
	}

	last, err := w.store.LastListVersion(ctx)
	if err != nil {
		w.logger.Error("Failed to read last list version", "error", err)
		return
	}
	if token == last {
		w.logger.Debug("List unchanged", "token", token)
		return
	}

	w.logger.Info("List version changed", "from", last, "to", token)
	if err := w.store.RecordListVersion(ctx, token); err != nil {
		w.logger.Error("Failed to record list version", "error", err)
		return
	}

	all, err := w.source.AllProxies(ctx)
	if err != nil {
		w.logger.Warn("Failed to fetch proxy lists", "error", err)
		return
	}
	if len(all) == 0 {
		w.logger.Warn("Upstream returned no proxies")
		return
	}

	working, err := w.store.WorkingProxies(ctx, 0)
	if err != nil {
		w.logger.Error("Failed to read working set", "error", err)
		return
	}
	known := make(map[string]struct{}, len(working))
	for _, addr := range working {
		known[addr] = struct{}{}
	}

	var fresh []string
	for _, addr := range all {
		if _, ok := known[addr]; !ok {
			fresh = append(fresh, addr)
		}
	}

	if len(fresh) > 0 {
		w.logger.Info("Testing new candidates", "count", len(fresh))
		w.applyOutcomes(ctx, w.engine.ValidateMany(ctx, fresh, validator.ModeInitial))
	}

	if err := w.store.RemoveMissing(ctx, all); err != nil {
		w.logger.Error("Failed to reconcile with upstream list", "error", err)
	}
	if err := w.store.CleanupFailed(ctx, w.opts.MaxFailures); err != nil {
		w.logger.Error("Failed to clean up failed proxies", "error", err)
	}
}

// validateStale tests every record due for validation, in fixed-size
// batches so memory and probe volume stay bounded. Outcomes of batches
// that completed before cancellation are already persisted when the
// loop exits.
func (w *Worker) validateStale(ctx context.Context) error {
	due, err := w.store.ProxiesToValidate(ctx, w.opts.Staleness, 0)
	if err != nil {
		w.logger.Error("Failed to read proxies to validate", "error", err)
		return nil
	}
	if len(due) == 0 {
		return nil
	}

	w.logger.Info("Validating due proxies", "count", len(due))

	for start := 0; start < len(due); start += w.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + w.opts.BatchSize
		if end > len(due) {
			end = len(due)
		}
		batch := make([]string, 0, end-start)
		for _, p := range due[start:end] {
			batch = append(batch, p.Address)
		}

		w.applyOutcomes(ctx, w.engine.ValidateMany(ctx, batch, validator.ModeInitial))
	}

	if err := w.store.CleanupFailed(ctx, w.opts.MaxFailures); err != nil {
		w.logger.Error("Failed to clean up failed proxies", "error", err)
	}
	return nil
}

// revalidateWorking re-tests the whole working set with rate-limit
// pacing.
func (w *Worker) revalidateWorking(ctx context.Context) {
	working, err := w.store.WorkingProxies(ctx, 0)
	if err != nil {
		w.logger.Error("Failed to read working set", "error", err)
		return
	}
	if len(working) == 0 {
		w.logger.Debug("No working proxies to revalidate")
		return
	}

	w.logger.Info("Revalidating working proxies", "count", len(working))
	w.applyOutcomes(ctx, w.engine.ValidateMany(ctx, working, validator.ModeRevalidation))

	if err := w.store.CleanupFailed(ctx, w.opts.MaxFailures); err != nil {
		w.logger.Error("Failed to clean up failed proxies", "error", err)
	}
}

// applyOutcomes persists a batch's outcomes. A single failing upsert
// is logged and skipped; the rest of the batch still lands.
func (w *Worker) applyOutcomes(ctx context.Context, outcomes map[string]models.Outcome) {
	for address, outcome := range outcomes {
		if err := w.store.UpsertProxy(ctx, address, outcome); err != nil {
			w.logger.Error("Failed to persist outcome", "address", address, "error", err)
		}
	}
}

func (w *Worker) emitStats(ctx context.Context) {
	stats, err := w.store.GetStats(ctx)
	if err != nil {
		w.logger.Error("Failed to read stats", "error", err)
		return
	}
	w.logger.Info("Pool stats",
		"total", stats.Total,
		"working", stats.Working,
		"failed", stats.Failed)
}
