// Package reconcile retries ledger anchoring for reports that were stored but
// not anchored at intake time.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/tanodlink/crimeledger/internal/reports/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds reconciler configuration.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	MaxAttempts int
	// SubmitsPerSecond paces ledger submissions. Zero means unpaced.
	SubmitsPerSecond float64
}

// PendingLister returns reports still waiting for an anchor.
// *repository.ReportRepository satisfies this interface.
type PendingLister interface {
	ListPendingAnchors(ctx context.Context, limit, maxAttempts int) ([]*model.Report, error)
	CountByAnchorState(ctx context.Context) (map[model.AnchorState]int, error)
}

// Reanchorer retries one report. *service.IntakeService satisfies this interface.
type Reanchorer interface {
	Reanchor(ctx context.Context, id int64) (*model.Report, error)
}

// MetricsRecordFunc is an optional callback invoked once per retried report
// with its outcome: "anchored", "pending", "conflict" or "error".
type MetricsRecordFunc func(outcome string)

// PendingGaugeFunc is an optional callback invoked after each pass with the
// number of reports still pending.
type PendingGaugeFunc func(pending int)

// Summary counts the outcomes of one pass.
type Summary struct {
	Attempted int
	Anchored  int
	Pending   int
	Conflict  int
	Failed    int
}

// Reconciler runs periodic re-anchoring passes.
type Reconciler struct {
	lister   PendingLister
	anchorer Reanchorer
	limiter  *rate.Limiter
	cfg      Config
	onResult MetricsRecordFunc
	onGauge  PendingGaugeFunc
	logger   *zap.Logger
}

// New creates a new Reconciler.
func New(lister PendingLister, anchorer Reanchorer, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 10
	}

	limit := rate.Inf
	if cfg.SubmitsPerSecond > 0 {
		limit = rate.Limit(cfg.SubmitsPerSecond)
	}

	return &Reconciler{
		lister:   lister,
		anchorer: anchorer,
		limiter:  rate.NewLimiter(limit, 1),
		cfg:      cfg,
		logger:   logger,
	}
}

// SetMetricsRecord configures the per-report outcome callback.
func (r *Reconciler) SetMetricsRecord(fn MetricsRecordFunc) {
	r.onResult = fn
}

// SetPendingGauge configures the pending-count callback.
func (r *Reconciler) SetPendingGauge(fn PendingGaugeFunc) {
	r.onGauge = fn
}

// Start runs reconciliation passes until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce retries one batch of pending reports with bounded concurrency.
func (r *Reconciler) RunOnce(ctx context.Context) Summary {
	var sum Summary

	reports, err := r.lister.ListPendingAnchors(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts)
	if err != nil {
		r.logger.Error("reconcile: list pending anchors", zap.Error(err))
		return sum
	}

	sem := make(chan struct{}, r.cfg.Concurrency)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, rep := range reports {
		if err := r.limiter.Wait(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcome := r.reanchor(ctx, id)
			if r.onResult != nil {
				r.onResult(outcome)
			}

			mu.Lock()
			defer mu.Unlock()
			sum.Attempted++
			switch outcome {
			case "anchored":
				sum.Anchored++
			case "pending":
				sum.Pending++
			case "conflict":
				sum.Conflict++
			default:
				sum.Failed++
			}
		}(rep.ID)
	}
	wg.Wait()

	r.updateGauge(ctx)
	if sum.Attempted > 0 {
		r.logger.Info("reconcile: pass complete",
			zap.Int("attempted", sum.Attempted),
			zap.Int("anchored", sum.Anchored),
			zap.Int("pending", sum.Pending),
			zap.Int("conflict", sum.Conflict),
			zap.Int("failed", sum.Failed),
		)
	}
	return sum
}

func (r *Reconciler) reanchor(ctx context.Context, id int64) string {
	rep, err := r.anchorer.Reanchor(ctx, id)
	if rep == nil {
		r.logger.Warn("reconcile: reanchor", zap.Int64("report_id", id), zap.Error(err))
		return "error"
	}
	switch rep.AnchorState {
	case model.AnchorConfirmed:
		r.logger.Info("reconcile: anchored", zap.Int64("report_id", id))
		return "anchored"
	case model.AnchorConflict:
		r.logger.Error("reconcile: ledger conflict", zap.Int64("report_id", id), zap.Error(err))
		return "conflict"
	default:
		r.logger.Warn("reconcile: still pending",
			zap.Int64("report_id", id),
			zap.Int("attempts", rep.AnchorAttempts),
			zap.Error(err),
		)
		return "pending"
	}
}

func (r *Reconciler) updateGauge(ctx context.Context) {
	if r.onGauge == nil {
		return
	}
	counts, err := r.lister.CountByAnchorState(ctx)
	if err != nil {
		r.logger.Warn("reconcile: count anchor states", zap.Error(err))
		return
	}
	r.onGauge(counts[model.AnchorPending])
}
