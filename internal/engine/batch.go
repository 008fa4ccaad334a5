package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/oktsec/truthaudit/internal/audit"
)

// RunBatch audits up to limit pending sessions, oldest end time first.
// Each session is claimed before it is audited; sessions another run has
// claimed are skipped. Sessions that fail are logged, released and left out
// of the results; only a failure to list pending sessions is returned as an
// error. Results keep the
// pending order regardless of worker count.
func (e *Engine) RunBatch(ctx context.Context, limit int) ([]audit.Result, audit.Summary, error) {
	if e.state.Load() == nil {
		return nil, audit.Summary{}, ErrNotInitialized
	}
	if limit <= 0 {
		limit = e.opts.BatchLimit
	}

	ctx, span := tracer.Start(ctx, "audit.batch")
	defer span.End()

	sctx, cancel := e.storeCtx(ctx)
	if n, err := e.deps.Sessions.RequeueStale(sctx, e.now().Add(-e.opts.ClaimTimeout)); err != nil {
		e.logger.Warn("requeueing stale claims failed", "error", err)
	} else if n > 0 {
		e.logger.Warn("requeued stale session claims", "sessions", n)
	}
	recs, err := e.deps.Sessions.PendingSessions(sctx, limit)
	cancel()
	if err != nil {
		span.RecordError(err)
		return nil, audit.Summary{}, fmt.Errorf("listing pending sessions: %w", err)
	}

	slots := make([]*audit.Result, len(recs))
	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for i, rec := range recs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, err := e.auditClaimed(ctx, rec)
			if errors.Is(err, ErrAuditInProgress) {
				e.logger.Debug("session claimed elsewhere", "session", rec.ID())
				return nil
			}
			if err != nil {
				e.logger.Error("session audit failed", "session", rec.ID(), "error", err)
				return nil
			}
			slots[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	results := make([]audit.Result, 0, len(recs))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	sum := audit.Summarize(results)
	span.SetAttributes(
		attribute.Int("batch.pending", len(recs)),
		attribute.Int("batch.audited", sum.Total),
	)
	if len(recs) > 0 {
		e.logger.Info("batch audit complete",
			"pending", len(recs),
			"audited", sum.Total,
			"passed", sum.Passed,
			"warnings", sum.Warnings,
			"failed", sum.Failed,
			"escalated", sum.Escalated,
		)
	}
	return results, sum, nil
}

// RunContinuous repeats RunBatch every interval until ctx is cancelled.
// Cancellation is checked between batches. A zero interval uses the
// configured one.
func (e *Engine) RunContinuous(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = e.opts.Interval
	}
	e.logger.Info("continuous audit started", "interval", interval, "batch_limit", e.opts.BatchLimit)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("continuous audit stopped")
			return nil
		case <-timer.C:
		}

		// The batch runs to completion even if ctx is cancelled mid-way.
		if _, _, err := e.RunBatch(context.WithoutCancel(ctx), e.opts.BatchLimit); err != nil {
			e.logger.Error("batch audit failed", "error", err)
		}
		timer.Reset(interval)
	}
}
