package worker

import (
	"context"
	"errors"

	obsmetrics "github.com/birdhaus/roost/internal/observability/metrics"
	"go.uber.org/zap"
)

// TimeoutJob expires manual payments whose deposit window closed without
// a confirmation. Expiry is idempotent; a payment confirmed between the
// scan and the write survives because the expire is conditional on
// Pending.
func (w *Pool) TimeoutJob(ctx context.Context) error {
	now := w.clock.Now()
	wm := obsmetrics.Worker()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		payments, err := w.repo.ListManualExpired(ctx, w.db, now, w.cfg.BatchSize)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(payments) == 0 {
			break
		}

		for _, payment := range payments {
			if err := payment.Expire(now); err != nil {
				wm.IncBenignRace("timeout")
				continue
			}
			updated, err := w.repo.MarkExpired(ctx, w.db, payment.ID, now)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				wm.IncItem("timeout", "error")
				continue
			}
			if !updated {
				wm.IncBenignRace("timeout")
				continue
			}
			wm.IncItem("timeout", "expired")
			w.log.Info("manual payment expired",
				zap.String("payment_id", payment.ID.String()),
			)
		}

		if len(payments) < w.cfg.BatchSize {
			break
		}
	}

	return jobErr
}
