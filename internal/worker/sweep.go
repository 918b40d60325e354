package worker

import (
	"context"
	"errors"

	obsmetrics "github.com/birdhaus/roost/internal/observability/metrics"
	paymentdomain "github.com/birdhaus/roost/internal/payment/domain"
	"go.uber.org/zap"
)

const sweepLockKey = "roost:worker:sweep"

// SweepEligibilityJob promotes confirmed payments whose refund window
// has elapsed. The window is computed here, against the confirmation
// timestamp; the entity only records that eligibility was granted.
func (w *Pool) SweepEligibilityJob(ctx context.Context) error {
	now := w.clock.Now()
	cutoff := now.Add(-w.appCfg.RefundWindow)
	wm := obsmetrics.Worker()
	var jobErr error

	payments, err := w.repo.ListConfirmedBefore(ctx, w.db, cutoff, w.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, payment := range payments {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if err := payment.MarkSweepEligible(now); err != nil {
			wm.IncBenignRace("sweep_eligibility")
			continue
		}
		updated, err := w.repo.MarkSweepEligible(ctx, w.db, payment.ID, now)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			wm.IncItem("sweep_eligibility", "error")
			continue
		}
		if !updated {
			wm.IncBenignRace("sweep_eligibility")
			continue
		}
		wm.IncItem("sweep_eligibility", "eligible")
	}

	return jobErr
}

// SweepJob submits treasury transfers for sweep-eligible payments. The
// redis lock keeps replicas from submitting concurrently; the re-read of
// the treasury hash right before submission is what actually prevents a
// double transfer when the lock is unavailable or expires mid-run.
func (w *Pool) SweepJob(ctx context.Context) error {
	if w.locker != nil {
		token, ok, err := w.locker.TryLock(ctx, sweepLockKey, w.cfg.SweepLockTTL)
		if err != nil {
			w.log.Warn("sweep lock unavailable, proceeding guarded", zap.Error(err))
		} else if !ok {
			return nil
		} else {
			defer func() {
				if err := w.locker.Release(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
					w.log.Warn("release sweep lock", zap.Error(err))
				}
			}()
		}
	}

	wm := obsmetrics.Worker()
	var jobErr error

	payments, err := w.repo.ListSweepEligible(ctx, w.db, w.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, payment := range payments {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if err := w.sweepOne(ctx, payment); err != nil {
			jobErr = errors.Join(jobErr, err)
			wm.IncItem("sweep", "error")
			w.log.Warn("sweep failed",
				zap.String("payment_id", payment.ID.String()),
				zap.String("provider", string(payment.Provider)),
				zap.Error(err),
			)
		}
	}

	return jobErr
}

func (w *Pool) sweepOne(ctx context.Context, payment *paymentdomain.Payment) error {
	wm := obsmetrics.Worker()

	mover, ok := w.movers.Get(payment.Provider)
	if !ok {
		// Rail has no configured mover; leave the payment eligible.
		wm.IncItem("sweep", "no_mover")
		return nil
	}

	// Re-read immediately before submitting. A hash set by a previous
	// partially-failed run means a transfer may already be in flight;
	// those rows wait for an operator, never a second submission.
	current, err := w.repo.FindByID(ctx, w.db, payment.ID)
	if err != nil {
		return err
	}
	if current == nil || current.Status != paymentdomain.StatusSweepEligible {
		wm.IncBenignRace("sweep")
		return nil
	}
	if current.TreasuryTxHash != nil {
		wm.IncItem("sweep", "already_submitted")
		return nil
	}

	// The mover hands the hash over after signing and before broadcast;
	// it only goes on the wire once the hash is durable.
	record := func(txHash string) error {
		if err := current.RecordSweepSubmission(txHash, w.clock.Now()); err != nil {
			return err
		}
		updated, err := w.repo.RecordSweepSubmission(ctx, w.db, current.ID, txHash, w.clock.Now())
		if err != nil {
			return err
		}
		if !updated {
			return paymentdomain.ErrAlreadySwept
		}
		return nil
	}

	txHash, err := mover.Transfer(ctx, current, record)
	if err != nil {
		return err
	}

	if err := current.Sweep(w.clock.Now()); err != nil {
		return err
	}
	updated, err := w.repo.MarkSwept(ctx, w.db, current.ID, txHash, w.clock.Now())
	if err != nil {
		// The broadcast went out and the hash is durable, only the status
		// flip is missing; the recorded hash blocks any retry from paying
		// twice while this surfaces.
		w.log.Error("sweep submitted but status not advanced",
			zap.String("payment_id", payment.ID.String()),
			zap.String("treasury_tx_hash", txHash),
			zap.Error(err),
		)
		return err
	}
	if !updated {
		wm.IncBenignRace("sweep")
		return nil
	}

	wm.IncItem("sweep", "swept")
	w.obsMetrics.RecordPaymentSwept(ctx, string(payment.Provider))
	w.log.Info("payment swept",
		zap.String("payment_id", payment.ID.String()),
		zap.String("treasury_tx_hash", txHash),
	)
	return nil
}
