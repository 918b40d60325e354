package worker

import (
	"context"
	"errors"

	obsmetrics "github.com/birdhaus/roost/internal/observability/metrics"
	paymentdomain "github.com/birdhaus/roost/internal/payment/domain"
	"go.uber.org/zap"
)

// ConfirmationJob re-checks pending payments against their rails. Wallet
// and PSP flows re-verify the buyer-submitted reference; manual deposit
// flows scan the derived address for a landed balance. A payment that
// outlives the maximum verification wait is flagged stalled for an
// operator, never auto-failed: the transfer may still land.
func (w *Pool) ConfirmationJob(ctx context.Context) error {
	now := w.clock.Now()
	olderThan := now.Add(-w.cfg.ConfirmationMinAge)
	wm := obsmetrics.Worker()
	var jobErr error

	for _, name := range w.providers.Names() {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		provider, err := w.providers.Get(name)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}

		payments, err := w.repo.ListPendingOlderThan(ctx, w.db, name, olderThan, w.cfg.BatchSize)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}

		for _, payment := range payments {
			if ctx.Err() != nil {
				return errors.Join(jobErr, ctx.Err())
			}
			if err := w.confirmOne(ctx, provider, payment); err != nil {
				jobErr = errors.Join(jobErr, err)
				wm.IncItem("confirmation", "error")
				w.log.Warn("confirmation attempt failed",
					zap.String("payment_id", payment.ID.String()),
					zap.String("provider", string(name)),
					zap.Error(err),
				)
			}
			w.flagIfStalled(ctx, payment)
		}
	}

	return jobErr
}

func (w *Pool) confirmOne(ctx context.Context, provider paymentdomain.PaymentProvider, payment *paymentdomain.Payment) error {
	wm := obsmetrics.Worker()

	var (
		verification paymentdomain.Verification
		reference    string
		err          error
	)

	if payment.IsManual() {
		finder, ok := provider.(paymentdomain.DepositFinder)
		if !ok {
			return nil
		}
		verification, reference, err = finder.FindDeposit(ctx, payment)
	} else {
		if payment.SubmittedReference == nil {
			// Nothing to verify until the buyer submits a reference.
			wm.IncItem("confirmation", "no_reference")
			return nil
		}
		reference = *payment.SubmittedReference
		verification, err = provider.Verify(ctx, payment, reference)
	}
	if err != nil {
		return err
	}

	if !verification.Valid {
		switch verification.Reason {
		case "failed", "reverted":
			// Definitive chain failure; the buyer must start over.
			if err := payment.Fail(w.clock.Now()); err != nil {
				wm.IncBenignRace("confirmation")
				return nil
			}
			if _, err := w.repo.MarkFailed(ctx, w.db, payment.ID, w.clock.Now()); err != nil {
				return err
			}
			wm.IncItem("confirmation", "failed")
		default:
			wm.IncItem("confirmation", "unresolved")
		}
		return nil
	}

	if _, err := w.paymentSvc.ConfirmVerified(ctx, payment, reference, verification); err != nil {
		// Another confirmer won the conditional write with the same result.
		if errors.Is(err, paymentdomain.ErrInvalidState) || errors.Is(err, paymentdomain.ErrDuplicateReference) {
			wm.IncBenignRace("confirmation")
			return nil
		}
		return err
	}
	wm.IncItem("confirmation", "confirmed")
	return nil
}

func (w *Pool) flagIfStalled(ctx context.Context, payment *paymentdomain.Payment) {
	if payment.StalledAt != nil {
		return
	}
	now := w.clock.Now()
	if now.Sub(payment.CreatedAt) < w.cfg.MaxVerificationWait {
		return
	}
	updated, err := w.repo.MarkStalled(ctx, w.db, payment.ID, now)
	if err != nil {
		w.log.Warn("flag stalled payment",
			zap.String("payment_id", payment.ID.String()),
			zap.Error(err),
		)
		return
	}
	if updated {
		obsmetrics.Worker().IncStalledPayment()
		w.log.Warn("payment stalled past max verification wait",
			zap.String("payment_id", payment.ID.String()),
			zap.Duration("max_wait", w.cfg.MaxVerificationWait),
		)
	}
}
