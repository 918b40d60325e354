package repository

import (
	"context"
	"time"

	"github.com/birdhaus/roost/internal/invoice/domain"
	paymentdomain "github.com/birdhaus/roost/internal/payment/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Create(invoice).Error
}

func (r *repo) FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID uuid.UUID) (*domain.Invoice, error) {
	var item domain.Invoice
	err := db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Take(&item).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, paymentID uuid.UUID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("payment_id = ? AND status = ?", paymentID, domain.InvoiceStatusAwaitingPayment).
		Updates(map[string]any{"status": domain.InvoiceStatusPaid, "updated_at": now})
	return res.RowsAffected > 0, res.Error
}

// ExpireStale closes deposit windows that elapsed without a payment. An
// invoice whose payment already settled is excluded: that state is drift
// for reconciliation to report, not something to expire.
func (r *repo) ExpireStale(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("status = ? AND expires_at <= ?", domain.InvoiceStatusAwaitingPayment, now).
		Where("payment_id NOT IN (SELECT id FROM payments WHERE status IN ?)",
			[]paymentdomain.Status{
				paymentdomain.StatusConfirmed,
				paymentdomain.StatusSweepEligible,
				paymentdomain.StatusSwept,
			}).
		Updates(map[string]any{"status": domain.InvoiceStatusExpired, "updated_at": now})
	return res.RowsAffected, res.Error
}
