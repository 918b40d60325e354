package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type InvoiceStatus string

const (
	InvoiceStatusAwaitingPayment InvoiceStatus = "AWAITING_PAYMENT"
	InvoiceStatusPaid            InvoiceStatus = "PAID"
	InvoiceStatusExpired         InvoiceStatus = "EXPIRED"
)

// Invoice mirrors a manual deposit intent for the buyer: which address to
// pay, how much, and until when. Reconciliation cross-checks invoices
// against payments and auto-expires stale unpaid ones.
type Invoice struct {
	ID        uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	PaymentID uuid.UUID     `gorm:"type:uuid;not null;uniqueIndex" json:"payment_id"`
	Status    InvoiceStatus `gorm:"type:text;not null;index:idx_invoices_status_expires,priority:1" json:"status"`
	Amount    int64         `gorm:"not null" json:"amount"`
	Address   string        `gorm:"type:text;not null" json:"address"`
	ExpiresAt time.Time     `gorm:"not null;index:idx_invoices_status_expires,priority:2" json:"expires_at"`
	CreatedAt time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time     `gorm:"not null" json:"updated_at"`
}

func (Invoice) TableName() string { return "invoices" }

var ErrNotFound = errors.New("invoice_not_found")

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID uuid.UUID) (*Invoice, error)
	// MarkPaid and ExpireStale are conditional writes on the current status.
	MarkPaid(ctx context.Context, db *gorm.DB, paymentID uuid.UUID, now time.Time) (bool, error)
	ExpireStale(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
}
