package domain

import (
	"context"
	"time"

	"github.com/birdhaus/roost/pkg/db/pagination"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ListPaymentsFilter struct {
	Status   Status
	Provider Provider
	UserID   *uuid.UUID
	BirdID   *uuid.UUID
}

// Repository is the sole gateway to durable payment records. Transition
// rules live on the Payment entity; the transition methods here are
// conditional writes keyed on the expected prior state that guard
// against concurrent writers. A false return means another writer won
// and the caller should treat the attempt as a no-op, not an error.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, id uuid.UUID) (*Payment, error)
	FindByReference(ctx context.Context, db *gorm.DB, providerRef string) (*Payment, error)
	FindByDestination(ctx context.Context, db *gorm.DB, address string) (*Payment, error)

	// Worker polling queries, bounded and ordered by (status, created_at).
	ListPendingOlderThan(ctx context.Context, db *gorm.DB, provider Provider, olderThan time.Time, limit int) ([]*Payment, error)
	ListManualExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*Payment, error)
	ListConfirmedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]*Payment, error)
	ListSweepEligible(ctx context.Context, db *gorm.DB, limit int) ([]*Payment, error)

	List(ctx context.Context, db *gorm.DB, filter ListPaymentsFilter, page pagination.Pagination) ([]*Payment, error)

	MarkConfirmed(ctx context.Context, db *gorm.DB, id uuid.UUID, providerRef string, sender string, blockTime *time.Time, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id uuid.UUID, now time.Time) (bool, error)
	MarkExpired(ctx context.Context, db *gorm.DB, id uuid.UUID, now time.Time) (bool, error)
	MarkClaimed(ctx context.Context, db *gorm.DB, id uuid.UUID, userID uuid.UUID, now time.Time) (bool, error)
	MarkSweepEligible(ctx context.Context, db *gorm.DB, id uuid.UUID, now time.Time) (bool, error)
	RecordSweepSubmission(ctx context.Context, db *gorm.DB, id uuid.UUID, treasuryTxHash string, now time.Time) (bool, error)
	MarkSwept(ctx context.Context, db *gorm.DB, id uuid.UUID, treasuryTxHash string, now time.Time) (bool, error)
	MarkStalled(ctx context.Context, db *gorm.DB, id uuid.UUID, now time.Time) (bool, error)
	SetSubmittedReference(ctx context.Context, db *gorm.DB, id uuid.UUID, providerRef string, now time.Time) (bool, error)
}
