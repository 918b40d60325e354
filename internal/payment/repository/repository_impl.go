package repository

import (
	"context"
	"strings"
	"time"

	"github.com/birdhaus/roost/internal/payment/domain"
	"github.com/birdhaus/roost/pkg/db/pagination"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Create(payment).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id uuid.UUID) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Take(&item).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindByReference(ctx context.Context, db *gorm.DB, providerRef string) (*domain.Payment, error) {
	providerRef = strings.TrimSpace(providerRef)
	if providerRef == "" {
		return nil, nil
	}
	var item domain.Payment
	err := db.WithContext(ctx).
		Where("provider_reference = ?", providerRef).
		Take(&item).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindByDestination(ctx context.Context, db *gorm.DB, address string) (*domain.Payment, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, nil
	}
	var item domain.Payment
	err := db.WithContext(ctx).
		Where("destination_address = ?", address).
		Order("created_at DESC").
		Take(&item).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *repo) ListPendingOlderThan(ctx context.Context, db *gorm.DB, provider domain.Provider, olderThan time.Time, limit int) ([]*domain.Payment, error) {
	q := db.WithContext(ctx).
		Where("status = ?", domain.StatusPending).
		Where("created_at <= ?", olderThan)
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	var items []*domain.Payment
	err := q.Order("created_at ASC").Limit(limit).Find(&items).Error
	return items, err
}

func (r *repo) ListManualExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*domain.Payment, error) {
	var items []*domain.Payment
	err := db.WithContext(ctx).
		Where("status = ?", domain.StatusPending).
		Where("destination_address IS NOT NULL").
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (r *repo) ListConfirmedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]*domain.Payment, error) {
	var items []*domain.Payment
	err := db.WithContext(ctx).
		Where("status = ?", domain.StatusConfirmed).
		Where("confirmed_at IS NOT NULL AND confirmed_at <= ?", cutoff).
		Order("confirmed_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (r *repo) ListSweepEligible(ctx context.Context, db *gorm.DB, limit int) ([]*domain.Payment, error) {
	var items []*domain.Payment
	err := db.WithContext(ctx).
		Where("status = ?", domain.StatusSweepEligible).
		Order("sweep_eligible_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListPaymentsFilter, page pagination.Pagination) ([]*domain.Payment, error) {
	q := db.WithContext(ctx).Model(&domain.Payment{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Provider != "" {
		q = q.Where("provider = ?", filter.Provider)
	}
	if filter.UserID != nil {
		q = q.Where("user_id = ?", *filter.UserID)
	}
	if filter.BirdID != nil {
		q = q.Where("bird_id = ?", *filter.BirdID)
	}

	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, domain.ErrInvalidArgument
		}
		if cursor.CreatedAt != "" && cursor.ID != "" {
			createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
			if err != nil {
				return nil, domain.ErrInvalidArgument
			}
			q = q.Where("(created_at, id) < (?, ?)", createdAt, cursor.ID)
		}
	}

	limit := page.PageSize
	if limit <= 0 {
		limit = 25
	}

	var items []*domain.Payment
	// Over-fetch one row so the caller can compute HasMore.
	err := q.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&items).Error
	return items, err
}

// Conditional state transitions. Each UPDATE carries the expected prior
// state in its WHERE clause; RowsAffected == 0 means a concurrent writer
// won the race.

func (r *repo) MarkConfirmed(ctx context.Context, db *gorm.DB, id uuid.UUID, providerRef string, sender string, blockTime *time.Time, now time.Time) (bool, error) {
	updates := map[string]any{
		"status":             domain.StatusConfirmed,
		"provider_reference": providerRef,
		"confirmed_at":       now,
		"updated_at":         now,
	}
	res := db.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ? AND status = ? AND provider_reference IS NULL", id, domain.StatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	if sender != "" || blockTime != nil {
		meta := datatypes.JSONMap{}
		if sender != "" {
			meta["sender_address"] = sender
		}
		if blockTime != nil {
			meta["block_time"] = blockTime.UTC().Format(time.RFC3339)
		}
		if err := db.WithContext(ctx).Model(&domain.Payment{}).
			Where("id = ?", id).
			Update("metadata", meta).Error; err != nil {
			return true, err
		}
	}
	return true, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id uuid.UUID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Updates(map[string]any{"status": domain.StatusFailed, "updated_at": now})
	return res.RowsAffected > 0, res.Error
}

func (r *repo) MarkExpired(ctx context.Context, db *gorm.DB, id uuid.UUID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Updates(map[string]any{"status": domain.StatusExpired, "updated_at": now})
	return res.RowsAffected > 0, res.Error
}

func (r *repo) MarkClaimed(ctx context.Context, db *gorm.DB, id uuid.UUID, userID uuid.UUID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ? AND status IN ? AND user_id IS NULL AND claimed_at IS NULL",
			id, []domain.Status{domain.StatusConfirmed, domain.StatusSweepEligible, domain.StatusSwept}).
		Updates(map[string]any{"user_id": userID, "claimed_at": now, "updated_at": now})
	return res.RowsAffected > 0, res.Error
}

func (r *repo) MarkSweepEligible(ctx context.Context, db *gorm.DB, id uuid.UUID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ? AND status = ? AND confirmed_at IS NOT NULL", id, domain.StatusConfirmed).
		Updates(map[string]any{"status": domain.StatusSweepEligible, "sweep_eligible_at": now, "updated_at": now})
	return res.RowsAffected > 0, res.Error
}

// RecordSweepSubmission writes the treasury hash while the payment is
// still eligible, before the transfer is broadcast. Losing this write
// means another submitter got there first.
func (r *repo) RecordSweepSubmission(ctx context.Context, db *gorm.DB, id uuid.UUID, treasuryTxHash string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ? AND status = ? AND treasury_tx_hash IS NULL", id, domain.StatusSweepEligible).
		Updates(map[string]any{"treasury_tx_hash": treasuryTxHash, "updated_at": now})
	return res.RowsAffected > 0, res.Error
}

func (r *repo) MarkSwept(ctx context.Context, db *gorm.DB, id uuid.UUID, treasuryTxHash string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ? AND status = ? AND treasury_tx_hash = ?", id, domain.StatusSweepEligible, treasuryTxHash).
		Updates(map[string]any{"status": domain.StatusSwept, "swept_at": now, "updated_at": now})
	return res.RowsAffected > 0, res.Error
}

func (r *repo) SetSubmittedReference(ctx context.Context, db *gorm.DB, id uuid.UUID, providerRef string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Updates(map[string]any{"submitted_reference": providerRef, "updated_at": now})
	return res.RowsAffected > 0, res.Error
}

func (r *repo) MarkStalled(ctx context.Context, db *gorm.DB, id uuid.UUID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ? AND status = ? AND stalled_at IS NULL", id, domain.StatusPending).
		Updates(map[string]any{"stalled_at": now, "updated_at": now})
	return res.RowsAffected > 0, res.Error
}
