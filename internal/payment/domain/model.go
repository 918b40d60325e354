package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Purpose says what the money is for. Bird support requires a bird id.
type Purpose string

const (
	PurposePlatformSupport Purpose = "platform_support"
	PurposeBirdSupport     Purpose = "bird_support"
	PurposePurchase        Purpose = "purchase"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposePlatformSupport, PurposeBirdSupport, PurposePurchase:
		return true
	}
	return false
}

func (p Purpose) RequiresBird() bool { return p == PurposeBirdSupport }

// Provider identifies the settlement rail a payment arrives on.
type Provider string

const (
	// ProviderSolana settles wallet-signed transfers to the platform wallet.
	ProviderSolana Provider = "solana"
	// ProviderEVM settles anonymous manual deposits to per-payment HD addresses.
	ProviderEVM Provider = "evm"
	// ProviderOffchain settles through an external payment service provider.
	ProviderOffchain Provider = "offchain"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderSolana, ProviderEVM, ProviderOffchain:
		return true
	}
	return false
}

// Status is the single source of truth for where a payment is in its
// lifecycle. Timestamps are supporting metadata only.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusConfirmed     Status = "CONFIRMED"
	StatusFailed        Status = "FAILED"
	StatusExpired       Status = "EXPIRED"
	StatusSweepEligible Status = "SWEEP_ELIGIBLE"
	StatusSwept         Status = "SWEPT"
)

// Payment is the canonical settlement record. It is created once, mutated
// only through the transition methods below, and never deleted.
type Payment struct {
	ID      uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID  *uuid.UUID `gorm:"type:uuid;index" json:"user_id,omitempty"`
	BirdID  *uuid.UUID `gorm:"type:uuid;index" json:"bird_id,omitempty"`
	Purpose Purpose    `gorm:"type:text;not null" json:"purpose"`

	// Amount is in integer minor units of the internal accounting currency.
	Amount int64 `gorm:"not null" json:"amount"`
	// SupportAmount is an optional extra earmarked for the platform itself.
	SupportAmount int64 `gorm:"not null;default:0" json:"support_amount"`

	Provider Provider `gorm:"type:text;not null;index:idx_payments_status_created,priority:3" json:"provider"`
	// ProviderReference is the external transaction identifier. Unique once
	// set; this is the double-credit guard.
	ProviderReference *string `gorm:"type:text;uniqueIndex:ux_payments_provider_reference" json:"provider_reference,omitempty"`
	// SubmittedReference is an unverified candidate submitted by the payer.
	// The confirmation worker re-verifies it until it settles or the
	// maximum wait elapses.
	SubmittedReference *string `gorm:"type:text" json:"submitted_reference,omitempty"`

	Status Status `gorm:"type:text;not null;index:idx_payments_status_created,priority:1" json:"status"`

	// Manual-flow fields, set at creation and never mutated.
	DestinationAddress *string    `gorm:"type:text;index" json:"destination_address,omitempty"`
	DerivationIndex    *int64     `json:"derivation_index,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	BuyerContact       *string    `gorm:"type:text" json:"buyer_contact,omitempty"`

	TreasuryTxHash *string `gorm:"type:text" json:"treasury_tx_hash,omitempty"`

	// StalledAt flags a pending payment whose verification never resolved
	// within the maximum wait. Monitored, not auto-failed.
	StalledAt *time.Time `json:"stalled_at,omitempty"`

	// Metadata carries provider evidence (sender, block time) recorded at
	// confirmation.
	Metadata datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`

	CreatedAt       time.Time  `gorm:"not null;index:idx_payments_status_created,priority:2" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"not null" json:"updated_at"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	SweepEligibleAt *time.Time `json:"sweep_eligible_at,omitempty"`
	SweptAt         *time.Time `json:"swept_at,omitempty"`
}

func (Payment) TableName() string { return "payments" }

// NewPending creates a wallet-flow payment owned by a known user.
func NewPending(userID uuid.UUID, purpose Purpose, amount int64, provider Provider, birdID *uuid.UUID, supportAmount int64, now time.Time) (*Payment, error) {
	if err := validateCommon(purpose, amount, supportAmount, birdID); err != nil {
		return nil, err
	}
	if !provider.Valid() {
		return nil, ErrInvalidArgument
	}
	uid := userID
	return &Payment{
		ID:            uuid.New(),
		UserID:        &uid,
		BirdID:        birdID,
		Purpose:       purpose,
		Amount:        amount,
		SupportAmount: supportAmount,
		Provider:      provider,
		Status:        StatusPending,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}, nil
}

// NewPendingManual creates an anonymous manual payment bound to a freshly
// allocated HD deposit address. The owner stays unset until Claim.
func NewPendingManual(purpose Purpose, amount int64, provider Provider, destination string, derivationIndex int64, expiresAt time.Time, buyerContact string, birdID *uuid.UUID, supportAmount int64, now time.Time) (*Payment, error) {
	if err := validateCommon(purpose, amount, supportAmount, birdID); err != nil {
		return nil, err
	}
	if !provider.Valid() {
		return nil, ErrInvalidArgument
	}
	destination = strings.TrimSpace(destination)
	buyerContact = strings.TrimSpace(buyerContact)
	if destination == "" || buyerContact == "" || derivationIndex < 0 {
		return nil, ErrInvalidArgument
	}
	if !expiresAt.After(now) {
		return nil, ErrInvalidArgument
	}
	exp := expiresAt.UTC()
	return &Payment{
		ID:                 uuid.New(),
		BirdID:             birdID,
		Purpose:            purpose,
		Amount:             amount,
		SupportAmount:      supportAmount,
		Provider:           provider,
		Status:             StatusPending,
		DestinationAddress: &destination,
		DerivationIndex:    &derivationIndex,
		ExpiresAt:          &exp,
		BuyerContact:       &buyerContact,
		CreatedAt:          now.UTC(),
		UpdatedAt:          now.UTC(),
	}, nil
}

func validateCommon(purpose Purpose, amount, supportAmount int64, birdID *uuid.UUID) error {
	if !purpose.Valid() {
		return ErrInvalidArgument
	}
	if amount <= 0 || supportAmount < 0 {
		return ErrInvalidArgument
	}
	if purpose.RequiresBird() && birdID == nil {
		return ErrInvalidArgument
	}
	return nil
}

// IsManual reports whether the payment was created through the anonymous
// manual flow.
func (p *Payment) IsManual() bool {
	return p.DestinationAddress != nil && p.DerivationIndex != nil
}

// ExpectedTotal is the amount a verifier should observe on chain.
func (p *Payment) ExpectedTotal() int64 {
	return p.Amount + p.SupportAmount
}

// Confirm moves Pending -> Confirmed and records the provider reference.
// The caller guarantees the reference was verified against the chain.
func (p *Payment) Confirm(providerRef string, now time.Time) error {
	providerRef = strings.TrimSpace(providerRef)
	if providerRef == "" {
		return ErrInvalidArgument
	}
	if p.Status != StatusPending {
		return ErrInvalidState
	}
	if p.ProviderReference != nil {
		return ErrDuplicateReference
	}
	t := now.UTC()
	p.Status = StatusConfirmed
	p.ProviderReference = &providerRef
	p.ConfirmedAt = &t
	p.UpdatedAt = t
	return nil
}

// Fail moves Pending -> Failed.
func (p *Payment) Fail(now time.Time) error {
	if p.Status != StatusPending {
		return ErrInvalidState
	}
	p.Status = StatusFailed
	p.UpdatedAt = now.UTC()
	return nil
}

// Expire moves Pending -> Expired once the deposit window elapsed.
func (p *Payment) Expire(now time.Time) error {
	if p.Status != StatusPending {
		return ErrInvalidState
	}
	p.Status = StatusExpired
	p.UpdatedAt = now.UTC()
	return nil
}

// Claim binds an anonymous, already-confirmed payment to a user. One-way,
// settable once.
func (p *Payment) Claim(userID uuid.UUID, now time.Time) error {
	switch p.Status {
	case StatusConfirmed, StatusSweepEligible, StatusSwept:
	default:
		return ErrInvalidState
	}
	if p.UserID != nil || p.ClaimedAt != nil {
		return ErrAlreadyClaimed
	}
	t := now.UTC()
	uid := userID
	p.UserID = &uid
	p.ClaimedAt = &t
	p.UpdatedAt = t
	return nil
}

// MarkSweepEligible moves Confirmed -> SweepEligible. The refund-window
// delay is computed by the caller before invoking this.
func (p *Payment) MarkSweepEligible(now time.Time) error {
	if p.Status != StatusConfirmed {
		return ErrInvalidState
	}
	if p.ConfirmedAt == nil {
		return ErrInvalidState
	}
	t := now.UTC()
	p.Status = StatusSweepEligible
	p.SweepEligibleAt = &t
	p.UpdatedAt = t
	return nil
}

// RecordSweepSubmission pins the treasury tx hash ahead of broadcast. A
// payment with a recorded hash must never be submitted again, whatever
// became of the broadcast.
func (p *Payment) RecordSweepSubmission(treasuryTxHash string, now time.Time) error {
	treasuryTxHash = strings.TrimSpace(treasuryTxHash)
	if treasuryTxHash == "" {
		return ErrInvalidArgument
	}
	if p.TreasuryTxHash != nil {
		return ErrAlreadySwept
	}
	if p.Status != StatusSweepEligible {
		return ErrInvalidState
	}
	p.TreasuryTxHash = &treasuryTxHash
	p.UpdatedAt = now.UTC()
	return nil
}

// Sweep moves SweepEligible -> Swept once the recorded transfer went out.
func (p *Payment) Sweep(now time.Time) error {
	if p.Status != StatusSweepEligible || p.TreasuryTxHash == nil {
		return ErrInvalidState
	}
	t := now.UTC()
	p.Status = StatusSwept
	p.SweptAt = &t
	p.UpdatedAt = t
	return nil
}
