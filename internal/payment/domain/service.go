package domain

import (
	"context"

	"github.com/birdhaus/roost/pkg/db/pagination"
	"github.com/google/uuid"
)

type CreateIntentRequest struct {
	UserID        *uuid.UUID
	Purpose       Purpose
	Amount        int64
	SupportAmount int64
	Provider      Provider
	BirdID        *uuid.UUID
	// BuyerContact is required for the anonymous manual flow so the buyer
	// can be notified once funds land.
	BuyerContact string
}

type CreateIntentResponse struct {
	Payment Payment `json:"payment"`
	Intent  Intent  `json:"intent"`
}

type ListPaymentsRequest struct {
	Status   Status
	Provider Provider
	UserID   *uuid.UUID
	BirdID   *uuid.UUID
	pagination.Pagination
}

type ListPaymentsResponse struct {
	pagination.PageInfo
	Payments []*Payment `json:"payments"`
}

// Service orchestrates the settlement state machine.
type Service interface {
	// CreateIntent creates a Pending payment and returns where to send the
	// money. Wallet flows require a user; manual flows require a buyer
	// contact and leave the owner unset.
	CreateIntent(ctx context.Context, req CreateIntentRequest) (CreateIntentResponse, error)

	// SubmitReference verifies providerRef through the payment's provider
	// and, on a valid result, confirms the payment exactly once.
	SubmitReference(ctx context.Context, paymentID uuid.UUID, providerRef string) (*Payment, error)

	// Claim binds a confirmed anonymous payment to an authenticated user.
	Claim(ctx context.Context, paymentID, userID uuid.UUID) (*Payment, error)

	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	List(ctx context.Context, req ListPaymentsRequest) (ListPaymentsResponse, error)
}
