package service

import (
	"context"
	"strings"
	"time"

	"github.com/birdhaus/roost/internal/clock"
	"github.com/birdhaus/roost/internal/config"
	invoicedomain "github.com/birdhaus/roost/internal/invoice/domain"
	"github.com/birdhaus/roost/internal/notification"
	obsmetrics "github.com/birdhaus/roost/internal/observability/metrics"
	"github.com/birdhaus/roost/internal/payment/domain"
	"github.com/birdhaus/roost/internal/payment/providers"
	"github.com/birdhaus/roost/pkg/db"
	"github.com/birdhaus/roost/pkg/db/pagination"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Config      config.Config
	Repo        domain.Repository
	InvoiceRepo invoicedomain.Repository
	Providers   *providers.Registry
	Notifier    notification.Notifier
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	cfg         config.Config
	repo        domain.Repository
	invoiceRepo invoicedomain.Repository
	providers   *providers.Registry
	notifier    notification.Notifier
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		clock:       p.Clock,
		cfg:         p.Config,
		repo:        p.Repo,
		invoiceRepo: p.InvoiceRepo,
		providers:   p.Providers,
		notifier:    p.Notifier,
		obsMetrics:  p.ObsMetrics,
	}
}

var _ domain.Service = (*Service)(nil)

func (s *Service) CreateIntent(ctx context.Context, req domain.CreateIntentRequest) (domain.CreateIntentResponse, error) {
	if !req.Purpose.Valid() || req.Amount <= 0 || req.SupportAmount < 0 {
		return domain.CreateIntentResponse{}, domain.ErrInvalidArgument
	}
	if req.Purpose.RequiresBird() && req.BirdID == nil {
		return domain.CreateIntentResponse{}, domain.ErrInvalidArgument
	}
	provider, err := s.providers.Get(req.Provider)
	if err != nil {
		return domain.CreateIntentResponse{}, err
	}

	manual := req.Provider == domain.ProviderEVM
	if manual && strings.TrimSpace(req.BuyerContact) == "" {
		return domain.CreateIntentResponse{}, domain.ErrInvalidArgument
	}
	if !manual && req.UserID == nil {
		return domain.CreateIntentResponse{}, domain.ErrInvalidArgument
	}

	intent, err := provider.CreateIntent(ctx, req.Purpose, req.Amount+req.SupportAmount)
	if err != nil {
		return domain.CreateIntentResponse{}, err
	}

	now := s.clock.Now()
	var payment *domain.Payment
	if manual {
		if intent.DerivationIndex == nil || intent.ExpiresAt == nil {
			return domain.CreateIntentResponse{}, domain.ErrProviderUnavailable
		}
		payment, err = domain.NewPendingManual(
			req.Purpose, req.Amount, req.Provider,
			intent.Destination, *intent.DerivationIndex, *intent.ExpiresAt,
			req.BuyerContact, req.BirdID, req.SupportAmount, now,
		)
	} else {
		payment, err = domain.NewPending(*req.UserID, req.Purpose, req.Amount, req.Provider, req.BirdID, req.SupportAmount, now)
	}
	if err != nil {
		return domain.CreateIntentResponse{}, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, payment); err != nil {
			return err
		}
		if !manual {
			return nil
		}
		return s.invoiceRepo.Insert(ctx, tx, &invoicedomain.Invoice{
			ID:        uuid.New(),
			PaymentID: payment.ID,
			Status:    invoicedomain.InvoiceStatusAwaitingPayment,
			Amount:    payment.ExpectedTotal(),
			Address:   intent.Destination,
			ExpiresAt: intent.ExpiresAt.UTC(),
			CreatedAt: now.UTC(),
			UpdatedAt: now.UTC(),
		})
	})
	if err != nil {
		return domain.CreateIntentResponse{}, err
	}

	s.obsMetrics.RecordPaymentCreated(ctx, string(req.Provider), string(req.Purpose))
	s.log.Info("payment intent created",
		zap.String("payment_id", payment.ID.String()),
		zap.String("provider", string(req.Provider)),
		zap.String("purpose", string(req.Purpose)),
		zap.Int64("amount", req.Amount),
	)

	return domain.CreateIntentResponse{Payment: *payment, Intent: intent}, nil
}

func (s *Service) SubmitReference(ctx context.Context, paymentID uuid.UUID, providerRef string) (*domain.Payment, error) {
	providerRef = strings.TrimSpace(providerRef)
	if providerRef == "" {
		return nil, domain.ErrInvalidArgument
	}

	payment, err := s.repo.FindByID(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrNotFound
	}

	// Resubmitting the reference that already confirmed this payment is
	// success-equivalent.
	if payment.ProviderReference != nil {
		if *payment.ProviderReference == providerRef {
			return payment, nil
		}
		return nil, domain.ErrInvalidState
	}
	if payment.Status != domain.StatusPending {
		return nil, domain.ErrInvalidState
	}

	provider, err := s.providers.Get(payment.Provider)
	if err != nil {
		return nil, err
	}

	verification, err := provider.Verify(ctx, payment, providerRef)
	if err != nil {
		return nil, err
	}
	if !verification.Valid {
		return s.handleRejection(ctx, payment, providerRef, verification.Reason)
	}

	return s.ConfirmVerified(ctx, payment, providerRef, verification)
}

// handleRejection records the candidate reference so the confirmation
// worker keeps re-polling, then maps the rejection to the taxonomy.
func (s *Service) handleRejection(ctx context.Context, payment *domain.Payment, providerRef, reason string) (*domain.Payment, error) {
	now := s.clock.Now()

	switch reason {
	case "malformed_reference":
		return nil, domain.ErrInvalidArgument
	case "amount_mismatch":
		s.rememberCandidate(ctx, payment, providerRef)
		s.obsMetrics.RecordVerificationRejected(ctx, string(payment.Provider), reason)
		return nil, domain.ErrAmountMismatch
	case "address_mismatch":
		s.obsMetrics.RecordVerificationRejected(ctx, string(payment.Provider), reason)
		return nil, domain.ErrAddressMismatch
	case "failed", "reverted":
		if err := payment.Fail(now); err != nil {
			return nil, err
		}
		if _, err := s.repo.MarkFailed(ctx, s.db, payment.ID, now); err != nil {
			return nil, err
		}
		s.obsMetrics.RecordVerificationRejected(ctx, string(payment.Provider), reason)
		return nil, domain.ErrVerificationFailed
	default:
		// not_found / unconfirmed / insufficient_confirmations: the
		// transfer may still land; keep the candidate and stay Pending.
		s.rememberCandidate(ctx, payment, providerRef)
		return nil, domain.ErrNotSettled
	}
}

func (s *Service) rememberCandidate(ctx context.Context, payment *domain.Payment, providerRef string) {
	if _, err := s.repo.SetSubmittedReference(ctx, s.db, payment.ID, providerRef, s.clock.Now()); err != nil {
		s.log.Warn("record submitted reference",
			zap.String("payment_id", payment.ID.String()),
			zap.Error(err),
		)
	}
}

// ConfirmVerified applies a verified result exactly once. The entity
// transition enforces the preconditions, the conditional write makes a
// racing worker's attempt a benign no-op, and the uniqueness constraint
// on provider_reference is the final double-credit backstop.
func (s *Service) ConfirmVerified(ctx context.Context, payment *domain.Payment, providerRef string, verification domain.Verification) (*domain.Payment, error) {
	now := s.clock.Now()

	if payment.ProviderReference != nil {
		if *payment.ProviderReference == providerRef {
			return payment, nil
		}
		return nil, domain.ErrInvalidState
	}
	if err := payment.Confirm(providerRef, now); err != nil {
		return nil, err
	}

	var blockTime *time.Time
	if !verification.BlockTime.IsZero() {
		bt := verification.BlockTime
		blockTime = &bt
	}

	updated, err := s.repo.MarkConfirmed(ctx, s.db, payment.ID, providerRef, verification.SenderAddress, blockTime, now)
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrDuplicateReference
		}
		return nil, err
	}
	if !updated {
		// Lost the race; whoever won either confirmed with this reference
		// (success-equivalent) or moved the payment elsewhere.
		current, loadErr := s.repo.FindByID(ctx, s.db, payment.ID)
		if loadErr != nil {
			return nil, loadErr
		}
		if current != nil && current.ProviderReference != nil && *current.ProviderReference == providerRef {
			return current, nil
		}
		return nil, domain.ErrInvalidState
	}

	if payment.IsManual() {
		if _, err := s.invoiceRepo.MarkPaid(ctx, s.db, payment.ID, now); err != nil {
			s.log.Warn("mark invoice paid",
				zap.String("payment_id", payment.ID.String()),
				zap.Error(err),
			)
		}
	}

	confirmed, err := s.repo.FindByID(ctx, s.db, payment.ID)
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordPaymentConfirmed(ctx, string(payment.Provider))
	s.log.Info("payment confirmed",
		zap.String("payment_id", payment.ID.String()),
		zap.String("provider", string(payment.Provider)),
		zap.String("provider_reference", providerRef),
		zap.Int64("amount", verification.Amount),
	)
	s.notifier.PaymentConfirmed(ctx, confirmed)

	return confirmed, nil
}

func (s *Service) Claim(ctx context.Context, paymentID, userID uuid.UUID) (*domain.Payment, error) {
	if userID == uuid.Nil {
		return nil, domain.ErrInvalidArgument
	}

	now := s.clock.Now()
	payment, err := s.repo.FindByID(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrNotFound
	}
	if err := payment.Claim(userID, now); err != nil {
		return nil, err
	}

	updated, err := s.repo.MarkClaimed(ctx, s.db, paymentID, userID, now)
	if err != nil {
		return nil, err
	}
	if !updated {
		// Lost a race since the read above; re-check against the current row.
		current, loadErr := s.repo.FindByID(ctx, s.db, paymentID)
		if loadErr != nil {
			return nil, loadErr
		}
		if current == nil {
			return nil, domain.ErrNotFound
		}
		if err := current.Claim(userID, now); err != nil {
			return nil, err
		}
		return nil, domain.ErrInvalidState
	}

	payment, err = s.repo.FindByID(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordPaymentClaimed(ctx, string(payment.Provider))
	s.log.Info("payment claimed",
		zap.String("payment_id", paymentID.String()),
		zap.String("user_id", userID.String()),
	)
	s.notifier.PaymentClaimed(ctx, payment)

	return payment, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	payment, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrNotFound
	}
	return payment, nil
}

func (s *Service) List(ctx context.Context, req domain.ListPaymentsRequest) (domain.ListPaymentsResponse, error) {
	if req.PageSize <= 0 {
		req.PageSize = 25
	}

	items, err := s.repo.List(ctx, s.db, domain.ListPaymentsFilter{
		Status:   req.Status,
		Provider: req.Provider,
		UserID:   req.UserID,
		BirdID:   req.BirdID,
	}, req.Pagination)
	if err != nil {
		return domain.ListPaymentsResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, req.PageSize, func(p *domain.Payment) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        p.ID.String(),
			CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	return domain.ListPaymentsResponse{
		PageInfo: *pageInfo,
		Payments: items,
	}, nil
}
