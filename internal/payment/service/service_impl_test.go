package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/birdhaus/roost/internal/clock"
	"github.com/birdhaus/roost/internal/config"
	invoicedomain "github.com/birdhaus/roost/internal/invoice/domain"
	invoicerepository "github.com/birdhaus/roost/internal/invoice/repository"
	"github.com/birdhaus/roost/internal/payment/domain"
	"github.com/birdhaus/roost/internal/payment/providers"
	"github.com/birdhaus/roost/internal/payment/repository"
	"github.com/birdhaus/roost/pkg/db/pagination"
)

func paginationOf(size int, token string) pagination.Pagination {
	return pagination.Pagination{PageSize: size, PageToken: token}
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.Exec("PRAGMA busy_timeout = 5000").Error)
	require.NoError(t, db.Exec("PRAGMA journal_mode = WAL").Error)

	require.NoError(t, db.Exec(`
CREATE TABLE payments (
    id TEXT PRIMARY KEY,
    user_id TEXT,
    bird_id TEXT,
    purpose TEXT NOT NULL,
    amount INTEGER NOT NULL,
    support_amount INTEGER NOT NULL DEFAULT 0,
    provider TEXT NOT NULL,
    provider_reference TEXT,
    submitted_reference TEXT,
    status TEXT NOT NULL,
    destination_address TEXT,
    derivation_index INTEGER,
    expires_at DATETIME,
    buyer_contact TEXT,
    treasury_tx_hash TEXT,
    stalled_at DATETIME,
    metadata TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    confirmed_at DATETIME,
    claimed_at DATETIME,
    sweep_eligible_at DATETIME,
    swept_at DATETIME
)`).Error)
	require.NoError(t, db.Exec(`
CREATE UNIQUE INDEX ux_payments_provider_reference
    ON payments (provider_reference)
    WHERE provider_reference IS NOT NULL`).Error)
	require.NoError(t, db.Exec(`
CREATE TABLE invoices (
    id TEXT PRIMARY KEY,
    payment_id TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL,
    amount INTEGER NOT NULL,
    address TEXT NOT NULL,
    expires_at DATETIME NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
)`).Error)

	return db
}

// scriptedProvider answers CreateIntent and Verify from canned values.
type scriptedProvider struct {
	name         domain.Provider
	intent       domain.Intent
	intentErr    error
	verification domain.Verification
	verifyErr    error
}

func (p *scriptedProvider) Name() domain.Provider { return p.name }

func (p *scriptedProvider) CreateIntent(context.Context, domain.Purpose, int64) (domain.Intent, error) {
	return p.intent, p.intentErr
}

func (p *scriptedProvider) Verify(context.Context, *domain.Payment, string) (domain.Verification, error) {
	return p.verification, p.verifyErr
}

type recordingNotifier struct {
	confirmed []uuid.UUID
	claimed   []uuid.UUID
}

func (n *recordingNotifier) PaymentConfirmed(_ context.Context, p *domain.Payment) {
	n.confirmed = append(n.confirmed, p.ID)
}

func (n *recordingNotifier) PaymentClaimed(_ context.Context, p *domain.Payment) {
	n.claimed = append(n.claimed, p.ID)
}

type testEnv struct {
	svc      *Service
	db       *gorm.DB
	clock    *clock.FakeClock
	notifier *recordingNotifier
	solana   *scriptedProvider
	evm      *scriptedProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	fakeClock := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	notifier := &recordingNotifier{}

	index := int64(0)
	expires := fakeClock.Now().Add(30 * time.Minute)
	solana := &scriptedProvider{
		name:   domain.ProviderSolana,
		intent: domain.Intent{Provider: domain.ProviderSolana, Destination: "RoostWallet", ExpectedAmount: 2500},
	}
	evm := &scriptedProvider{
		name: domain.ProviderEVM,
		intent: domain.Intent{
			Provider:        domain.ProviderEVM,
			Destination:     "0xdeposit",
			ExpectedAmount:  2500,
			ExpiresAt:       &expires,
			DerivationIndex: &index,
		},
	}

	svc := NewService(Params{
		DB:          db,
		Log:         zap.NewNop(),
		Clock:       fakeClock,
		Config:      config.Config{},
		Repo:        repository.Provide(),
		InvoiceRepo: invoicerepository.Provide(),
		Providers:   providers.NewRegistry(solana, evm),
		Notifier:    notifier,
	})

	return &testEnv{svc: svc, db: db, clock: fakeClock, notifier: notifier, solana: solana, evm: evm}
}

func (e *testEnv) createWalletPayment(t *testing.T) *domain.Payment {
	t.Helper()
	userID := uuid.New()
	resp, err := e.svc.CreateIntent(context.Background(), domain.CreateIntentRequest{
		UserID:   &userID,
		Purpose:  domain.PurposePlatformSupport,
		Amount:   2500,
		Provider: domain.ProviderSolana,
	})
	require.NoError(t, err)
	return &resp.Payment
}

func (e *testEnv) createManualPayment(t *testing.T) *domain.Payment {
	t.Helper()
	resp, err := e.svc.CreateIntent(context.Background(), domain.CreateIntentRequest{
		Purpose:      domain.PurposePlatformSupport,
		Amount:       2500,
		Provider:     domain.ProviderEVM,
		BuyerContact: "buyer@example.com",
	})
	require.NoError(t, err)
	return &resp.Payment
}

func TestCreateIntentWalletFlow(t *testing.T) {
	env := newTestEnv(t)

	payment := env.createWalletPayment(t)
	assert.Equal(t, domain.StatusPending, payment.Status)
	assert.NotNil(t, payment.UserID)
	assert.False(t, payment.IsManual())

	// Wallet flows create no invoice.
	var count int64
	require.NoError(t, env.db.Table("invoices").Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreateIntentManualFlow(t *testing.T) {
	env := newTestEnv(t)

	payment := env.createManualPayment(t)
	assert.True(t, payment.IsManual())
	assert.Nil(t, payment.UserID)
	assert.Equal(t, "0xdeposit", *payment.DestinationAddress)
	require.NotNil(t, payment.ExpiresAt)

	// The invoice is written in the same transaction as the payment.
	invoice, err := invoicerepository.Provide().FindByPaymentID(context.Background(), env.db, payment.ID)
	require.NoError(t, err)
	require.NotNil(t, invoice)
	assert.Equal(t, invoicedomain.InvoiceStatusAwaitingPayment, invoice.Status)
	assert.Equal(t, int64(2500), invoice.Amount)
	assert.Equal(t, "0xdeposit", invoice.Address)
}

func TestCreateIntentValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	t.Run("unknown provider", func(t *testing.T) {
		_, err := env.svc.CreateIntent(ctx, domain.CreateIntentRequest{
			UserID: &userID, Purpose: domain.PurposePlatformSupport, Amount: 100, Provider: domain.ProviderOffchain,
		})
		assert.ErrorIs(t, err, domain.ErrProviderNotFound)
	})

	t.Run("wallet flow requires a user", func(t *testing.T) {
		_, err := env.svc.CreateIntent(ctx, domain.CreateIntentRequest{
			Purpose: domain.PurposePlatformSupport, Amount: 100, Provider: domain.ProviderSolana,
		})
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})

	t.Run("manual flow requires buyer contact", func(t *testing.T) {
		_, err := env.svc.CreateIntent(ctx, domain.CreateIntentRequest{
			Purpose: domain.PurposePlatformSupport, Amount: 100, Provider: domain.ProviderEVM,
		})
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})

	t.Run("bird support requires a bird", func(t *testing.T) {
		_, err := env.svc.CreateIntent(ctx, domain.CreateIntentRequest{
			UserID: &userID, Purpose: domain.PurposeBirdSupport, Amount: 100, Provider: domain.ProviderSolana,
		})
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})

	t.Run("non positive amount", func(t *testing.T) {
		_, err := env.svc.CreateIntent(ctx, domain.CreateIntentRequest{
			UserID: &userID, Purpose: domain.PurposePlatformSupport, Amount: 0, Provider: domain.ProviderSolana,
		})
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})

	t.Run("provider failure propagates", func(t *testing.T) {
		env.solana.intentErr = domain.ErrProviderUnavailable
		defer func() { env.solana.intentErr = nil }()

		_, err := env.svc.CreateIntent(ctx, domain.CreateIntentRequest{
			UserID: &userID, Purpose: domain.PurposePlatformSupport, Amount: 100, Provider: domain.ProviderSolana,
		})
		assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	})
}

func TestSubmitReference(t *testing.T) {
	ctx := context.Background()

	t.Run("valid reference confirms the payment", func(t *testing.T) {
		env := newTestEnv(t)
		payment := env.createWalletPayment(t)
		env.solana.verification = domain.Verification{Valid: true, SenderAddress: "sender", Amount: 2500}

		confirmed, err := env.svc.SubmitReference(ctx, payment.ID, "sig-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusConfirmed, confirmed.Status)
		assert.Equal(t, "sig-1", *confirmed.ProviderReference)
		assert.Equal(t, []uuid.UUID{payment.ID}, env.notifier.confirmed)
	})

	t.Run("manual confirmation marks the invoice paid", func(t *testing.T) {
		env := newTestEnv(t)
		payment := env.createManualPayment(t)
		env.evm.verification = domain.Verification{Valid: true, Amount: 2500}

		_, err := env.svc.SubmitReference(ctx, payment.ID, "0xtx")
		require.NoError(t, err)

		invoice, err := invoicerepository.Provide().FindByPaymentID(ctx, env.db, payment.ID)
		require.NoError(t, err)
		assert.Equal(t, invoicedomain.InvoiceStatusPaid, invoice.Status)
	})

	t.Run("resubmitting the confirmed reference is success", func(t *testing.T) {
		env := newTestEnv(t)
		payment := env.createWalletPayment(t)
		env.solana.verification = domain.Verification{Valid: true}

		_, err := env.svc.SubmitReference(ctx, payment.ID, "sig-1")
		require.NoError(t, err)

		again, err := env.svc.SubmitReference(ctx, payment.ID, "sig-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusConfirmed, again.Status)

		// Only one confirmation notification went out.
		assert.Len(t, env.notifier.confirmed, 1)
	})

	t.Run("different reference after confirmation rejected", func(t *testing.T) {
		env := newTestEnv(t)
		payment := env.createWalletPayment(t)
		env.solana.verification = domain.Verification{Valid: true}

		_, err := env.svc.SubmitReference(ctx, payment.ID, "sig-1")
		require.NoError(t, err)

		_, err = env.svc.SubmitReference(ctx, payment.ID, "sig-2")
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("unknown payment", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.SubmitReference(ctx, uuid.New(), "sig-1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("blank reference", func(t *testing.T) {
		env := newTestEnv(t)
		payment := env.createWalletPayment(t)
		_, err := env.svc.SubmitReference(ctx, payment.ID, "   ")
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})

	t.Run("reference reused across payments", func(t *testing.T) {
		env := newTestEnv(t)
		first := env.createWalletPayment(t)
		second := env.createWalletPayment(t)
		env.solana.verification = domain.Verification{Valid: true}

		_, err := env.svc.SubmitReference(ctx, first.ID, "sig-shared")
		require.NoError(t, err)

		_, err = env.svc.SubmitReference(ctx, second.ID, "sig-shared")
		assert.ErrorIs(t, err, domain.ErrDuplicateReference)

		// The second payment stays pending and credit happened once.
		current, getErr := env.svc.GetByID(ctx, second.ID)
		require.NoError(t, getErr)
		assert.Equal(t, domain.StatusPending, current.Status)
	})
}

func TestSubmitReferenceRejections(t *testing.T) {
	ctx := context.Background()

	reload := func(t *testing.T, env *testEnv, id uuid.UUID) *domain.Payment {
		t.Helper()
		payment, err := env.svc.GetByID(ctx, id)
		require.NoError(t, err)
		return payment
	}

	t.Run("malformed reference", func(t *testing.T) {
		env := newTestEnv(t)
		payment := env.createWalletPayment(t)
		env.solana.verification = domain.Rejected("malformed_reference")

		_, err := env.svc.SubmitReference(ctx, payment.ID, "junk")
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		assert.Equal(t, domain.StatusPending, reload(t, env, payment.ID).Status)
	})

	t.Run("amount mismatch keeps candidate", func(t *testing.T) {
		env := newTestEnv(t)
		payment := env.createWalletPayment(t)
		env.solana.verification = domain.Rejected("amount_mismatch")

		_, err := env.svc.SubmitReference(ctx, payment.ID, "sig-1")
		assert.ErrorIs(t, err, domain.ErrAmountMismatch)

		current := reload(t, env, payment.ID)
		assert.Equal(t, domain.StatusPending, current.Status)
		require.NotNil(t, current.SubmittedReference)
		assert.Equal(t, "sig-1", *current.SubmittedReference)
	})

	t.Run("address mismatch", func(t *testing.T) {
		env := newTestEnv(t)
		payment := env.createWalletPayment(t)
		env.solana.verification = domain.Rejected("address_mismatch")

		_, err := env.svc.SubmitReference(ctx, payment.ID, "sig-1")
		assert.ErrorIs(t, err, domain.ErrAddressMismatch)
	})

	t.Run("on-chain failure marks the payment failed", func(t *testing.T) {
		env := newTestEnv(t)
		payment := env.createWalletPayment(t)
		env.solana.verification = domain.Rejected("failed")

		_, err := env.svc.SubmitReference(ctx, payment.ID, "sig-1")
		assert.ErrorIs(t, err, domain.ErrVerificationFailed)
		assert.Equal(t, domain.StatusFailed, reload(t, env, payment.ID).Status)
	})

	t.Run("not yet observable keeps candidate and stays pending", func(t *testing.T) {
		env := newTestEnv(t)
		payment := env.createWalletPayment(t)
		env.solana.verification = domain.Rejected("not_found")

		_, err := env.svc.SubmitReference(ctx, payment.ID, "sig-1")
		assert.ErrorIs(t, err, domain.ErrNotSettled)

		current := reload(t, env, payment.ID)
		assert.Equal(t, domain.StatusPending, current.Status)
		require.NotNil(t, current.SubmittedReference)
	})

	t.Run("provider outage propagates", func(t *testing.T) {
		env := newTestEnv(t)
		payment := env.createWalletPayment(t)
		env.solana.verifyErr = domain.ErrProviderUnavailable

		_, err := env.svc.SubmitReference(ctx, payment.ID, "sig-1")
		assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	})
}

func TestClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("claim confirmed anonymous payment", func(t *testing.T) {
		env := newTestEnv(t)
		payment := env.createManualPayment(t)
		env.evm.verification = domain.Verification{Valid: true}
		_, err := env.svc.SubmitReference(ctx, payment.ID, "0xtx")
		require.NoError(t, err)

		userID := uuid.New()
		claimed, err := env.svc.Claim(ctx, payment.ID, userID)
		require.NoError(t, err)
		assert.Equal(t, userID, *claimed.UserID)
		require.NotNil(t, claimed.ClaimedAt)
		assert.Equal(t, []uuid.UUID{payment.ID}, env.notifier.claimed)

		_, err = env.svc.Claim(ctx, payment.ID, uuid.New())
		assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	})

	t.Run("pending payment cannot be claimed", func(t *testing.T) {
		env := newTestEnv(t)
		payment := env.createManualPayment(t)

		_, err := env.svc.Claim(ctx, payment.ID, uuid.New())
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("owned payment cannot be claimed", func(t *testing.T) {
		env := newTestEnv(t)
		payment := env.createWalletPayment(t)
		env.solana.verification = domain.Verification{Valid: true}
		_, err := env.svc.SubmitReference(ctx, payment.ID, "sig-1")
		require.NoError(t, err)

		_, err = env.svc.Claim(ctx, payment.ID, uuid.New())
		assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	})

	t.Run("unknown payment", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.Claim(ctx, uuid.New(), uuid.New())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("nil user rejected", func(t *testing.T) {
		env := newTestEnv(t)
		payment := env.createManualPayment(t)
		_, err := env.svc.Claim(ctx, payment.ID, uuid.Nil)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})
}

func TestGetByID(t *testing.T) {
	env := newTestEnv(t)
	payment := env.createWalletPayment(t)

	got, err := env.svc.GetByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.ID, got.ID)

	_, err = env.svc.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		env.createWalletPayment(t)
		env.clock.Advance(time.Minute)
	}

	resp, err := env.svc.List(ctx, domain.ListPaymentsRequest{
		Pagination: paginationOf(2, ""),
	})
	require.NoError(t, err)
	require.Len(t, resp.Payments, 2)
	assert.True(t, resp.HasMore)
	require.NotEmpty(t, resp.NextPageToken)

	rest, err := env.svc.List(ctx, domain.ListPaymentsRequest{
		Pagination: paginationOf(10, resp.NextPageToken),
	})
	require.NoError(t, err)
	require.Len(t, rest.Payments, 2)
	assert.False(t, rest.HasMore)

	filtered, err := env.svc.List(ctx, domain.ListPaymentsRequest{
		Status:     domain.StatusConfirmed,
		Pagination: paginationOf(10, ""),
	})
	require.NoError(t, err)
	assert.Empty(t, filtered.Payments)
}
