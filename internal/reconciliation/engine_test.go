package reconciliation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
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
)

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

var engineNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, db *gorm.DB) *Engine {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(engineNow),
		Config: config.Config{
			AmountToleranceBps:  100,
			ManualPaymentWindow: 30 * time.Minute,
		},
		GenID:       node,
		InvoiceRepo: invoicerepository.Provide(),
	})
}

func seedManual(t *testing.T, db *gorm.DB, createdAt time.Time) *domain.Payment {
	t.Helper()
	p, err := domain.NewPendingManual(
		domain.PurposePlatformSupport, 2500, domain.ProviderEVM,
		fmt.Sprintf("0xdeposit-%s", uuid.NewString()[:8]), 0,
		createdAt.Add(30*time.Minute), "buyer@example.com", nil, 0, createdAt,
	)
	require.NoError(t, err)
	require.NoError(t, db.Create(p).Error)
	return p
}

func seedInvoice(t *testing.T, db *gorm.DB, payment *domain.Payment, amount int64, status invoicedomain.InvoiceStatus) *invoicedomain.Invoice {
	t.Helper()
	invoice := &invoicedomain.Invoice{
		ID:        uuid.New(),
		PaymentID: payment.ID,
		Status:    status,
		Amount:    amount,
		Address:   *payment.DestinationAddress,
		ExpiresAt: *payment.ExpiresAt,
		CreatedAt: payment.CreatedAt,
		UpdatedAt: payment.CreatedAt,
	}
	require.NoError(t, db.Create(invoice).Error)
	return invoice
}

func categories(report Report) map[string]int {
	out := map[string]int{}
	for _, f := range report.Findings {
		out[f.Category]++
	}
	return out
}

func TestRunCleanState(t *testing.T) {
	db := setupTestDB(t)
	engine := newTestEngine(t, db)

	p := seedManual(t, db, engineNow.Add(-time.Minute))
	seedInvoice(t, db, p, p.ExpectedTotal(), invoicedomain.InvoiceStatusAwaitingPayment)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
	assert.Zero(t, report.InvoicesExpired)
}

func TestOrphanedPaymentFinding(t *testing.T) {
	db := setupTestDB(t)
	engine := newTestEngine(t, db)

	orphan := seedManual(t, db, engineNow.Add(-time.Minute))

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, categories(report)[CategoryOrphanedPayment])

	for _, f := range report.Findings {
		if f.Category == CategoryOrphanedPayment {
			assert.Contains(t, f.RecordIDs, orphan.ID.String())
		}
	}
}

func TestDuplicateReferenceFinding(t *testing.T) {
	db := setupTestDB(t)
	engine := newTestEngine(t, db)

	// The uniqueness constraint prevents this in normal operation; the
	// check exists for data imported or migrated around it.
	for i := 0; i < 2; i++ {
		p := seedManual(t, db, engineNow.Add(-time.Minute))
		seedInvoice(t, db, p, p.ExpectedTotal(), invoicedomain.InvoiceStatusPaid)
		require.NoError(t, db.Exec(
			`UPDATE payments SET status = ?, provider_reference = ? WHERE id = ?`,
			domain.StatusConfirmed, "0xshared", p.ID,
		).Error)
	}

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, categories(report)[CategoryDuplicateReference])
}

func TestAmountMismatchFinding(t *testing.T) {
	db := setupTestDB(t)
	engine := newTestEngine(t, db)

	mismatched := seedManual(t, db, engineNow.Add(-time.Minute))
	seedInvoice(t, db, mismatched, 9999, invoicedomain.InvoiceStatusAwaitingPayment)

	// Within the 100 bps band: not a finding.
	nearEnough := seedManual(t, db, engineNow.Add(-time.Minute))
	seedInvoice(t, db, nearEnough, nearEnough.ExpectedTotal()-10, invoicedomain.InvoiceStatusAwaitingPayment)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, categories(report)[CategoryAmountMismatch])

	for _, f := range report.Findings {
		if f.Category == CategoryAmountMismatch {
			assert.Equal(t, []string{mismatched.ID.String()}, f.RecordIDs)
		}
	}
}

func TestStuckPendingFinding(t *testing.T) {
	db := setupTestDB(t)
	engine := newTestEngine(t, db)

	t.Run("long-pending payment", func(t *testing.T) {
		stuck := seedManual(t, db, engineNow.Add(-3*time.Hour))
		seedInvoice(t, db, stuck, stuck.ExpectedTotal(), invoicedomain.InvoiceStatusAwaitingPayment)

		report, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, categories(report)[CategoryStuckPending], 1)
	})

	t.Run("stalled payment regardless of age", func(t *testing.T) {
		db := setupTestDB(t)
		engine := newTestEngine(t, db)

		stalled := seedManual(t, db, engineNow.Add(-time.Minute))
		seedInvoice(t, db, stalled, stalled.ExpectedTotal(), invoicedomain.InvoiceStatusAwaitingPayment)
		require.NoError(t, db.Exec(
			`UPDATE payments SET stalled_at = ? WHERE id = ?`, engineNow, stalled.ID,
		).Error)

		report, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, categories(report)[CategoryStuckPending])
	})
}

func TestExpireStaleInvoices(t *testing.T) {
	db := setupTestDB(t)
	engine := newTestEngine(t, db)

	stale := seedManual(t, db, engineNow.Add(-2*time.Hour))
	seedInvoice(t, db, stale, stale.ExpectedTotal(), invoicedomain.InvoiceStatusAwaitingPayment)

	fresh := seedManual(t, db, engineNow.Add(-time.Minute))
	seedInvoice(t, db, fresh, fresh.ExpectedTotal(), invoicedomain.InvoiceStatusAwaitingPayment)

	paid := seedManual(t, db, engineNow.Add(-2*time.Hour))
	seedInvoice(t, db, paid, paid.ExpectedTotal(), invoicedomain.InvoiceStatusPaid)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.InvoicesExpired)

	invoice, err := invoicerepository.Provide().FindByPaymentID(context.Background(), db, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusExpired, invoice.Status)

	// Paid invoices are never expired, stale or not.
	invoice, err = invoicerepository.Provide().FindByPaymentID(context.Background(), db, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, invoice.Status)
}

func TestSettledPaymentKeepsStaleInvoice(t *testing.T) {
	db := setupTestDB(t)
	engine := newTestEngine(t, db)

	// Confirmed payment whose invoice missed the paid mark and has since
	// sailed past its deadline. Expiry must skip it; it surfaces as drift.
	p := seedManual(t, db, engineNow.Add(-2*time.Hour))
	invoice := seedInvoice(t, db, p, p.ExpectedTotal(), invoicedomain.InvoiceStatusAwaitingPayment)
	confirmedAt := engineNow.Add(-90 * time.Minute)
	require.NoError(t, db.Exec(
		`UPDATE payments SET status = ?, provider_reference = ?, confirmed_at = ? WHERE id = ?`,
		domain.StatusConfirmed, "0xlanded", confirmedAt, p.ID,
	).Error)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.InvoicesExpired)
	require.Equal(t, 1, categories(report)[CategoryInvoiceDrift])

	for _, f := range report.Findings {
		if f.Category == CategoryInvoiceDrift {
			assert.Contains(t, f.RecordIDs, invoice.ID.String())
		}
	}

	got, err := invoicerepository.Provide().FindByPaymentID(context.Background(), db, p.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusAwaitingPayment, got.Status)
}

func TestRunSurvivesBrokenCheck(t *testing.T) {
	db := setupTestDB(t)
	engine := newTestEngine(t, db)

	// Dropping the invoices table breaks several checks; Run still
	// completes and reports the failures as findings.
	require.NoError(t, db.Exec(`DROP TABLE invoices`).Error)

	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, categories(report)[CategoryCheckFailed], 1)
}
