package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/birdhaus/roost/internal/clock"
	"github.com/birdhaus/roost/internal/config"
	invoicedomain "github.com/birdhaus/roost/internal/invoice/domain"
	obsmetrics "github.com/birdhaus/roost/internal/observability/metrics"
	paymentdomain "github.com/birdhaus/roost/internal/payment/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	CategoryOrphanedPayment    = "orphaned_payment"
	CategoryDuplicateReference = "duplicate_reference"
	CategoryAmountMismatch     = "amount_mismatch"
	CategoryStuckPending       = "stuck_pending"
	CategoryStaleInvoice       = "stale_invoice"
	CategoryInvoiceDrift       = "invoice_drift"
	CategoryCheckFailed        = "check_failed"
)

// Finding is one detected anomaly. Findings are reported, not acted on;
// the only remediation the engine performs itself is expiring stale
// unpaid invoices, which is safe because an expired invoice can still be
// re-checked if funds turn up later.
type Finding struct {
	ID        snowflake.ID `json:"id"`
	Category  string       `json:"category"`
	Message   string       `json:"message"`
	RecordIDs []string     `json:"record_ids,omitempty"`
}

type Report struct {
	RanAt           time.Time `json:"ran_at"`
	Findings        []Finding `json:"findings"`
	InvoicesExpired int64     `json:"invoices_expired"`
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Config      config.Config
	GenID       *snowflake.Node
	InvoiceRepo invoicedomain.Repository
}

type Engine struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	cfg         config.Config
	genID       *snowflake.Node
	invoiceRepo invoicedomain.Repository
}

func New(p Params) *Engine {
	return &Engine{
		db:          p.DB,
		log:         p.Log.Named("reconciliation"),
		clock:       p.Clock,
		cfg:         p.Config,
		genID:       p.GenID,
		invoiceRepo: p.InvoiceRepo,
	}
}

// Run executes every check. Checks are independent: one failing never
// stops the others, it just becomes a finding of its own.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	now := e.clock.Now()
	report := Report{RanAt: now.UTC()}
	wm := obsmetrics.Worker()

	checks := []struct {
		Name string
		Run  func(context.Context, time.Time) ([]Finding, error)
	}{
		{"orphaned_payments", e.checkOrphanedPayments},
		{"duplicate_references", e.checkDuplicateReferences},
		{"amount_mismatches", e.checkAmountMismatches},
		{"stuck_pending", e.checkStuckPending},
		{"invoice_drift", e.checkInvoiceDrift},
	}

	for _, check := range checks {
		findings, err := e.runCheck(ctx, check.Name, check.Run, now)
		if err != nil {
			findings = append(findings, e.finding(CategoryCheckFailed,
				fmt.Sprintf("check %s failed: %v", check.Name, err)))
		}
		for _, f := range findings {
			wm.IncFinding(f.Category)
			e.log.Warn("reconciliation finding",
				zap.String("category", f.Category),
				zap.String("message", f.Message),
				zap.Strings("record_ids", f.RecordIDs),
			)
		}
		report.Findings = append(report.Findings, findings...)
	}

	expired, err := e.expireStaleInvoices(ctx, now)
	if err != nil {
		f := e.finding(CategoryCheckFailed, fmt.Sprintf("expire stale invoices failed: %v", err))
		wm.IncFinding(f.Category)
		report.Findings = append(report.Findings, f)
	}
	report.InvoicesExpired = expired

	e.log.Info("reconciliation completed",
		zap.Int("findings", len(report.Findings)),
		zap.Int64("invoices_expired", expired),
	)
	return report, nil
}

func (e *Engine) runCheck(ctx context.Context, name string, fn func(context.Context, time.Time) ([]Finding, error), now time.Time) (findings []Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return fn(ctx, now)
}

func (e *Engine) finding(category, message string, recordIDs ...string) Finding {
	return Finding{
		ID:        e.genID.Generate(),
		Category:  category,
		Message:   message,
		RecordIDs: recordIDs,
	}
}

// checkOrphanedPayments flags manual payments whose invoice row is
// missing. The create path inserts both in one transaction, so an orphan
// means manual surgery or data loss.
func (e *Engine) checkOrphanedPayments(ctx context.Context, _ time.Time) ([]Finding, error) {
	var ids []string
	err := e.db.WithContext(ctx).Raw(
		`SELECT p.id FROM payments p
		 LEFT JOIN invoices i ON i.payment_id = p.id
		 WHERE p.destination_address IS NOT NULL
		   AND p.derivation_index IS NOT NULL
		   AND i.id IS NULL
		 LIMIT 100`,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return []Finding{e.finding(CategoryOrphanedPayment,
		fmt.Sprintf("%d manual payments have no invoice", len(ids)), ids...)}, nil
}

// checkDuplicateReferences is the backstop behind the storage uniqueness
// constraint: it should never fire unless the constraint was dropped or
// rows were imported around it.
func (e *Engine) checkDuplicateReferences(ctx context.Context, _ time.Time) ([]Finding, error) {
	var refs []string
	err := e.db.WithContext(ctx).Raw(
		`SELECT provider_reference FROM payments
		 WHERE provider_reference IS NOT NULL
		 GROUP BY provider_reference
		 HAVING COUNT(*) > 1
		 LIMIT 100`,
	).Scan(&refs).Error
	if err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(refs))
	for _, ref := range refs {
		findings = append(findings, e.finding(CategoryDuplicateReference,
			fmt.Sprintf("provider reference %q credited more than once", ref)))
	}
	return findings, nil
}

// checkAmountMismatches compares each manual payment's expected total
// with its invoice amount beyond the configured tolerance.
func (e *Engine) checkAmountMismatches(ctx context.Context, _ time.Time) ([]Finding, error) {
	type row struct {
		PaymentID     string
		Expected      int64
		InvoiceAmount int64
	}
	var rows []row
	err := e.db.WithContext(ctx).Raw(
		`SELECT p.id AS payment_id,
		        p.amount + p.support_amount AS expected,
		        i.amount AS invoice_amount
		 FROM payments p
		 JOIN invoices i ON i.payment_id = p.id
		 WHERE p.amount + p.support_amount <> i.amount
		 LIMIT 100`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(rows))
	for _, r := range rows {
		diff := r.Expected - r.InvoiceAmount
		if diff < 0 {
			diff = -diff
		}
		band := r.Expected * int64(e.cfg.AmountToleranceBps) / 10_000
		if diff <= band {
			continue
		}
		findings = append(findings, e.finding(CategoryAmountMismatch,
			fmt.Sprintf("payment expects %d but invoice records %d", r.Expected, r.InvoiceAmount),
			r.PaymentID))
	}
	return findings, nil
}

// checkStuckPending flags payments that have sat in Pending well past
// the manual window, plus anything the confirmation worker marked
// stalled. These need an operator; auto-failing them could discard a
// transfer that eventually lands.
func (e *Engine) checkStuckPending(ctx context.Context, now time.Time) ([]Finding, error) {
	cutoff := now.Add(-2 * e.cfg.ManualPaymentWindow)

	var ids []string
	err := e.db.WithContext(ctx).Raw(
		`SELECT id FROM payments
		 WHERE status = ?
		   AND (stalled_at IS NOT NULL OR created_at < ?)
		 LIMIT 100`,
		paymentdomain.StatusPending, cutoff,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return []Finding{e.finding(CategoryStuckPending,
		fmt.Sprintf("%d payments pending past %s", len(ids), cutoff.UTC().Format(time.RFC3339)), ids...)}, nil
}

// checkInvoiceDrift flags settled payments whose invoice never left
// AWAITING_PAYMENT. The confirm path marks the invoice paid in the same
// request; drift means that write was lost. The stale-invoice expiry
// skips these rows, so they stay visible until an operator repairs them.
func (e *Engine) checkInvoiceDrift(ctx context.Context, _ time.Time) ([]Finding, error) {
	var ids []string
	err := e.db.WithContext(ctx).Raw(
		`SELECT i.id FROM invoices i
		 JOIN payments p ON p.id = i.payment_id
		 WHERE i.status = ?
		   AND p.status IN ?
		 LIMIT 100`,
		invoicedomain.InvoiceStatusAwaitingPayment,
		[]paymentdomain.Status{
			paymentdomain.StatusConfirmed,
			paymentdomain.StatusSweepEligible,
			paymentdomain.StatusSwept,
		},
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return []Finding{e.finding(CategoryInvoiceDrift,
		fmt.Sprintf("%d settled payments still have awaiting invoices", len(ids)), ids...)}, nil
}

func (e *Engine) expireStaleInvoices(ctx context.Context, now time.Time) (int64, error) {
	return e.invoiceRepo.ExpireStale(ctx, e.db, now)
}

var Module = fx.Module("reconciliation",
	fx.Provide(New),
)
