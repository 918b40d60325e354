package domain

import (
	"context"
	"time"
)

// Intent is what a caller needs to actually send money: a destination,
// the exact expected amount, and a deadline.
type Intent struct {
	Provider        Provider   `json:"provider"`
	Destination     string     `json:"destination"`
	ExpectedAmount  int64      `json:"expected_amount"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	DerivationIndex *int64     `json:"-"`
	Memo            string     `json:"memo,omitempty"`
}

// Verification is a provider's read of the external chain for one
// reference. Rejected verifications carry a reason and leave the payment
// untouched.
type Verification struct {
	Valid         bool
	Reason        string
	SenderAddress string
	TxHash        string
	BlockTime     time.Time
	Amount        int64
	Confirmations uint64
}

func Rejected(reason string) Verification {
	return Verification{Valid: false, Reason: reason}
}

// PaymentProvider isolates chain specifics from the state machine.
// Implementations are stateless, never write to storage, and carry no
// business rules.
type PaymentProvider interface {
	Name() Provider

	// CreateIntent produces the destination and expiry for a new payment.
	// Manual rails allocate an HD deposit address here.
	CreateIntent(ctx context.Context, purpose Purpose, amount int64) (Intent, error)

	// Verify inspects the chain for providerRef and reports amount,
	// parties and confirmation depth. It must not mutate anything.
	Verify(ctx context.Context, payment *Payment, providerRef string) (Verification, error)
}

// DepositFinder is implemented by manual rails that can discover a
// settled deposit on a per-payment address without the payer submitting
// a reference.
type DepositFinder interface {
	// FindDeposit checks the payment's deposit address at a
	// confirmation-safe depth and, when funds have landed, returns a
	// valid verification plus the reference to record.
	FindDeposit(ctx context.Context, payment *Payment) (Verification, string, error)
}
