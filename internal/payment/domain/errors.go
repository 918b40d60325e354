package domain

import "errors"

// Error taxonomy. Request-path callers see these directly; workers use
// them to pick between retry-next-cycle and give-up.
var (
	// ErrInvalidArgument is a caller bug. Never retried.
	ErrInvalidArgument = errors.New("invalid_argument")
	// ErrInvalidState is an illegal transition attempt. Never retried;
	// a lost conditional write surfaces as this and is benign.
	ErrInvalidState = errors.New("invalid_state")
	ErrNotFound     = errors.New("not_found")
	// ErrAlreadyClaimed and ErrAlreadySwept are idempotency guards,
	// success-equivalent for at-most-once callers.
	ErrAlreadyClaimed = errors.New("already_claimed")
	ErrAlreadySwept   = errors.New("already_swept")
	// ErrDuplicateReference means the provider reference is already bound
	// to another payment. The storage uniqueness constraint is authoritative.
	ErrDuplicateReference = errors.New("duplicate_provider_reference")
	// ErrProviderUnavailable is transient. The worker retries next cycle,
	// never synchronously in a loop.
	ErrProviderUnavailable = errors.New("provider_unavailable")
	// ErrAmountMismatch / ErrAddressMismatch reject a verification without
	// failing the payment; a late or slightly-off transfer may still land.
	ErrAmountMismatch  = errors.New("amount_mismatch")
	ErrAddressMismatch = errors.New("address_mismatch")
	// ErrNotSettled means the reference is not observable (or deep enough)
	// on the chain yet. The payment stays Pending; try again later.
	ErrNotSettled = errors.New("not_settled")
	// ErrVerificationFailed is a definitive on-chain failure (reverted or
	// errored transaction); the payment is failed.
	ErrVerificationFailed = errors.New("verification_failed")
	ErrProviderNotFound   = errors.New("provider_not_found")
)
