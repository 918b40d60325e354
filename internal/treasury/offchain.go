package treasury

import (
	"context"
	"fmt"

	"github.com/birdhaus/roost/internal/payment/domain"
)

// OffchainMover records PSP settlements. The processor pays out to the
// platform's bank account on its own schedule, so there is no transfer to
// submit; the settlement reference derives from the payment's processor
// reference.
type OffchainMover struct{}

func NewOffchainMover() *OffchainMover { return &OffchainMover{} }

func (m *OffchainMover) Transfer(_ context.Context, payment *domain.Payment, record func(txHash string) error) (string, error) {
	if payment.ProviderReference == nil {
		return "", fmt.Errorf("payment %s has no processor reference", payment.ID)
	}
	reference := fmt.Sprintf("psp-settled:%s", *payment.ProviderReference)
	if err := record(reference); err != nil {
		return "", err
	}
	return reference, nil
}
