package treasury

import (
	"context"

	"github.com/birdhaus/roost/internal/payment/domain"
)

// Mover submits the transfer that moves a payment's funds into the
// treasury destination and returns the settlement reference. Submitting
// is not idempotent: implementations must pass the transaction hash to
// record after signing and before broadcasting, and abort when record
// fails. A recorded hash is durable, so a retry after a crash or a
// failed status write can see it and refuse to submit again.
type Mover interface {
	Transfer(ctx context.Context, payment *domain.Payment, record func(txHash string) error) (string, error)
}

// Movers routes sweep submissions by settlement rail.
type Movers struct {
	movers map[domain.Provider]Mover
}

func NewMovers() *Movers {
	return &Movers{movers: map[domain.Provider]Mover{}}
}

func (m *Movers) Register(provider domain.Provider, mover Mover) {
	if mover == nil {
		return
	}
	m.movers[provider] = mover
}

func (m *Movers) Get(provider domain.Provider) (Mover, bool) {
	mover, ok := m.movers[provider]
	return mover, ok
}
