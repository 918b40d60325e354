package hd

import (
	"context"
	"errors"
	"fmt"

	"github.com/birdhaus/roost/internal/secrets"
	bip39 "github.com/tyler-smith/go-bip39"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotConfigured means no master seed is present. The allocator fails
// closed rather than deriving from an empty seed.
var ErrNotConfigured = errors.New("hd_allocator_not_configured")

// Allocator hands out collision-free deposit addresses. Index allocation
// is an atomic counter in the store, never an in-process mutex, so it
// stays correct across multiple running instances.
type Allocator struct {
	db   *gorm.DB
	log  *zap.Logger
	seed []byte
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Secrets secrets.Store
}

func NewAllocator(p Params) *Allocator {
	a := &Allocator{
		db:  p.DB,
		log: p.Log.Named("hd.allocator"),
	}

	mnemonic, err := p.Secrets.HDSeedMnemonic()
	if err != nil {
		a.log.Warn("hd master seed not configured, manual deposit flows disabled")
		return a
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		a.log.Error("hd master seed mnemonic is invalid, manual deposit flows disabled")
		return a
	}
	a.seed = bip39.NewSeed(mnemonic, "")
	return a
}

// Configured reports whether a master seed is available.
func (a *Allocator) Configured() bool { return len(a.seed) > 0 }

// Allocate claims the next per-chain index and derives its address.
func (a *Allocator) Allocate(ctx context.Context, chain Chain) (int64, string, error) {
	if !a.Configured() {
		return 0, "", ErrNotConfigured
	}

	index, err := a.NextIndex(ctx, chain)
	if err != nil {
		return 0, "", err
	}

	address, err := DeriveAddress(a.seed, chain, index)
	if err != nil {
		return 0, "", err
	}
	return index, address, nil
}

// Seed exposes the master seed to the sweep signer. Callers must not log
// or persist it.
func (a *Allocator) Seed() []byte { return a.seed }

// NextIndex atomically increments the per-chain counter. Two concurrent
// allocations on the same chain can never observe the same value.
func (a *Allocator) NextIndex(ctx context.Context, chain Chain) (int64, error) {
	switch a.db.Dialector.Name() {
	case "mysql":
		return a.nextIndexLocked(ctx, chain)
	default:
		return a.nextIndexReturning(ctx, chain)
	}
}

// nextIndexReturning uses a single UPDATE ... RETURNING, supported by
// postgres and modern sqlite.
func (a *Allocator) nextIndexReturning(ctx context.Context, chain Chain) (int64, error) {
	var next int64
	res := a.db.WithContext(ctx).Raw(
		`UPDATE address_sequences
		 SET next_index = next_index + 1
		 WHERE chain = ?
		 RETURNING next_index - 1`,
		chain,
	).Scan(&next)
	if res.Error != nil {
		return 0, fmt.Errorf("allocate index for %s: %w", chain, res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("no address sequence row for chain %s", chain)
	}
	return next, nil
}

// nextIndexLocked is the two-statement fallback for dialects without
// RETURNING; the row lock serializes concurrent allocators.
func (a *Allocator) nextIndexLocked(ctx context.Context, chain Chain) (int64, error) {
	var next int64
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Raw(
			`SELECT next_index FROM address_sequences WHERE chain = ? FOR UPDATE`,
			chain,
		).Scan(&next)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("no address sequence row for chain %s", chain)
		}
		return tx.Exec(
			`UPDATE address_sequences SET next_index = next_index + 1 WHERE chain = ?`,
			chain,
		).Error
	})
	if err != nil {
		return 0, fmt.Errorf("allocate index for %s: %w", chain, err)
	}
	return next, nil
}

var Module = fx.Module("wallet.hd",
	fx.Provide(NewAllocator),
)
