package treasury

import (
	"crypto/ed25519"
	"fmt"

	"github.com/birdhaus/roost/internal/chain"
	"github.com/birdhaus/roost/internal/config"
	"github.com/birdhaus/roost/internal/payment/domain"
	"github.com/birdhaus/roost/internal/secrets"
	"github.com/birdhaus/roost/internal/wallet/hd"
	"github.com/mr-tron/base58"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config    config.Config
	Log       *zap.Logger
	Chain     *chain.Clients
	Allocator *hd.Allocator
	Secrets   secrets.Store
}

// NewMoversFromConfig registers one mover per rail that has everything it
// needs to submit sweeps. A missing key or endpoint disables the rail's
// mover; its payments sit in SweepEligible until operators fix the config.
func NewMoversFromConfig(p Params) *Movers {
	log := p.Log.Named("treasury")
	movers := NewMovers()

	if p.Chain.EVM != nil && p.Allocator.Configured() && p.Config.TreasuryEVMAddress != "" {
		movers.Register(domain.ProviderEVM, NewEVMMover(p.Chain.EVM, p.Allocator.Seed(), EVMConfig{
			ChainID:         p.Config.EVMChainID,
			TreasuryAddress: p.Config.TreasuryEVMAddress,
		}, p.Log))
	} else {
		log.Warn("evm sweeps disabled")
	}

	if p.Chain.Solana != nil && p.Config.TreasurySolanaWallet != "" {
		key, err := solanaSigningKey(p.Secrets)
		if err != nil {
			log.Warn("solana sweeps disabled", zap.Error(err))
		} else {
			movers.Register(domain.ProviderSolana, NewSolanaMover(p.Chain.Solana, key, SolanaConfig{
				TreasuryWallet: p.Config.TreasurySolanaWallet,
			}, p.Log))
		}
	} else {
		log.Warn("solana sweeps disabled")
	}

	movers.Register(domain.ProviderOffchain, NewOffchainMover())

	return movers
}

func solanaSigningKey(store secrets.Store) (ed25519.PrivateKey, error) {
	encoded, err := store.TreasurySolanaKey()
	if err != nil {
		return nil, err
	}
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode solana signing key: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("solana signing key has unexpected length %d", len(raw))
	}
}

var Module = fx.Module("treasury",
	fx.Provide(NewMoversFromConfig),
)
