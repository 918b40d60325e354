package payment

import (
	"github.com/birdhaus/roost/internal/chain"
	"github.com/birdhaus/roost/internal/clock"
	"github.com/birdhaus/roost/internal/config"
	"github.com/birdhaus/roost/internal/payment/domain"
	"github.com/birdhaus/roost/internal/payment/providers"
	"github.com/birdhaus/roost/internal/payment/providers/evm"
	"github.com/birdhaus/roost/internal/payment/providers/offchain"
	"github.com/birdhaus/roost/internal/payment/providers/solana"
	"github.com/birdhaus/roost/internal/payment/repository"
	"github.com/birdhaus/roost/internal/payment/service"
	"github.com/birdhaus/roost/internal/secrets"
	"github.com/birdhaus/roost/internal/wallet/hd"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type registryParams struct {
	fx.In

	Config    config.Config
	Log       *zap.Logger
	Clock     clock.Clock
	Chain     *chain.Clients
	Allocator *hd.Allocator
	Secrets   secrets.Store
}

// newRegistry wires one provider per configured rail. Rails without the
// pieces they need (RPC endpoint, HD seed, PSP base URL) stay out of the
// registry so intents against them fail fast with a provider error.
func newRegistry(p registryParams) *providers.Registry {
	var impls []domain.PaymentProvider

	if p.Chain.Solana != nil && p.Config.SolanaReceiveWallet != "" {
		impls = append(impls, solana.New(p.Chain.Solana, solana.Config{
			ReceiveWallet:    p.Config.SolanaReceiveWallet,
			MinConfirmations: p.Config.SolanaMinConfs,
			ToleranceBps:     p.Config.AmountToleranceBps,
		}, p.Log))
	}

	if p.Chain.EVM != nil && p.Allocator.Configured() {
		impls = append(impls, evm.New(p.Chain.EVM, p.Allocator, p.Clock, evm.Config{
			ChainID:          p.Config.EVMChainID,
			MinConfirmations: p.Config.EVMMinConfs,
			TokenDecimals:    p.Config.EVMTokenDecimals,
			ToleranceBps:     p.Config.AmountToleranceBps,
			DepositWindow:    p.Config.ManualPaymentWindow,
		}, p.Log))
	}

	if p.Config.OffchainBaseURL != "" {
		impls = append(impls, offchain.New(offchain.Config{
			BaseURL:      p.Config.OffchainBaseURL,
			ToleranceBps: p.Config.AmountToleranceBps,
		}, p.Secrets, p.Log))
	}

	return providers.NewRegistry(impls...)
}

var Module = fx.Module("payment",
	fx.Provide(
		repository.Provide,
		newRegistry,
		service.NewService,
		func(s *service.Service) domain.Service { return s },
	),
)
