package chain

import (
	"context"

	"github.com/birdhaus/roost/internal/config"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Clients holds the shared RPC connections to the settlement rails. A nil
// field means the rail is not configured and its provider is disabled.
type Clients struct {
	EVM    *ethclient.Client
	Solana *rpc.Client
}

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
}

func New(p Params) (*Clients, error) {
	log := p.Log.Named("chain")
	clients := &Clients{}

	if p.Config.EVMRPCURL != "" {
		evm, err := ethclient.Dial(p.Config.EVMRPCURL)
		if err != nil {
			return nil, err
		}
		clients.EVM = evm
		log.Info("evm rpc configured", zap.Int64("chain_id", p.Config.EVMChainID))
	} else {
		log.Warn("evm rpc not configured, rail disabled")
	}

	if p.Config.SolanaRPCURL != "" {
		sol, err := rpc.Dial(p.Config.SolanaRPCURL)
		if err != nil {
			return nil, err
		}
		clients.Solana = sol
		log.Info("solana rpc configured")
	} else {
		log.Warn("solana rpc not configured, rail disabled")
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			if clients.EVM != nil {
				clients.EVM.Close()
			}
			if clients.Solana != nil {
				clients.Solana.Close()
			}
			return nil
		},
	})

	return clients, nil
}

var Module = fx.Module("chain",
	fx.Provide(New),
)
