package treasury

import (
	"context"
	"fmt"
	"math/big"

	"github.com/birdhaus/roost/internal/payment/domain"
	"github.com/birdhaus/roost/internal/wallet/hd"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

const transferGasLimit = 21_000

// EVMChainClient is the subset of ethclient used by the EVM mover.
type EVMChainClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type EVMConfig struct {
	ChainID         int64
	TreasuryAddress string
}

// EVMMover empties a payment's derived deposit address into the treasury
// address. The deposit key is re-derived from the master seed per call
// and never stored.
type EVMMover struct {
	client EVMChainClient
	seed   []byte
	cfg    EVMConfig
	log    *zap.Logger
}

func NewEVMMover(client EVMChainClient, seed []byte, cfg EVMConfig, log *zap.Logger) *EVMMover {
	return &EVMMover{client: client, seed: seed, cfg: cfg, log: log.Named("treasury.evm")}
}

func (m *EVMMover) Transfer(ctx context.Context, payment *domain.Payment, record func(txHash string) error) (string, error) {
	if !payment.IsManual() || payment.DestinationAddress == nil {
		return "", fmt.Errorf("payment %s has no deposit address to sweep", payment.ID)
	}
	if m.cfg.TreasuryAddress == "" {
		return "", fmt.Errorf("%w: treasury address not configured", domain.ErrProviderUnavailable)
	}

	keyBytes, err := hd.DeriveEVMKey(m.seed, *payment.DerivationIndex)
	if err != nil {
		return "", fmt.Errorf("derive deposit key: %w", err)
	}
	key, err := ethcrypto.ToECDSA(keyBytes)
	if err != nil {
		return "", fmt.Errorf("parse deposit key: %w", err)
	}

	from := ethcrypto.PubkeyToAddress(key.PublicKey)
	if from.Hex() != common.HexToAddress(*payment.DestinationAddress).Hex() {
		return "", fmt.Errorf("derived address %s does not match recorded deposit address %s", from.Hex(), *payment.DestinationAddress)
	}

	balance, err := m.client.BalanceAt(ctx, from, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	gasPrice, err := m.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}

	fee := new(big.Int).Mul(gasPrice, big.NewInt(transferGasLimit))
	value := new(big.Int).Sub(balance, fee)
	if value.Sign() <= 0 {
		return "", fmt.Errorf("deposit balance %s does not cover sweep fee %s", balance, fee)
	}

	nonce, err := m.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}

	tx := types.NewTransaction(nonce, common.HexToAddress(m.cfg.TreasuryAddress), value, transferGasLimit, gasPrice, nil)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(m.cfg.ChainID)), key)
	if err != nil {
		return "", fmt.Errorf("sign sweep tx: %w", err)
	}

	// The hash is fixed once signed; make it durable before broadcast.
	if err := record(signed.Hash().Hex()); err != nil {
		return "", err
	}

	if err := m.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}

	m.log.Info("sweep submitted",
		zap.String("payment_id", payment.ID.String()),
		zap.String("from", from.Hex()),
		zap.String("tx_hash", signed.Hash().Hex()),
	)
	return signed.Hash().Hex(), nil
}
