package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/birdhaus/roost/internal/clock"
	"github.com/birdhaus/roost/internal/payment/domain"
	hd "github.com/birdhaus/roost/internal/wallet/hd"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// ChainClient is the slice of ethclient the verifier needs.
type ChainClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

type Config struct {
	ChainID          int64
	MinConfirmations int
	// TokenDecimals maps internal minor units (cents) to on-chain value:
	// 1 internal unit = 10^(TokenDecimals-2) wei of the settlement token.
	TokenDecimals int
	ToleranceBps  int
	DepositWindow time.Duration
}

// Provider settles anonymous manual deposits: each intent gets its own HD
// deposit address, and Verify checks a transfer to that exact address.
type Provider struct {
	client    ChainClient
	allocator *hd.Allocator
	clock     clock.Clock
	cfg       Config
	log       *zap.Logger
}

func New(client ChainClient, allocator *hd.Allocator, clk clock.Clock, cfg Config, log *zap.Logger) *Provider {
	if cfg.MinConfirmations <= 0 {
		cfg.MinConfirmations = 12
	}
	if cfg.TokenDecimals < 2 {
		cfg.TokenDecimals = 18
	}
	if cfg.DepositWindow <= 0 {
		cfg.DepositWindow = 30 * time.Minute
	}
	return &Provider{
		client:    client,
		allocator: allocator,
		clock:     clk,
		cfg:       cfg,
		log:       log.Named("provider.evm"),
	}
}

func (p *Provider) Name() domain.Provider { return domain.ProviderEVM }

func (p *Provider) CreateIntent(ctx context.Context, purpose domain.Purpose, amount int64) (domain.Intent, error) {
	index, address, err := p.allocator.Allocate(ctx, hd.ChainEVM)
	if err != nil {
		return domain.Intent{}, err
	}
	expires := p.clock.Now().Add(p.cfg.DepositWindow)
	return domain.Intent{
		Provider:        domain.ProviderEVM,
		Destination:     address,
		ExpectedAmount:  amount,
		ExpiresAt:       &expires,
		DerivationIndex: &index,
	}, nil
}

func (p *Provider) Verify(ctx context.Context, payment *domain.Payment, providerRef string) (domain.Verification, error) {
	providerRef = strings.TrimSpace(providerRef)
	if !isTxHash(providerRef) {
		return domain.Rejected("malformed_reference"), nil
	}
	if payment.DestinationAddress == nil {
		return domain.Rejected("missing_destination"), nil
	}

	hash := common.HexToHash(providerRef)
	tx, pending, err := p.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return domain.Rejected("not_found"), nil
		}
		return domain.Verification{}, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	if pending {
		return domain.Rejected("unconfirmed"), nil
	}

	if tx.To() == nil || !strings.EqualFold(tx.To().Hex(), *payment.DestinationAddress) {
		return domain.Rejected("address_mismatch"), nil
	}

	receipt, err := p.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return domain.Rejected("not_found"), nil
		}
		return domain.Verification{}, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.Rejected("reverted"), nil
	}

	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return domain.Verification{}, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	confirmations := confirmationDepth(head, receipt.BlockNumber)
	if confirmations < uint64(p.cfg.MinConfirmations) {
		return domain.Rejected("insufficient_confirmations"), nil
	}

	expected := p.toWei(payment.ExpectedTotal())
	if !withinTolerance(tx.Value(), expected, p.cfg.ToleranceBps) {
		return domain.Rejected("amount_mismatch"), nil
	}

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(p.cfg.ChainID)), tx)
	if err != nil {
		return domain.Rejected("unrecoverable_sender"), nil
	}

	var blockTime time.Time
	if header, err := p.client.HeaderByNumber(ctx, receipt.BlockNumber); err == nil && header != nil {
		blockTime = time.Unix(int64(header.Time), 0).UTC()
	}

	return domain.Verification{
		Valid:         true,
		SenderAddress: sender.Hex(),
		TxHash:        providerRef,
		BlockTime:     blockTime,
		Amount:        p.fromWei(tx.Value()),
		Confirmations: confirmations,
	}, nil
}

// FindDeposit discovers an anonymous deposit without a submitted
// reference: it reads the address balance at a block that is already
// MinConfirmations deep, so a satisfied balance implies settled funds.
func (p *Provider) FindDeposit(ctx context.Context, payment *domain.Payment) (domain.Verification, string, error) {
	if payment.DestinationAddress == nil {
		return domain.Rejected("missing_destination"), "", nil
	}

	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return domain.Verification{}, "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	if head < uint64(p.cfg.MinConfirmations) {
		return domain.Rejected("insufficient_confirmations"), "", nil
	}
	safeBlock := new(big.Int).SetUint64(head - uint64(p.cfg.MinConfirmations) + 1)

	balance, err := p.client.BalanceAt(ctx, common.HexToAddress(*payment.DestinationAddress), safeBlock)
	if err != nil {
		return domain.Verification{}, "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}

	expected := p.toWei(payment.ExpectedTotal())
	if balance.Sign() == 0 {
		return domain.Rejected("not_found"), "", nil
	}
	if !satisfiesExpected(balance, expected, p.cfg.ToleranceBps) {
		return domain.Rejected("amount_mismatch"), "", nil
	}

	// The per-payment address is unique, so the deposit marker is a valid
	// unique provider reference even without the underlying tx hash.
	reference := "deposit:" + strings.ToLower(*payment.DestinationAddress)
	return domain.Verification{
		Valid:         true,
		TxHash:        reference,
		Amount:        p.fromWei(balance),
		Confirmations: uint64(p.cfg.MinConfirmations),
	}, reference, nil
}

// satisfiesExpected accepts any balance at or above the lower edge of the
// tolerance band; overpayment settles the payment rather than stranding it.
func satisfiesExpected(balance, expected *big.Int, toleranceBps int) bool {
	band := new(big.Int).Mul(expected, big.NewInt(int64(toleranceBps)))
	band.Div(band, big.NewInt(10000))
	floor := new(big.Int).Sub(expected, band)
	return balance.Cmp(floor) >= 0
}

func (p *Provider) toWei(amount int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(p.cfg.TokenDecimals-2)), nil)
	return new(big.Int).Mul(big.NewInt(amount), scale)
}

func (p *Provider) fromWei(value *big.Int) int64 {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(p.cfg.TokenDecimals-2)), nil)
	return new(big.Int).Div(value, scale).Int64()
}

func confirmationDepth(head uint64, block *big.Int) uint64 {
	if block == nil || !block.IsUint64() || head < block.Uint64() {
		return 0
	}
	return head - block.Uint64() + 1
}

// withinTolerance allows a small band around the expected amount to absorb
// on-chain decimal rounding. Underpayment beyond the band is rejected.
func withinTolerance(got, expected *big.Int, toleranceBps int) bool {
	if got == nil || expected == nil {
		return false
	}
	diff := new(big.Int).Sub(got, expected)
	diff.Abs(diff)
	band := new(big.Int).Mul(expected, big.NewInt(int64(toleranceBps)))
	band.Div(band, big.NewInt(10000))
	return diff.Cmp(band) <= 0
}

func isTxHash(ref string) bool {
	if !strings.HasPrefix(ref, "0x") || len(ref) != 66 {
		return false
	}
	for _, c := range ref[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
