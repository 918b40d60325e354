package solana

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/birdhaus/roost/internal/payment/domain"
	"go.uber.org/zap"
)

// RPCClient is a JSON-RPC 2.0 caller; *rpc.Client from go-ethereum/rpc
// satisfies it and speaks to Solana nodes unchanged.
type RPCClient interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

type Config struct {
	// ReceiveWallet is the platform's fixed receiving wallet for
	// wallet-signed transfers.
	ReceiveWallet    string
	MinConfirmations int
	// LamportsPerUnit maps one internal minor unit onto lamports.
	LamportsPerUnit int64
	ToleranceBps    int
}

// Provider settles wallet-signed transfers: the user's own wallet signs a
// transfer to the platform wallet and submits the signature as reference.
type Provider struct {
	client RPCClient
	cfg    Config
	log    *zap.Logger
}

func New(client RPCClient, cfg Config, log *zap.Logger) *Provider {
	if cfg.MinConfirmations <= 0 {
		cfg.MinConfirmations = 1
	}
	if cfg.LamportsPerUnit <= 0 {
		cfg.LamportsPerUnit = 10_000
	}
	return &Provider{client: client, cfg: cfg, log: log.Named("provider.solana")}
}

func (p *Provider) Name() domain.Provider { return domain.ProviderSolana }

func (p *Provider) CreateIntent(_ context.Context, _ domain.Purpose, amount int64) (domain.Intent, error) {
	if strings.TrimSpace(p.cfg.ReceiveWallet) == "" {
		return domain.Intent{}, fmt.Errorf("%w: receive wallet not configured", domain.ErrProviderUnavailable)
	}
	return domain.Intent{
		Provider:       domain.ProviderSolana,
		Destination:    p.cfg.ReceiveWallet,
		ExpectedAmount: amount,
	}, nil
}

type transactionResult struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err          any      `json:"err"`
		PreBalances  []uint64 `json:"preBalances"`
		PostBalances []uint64 `json:"postBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

type signatureStatus struct {
	Confirmations      *uint64 `json:"confirmations"`
	ConfirmationStatus string  `json:"confirmationStatus"`
	Err                any     `json:"err"`
}

type signatureStatusesResult struct {
	Value []*signatureStatus `json:"value"`
}

func (p *Provider) Verify(ctx context.Context, payment *domain.Payment, providerRef string) (domain.Verification, error) {
	providerRef = strings.TrimSpace(providerRef)
	if providerRef == "" {
		return domain.Rejected("malformed_reference"), nil
	}

	var tx *transactionResult
	err := p.client.CallContext(ctx, &tx, "getTransaction", providerRef, map[string]any{
		"encoding":                       "json",
		"commitment":                     "confirmed",
		"maxSupportedTransactionVersion": 0,
	})
	if err != nil {
		return domain.Verification{}, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	if tx == nil || tx.Meta == nil {
		return domain.Rejected("not_found"), nil
	}
	if tx.Meta.Err != nil {
		return domain.Rejected("failed"), nil
	}

	confirmations, err := p.confirmations(ctx, providerRef)
	if err != nil {
		return domain.Verification{}, err
	}
	if confirmations < uint64(p.cfg.MinConfirmations) {
		return domain.Rejected("insufficient_confirmations"), nil
	}

	destination := p.cfg.ReceiveWallet
	if payment.DestinationAddress != nil {
		destination = *payment.DestinationAddress
	}

	keys := tx.Transaction.Message.AccountKeys
	destIdx := -1
	for i, key := range keys {
		if key == destination {
			destIdx = i
			break
		}
	}
	if destIdx < 0 ||
		destIdx >= len(tx.Meta.PreBalances) ||
		destIdx >= len(tx.Meta.PostBalances) {
		return domain.Rejected("address_mismatch"), nil
	}

	received := int64(tx.Meta.PostBalances[destIdx]) - int64(tx.Meta.PreBalances[destIdx])
	expected := payment.ExpectedTotal() * p.cfg.LamportsPerUnit
	if !withinTolerance(received, expected, p.cfg.ToleranceBps) {
		return domain.Rejected("amount_mismatch"), nil
	}

	sender := ""
	if len(keys) > 0 {
		sender = keys[0]
	}
	var blockTime time.Time
	if tx.BlockTime != nil {
		blockTime = time.Unix(*tx.BlockTime, 0).UTC()
	}

	return domain.Verification{
		Valid:         true,
		SenderAddress: sender,
		TxHash:        providerRef,
		BlockTime:     blockTime,
		Amount:        received / p.cfg.LamportsPerUnit,
		Confirmations: confirmations,
	}, nil
}

func (p *Provider) confirmations(ctx context.Context, signature string) (uint64, error) {
	var statuses signatureStatusesResult
	err := p.client.CallContext(ctx, &statuses, "getSignatureStatuses",
		[]string{signature},
		map[string]any{"searchTransactionHistory": true},
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	if len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return 0, nil
	}
	status := statuses.Value[0]
	if status.Err != nil {
		return 0, nil
	}
	// A finalized signature no longer reports a confirmation count.
	if status.Confirmations == nil || status.ConfirmationStatus == "finalized" {
		return ^uint64(0), nil
	}
	return *status.Confirmations, nil
}

func withinTolerance(got, expected int64, toleranceBps int) bool {
	if got <= 0 || expected <= 0 {
		return false
	}
	diff := got - expected
	if diff < 0 {
		diff = -diff
	}
	band := expected * int64(toleranceBps) / 10_000
	return diff <= band
}
