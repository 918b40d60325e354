package offchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/birdhaus/roost/internal/payment/domain"
	"github.com/birdhaus/roost/internal/secrets"
	"go.uber.org/zap"
)

type Config struct {
	BaseURL      string
	ToleranceBps int
	Timeout      time.Duration
}

// Provider settles through an external payment service provider. The
// provider reference is the PSP's transaction id; Verify asks the PSP
// whether that transaction settled for the expected amount.
type Provider struct {
	cfg     Config
	client  *http.Client
	secrets secrets.Store
	log     *zap.Logger
}

func New(cfg Config, store secrets.Store, log *zap.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Provider{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		secrets: store,
		log:     log.Named("provider.offchain"),
	}
}

func (p *Provider) Name() domain.Provider { return domain.ProviderOffchain }

type checkoutResponse struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkout_url"`
	ExpiresAt   string `json:"expires_at"`
}

func (p *Provider) CreateIntent(ctx context.Context, purpose domain.Purpose, amount int64) (domain.Intent, error) {
	body, _ := json.Marshal(map[string]any{
		"amount":  amount,
		"purpose": string(purpose),
	})
	var checkout checkoutResponse
	if err := p.call(ctx, http.MethodPost, "/v1/checkouts", bytes.NewReader(body), &checkout); err != nil {
		return domain.Intent{}, err
	}
	if checkout.CheckoutURL == "" {
		return domain.Intent{}, fmt.Errorf("%w: empty checkout url", domain.ErrProviderUnavailable)
	}

	intent := domain.Intent{
		Provider:       domain.ProviderOffchain,
		Destination:    checkout.CheckoutURL,
		ExpectedAmount: amount,
		Memo:           checkout.ID,
	}
	if checkout.ExpiresAt != "" {
		if expires, err := time.Parse(time.RFC3339, checkout.ExpiresAt); err == nil {
			expires = expires.UTC()
			intent.ExpiresAt = &expires
		}
	}
	return intent, nil
}

type transactionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
	Sender string `json:"sender"`
	PaidAt string `json:"paid_at"`
}

func (p *Provider) Verify(ctx context.Context, payment *domain.Payment, providerRef string) (domain.Verification, error) {
	providerRef = strings.TrimSpace(providerRef)
	if providerRef == "" {
		return domain.Rejected("malformed_reference"), nil
	}

	var tx transactionResponse
	err := p.call(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(providerRef), nil, &tx)
	if err != nil {
		if err == errNotFound {
			return domain.Rejected("not_found"), nil
		}
		return domain.Verification{}, err
	}

	switch tx.Status {
	case "settled":
	case "failed", "canceled":
		return domain.Rejected("failed"), nil
	default:
		return domain.Rejected("unconfirmed"), nil
	}

	if !withinTolerance(tx.Amount, payment.ExpectedTotal(), p.cfg.ToleranceBps) {
		return domain.Rejected("amount_mismatch"), nil
	}

	var blockTime time.Time
	if tx.PaidAt != "" {
		if paidAt, parseErr := time.Parse(time.RFC3339, tx.PaidAt); parseErr == nil {
			blockTime = paidAt.UTC()
		}
	}

	return domain.Verification{
		Valid:         true,
		SenderAddress: tx.Sender,
		TxHash:        tx.ID,
		BlockTime:     blockTime,
		Amount:        tx.Amount,
		Confirmations: 1,
	}, nil
}

var errNotFound = fmt.Errorf("offchain transaction not found")

func (p *Provider) call(ctx context.Context, method, path string, body *bytes.Reader, out any) error {
	base := strings.TrimRight(p.cfg.BaseURL, "/")
	if base == "" {
		return fmt.Errorf("%w: offchain base url not configured", domain.ErrProviderUnavailable)
	}

	token, err := p.secrets.OffchainAPIToken()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}

	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = body
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: psp returned %d", domain.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("psp rejected request with %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
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
