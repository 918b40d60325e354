package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	paymentdomain "github.com/birdhaus/roost/internal/payment/domain"
	"go.uber.org/zap"
)

// Notifier is fire-and-forget: delivery failures are logged and must
// never roll back a payment transition.
type Notifier interface {
	PaymentConfirmed(ctx context.Context, payment *paymentdomain.Payment)
	PaymentClaimed(ctx context.Context, payment *paymentdomain.Payment)
}

type noop struct{}

func NewNoop() Notifier { return noop{} }

func (noop) PaymentConfirmed(context.Context, *paymentdomain.Payment) {}
func (noop) PaymentClaimed(context.Context, *paymentdomain.Payment)   {}

// WebhookNotifier posts settlement events to a configured endpoint, e.g.
// the notification service that fans out to buyers and admins.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

func NewWebhook(url string, log *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log.Named("notification.webhook"),
	}
}

func (n *WebhookNotifier) PaymentConfirmed(ctx context.Context, payment *paymentdomain.Payment) {
	n.post(ctx, "payment.confirmed", payment)
}

func (n *WebhookNotifier) PaymentClaimed(ctx context.Context, payment *paymentdomain.Payment) {
	n.post(ctx, "payment.claimed", payment)
}

type event struct {
	Type    string                 `json:"type"`
	Payment *paymentdomain.Payment `json:"payment"`
}

func (n *WebhookNotifier) post(ctx context.Context, eventType string, payment *paymentdomain.Payment) {
	body, err := json.Marshal(event{Type: eventType, Payment: payment})
	if err != nil {
		n.log.Warn("marshal notification", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.log.Warn("build notification request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("deliver notification",
			zap.String("event", eventType),
			zap.String("payment_id", payment.ID.String()),
			zap.Error(err),
		)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		n.log.Warn("notification rejected",
			zap.String("event", eventType),
			zap.String("payment_id", payment.ID.String()),
			zap.Int("status", resp.StatusCode),
		)
	}
}
