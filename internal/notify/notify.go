// Package notify emits fire-and-forget lifecycle events.
//
// All methods log failures and never return errors: a completed financial
// transition must never be rolled back because a notification could not be
// delivered.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/keyforge/marketpay/internal/idgen"
	"github.com/keyforge/marketpay/internal/metrics"
)

// Notifier delivers marketplace money-movement events.
type Notifier interface {
	RefundResolved(refundID, buyerID, sellerID, status string, amount float64)
	PayoutProcessed(payoutID, sellerID, status string, netAmount float64)
}

// Webhook posts events as JSON to a single configured endpoint.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook creates a webhook notifier. url must be non-empty.
func NewWebhook(url string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

func (w *Webhook) emit(eventType string, data map[string]interface{}) {
	evt := event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("notify marshal failed", "event", eventType, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("notify request failed", "event", eventType, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		metrics.NotifyFailuresTotal.WithLabelValues(eventType).Inc()
		w.logger.Warn("notify delivery failed", "event", eventType, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		metrics.NotifyFailuresTotal.WithLabelValues(eventType).Inc()
		w.logger.Warn("notify delivery rejected",
			"event", eventType, "status", fmt.Sprint(resp.StatusCode))
	}
}

// RefundResolved emits a refund.resolved event.
func (w *Webhook) RefundResolved(refundID, buyerID, sellerID, status string, amount float64) {
	w.emit("refund.resolved", map[string]interface{}{
		"refundId": refundID,
		"buyerId":  buyerID,
		"sellerId": sellerID,
		"status":   status,
		"amount":   amount,
	})
}

// PayoutProcessed emits a payout.processed event.
func (w *Webhook) PayoutProcessed(payoutID, sellerID, status string, netAmount float64) {
	w.emit("payout.processed", map[string]interface{}{
		"payoutId":  payoutID,
		"sellerId":  sellerID,
		"status":    status,
		"netAmount": netAmount,
	})
}

// Noop is a Notifier that does nothing; used when no webhook is configured.
type Noop struct{}

func (Noop) RefundResolved(string, string, string, string, float64) {}
func (Noop) PayoutProcessed(string, string, string, float64)        {}

var (
	_ Notifier = (*Webhook)(nil)
	_ Notifier = Noop{}
)
