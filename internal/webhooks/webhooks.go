// Package webhooks delivers escrow lifecycle notifications to the webhook
// URL an account has registered. Delivery is best-effort, fire-and-forget
// from the caller's perspective, and retried on a fixed backoff schedule
// before being given up on.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/a2a-settlement/exchange/internal/accounts"
	"github.com/a2a-settlement/exchange/internal/idgen"
)

// Subscriber looks up which of a set of accounts have an active webhook
// subscribed to a given event. It is satisfied by accounts.Store.
type Subscriber interface {
	WebhooksSubscribedTo(ctx context.Context, accountIDs []string, event string) ([]*accounts.WebhookConfig, error)
}

// backoffSchedule is the fixed retry delay before each redelivery attempt
// after the first. A 2xx response at any attempt stops retries.
var backoffSchedule = []time.Duration{5 * time.Second, 25 * time.Second, 125 * time.Second}

const maxConcurrentDeliveries = 50

// Envelope is the JSON body POSTed to a subscriber's webhook URL.
type Envelope struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Dispatcher implements ledger.EventEmitter, delivering events to every
// account's webhook subscribed to them.
type Dispatcher struct {
	subs       Subscriber
	client     *http.Client
	maxRetries int
	sem        chan struct{}
	logger     *slog.Logger
}

func NewDispatcher(subs Subscriber, timeout time.Duration, maxRetries int, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		subs:       subs,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		sem:        make(chan struct{}, maxConcurrentDeliveries),
		logger:     logger,
	}
}

// Emit fans the event out to every subscribed account's webhook, each
// delivered on its own goroutine so a slow or unreachable endpoint never
// blocks the caller (a ledger mutation that already committed).
func (d *Dispatcher) Emit(ctx context.Context, eventType string, accountIDs []string, data map[string]any) {
	hooks, err := d.subs.WebhooksSubscribedTo(ctx, accountIDs, eventType)
	if err != nil {
		d.logger.Error("webhooks: subscriber lookup failed", "event", eventType, "err", err)
		return
	}

	env := Envelope{Event: eventType, Timestamp: time.Now().UTC(), Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		d.logger.Error("webhooks: marshal envelope failed", "event", eventType, "err", err)
		return
	}

	deliveryCtx := context.WithoutCancel(ctx)
	for _, wc := range hooks {
		if !wc.Active || wc.URL == "" {
			continue
		}
		go func(hook *accounts.WebhookConfig) {
			d.sem <- struct{}{}
			defer func() { <-d.sem }()
			d.deliver(deliveryCtx, hook, eventType, payload)
		}(wc)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, hook *accounts.WebhookConfig, eventType string, payload []byte) {
	deliveryID := idgen.New()
	attempts := d.maxRetries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffSchedule[len(backoffSchedule)-1]
			if attempt-1 < len(backoffSchedule) {
				delay = backoffSchedule[attempt-1]
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-A2ASE-Event", eventType)
		req.Header.Set("X-A2ASE-Delivery", deliveryID)
		req.Header.Set("X-A2ASE-Signature", "sha256="+sign(payload, hook.Secret))

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		lastErr = fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}

	d.logger.Warn("webhooks: delivery exhausted retries",
		"account_id", hook.AccountID, "event", eventType, "delivery_id", deliveryID, "err", lastErr)
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
