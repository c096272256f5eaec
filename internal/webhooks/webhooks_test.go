package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/a2a-settlement/exchange/internal/accounts"
)

type fakeSubscriber struct {
	hooks []*accounts.WebhookConfig
}

func (f *fakeSubscriber) WebhooksSubscribedTo(ctx context.Context, accountIDs []string, event string) ([]*accounts.WebhookConfig, error) {
	return f.hooks, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcher_Emit_DeliversSignedEnvelope(t *testing.T) {
	var received atomic.Int32
	var gotBody []byte
	var gotSig, gotEvent, gotDelivery string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = body
		gotSig = r.Header.Get("X-A2ASE-Signature")
		gotEvent = r.Header.Get("X-A2ASE-Event")
		gotDelivery = r.Header.Get("X-A2ASE-Delivery")
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := &fakeSubscriber{hooks: []*accounts.WebhookConfig{
		{AccountID: "acct_1", URL: srv.URL, Secret: "shh", Active: true},
	}}
	d := NewDispatcher(sub, time.Second, 3, discardLogger())

	d.Emit(context.Background(), "escrow.released", []string{"acct_1"}, map[string]any{
		"escrow_id": "esc_1",
		"amount":    int64(500),
	})

	deadline := time.After(2 * time.Second)
	for received.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("webhook was never delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if gotEvent != "escrow.released" {
		t.Errorf("event header = %q, want escrow.released", gotEvent)
	}
	if gotDelivery == "" {
		t.Error("expected a non-empty delivery id header")
	}

	var env Envelope
	if err := json.Unmarshal(gotBody, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Event != "escrow.released" {
		t.Errorf("envelope event = %q", env.Event)
	}
	if env.Data["escrow_id"] != "esc_1" {
		t.Errorf("envelope data missing escrow_id: %+v", env.Data)
	}

	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
}

func TestDispatcher_Emit_SkipsInactiveAndEmptyURL(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := &fakeSubscriber{hooks: []*accounts.WebhookConfig{
		{AccountID: "acct_1", URL: srv.URL, Active: false},
		{AccountID: "acct_2", URL: "", Active: true},
	}}
	d := NewDispatcher(sub, time.Second, 0, discardLogger())
	d.Emit(context.Background(), "escrow.held", []string{"acct_1", "acct_2"}, map[string]any{})

	time.Sleep(100 * time.Millisecond)
	if called.Load() != 0 {
		t.Errorf("expected no delivery attempts, got %d", called.Load())
	}
}

func TestDispatcher_Deliver_RetriesOnClientError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sub := &fakeSubscriber{hooks: []*accounts.WebhookConfig{
		{AccountID: "acct_1", URL: srv.URL, Active: true},
	}}
	d := NewDispatcher(sub, time.Second, 3, discardLogger())
	// The first redelivery waits 5s and the second 25s, so a 6s deadline
	// leaves room for exactly one retry.
	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	d.deliver(ctx, sub.hooks[0], "escrow.released", []byte(`{}`))

	if attempts.Load() != 2 {
		t.Errorf("expected a 4xx response to be retried once within 6s, got %d attempts", attempts.Load())
	}
}

func TestDispatcher_Emit_SubscriberLookupErrorDoesNotPanic(t *testing.T) {
	d := NewDispatcher(&erroringSubscriber{}, time.Second, 0, discardLogger())
	d.Emit(context.Background(), "escrow.released", []string{"acct_1"}, map[string]any{})
}

type erroringSubscriber struct{}

func (erroringSubscriber) WebhooksSubscribedTo(ctx context.Context, accountIDs []string, event string) ([]*accounts.WebhookConfig, error) {
	return nil, context.DeadlineExceeded
}
