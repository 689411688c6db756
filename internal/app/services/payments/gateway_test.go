package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

const webhookSecret = "whsec_test"

func sign(body []byte) string {
	mac := hmac.New(sha512.New, []byte(webhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	g, err := NewGateway(server.Client(), server.URL, "sk_test", webhookSecret, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return g
}

func TestInitializePayment(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/initialize" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Errorf("authorization = %q", got)
		}
		w.Write([]byte(`{"status":true,"data":{"authorization_url":"https://pay.example.com/abc","reference":"ref-1"}}`))
	})

	checkout, err := g.InitializePayment(context.Background(), "ref-1", "user@example.com",
		decimal.NewFromInt(4060), "usd")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if checkout != "https://pay.example.com/abc" {
		t.Fatalf("checkout = %q", checkout)
	}
}

func TestVerifyPayment(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/verify/ref-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"status":true,"data":{"reference":"ref-1","status":"success","amount":"4060","currency":"usd","paid_at":"2026-01-02T15:04:05Z"}}`))
	})

	p, err := g.VerifyPayment(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !p.Succeeded() {
		t.Fatalf("status = %q, want success", p.Status)
	}
	if p.Amount.Cmp(decimal.NewFromInt(4060)) != 0 {
		t.Fatalf("amount = %s, want 4060", p.Amount)
	}
	if p.Currency != "USD" {
		t.Fatalf("currency = %q, want USD", p.Currency)
	}
	if p.PaidAt.IsZero() {
		t.Fatal("paid_at not parsed")
	}
}

func TestVerifyPaymentNotFound(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	if _, err := g.VerifyPayment(context.Background(), "missing"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("err = %v, want ErrPaymentNotFound", err)
	}
}

func TestVerifyWebhookSignature(t *testing.T) {
	g, err := NewGateway(nil, "https://gateway.example.com", "sk", webhookSecret, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	body := []byte(`{"event":"charge.success","data":{"reference":"ref-1"}}`)
	if !g.VerifyWebhookSignature(body, sign(body)) {
		t.Fatal("valid signature rejected")
	}
	if g.VerifyWebhookSignature(body, sign([]byte("other body"))) {
		t.Fatal("signature for different body accepted")
	}
	if g.VerifyWebhookSignature(body, "") {
		t.Fatal("empty signature accepted")
	}
	if g.VerifyWebhookSignature(body, "deadbeef") {
		t.Fatal("garbage signature accepted")
	}
}

func TestVerifyWebhookSignatureWithoutSecret(t *testing.T) {
	g, err := NewGateway(nil, "https://gateway.example.com", "sk", "", nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	body := []byte(`{}`)
	if g.VerifyWebhookSignature(body, sign(body)) {
		t.Fatal("verification must fail closed without a secret")
	}
}
