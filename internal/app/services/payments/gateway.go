// Package payments integrates the fiat payment gateway: initializing
// charges, verifying their final state, and authenticating webhooks.
package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/openramp/poolengine/pkg/logger"
)

// ErrPaymentNotFound is returned when the gateway does not know the
// reference.
var ErrPaymentNotFound = errors.New("payment not found")

// Payment is the gateway's view of one charge.
type Payment struct {
	Reference string
	Status    string
	Amount    decimal.Decimal
	Currency  string
	PaidAt    time.Time
}

// Succeeded reports whether the gateway settled the charge.
func (p Payment) Succeeded() bool {
	return strings.EqualFold(p.Status, "success")
}

// Gateway is an HTTP client for the fiat payment provider.
type Gateway struct {
	client        *http.Client
	baseURL       *url.URL
	secretKey     string
	webhookSecret string
	log           *logger.Logger
}

// NewGateway constructs a gateway client. secretKey authenticates API calls;
// webhookSecret authenticates inbound webhooks.
func NewGateway(client *http.Client, baseURL, secretKey, webhookSecret string, log *logger.Logger) (*Gateway, error) {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("payments")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	return &Gateway{
		client:        client,
		baseURL:       parsed,
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		log:           log,
	}, nil
}

// InitializePayment opens a charge for the fiat leg of an on-ramp order and
// returns the reference plus the checkout URL the user completes payment at.
func (g *Gateway) InitializePayment(ctx context.Context, reference, email string, amount decimal.Decimal, currency string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"reference": reference,
		"email":     email,
		"amount":    amount.String(),
		"currency":  strings.ToUpper(currency),
	})
	if err != nil {
		return "", fmt.Errorf("encode payment request: %w", err)
	}

	body, err := g.post(ctx, "/transaction/initialize", payload)
	if err != nil {
		return "", err
	}

	checkout := gjson.GetBytes(body, "data.authorization_url").String()
	if checkout == "" {
		return "", fmt.Errorf("gateway response missing authorization url")
	}
	g.log.WithField("reference", reference).Info("payment initialized")
	return checkout, nil
}

// VerifyPayment fetches the authoritative state of a charge.
func (g *Gateway) VerifyPayment(ctx context.Context, reference string) (Payment, error) {
	body, err := g.get(ctx, "/transaction/verify/"+url.PathEscape(reference))
	if err != nil {
		return Payment{}, err
	}

	data := gjson.GetBytes(body, "data")
	if !data.Exists() {
		return Payment{}, fmt.Errorf("%w: %s", ErrPaymentNotFound, reference)
	}

	amount, err := decimal.NewFromString(data.Get("amount").String())
	if err != nil {
		return Payment{}, fmt.Errorf("parse payment amount: %w", err)
	}

	p := Payment{
		Reference: data.Get("reference").String(),
		Status:    data.Get("status").String(),
		Amount:    amount,
		Currency:  strings.ToUpper(data.Get("currency").String()),
	}
	if paidAt := data.Get("paid_at").String(); paidAt != "" {
		if ts, err := time.Parse(time.RFC3339, paidAt); err == nil {
			p.PaidAt = ts.UTC()
		}
	}
	return p, nil
}

// VerifyWebhookSignature authenticates a webhook body against its signature
// header using HMAC-SHA512 and a constant time comparison.
func (g *Gateway) VerifyWebhookSignature(body []byte, signature string) bool {
	if g.webhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(g.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

func (g *Gateway) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req)
}

func (g *Gateway) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint(path), nil)
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	return g.do(req)
}

func (g *Gateway) do(req *http.Request) ([]byte, error) {
	if g.secretKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.secretKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrPaymentNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return body, nil
}

func (g *Gateway) endpoint(path string) string {
	u := *g.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}
