package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openramp/poolengine/internal/app/domain/balance"
	"github.com/openramp/poolengine/internal/app/domain/order"
	"github.com/openramp/poolengine/internal/app/domain/quote"
	"github.com/openramp/poolengine/internal/app/domain/replenish"
	"github.com/openramp/poolengine/internal/app/services/executor"
	"github.com/openramp/poolengine/internal/app/services/orders"
	"github.com/openramp/poolengine/internal/app/services/payments"
	"github.com/openramp/poolengine/internal/app/services/pricing"
	"github.com/openramp/poolengine/internal/app/storage/memory"
	"github.com/openramp/poolengine/internal/config"
)

const webhookSecret = "whsec_test"

type stubPricer struct{}

func (stubPricer) OnRampQuote(ctx context.Context, token pricing.Token, amount decimal.Decimal, currency string) (quote.PriceQuote, error) {
	return quote.PriceQuote{
		ExternalRate:     decimal.NewFromInt(2000),
		YourRate:         decimal.NewFromInt(2030),
		FiatAmount:       amount.Mul(decimal.NewFromInt(2030)),
		CryptoAmount:     amount,
		Currency:         currency,
		TokenSymbol:      token.Symbol,
		ChainID:          token.ChainID,
		Timestamp:        time.Now().UTC(),
		ExpiresInSeconds: 300,
	}, nil
}

func (s stubPricer) OffRampQuote(ctx context.Context, token pricing.Token, amount decimal.Decimal, currency string) (quote.PriceQuote, error) {
	return s.OnRampQuote(ctx, token, amount, currency)
}

type stubExecutor struct{ calls int }

func (s *stubExecutor) ExecuteOnRamp(ctx context.Context, p executor.OnRampParams) executor.ExecutionResult {
	s.calls++
	return executor.ExecutionResult{Success: true, TxHash: "0xok"}
}

func (s *stubExecutor) ExecuteOffRamp(ctx context.Context, chainID int64, token string, amount decimal.Decimal) executor.ExecutionResult {
	s.calls++
	return executor.ExecutionResult{Success: true, TxHash: "0xok"}
}

type stubChecker struct{}

func (stubChecker) CheckBalance(ctx context.Context, chainID int64, token string, required decimal.Decimal) (balance.CheckResult, error) {
	return balance.CheckResult{HasBalance: true, Status: balance.StatusHealthy}, nil
}

type stubSettlements struct{}

func (stubSettlements) Settlement(chainID int64) (config.SettlementAsset, error) {
	return config.SettlementAsset{Address: "0xusdc", Symbol: "USDC", Decimals: 6}, nil
}

type stubLedger struct {
	balances []balance.Record
	low      []balance.Record
}

func (s *stubLedger) AllBalances(ctx context.Context) ([]balance.Record, error) {
	return s.balances, nil
}

func (s *stubLedger) BalancesNeedingReplenishment(ctx context.Context) ([]balance.Record, error) {
	return s.low, nil
}

type stubReplenish struct {
	jobs      []replenish.Job
	completed []string
}

func (s *stubReplenish) Jobs(ctx context.Context, status replenish.Status) ([]replenish.Job, error) {
	return s.jobs, nil
}

func (s *stubReplenish) MarkComplete(ctx context.Context, id, txHash string) (replenish.Job, error) {
	s.completed = append(s.completed, id)
	return replenish.Job{ID: id, Status: replenish.StatusCompleted, TxHash: txHash}, nil
}

type stubPayments struct {
	secret    string
	status    string
	verifyErr error
	verified  []string
}

func (v *stubPayments) VerifyWebhookSignature(body []byte, signature string) bool {
	mac := hmac.New(sha512.New, []byte(v.secret))
	mac.Write(body)
	return hmac.Equal([]byte(hex.EncodeToString(mac.Sum(nil))), []byte(signature))
}

func (v *stubPayments) VerifyPayment(ctx context.Context, reference string) (payments.Payment, error) {
	v.verified = append(v.verified, reference)
	if v.verifyErr != nil {
		return payments.Payment{}, v.verifyErr
	}
	status := v.status
	if status == "" {
		status = "success"
	}
	return payments.Payment{Reference: reference, Status: status}, nil
}

func sign(body []byte) string {
	mac := hmac.New(sha512.New, []byte(webhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestAPI(t *testing.T) (http.Handler, *orders.Queue, *stubExecutor, *stubReplenish, *stubPayments) {
	t.Helper()
	store := memory.New()
	exec := &stubExecutor{}
	queue := orders.New(store, stubPricer{}, exec, stubChecker{}, stubSettlements{},
		config.Orders{MaxRetries: 3, RetryBackoff: 30 * time.Second}, nil)
	rep := &stubReplenish{}
	pay := &stubPayments{secret: webhookSecret}
	h := NewRouter(Services{
		Orders:    queue,
		Ledger:    &stubLedger{},
		Replenish: rep,
		Payments:  pay,
	}, nil)
	return h, queue, exec, rep, pay
}

func postJSON(t *testing.T, h http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createOrderPayload(reference string) map[string]any {
	return map[string]any{
		"order_type":          "onramp",
		"user_wallet_address": "0xuser",
		"chain_id":            1,
		"token_address":       "0x1111111111111111111111111111111111111111",
		"token_symbol":        "ETH",
		"amount":              "2",
		"fiat_currency":       "USD",
		"payment_reference":   reference,
	}
}

func TestCreateAndFetchOrder(t *testing.T) {
	h, _, _, _, _ := newTestAPI(t)

	rec := postJSON(t, h, "/v1/orders", createOrderPayload("ref-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var created order.LiquidityOrder
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != order.StatusPending {
		t.Fatalf("status = %s, want pending", created.Status)
	}

	get := httptest.NewRequest(http.MethodGet, "/v1/orders/"+created.ID, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, get)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
}

func TestCreateOrderRejectsBadPayload(t *testing.T) {
	h, _, _, _, _ := newTestAPI(t)

	payload := createOrderPayload("ref-1")
	payload["order_type"] = "sideways"
	rec := postJSON(t, h, "/v1/orders", payload)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	payload = createOrderPayload("ref-2")
	payload["amount"] = "not-a-number"
	rec = postJSON(t, h, "/v1/orders", payload)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	h, _, _, _, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/orders/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h, _, exec, _, _ := newTestAPI(t)

	body := []byte(`{"event":"charge.success","data":{"reference":"ref-1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", "forged")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if exec.calls != 0 {
		t.Fatal("forged webhook must not trigger execution")
	}
}

func TestWebhookTriggersOrderProcessing(t *testing.T) {
	h, queue, exec, _, pay := newTestAPI(t)

	rec := postJSON(t, h, "/v1/orders", createOrderPayload("ref-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	body := []byte(`{"event":"charge.success","data":{"reference":"ref-1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", sign(body))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if exec.calls != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.calls)
	}
	if len(pay.verified) != 1 || pay.verified[0] != "ref-1" {
		t.Fatalf("gateway verifications = %v, want ref-1", pay.verified)
	}

	o, err := queue.GetOrderByReference(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if o.Status != order.StatusCompleted {
		t.Fatalf("status = %s, want completed after webhook", o.Status)
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	h, _, exec, _, _ := newTestAPI(t)

	postJSON(t, h, "/v1/orders", createOrderPayload("ref-1"))

	body := []byte(`{"event":"charge.dispute","data":{"reference":"ref-1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", sign(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if exec.calls != 0 {
		t.Fatal("non-success events must not trigger execution")
	}
}

func TestWebhookRejectsUnconfirmedCharge(t *testing.T) {
	h, _, exec, _, pay := newTestAPI(t)
	pay.status = "failed"

	postJSON(t, h, "/v1/orders", createOrderPayload("ref-1"))

	body := []byte(`{"event":"charge.success","data":{"reference":"ref-1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", sign(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if exec.calls != 0 {
		t.Fatal("a charge the gateway does not confirm must not trigger execution")
	}
}

func TestWebhookUnknownChargeIsNotFound(t *testing.T) {
	h, _, exec, _, pay := newTestAPI(t)
	pay.verifyErr = payments.ErrPaymentNotFound

	body := []byte(`{"event":"charge.success","data":{"reference":"ref-1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", sign(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for an unknown charge", rec.Code)
	}
	if exec.calls != 0 {
		t.Fatal("unknown charge must not trigger execution")
	}
}

func TestWebhookGatewayOutageIsBadGateway(t *testing.T) {
	h, _, exec, _, pay := newTestAPI(t)
	pay.verifyErr = errors.New("gateway unreachable")

	body := []byte(`{"event":"charge.success","data":{"reference":"ref-1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", sign(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 so the gateway retries", rec.Code)
	}
	if exec.calls != 0 {
		t.Fatal("unverified charge must not trigger execution")
	}
}

func TestCompleteReplenishment(t *testing.T) {
	h, _, _, rep, _ := newTestAPI(t)

	rec := postJSON(t, h, "/v1/replenishments/job-1/complete", map[string]string{"tx_hash": "0xfund"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if len(rep.completed) != 1 || rep.completed[0] != "job-1" {
		t.Fatalf("completed = %v, want job-1", rep.completed)
	}
}

func TestHealthz(t *testing.T) {
	h, _, _, _, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
