// Package httpapi exposes the pool engine over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/openramp/poolengine/internal/app/domain/balance"
	"github.com/openramp/poolengine/internal/app/domain/order"
	"github.com/openramp/poolengine/internal/app/domain/replenish"
	"github.com/openramp/poolengine/internal/app/metrics"
	"github.com/openramp/poolengine/internal/app/services/orders"
	"github.com/openramp/poolengine/internal/app/services/payments"
	"github.com/openramp/poolengine/internal/app/storage"
	"github.com/openramp/poolengine/pkg/logger"
)

// Services collects the engine components the API fronts.
type Services struct {
	Orders    *orders.Queue
	Ledger    LedgerReader
	Replenish ReplenishManager
	Payments  PaymentVerifier
}

// LedgerReader is the read surface of the balance ledger.
type LedgerReader interface {
	AllBalances(ctx context.Context) ([]balance.Record, error)
	BalancesNeedingReplenishment(ctx context.Context) ([]balance.Record, error)
}

// ReplenishManager is the API's surface of the replenishment monitor.
type ReplenishManager interface {
	Jobs(ctx context.Context, status replenish.Status) ([]replenish.Job, error)
	MarkComplete(ctx context.Context, id, txHash string) (replenish.Job, error)
}

// PaymentVerifier authenticates inbound payment webhooks and confirms charges
// with the gateway.
type PaymentVerifier interface {
	VerifyWebhookSignature(body []byte, signature string) bool
	VerifyPayment(ctx context.Context, reference string) (payments.Payment, error)
}

type handler struct {
	services Services
	log      *logger.Logger
}

// NewRouter builds the engine's HTTP router.
func NewRouter(services Services, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{services: services, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(countRequests)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/orders", h.createOrder)
		r.Get("/orders", h.listOrders)
		r.Get("/orders/{id}", h.getOrder)
		r.Get("/orders/{id}/logs", h.orderLogs)
		r.Post("/orders/{id}/process", h.processOrder)

		r.Get("/balances", h.listBalances)
		r.Get("/balances/replenishment", h.balancesNeedingReplenishment)

		r.Get("/replenishments", h.listReplenishments)
		r.Post("/replenishments/{id}/complete", h.completeReplenishment)

		r.Post("/webhooks/payment", h.paymentWebhook)
	})
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		OrderType         string `json:"order_type"`
		UserWalletAddress string `json:"user_wallet_address"`
		UserEmail         string `json:"user_email"`
		ChainID           int64  `json:"chain_id"`
		TokenAddress      string `json:"token_address"`
		TokenSymbol       string `json:"token_symbol"`
		Amount            string `json:"amount"`
		FiatCurrency      string `json:"fiat_currency"`
		PaymentReference  string `json:"payment_reference"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid amount: %w", err))
		return
	}

	created, err := h.services.Orders.CreateOrder(r.Context(), orders.CreateOrderRequest{
		OrderType:         order.Type(payload.OrderType),
		UserWalletAddress: payload.UserWalletAddress,
		UserEmail:         payload.UserEmail,
		ChainID:           payload.ChainID,
		TokenAddress:      payload.TokenAddress,
		TokenSymbol:       payload.TokenSymbol,
		Amount:            amount,
		FiatCurrency:      payload.FiatCurrency,
		PaymentReference:  payload.PaymentReference,
	})
	if err != nil {
		if errors.Is(err, orders.ErrInvalidOrder) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.services.Orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) listOrders(w http.ResponseWriter, r *http.Request) {
	status := order.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = order.StatusPending
	}
	list, err := h.services.Orders.ListOrders(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) orderLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.services.Orders.ExecutionLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *handler) processOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.services.Orders.ProcessOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, storage.ErrConflict), errors.Is(err, orders.ErrNotDue):
			writeError(w, http.StatusConflict, err)
		case o.ID != "":
			// Attempt failed; the outcome is recorded on the order itself.
			writeJSON(w, http.StatusOK, o)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) listBalances(w http.ResponseWriter, r *http.Request) {
	list, err := h.services.Ledger.AllBalances(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) balancesNeedingReplenishment(w http.ResponseWriter, r *http.Request) {
	list, err := h.services.Ledger.BalancesNeedingReplenishment(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) listReplenishments(w http.ResponseWriter, r *http.Request) {
	status := replenish.Status(r.URL.Query().Get("status"))
	list, err := h.services.Replenish.Jobs(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) completeReplenishment(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TxHash string `json:"tx_hash"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	job, err := h.services.Replenish.MarkComplete(r.Context(), chi.URLParam(r, "id"), payload.TxHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// paymentWebhook handles payment gateway callbacks. The body is authenticated
// before any of it is trusted; a successful charge event triggers processing
// of the referenced order.
func (h *handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")
	if !h.services.Payments.VerifyWebhookSignature(body, signature) {
		h.log.Warn("webhook rejected: bad signature")
		writeError(w, http.StatusUnauthorized, errors.New("invalid signature"))
		return
	}

	event := gjson.GetBytes(body, "event").String()
	reference := gjson.GetBytes(body, "data.reference").String()
	if reference == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing payment reference"))
		return
	}

	if event != "charge.success" {
		h.log.WithField("event", event).
			WithField("reference", reference).
			Info("webhook event ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	// The signed body only proves who sent it; the charge itself is confirmed
	// against the gateway before any order moves.
	payment, err := h.services.Payments.VerifyPayment(r.Context(), reference)
	if err != nil {
		if errors.Is(err, payments.ErrPaymentNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadGateway, fmt.Errorf("verify payment: %w", err))
		return
	}
	if !payment.Succeeded() {
		h.log.WithField("reference", reference).
			WithField("payment_status", payment.Status).
			Warn("webhook charge not confirmed by gateway")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	o, err := h.services.Orders.GetOrderByReference(r.Context(), reference)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if _, err := h.services.Orders.ProcessOrder(r.Context(), o.ID); err != nil &&
		!errors.Is(err, storage.ErrConflict) && !errors.Is(err, orders.ErrNotDue) {
		h.log.WithError(err).
			WithField("order_id", o.ID).
			Warn("webhook-triggered processing failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "order_id": o.ID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(io.LimitReader(r, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// countRequests records per-route request counts.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
	})
}
