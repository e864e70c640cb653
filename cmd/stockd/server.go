package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	idemerrors "github.com/mirkobrombin/go-idemlock/v1/errors"
	"github.com/mirkobrombin/go-idemlock/v1/events"
	"github.com/mirkobrombin/go-idemlock/v1/fingerprint"
	"github.com/mirkobrombin/go-idemlock/v1/idempotency"
	"github.com/mirkobrombin/go-idemlock/v1/lock"
	"github.com/mirkobrombin/go-idemlock/v1/presets"
)

const defaultSKU = "default"

type server struct {
	stack  *presets.Stack
	work   time.Duration
	logger *slog.Logger
	dedup  *idempotency.Endpoint
	buyers atomic.Int64
}

type purchase struct {
	Buyer     string `json:"buyer"`
	SKU       string `json:"sku"`
	Strategy  string `json:"strategy"`
	Remaining int64  `json:"remaining"`
	Error     string `json:"error,omitempty"`
}

func newServer(stack *presets.Stack, guardTTL, work time.Duration, logger *slog.Logger) (*server, error) {
	dedup, err := stack.Guard.Register(idempotency.Registration{
		Operation: fingerprint.Operation{Name: "web.SayNoDuplication", Params: []string{"requestNum"}},
		TTL:       guardTTL,
		Token:     tokenHeader,
	})
	if err != nil {
		return nil, err
	}
	return &server{stack: stack, work: work, logger: logger, dedup: dedup}, nil
}

// tokenHeader accepts the standard header and the bare "token" header
// older clients send.
func tokenHeader(r *http.Request) string {
	if t := r.Header.Get(idempotency.DefaultTokenHeader); t != "" {
		return t
	}
	return r.Header.Get("token")
}

func requestNum(r *http.Request) ([]any, error) {
	n := r.URL.Query().Get("requestNum")
	if n == "" {
		return nil, fmt.Errorf("%w: requestNum is required", idemerrors.ErrInvalidRequest)
	}
	return []any{n}, nil
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /web/sayNoDuplication", s.dedup.Middleware(requestNum)(http.HandlerFunc(s.sayNoDuplication)))
	mux.HandleFunc("GET /web/initStockNum", s.initStock)
	mux.HandleFunc("GET /web/stock", s.stock)
	mux.HandleFunc("POST /web/buyProduct1", s.buyUnguarded)
	mux.HandleFunc("POST /web/buyProduct2", s.buy(lock.StrategyToken))
	mux.HandleFunc("POST /web/buyProduct3", s.buy(lock.StrategyLeased))
	mux.HandleFunc("POST /web/buyProductNaive", s.buy(lock.StrategyNaive))
	mux.HandleFunc("POST /web/buyProduct", s.buy(s.stack.Strategy))
	mux.HandleFunc("GET /web/events", events.SSEHandler(s.stack.Events))
	mux.HandleFunc("GET /web/events/ws", events.WebSocketHandler(s.stack.Events))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *server) sayNoDuplication(w http.ResponseWriter, r *http.Request) {
	n := r.URL.Query().Get("requestNum")
	s.logger.Info("sayNoDuplication", "requestNum", n)
	select {
	case <-time.After(s.work):
	case <-r.Context().Done():
		return
	}
	_, _ = w.Write([]byte("sayNoDuplication" + n))
}

func skuOf(r *http.Request) string {
	if sku := r.URL.Query().Get("sku"); sku != "" {
		return sku
	}
	return defaultSKU
}

func (s *server) initStock(w http.ResponseWriter, r *http.Request) {
	n := int64(-1)
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "n must be an integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	got, err := s.stack.Inventory.Init(r.Context(), skuOf(r), n)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	_, _ = w.Write([]byte(strconv.FormatInt(got, 10)))
}

func (s *server) stock(w http.ResponseWriter, r *http.Request) {
	n, err := s.stack.Inventory.Stock(r.Context(), skuOf(r))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	_, _ = w.Write([]byte(strconv.FormatInt(n, 10)))
}

func (s *server) buyUnguarded(w http.ResponseWriter, r *http.Request) {
	s.purchase(w, r, "unguarded", s.stack.Inventory.BuyUnguarded)
}

func (s *server) buy(strategy lock.Strategy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.purchase(w, r, strategy.String(), func(ctx context.Context, sku string) (int64, error) {
			return s.stack.Inventory.Buy(ctx, sku, strategy)
		})
	}
}

func (s *server) purchase(w http.ResponseWriter, r *http.Request, strategy string, fn func(context.Context, string) (int64, error)) {
	p := purchase{
		Buyer:    "buyer-" + strconv.FormatInt(s.buyers.Add(1), 10),
		SKU:      skuOf(r),
		Strategy: strategy,
	}
	left, err := fn(r.Context(), p.SKU)
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
		p.Error = err.Error()
	} else {
		p.Remaining = left
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// statusFor maps purchase outcomes to statuses the load driver tallies.
func statusFor(err error) int {
	switch {
	case errors.Is(err, idemerrors.ErrResourceExhausted):
		return http.StatusGone
	case errors.Is(err, idemerrors.ErrLockBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, idemerrors.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return idempotency.StatusCode(err)
	}
}
