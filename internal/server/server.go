package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"minisafe/internal/balance"
	"minisafe/internal/billing"
	"minisafe/internal/chain"
	"minisafe/internal/claim"
	"minisafe/internal/config"
	"minisafe/internal/fx"
	"minisafe/internal/hmacauth"
	"minisafe/internal/idempotency"
	"minisafe/internal/logging"
	"minisafe/internal/payment"
	"minisafe/internal/tokens"
	"minisafe/internal/vault"
)

// Catalog is the aggregator surface used by the utility endpoints.
type Catalog interface {
	Countries(ctx context.Context) ([]billing.Country, error)
	DetectOperator(ctx context.Context, phone, country string) (billing.Operator, error)
	Operators(ctx context.Context, country string) ([]billing.Operator, error)
	DataPlans(ctx context.Context, operatorID, country string) ([]billing.DataPlan, error)
	VerifyAndSwitch(ctx context.Context, phone, operatorID, country string) (billing.Verification, error)
	ElectricityProviders(ctx context.Context, country string) ([]billing.ElectricityProvider, error)
	CableProviders(ctx context.Context, country string) ([]billing.CableProvider, error)
	CablePackages(ctx context.Context, providerID, country string) ([]billing.CablePackage, error)
	Topup(ctx context.Context, req billing.TopupRequest) (billing.TopupResult, error)
	TransactionStatus(ctx context.Context, transactionID int64) (billing.TransactionStatus, error)
}

type Quoter interface {
	Quote(ctx context.Context, req fx.QuoteRequest) (fx.QuoteResponse, error)
}

type Vault interface {
	State() vault.State
	Refresh(ctx context.Context) vault.Balances
	CanBreakTimelock(ctx context.Context) (bool, error)
	Approve(ctx context.Context, symbol string, amount decimal.Decimal) (vault.Result, error)
	Deposit(ctx context.Context, symbol string, amount decimal.Decimal) (vault.Result, error)
	Withdraw(ctx context.Context, symbol string) (vault.Result, error)
	BreakTimelock(ctx context.Context, symbol string) (vault.Result, error)
}

type Payer interface {
	Pay(ctx context.Context, req payment.Request) (payment.Receipt, error)
}

type Claimer interface {
	Eligibility(ctx context.Context) (bool, time.Time, error)
	Claim(ctx context.Context, req claim.Request) (claim.Outcome, error)
}

// Deps are the services the API fronts. Nil services leave their routes
// answering 503.
type Deps struct {
	Catalog  Catalog
	FX       Quoter
	Vault    Vault
	Payments Payer
	Claims   Claimer
	Store    idempotency.Store
	Chain    chain.HealthChecker
	Metrics  *Metrics
	Logger   *slog.Logger
}

type Server struct {
	cfg         *config.AppConfig
	deps        Deps
	hmac        *hmacauth.Verifier
	limiter     *rateLimiter
	writeGuards []func(http.Handler) http.Handler
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
	httpServer  *http.Server
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	if deps.Store == nil {
		deps.Store = idempotency.NewMemoryStore()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	logger := logging.Or(deps.Logger).With("component", "http")

	s := &Server{
		cfg:  cfg,
		deps: deps,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Logger:  deps.Logger,
		},
		limiter: newRateLimiter(cfg.Service.RateLimitPerMinute),
		metrics: deps.Metrics,
		logger:  logger,
		now:     time.Now,
	}

	// Rate limit, then signature, then idempotent replay.
	s.writeGuards = []func(http.Handler) http.Handler{s.limiter.middleware, s.hmac.Middleware, s.idempotent}

	if checker, ok := deps.Store.(idempotency.Pinger); ok {
		s.dbHealthFn = checker.Ping
	}
	if deps.Chain != nil {
		s.rpcHealthFn = deps.Chain.Ping
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.observe)

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/api/v1/metrics", s.metrics.handler())

	r.Route("/api/utilities", func(r chi.Router) {
		r.Get("/countries", s.handleCountries)
		r.Get("/data/detect", s.handleDetectOperator)
		r.Get("/data/providers", s.handleDataProviders)
		r.Get("/data/bundles", s.handleDataBundles)
		r.Get("/data/verify", s.handleVerifyPhone)
		r.Get("/electricity/providers", s.handleElectricityProviders)
		r.Get("/cable/providers", s.handleCableProviders)
		r.Get("/cable/packages", s.handleCablePackages)
		r.With(s.writeGuards...).Post("/pay", s.handlePay)
	})

	r.With(s.limiter.middleware).Post("/api/exchange-rate", s.handleExchangeRate)
	r.With(s.writeGuards...).Post("/api/topup", s.handleTopup)
	r.Get("/api/topup/{transactionID}/status", s.handleTopupStatus)

	r.Route("/api/vault", func(r chi.Router) {
		r.Get("/balances", s.handleVaultBalances)
		r.Get("/state", s.handleVaultState)
		r.Group(func(r chi.Router) {
			r.Use(s.writeGuards...)
			r.Post("/approve", s.handleVaultApprove)
			r.Post("/deposit", s.handleVaultDeposit)
			r.Post("/withdraw", s.handleVaultWithdraw)
			r.Post("/break-timelock", s.handleBreakTimelock)
		})
	})

	r.Route("/api/claim", func(r chi.Router) {
		r.Get("/eligibility", s.handleClaimEligibility)
		r.With(s.writeGuards...).Post("/", s.handleClaim)
	})
	return r
}

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json payload"})
		return false
	}
	return true
}

var errUnavailable = errors.New("service not configured")

// fail maps err to a status and a user-facing message. Upstream details are
// logged, never returned.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status, message := classify(err)
	s.metrics.incOperation(operation, "failed")
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"operation", operation,
			"request_id", r.Header.Get("X-Request-Id"),
			"error", err,
		)
	}
	writeJSON(w, status, errorBody{Error: message})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, payment.ErrValidation),
		errors.Is(err, claim.ErrValidation),
		errors.Is(err, fx.ErrInvalidInput),
		errors.Is(err, billing.ErrInvalidInput),
		errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, vault.ErrNotDepositable),
		errors.Is(err, tokens.ErrUnknownToken):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, balance.ErrInsufficientBalance):
		return http.StatusBadRequest, "Insufficient balance for this payment."
	case errors.Is(err, claim.ErrVerificationFailed),
		errors.Is(err, claim.ErrNotWhitelisted),
		errors.Is(err, claim.ErrNoEntitlement):
		return http.StatusUnprocessableEntity, "This claim cannot be completed. Check the step details."
	case errors.Is(err, claim.ErrNotEligible):
		return http.StatusConflict, "You have already claimed today. Please come back tomorrow."
	case errors.Is(err, vault.ErrBusy),
		errors.Is(err, payment.ErrBusy),
		errors.Is(err, claim.ErrBusy):
		return http.StatusConflict, "Another transaction is in progress. Please wait for it to finish."
	case errors.Is(err, errUnavailable),
		errors.Is(err, billing.ErrNotConfigured),
		errors.Is(err, vault.ErrWalletNotConnected),
		errors.Is(err, payment.ErrWalletNotConnected),
		errors.Is(err, claim.ErrWalletNotConnected):
		return http.StatusServiceUnavailable, "Service unavailable. Please try again later."
	default:
		return http.StatusBadGateway, "Something went wrong. Please try again."
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status   string      `json:"status"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
