package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"minisafe/internal/billing"
	"minisafe/internal/claim"
	"minisafe/internal/fx"
	"minisafe/internal/payment"
	"minisafe/internal/vault"
)

func requireQuery(w http.ResponseWriter, r *http.Request, names ...string) (map[string]string, bool) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		v := strings.TrimSpace(r.URL.Query().Get(name))
		if v == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: name + " is required"})
			return nil, false
		}
		out[name] = v
	}
	return out, true
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		s.fail(w, r, "countries", errUnavailable)
		return
	}
	countries, err := s.deps.Catalog.Countries(r.Context())
	if err != nil {
		s.fail(w, r, "countries", err)
		return
	}
	writeJSON(w, http.StatusOK, countries)
}

func (s *Server) handleDetectOperator(w http.ResponseWriter, r *http.Request) {
	q, ok := requireQuery(w, r, "phoneNumber", "country")
	if !ok {
		return
	}
	if s.deps.Catalog == nil {
		s.fail(w, r, "detect_operator", errUnavailable)
		return
	}
	op, err := s.deps.Catalog.DetectOperator(r.Context(), q["phoneNumber"], q["country"])
	if err != nil {
		s.fail(w, r, "detect_operator", err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleDataProviders(w http.ResponseWriter, r *http.Request) {
	q, ok := requireQuery(w, r, "country")
	if !ok {
		return
	}
	if s.deps.Catalog == nil {
		s.fail(w, r, "data_providers", errUnavailable)
		return
	}
	ops, err := s.deps.Catalog.Operators(r.Context(), q["country"])
	if err != nil {
		s.fail(w, r, "data_providers", err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleDataBundles(w http.ResponseWriter, r *http.Request) {
	q, ok := requireQuery(w, r, "provider", "country")
	if !ok {
		return
	}
	if s.deps.Catalog == nil {
		s.fail(w, r, "data_bundles", errUnavailable)
		return
	}
	plans, err := s.deps.Catalog.DataPlans(r.Context(), q["provider"], q["country"])
	if err != nil {
		s.fail(w, r, "data_bundles", err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleVerifyPhone(w http.ResponseWriter, r *http.Request) {
	q, ok := requireQuery(w, r, "phoneNumber", "provider", "country")
	if !ok {
		return
	}
	if s.deps.Catalog == nil {
		s.fail(w, r, "verify_phone", errUnavailable)
		return
	}
	res, err := s.deps.Catalog.VerifyAndSwitch(r.Context(), q["phoneNumber"], q["provider"], q["country"])
	if err != nil {
		s.fail(w, r, "verify_phone", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleElectricityProviders(w http.ResponseWriter, r *http.Request) {
	q, ok := requireQuery(w, r, "country")
	if !ok {
		return
	}
	if s.deps.Catalog == nil {
		s.fail(w, r, "electricity_providers", errUnavailable)
		return
	}
	providers, err := s.deps.Catalog.ElectricityProviders(r.Context(), q["country"])
	if err != nil {
		s.fail(w, r, "electricity_providers", err)
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

func (s *Server) handleCableProviders(w http.ResponseWriter, r *http.Request) {
	q, ok := requireQuery(w, r, "country")
	if !ok {
		return
	}
	if s.deps.Catalog == nil {
		s.fail(w, r, "cable_providers", errUnavailable)
		return
	}
	providers, err := s.deps.Catalog.CableProviders(r.Context(), q["country"])
	if err != nil {
		s.fail(w, r, "cable_providers", err)
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

func (s *Server) handleCablePackages(w http.ResponseWriter, r *http.Request) {
	q, ok := requireQuery(w, r, "provider", "country")
	if !ok {
		return
	}
	if s.deps.Catalog == nil {
		s.fail(w, r, "cable_packages", errUnavailable)
		return
	}
	pkgs, err := s.deps.Catalog.CablePackages(r.Context(), q["provider"], q["country"])
	if err != nil {
		s.fail(w, r, "cable_packages", err)
		return
	}
	writeJSON(w, http.StatusOK, pkgs)
}

func (s *Server) handleExchangeRate(w http.ResponseWriter, r *http.Request) {
	var req fx.QuoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.deps.FX == nil {
		s.fail(w, r, "exchange_rate", errUnavailable)
		return
	}
	resp, err := s.deps.FX.Quote(r.Context(), req)
	if err != nil {
		s.fail(w, r, "exchange_rate", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// topupRequest mirrors billing.TopupRequest with a decodable amount.
type topupRequest struct {
	OperatorID     int                     `json:"operatorId"`
	Amount         decimal.NullDecimal     `json:"amount"`
	UseLocalAmount bool                    `json:"useLocalAmount"`
	RecipientEmail *string                 `json:"recipientEmail"`
	RecipientPhone billing.RecipientPhone  `json:"recipientPhone"`
	SenderPhone    *billing.RecipientPhone `json:"senderPhone"`
	IsFreeClaim    bool                    `json:"isFreeClaim"`
}

func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	var req topupRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.deps.Catalog == nil {
		s.fail(w, r, "topup", errUnavailable)
		return
	}
	res, err := s.deps.Catalog.Topup(r.Context(), billing.TopupRequest{
		OperatorID:     req.OperatorID,
		Amount:         req.Amount,
		UseLocalAmount: req.UseLocalAmount,
		RecipientEmail: req.RecipientEmail,
		RecipientPhone: req.RecipientPhone,
		SenderPhone:    req.SenderPhone,
		IsFreeClaim:    req.IsFreeClaim,
	})
	if err != nil {
		s.fail(w, r, "topup", err)
		return
	}
	s.metrics.incOperation("topup", "succeeded")
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTopupStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "transactionID"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "transaction id must be a positive integer"})
		return
	}
	if s.deps.Catalog == nil {
		s.fail(w, r, "topup_status", errUnavailable)
		return
	}
	status, err := s.deps.Catalog.TransactionStatus(r.Context(), id)
	if err != nil {
		s.fail(w, r, "topup_status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type vaultRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

func (r vaultRequest) amount() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(r.Amount))
	if err != nil {
		return decimal.Zero, vault.ErrInvalidAmount
	}
	return d, nil
}

type vaultBalancesResponse struct {
	vault.Balances
	CanBreakTimelock     bool        `json:"canBreakTimelock"`
	WithdrawalWindowOpen bool        `json:"withdrawalWindowOpen"`
	State                vault.State `json:"state"`
}

func (s *Server) handleVaultBalances(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vault == nil {
		s.fail(w, r, "vault_balances", errUnavailable)
		return
	}
	ctx := r.Context()
	canBreak, err := s.deps.Vault.CanBreakTimelock(ctx)
	if err != nil {
		s.logger.Warn("timelock minimum unavailable", "error", err)
	}
	writeJSON(w, http.StatusOK, vaultBalancesResponse{
		Balances:             s.deps.Vault.Refresh(ctx),
		CanBreakTimelock:     canBreak,
		WithdrawalWindowOpen: vault.WithdrawalWindowOpen(s.now()),
		State:                s.deps.Vault.State(),
	})
}

func (s *Server) handleVaultState(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vault == nil {
		s.fail(w, r, "vault_state", errUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Vault.State())
}

func (s *Server) vaultFlow(operation string, needsAmount bool, run func(r *http.Request, req vaultRequest, amount decimal.Decimal) (vault.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req vaultRequest
		if !s.decode(w, r, &req) {
			return
		}
		if s.deps.Vault == nil {
			s.fail(w, r, operation, errUnavailable)
			return
		}
		var amount decimal.Decimal
		if needsAmount {
			var err error
			if amount, err = req.amount(); err != nil {
				s.fail(w, r, operation, err)
				return
			}
		}
		res, err := run(r, req, amount)
		if err != nil {
			s.fail(w, r, operation, err)
			return
		}
		s.metrics.incOperation(operation, "succeeded")
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleVaultApprove(w http.ResponseWriter, r *http.Request) {
	s.vaultFlow("vault_approve", true, func(r *http.Request, req vaultRequest, amount decimal.Decimal) (vault.Result, error) {
		return s.deps.Vault.Approve(r.Context(), req.Token, amount)
	})(w, r)
}

func (s *Server) handleVaultDeposit(w http.ResponseWriter, r *http.Request) {
	s.vaultFlow("vault_deposit", true, func(r *http.Request, req vaultRequest, amount decimal.Decimal) (vault.Result, error) {
		return s.deps.Vault.Deposit(r.Context(), req.Token, amount)
	})(w, r)
}

func (s *Server) handleVaultWithdraw(w http.ResponseWriter, r *http.Request) {
	s.vaultFlow("vault_withdraw", false, func(r *http.Request, req vaultRequest, _ decimal.Decimal) (vault.Result, error) {
		return s.deps.Vault.Withdraw(r.Context(), req.Token)
	})(w, r)
}

func (s *Server) handleBreakTimelock(w http.ResponseWriter, r *http.Request) {
	s.vaultFlow("vault_break_timelock", false, func(r *http.Request, req vaultRequest, _ decimal.Decimal) (vault.Result, error) {
		return s.deps.Vault.BreakTimelock(r.Context(), req.Token)
	})(w, r)
}

type fulfillment struct {
	Status string               `json:"status"`
	TopUp  *billing.TopupResult `json:"topUp,omitempty"`
	Error  string               `json:"error,omitempty"`
}

type payResponse struct {
	Receipt     payment.Receipt `json:"receipt"`
	Fulfillment fulfillment     `json:"fulfillment"`
}

// handlePay transfers the token first and only then asks the aggregator to
// deliver. A delivery failure is reported in the body, not as an error
// status, because the payment cannot be undone.
func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	var req payment.Request
	if !s.decode(w, r, &req) {
		return
	}
	if s.deps.Payments == nil {
		s.fail(w, r, "payment", errUnavailable)
		return
	}
	ctx := r.Context()
	receipt, err := s.deps.Payments.Pay(ctx, req)
	if err != nil {
		s.fail(w, r, "payment", err)
		return
	}
	s.metrics.incOperation("payment", "succeeded")

	resp := payResponse{Receipt: receipt, Fulfillment: fulfillment{Status: "not_required"}}
	if req.Kind == payment.KindData {
		resp.Fulfillment = s.fulfillData(r, req, receipt)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) fulfillData(r *http.Request, req payment.Request, receipt payment.Receipt) fulfillment {
	if s.deps.Catalog == nil {
		return fulfillment{Status: "failed", Error: "top-up service unavailable"}
	}
	operatorID, err := strconv.Atoi(req.Metadata["network"])
	if err != nil {
		return fulfillment{Status: "failed", Error: "network provider missing"}
	}
	country := req.Metadata["countryCode"]
	if country == "" {
		country = s.cfg.Deployment.DefaultCurrency
	}
	phone := req.Metadata["phone"]
	if phone == "" {
		phone = req.Recipient
	}
	var email *string
	if e := req.Metadata["email"]; e != "" {
		email = &e
	}
	res, err := s.deps.Catalog.Topup(r.Context(), billing.TopupRequest{
		OperatorID:     operatorID,
		Amount:         decimal.NewNullDecimal(receipt.LocalAmount),
		UseLocalAmount: true,
		RecipientEmail: email,
		RecipientPhone: billing.RecipientPhone{CountryCode: billing.CountryCodeToISO2(country), Number: billing.CleanPhone(phone)},
	})
	if err != nil {
		s.metrics.incOperation("topup", "failed")
		s.logger.Error("data top-up failed after payment",
			"payment_id", receipt.ID,
			"tx_hash", receipt.TxHash.Hex(),
			"error", err,
		)
		return fulfillment{Status: "failed", Error: "Payment went through but the top-up failed. Please contact support."}
	}
	s.metrics.incOperation("topup", "succeeded")
	return fulfillment{Status: "delivered", TopUp: &res}
}

type eligibilityResponse struct {
	Eligible       bool      `json:"eligible"`
	NextEligibleAt time.Time `json:"nextEligibleAt"`
}

func (s *Server) handleClaimEligibility(w http.ResponseWriter, r *http.Request) {
	if s.deps.Claims == nil {
		s.fail(w, r, "claim_eligibility", errUnavailable)
		return
	}
	ok, next, err := s.deps.Claims.Eligibility(r.Context())
	if err != nil {
		s.fail(w, r, "claim_eligibility", err)
		return
	}
	writeJSON(w, http.StatusOK, eligibilityResponse{Eligible: ok, NextEligibleAt: next})
}

type claimResponse struct {
	claim.Outcome
	Error string `json:"error,omitempty"`
}

// handleClaim always returns the step list so the caller can show which
// stage failed.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claim.Request
	if !s.decode(w, r, &req) {
		return
	}
	if s.deps.Claims == nil {
		s.fail(w, r, "claim", errUnavailable)
		return
	}
	out, err := s.deps.Claims.Claim(r.Context(), req)
	if err != nil {
		status, message := classify(err)
		s.metrics.incOperation("claim", "failed")
		if status >= http.StatusInternalServerError {
			s.logger.Error("claim failed", "request_id", r.Header.Get("X-Request-Id"), "error", err)
		}
		writeJSON(w, status, claimResponse{Outcome: out, Error: message})
		return
	}
	s.metrics.incOperation("claim", "succeeded")
	writeJSON(w, http.StatusOK, claimResponse{Outcome: out})
}
