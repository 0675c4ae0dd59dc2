package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"minisafe/internal/billing"
	"minisafe/internal/claim"
	"minisafe/internal/config"
	"minisafe/internal/fx"
	"minisafe/internal/hmacauth"
	"minisafe/internal/idempotency"
	"minisafe/internal/payment"
	"minisafe/internal/vault"
)

type stubCatalog struct {
	topups   []billing.TopupRequest
	topupErr error
}

func (s *stubCatalog) Countries(context.Context) ([]billing.Country, error) {
	return []billing.Country{{ISOName: "NG", Name: "Nigeria", CurrencyCode: "NGN"}}, nil
}

func (s *stubCatalog) DetectOperator(context.Context, string, string) (billing.Operator, error) {
	return billing.Operator{ID: "341", Name: "MTN Nigeria"}, nil
}

func (s *stubCatalog) TransactionStatus(_ context.Context, id int64) (billing.TransactionStatus, error) {
	return billing.TransactionStatus{Code: "SUCCESSFUL", Message: "delivered " + strconv.FormatInt(id, 10)}, nil
}

func (s *stubCatalog) Operators(_ context.Context, country string) ([]billing.Operator, error) {
	return []billing.Operator{{ID: "341", Name: "MTN Nigeria"}}, nil
}

func (s *stubCatalog) DataPlans(context.Context, string, string) ([]billing.DataPlan, error) {
	return nil, nil
}

func (s *stubCatalog) VerifyAndSwitch(context.Context, string, string, string) (billing.Verification, error) {
	return billing.Verification{Verified: true}, nil
}

func (s *stubCatalog) ElectricityProviders(context.Context, string) ([]billing.ElectricityProvider, error) {
	return nil, billing.ErrUpstream
}

func (s *stubCatalog) CableProviders(context.Context, string) ([]billing.CableProvider, error) {
	return nil, nil
}

func (s *stubCatalog) CablePackages(context.Context, string, string) ([]billing.CablePackage, error) {
	return nil, nil
}

func (s *stubCatalog) Topup(_ context.Context, req billing.TopupRequest) (billing.TopupResult, error) {
	s.topups = append(s.topups, req)
	if s.topupErr != nil {
		return billing.TopupResult{}, s.topupErr
	}
	return billing.TopupResult{TransactionID: 9, Status: "SUCCESSFUL"}, nil
}

type stubPayer struct {
	calls int
	err   error
}

func (s *stubPayer) Pay(_ context.Context, req payment.Request) (payment.Receipt, error) {
	s.calls++
	if s.err != nil {
		return payment.Receipt{}, s.err
	}
	local, _ := decimal.NewFromString(req.LocalAmount)
	return payment.Receipt{
		ID:          "pay-" + strconv.Itoa(s.calls),
		Kind:        req.Kind,
		TxHash:      common.HexToHash("0x01"),
		Token:       req.Token,
		LocalAmount: local,
	}, nil
}

type stubClaims struct {
	err error
}

func (s *stubClaims) Eligibility(context.Context) (bool, time.Time, error) {
	return false, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), nil
}

func (s *stubClaims) Claim(context.Context, claim.Request) (claim.Outcome, error) {
	return claim.Outcome{Steps: claim.Steps()}, s.err
}

type stubQuoter struct{}

func (stubQuoter) Quote(_ context.Context, req fx.QuoteRequest) (fx.QuoteResponse, error) {
	if req.BaseCurrency == "" {
		return fx.QuoteResponse{}, fx.ErrInvalidInput
	}
	return fx.QuoteResponse{ToAmount: req.Amount.Div(decimal.NewFromInt(500))}, nil
}

type stubVault struct {
	deposits int
}

func (s *stubVault) State() vault.State { return vault.State{Phase: vault.Idle} }

func (s *stubVault) Refresh(context.Context) vault.Balances {
	return vault.Balances{Vault: map[string]string{"CUSD": "0"}, Reward: "0"}
}

func (s *stubVault) CanBreakTimelock(context.Context) (bool, error) { return false, nil }

func (s *stubVault) Approve(context.Context, string, decimal.Decimal) (vault.Result, error) {
	return vault.Result{Kind: vault.KindApprove}, nil
}

func (s *stubVault) Deposit(_ context.Context, symbol string, amount decimal.Decimal) (vault.Result, error) {
	if !amount.IsPositive() {
		return vault.Result{}, vault.ErrInvalidAmount
	}
	s.deposits++
	return vault.Result{Kind: vault.KindDeposit, Token: symbol}, nil
}

func (s *stubVault) Withdraw(context.Context, string) (vault.Result, error) {
	return vault.Result{}, vault.ErrBusy
}

func (s *stubVault) BreakTimelock(context.Context, string) (vault.Result, error) {
	return vault.Result{Kind: vault.KindBreakTimelock}, nil
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		Deployment: config.DeploymentConfig{DefaultCurrency: "NGN"},
		Service: config.ServiceConfig{
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
	}
}

type fixture struct {
	srv     *Server
	catalog *stubCatalog
	payer   *stubPayer
	claims  *stubClaims
	vault   *stubVault
	handler http.Handler
}

func newFixture(cfg *config.AppConfig) *fixture {
	f := &fixture{
		catalog: &stubCatalog{},
		payer:   &stubPayer{},
		claims:  &stubClaims{},
		vault:   &stubVault{},
	}
	f.srv = NewServer(cfg, Deps{
		Catalog:  f.catalog,
		FX:       stubQuoter{},
		Vault:    f.vault,
		Payments: f.payer,
		Claims:   f.claims,
		Store:    idempotency.NewMemoryStore(),
	})
	f.handler = f.srv.httpServer.Handler
	return f
}

func (f *fixture) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func payBody(amount string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"type":      "data",
		"amount":    amount,
		"token":     "CUSD",
		"recipient": "08012345678",
		"metadata": map[string]string{
			"network":     "341",
			"phone":       "+234 801 234 5678",
			"countryCode": "NGN",
			"dataBundle":  "1GB",
		},
	})
	return b
}

func TestPayIdempotency(t *testing.T) {
	f := newFixture(testConfig())
	headers := map[string]string{"X-Idempotency-Key": "key-1"}

	rec := f.do(http.MethodPost, "/api/utilities/pay", payBody("5000"), headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	first := rec.Body.Bytes()

	rec2 := f.do(http.MethodPost, "/api/utilities/pay", payBody("5000"), headers)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected cached 200 got %d", rec2.Code)
	}
	if !bytes.Equal(first, rec2.Body.Bytes()) {
		t.Fatalf("expected same response body on idempotent request")
	}
	if rec2.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replay header")
	}
	if f.payer.calls != 1 {
		t.Fatalf("expected one payment, got %d", f.payer.calls)
	}
	if len(f.catalog.topups) != 1 {
		t.Fatalf("expected one top-up, got %d", len(f.catalog.topups))
	}

	rec3 := f.do(http.MethodPost, "/api/utilities/pay", payBody("6000"), headers)
	if rec3.Code != http.StatusConflict {
		t.Fatalf("expected 409 for reused key, got %d", rec3.Code)
	}
	if f.payer.calls != 1 {
		t.Fatalf("reused key must not pay again")
	}
}

func TestBusyResponseIsNotReplayed(t *testing.T) {
	f := newFixture(testConfig())
	headers := map[string]string{"X-Idempotency-Key": "key-busy"}

	f.payer.err = payment.ErrBusy
	rec := f.do(http.MethodPost, "/api/utilities/pay", payBody("5000"), headers)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while busy, got %d: %s", rec.Code, rec.Body.String())
	}

	f.payer.err = nil
	rec2 := f.do(http.MethodPost, "/api/utilities/pay", payBody("5000"), headers)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected retry to run and return 200, got %d: %s", rec2.Code, rec2.Body.String())
	}
	if rec2.Header().Get("Idempotent-Replayed") != "" {
		t.Fatalf("busy response must not be replayed")
	}
	if f.payer.calls != 2 {
		t.Fatalf("expected the retry to reach the payer, got %d calls", f.payer.calls)
	}

	rec3 := f.do(http.MethodPost, "/api/utilities/pay", payBody("5000"), headers)
	if rec3.Header().Get("Idempotent-Replayed") != "true" || f.payer.calls != 2 {
		t.Fatalf("expected successful retry to be replayed, calls=%d", f.payer.calls)
	}
}

func TestReplayableStatuses(t *testing.T) {
	cases := map[int]bool{
		http.StatusOK:                  true,
		http.StatusBadRequest:          true,
		http.StatusUnprocessableEntity: true,
		http.StatusConflict:            false,
		http.StatusTooManyRequests:     false,
		http.StatusBadGateway:          false,
		http.StatusServiceUnavailable:  false,
		0:                              false,
	}
	for status, want := range cases {
		if got := replayable(status); got != want {
			t.Fatalf("replayable(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestPayFulfillsDataTopup(t *testing.T) {
	f := newFixture(testConfig())

	rec := f.do(http.MethodPost, "/api/utilities/pay", payBody("5000"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var resp payResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Fulfillment.Status != "delivered" {
		t.Fatalf("expected delivered, got %q", resp.Fulfillment.Status)
	}
	req := f.catalog.topups[0]
	if req.OperatorID != 341 || !req.UseLocalAmount {
		t.Fatalf("unexpected top-up request %+v", req)
	}
	if req.RecipientPhone.CountryCode != "NG" || req.RecipientPhone.Number != "+2348012345678" {
		t.Fatalf("unexpected recipient %+v", req.RecipientPhone)
	}
	if !req.Amount.Decimal.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("expected local amount 5000, got %s", req.Amount.Decimal)
	}
}

func TestPayReportsFailedFulfillment(t *testing.T) {
	f := newFixture(testConfig())
	f.catalog.topupErr = billing.ErrUpstream

	rec := f.do(http.MethodPost, "/api/utilities/pay", payBody("5000"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("payment succeeded, expected 200 got %d", rec.Code)
	}
	var resp payResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Fulfillment.Status != "failed" || resp.Receipt.ID == "" {
		t.Fatalf("expected failed fulfillment with receipt, got %+v", resp)
	}
}

func TestPayErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{payment.ErrValidation, http.StatusBadRequest},
		{payment.ErrBusy, http.StatusConflict},
		{payment.ErrWalletNotConnected, http.StatusServiceUnavailable},
		{fx.ErrConversionUnavailable, http.StatusBadGateway},
	}
	for _, tc := range cases {
		f := newFixture(testConfig())
		f.payer.err = tc.err
		rec := f.do(http.MethodPost, "/api/utilities/pay", payBody("5000"), nil)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d got %d", tc.err, tc.want, rec.Code)
		}
		if tc.want == http.StatusBadGateway && strings.Contains(rec.Body.String(), "conversion") {
			t.Fatalf("upstream detail leaked: %s", rec.Body.String())
		}
	}
}

func TestWriteEndpointsRequireSignature(t *testing.T) {
	cfg := testConfig()
	cfg.Service.HMACSecret = "test-secret"
	f := newFixture(cfg)

	body := []byte(`{"token":"CUSD","amount":"10"}`)
	rec := f.do(http.MethodPost, "/api/vault/deposit", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	rec = f.do(http.MethodPost, "/api/vault/deposit", body, map[string]string{
		hmacauth.DefaultTimestampHeader: ts,
		hmacauth.DefaultSignatureHeader: hmacauth.Sign("test-secret", ts, body),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if f.vault.deposits != 1 {
		t.Fatalf("expected one deposit, got %d", f.vault.deposits)
	}

	// Reads stay open.
	rec = f.do(http.MethodGet, "/api/vault/balances", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for balances got %d", rec.Code)
	}
}

func TestVaultErrors(t *testing.T) {
	f := newFixture(testConfig())

	rec := f.do(http.MethodPost, "/api/vault/deposit", []byte(`{"token":"CUSD","amount":"abc"}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	rec = f.do(http.MethodPost, "/api/vault/withdraw", []byte(`{"token":"CUSD"}`), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
}

func TestClaimNotEligibleReturnsSteps(t *testing.T) {
	f := newFixture(testConfig())
	f.claims.err = claim.ErrNotEligible

	rec := f.do(http.MethodPost, "/api/claim", []byte(`{"phoneNumber":"+2348012345678"}`), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
	var resp claimResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Steps) != 4 || resp.Error == "" {
		t.Fatalf("expected steps and error, got %+v", resp)
	}

	rec = f.do(http.MethodGet, "/api/claim/eligibility", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"eligible":false`) {
		t.Fatalf("unexpected eligibility response %d %s", rec.Code, rec.Body.String())
	}
}

func TestCatalogQueries(t *testing.T) {
	f := newFixture(testConfig())

	rec := f.do(http.MethodGet, "/api/utilities/data/providers", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without country, got %d", rec.Code)
	}
	rec = f.do(http.MethodGet, "/api/utilities/data/providers?country=NG", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "MTN Nigeria") {
		t.Fatalf("unexpected providers response %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(http.MethodGet, "/api/utilities/electricity/providers?country=NG", nil, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 got %d", rec.Code)
	}
	rec = f.do(http.MethodGet, "/api/utilities/data/verify?phoneNumber=08012345678&provider=341", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without country, got %d", rec.Code)
	}
	rec = f.do(http.MethodGet, "/api/utilities/countries", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Nigeria") {
		t.Fatalf("unexpected countries response %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(http.MethodGet, "/api/utilities/data/detect?phoneNumber=08012345678&country=NG", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	rec = f.do(http.MethodGet, "/api/topup/42/status", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "delivered 42") {
		t.Fatalf("unexpected status response %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(http.MethodGet, "/api/topup/abc/status", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestExchangeRate(t *testing.T) {
	f := newFixture(testConfig())

	rec := f.do(http.MethodPost, "/api/exchange-rate", []byte(`{"amount":5000,"base_currency":"NGN"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"toAmount":"10"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	rec = f.do(http.MethodPost, "/api/exchange-rate", []byte(`{"amount":5000}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Service.RateLimitPerMinute = 6
	f := newFixture(cfg)

	body := []byte(`{"amount":5000,"base_currency":"NGN"}`)
	if rec := f.do(http.MethodPost, "/api/exchange-rate", body, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/exchange-rate", body, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
}

func TestHealthDegraded(t *testing.T) {
	srv := NewServer(testConfig(), Deps{Chain: failingPinger{}})
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestMetricsExposed(t *testing.T) {
	f := newFixture(testConfig())
	f.srv.metrics.ReferralOutcome("failed")
	f.srv.metrics.FXLookup("hit")
	f.do(http.MethodPost, "/api/utilities/pay", payBody("5000"), nil)

	rec := f.do(http.MethodGet, "/api/v1/metrics", nil, nil)
	body := rec.Body.String()
	for _, want := range []string{
		`minisafe_operations_total{operation="payment",status="succeeded"} 1`,
		`minisafe_referral_submissions_total{status="failed"} 1`,
		`minisafe_fx_cache_lookups_total{result="hit"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestUnconfiguredServiceIsUnavailable(t *testing.T) {
	srv := NewServer(testConfig(), Deps{})
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/claim/eligibility", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
}
