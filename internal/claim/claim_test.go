package claim

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minisafe/internal/billing"
	"minisafe/internal/chain/chaintest"
	"minisafe/internal/contracts"
	"minisafe/internal/idempotency"
	"minisafe/internal/referral"
	"minisafe/internal/tokens"
)

var (
	wallet   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	vault    = common.HexToAddress("0x0000000000000000000000000000000000000abc")
	ubi      = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	identity = common.HexToAddress("0x00000000000000000000000000000000000001d0")
	receiver = common.HexToAddress("0xb82896C4F251ed65186b416dbDb6f6192DFAF926")
)

type stubVerifier struct {
	result billing.Verification
	err    error
	calls  int
}

func (s *stubVerifier) VerifyAndSwitch(context.Context, string, string, string) (billing.Verification, error) {
	s.calls++
	return s.result, s.err
}

type stubTopUps struct {
	err   error
	calls []billing.TopupRequest
}

func (s *stubTopUps) Topup(_ context.Context, req billing.TopupRequest) (billing.TopupResult, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return billing.TopupResult{}, s.err
	}
	return billing.TopupResult{TransactionID: 77, Status: "SUCCESSFUL"}, nil
}

type harness struct {
	orch     *Orchestrator
	backend  *chaintest.Backend
	registry *tokens.Registry
	verifier *stubVerifier
	topups   *stubTopUps
	ledger   *DailyLedger
	suffix   []byte
}

var dailyAmount = big.NewInt(1_500_000_000_000_000_000)

// today is midnight UTC of the real current day. Ledger records expire
// against the wall clock, so test dates stay close to it.
var today = time.Now().UTC().Truncate(24 * time.Hour)

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := tokens.NewRegistry(vault, nil)
	require.NoError(t, err)
	suffix, err := referral.Suffix(receiver, nil)
	require.NoError(t, err)

	backend := chaintest.New(wallet)
	backend.Uint(ubi, "checkEntitlement", dailyAmount)
	backend.Handle(identity, "getWhitelistedRoot", func([]byte) ([]byte, error) {
		return common.LeftPadBytes(wallet.Bytes(), 32), nil
	})

	h := &harness{
		backend:  backend,
		registry: reg,
		verifier: &stubVerifier{result: billing.Verification{Verified: true, Message: "ok"}},
		topups:   &stubTopUps{},
		ledger:   NewDailyLedger(idempotency.NewMemoryStore(), time.UTC),
		suffix:   suffix,
	}
	h.orch = New(Options{
		Backend:      backend,
		Registry:     reg,
		Receiver:     receiver,
		Entitlements: NewOnChainEntitlements(backend, ubi, identity),
		Verifier:     h.verifier,
		TopUps:       h.topups,
		Ledger:       h.ledger,
		Referral:     referral.NewAttributor(suffix, nil, nil, nil),
	})
	h.orch.now = func() time.Time { return today.Add(10 * time.Hour) }
	return h
}

func validRequest() Request {
	return Request{
		PhoneNumber: "+2348012345678",
		OperatorID:  "341",
		Country:     "NG",
		Email:       "ada@example.com",
		PlanPrice:   "500",
	}
}

func statuses(steps []TransactionStep) []StepStatus {
	out := make([]StepStatus, len(steps))
	for i, s := range steps {
		out[i] = s.Status
	}
	return out
}

func TestClaimHappyPath(t *testing.T) {
	h := newHarness(t)

	out, err := h.orch.Claim(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, []StepStatus{StatusSuccess, StatusSuccess, StatusSuccess, StatusSuccess}, statuses(out.Steps))
	assert.Equal(t, []string{"claim", "transfer"}, h.backend.SentMethods())
	assert.Equal(t, 0, dailyAmount.Cmp(out.Entitlement))
	require.NotNil(t, out.ClaimTxHash)
	require.NotNil(t, out.PaymentTxHash)

	transfer := h.backend.Sent()[1]
	g, _ := h.registry.Lookup(tokens.GDollar)
	assert.Equal(t, g.Address, transfer.To)
	assert.True(t, referral.HasSuffix(transfer.Data))
	want, err := contracts.Pack(contracts.ERC20, "transfer", receiver, dailyAmount)
	require.NoError(t, err)
	assert.Equal(t, want, referral.Strip(transfer.Data))

	require.Len(t, h.topups.calls, 1)
	req := h.topups.calls[0]
	assert.Equal(t, 341, req.OperatorID)
	assert.True(t, req.UseLocalAmount)
	assert.True(t, req.IsFreeClaim)
	assert.Equal(t, "500", req.Amount.Decimal.String())
	assert.Equal(t, "NG", req.RecipientPhone.CountryCode)

	last, err := h.ledger.LastClaim(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, today.Format(dateLayout), last)
	assert.Equal(t, today.Add(24*time.Hour), out.NextEligibleAt)
	assert.True(t, out.Recorded)
}

func TestSecondClaimSameDayIsRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Claim(context.Background(), validRequest())
	require.NoError(t, err)

	out, err := h.orch.Claim(context.Background(), validRequest())
	assert.True(t, errors.Is(err, ErrNotEligible))
	assert.Equal(t, 1, h.verifier.calls)
	assert.Len(t, h.topups.calls, 1)
	assert.Len(t, h.backend.Sent(), 2)
	assert.Equal(t, []StepStatus{StatusInactive, StatusInactive, StatusInactive, StatusInactive}, statuses(out.Steps))
	assert.Equal(t, today.Add(24*time.Hour), out.NextEligibleAt)
}

func TestClaimAllowedNextDay(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Claim(context.Background(), validRequest())
	require.NoError(t, err)

	h.orch.now = func() time.Time { return today.Add(24*time.Hour + time.Second) }
	_, err = h.orch.Claim(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Len(t, h.topups.calls, 2)
}

func TestVerificationFailureHaltsFlow(t *testing.T) {
	h := newHarness(t)
	h.verifier.result = billing.Verification{Verified: false, Message: "mismatch"}

	out, err := h.orch.Claim(context.Background(), validRequest())
	assert.True(t, errors.Is(err, ErrVerificationFailed))
	assert.Equal(t, []StepStatus{StatusError, StatusInactive, StatusInactive, StatusInactive}, statuses(out.Steps))
	assert.Equal(t, msgVerifyFailed, out.Steps[0].ErrorMessage)
	assert.Empty(t, h.backend.Sent())
	assert.Empty(t, h.topups.calls)

	ok, err := h.ledger.Eligible(context.Background(), wallet, h.orch.now())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAutoSwitchedOperatorIsUsedForTopUp(t *testing.T) {
	h := newHarness(t)
	h.verifier.result = billing.Verification{Verified: true, AutoSwitched: true, CorrectOperatorID: "342"}

	out, err := h.orch.Claim(context.Background(), validRequest())
	require.NoError(t, err)
	assert.True(t, out.AutoSwitched)
	assert.Equal(t, "342", out.OperatorID)
	assert.Equal(t, 342, h.topups.calls[0].OperatorID)
}

func TestClaimStageFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *harness)
		want   error
	}{
		{
			name: "not whitelisted",
			mutate: func(h *harness) {
				h.backend.Handle(identity, "getWhitelistedRoot", func([]byte) ([]byte, error) {
					return make([]byte, 32), nil
				})
			},
			want: ErrNotWhitelisted,
		},
		{
			name:   "no entitlement",
			mutate: func(h *harness) { h.backend.Uint(ubi, "checkEntitlement", big.NewInt(0)) },
			want:   ErrNoEntitlement,
		},
		{
			name:   "claim reverted",
			mutate: func(h *harness) { h.backend.Revert("claim") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.mutate(h)

			out, err := h.orch.Claim(context.Background(), validRequest())
			require.Error(t, err)
			if tt.want != nil {
				assert.True(t, errors.Is(err, tt.want))
			}
			assert.Equal(t, []StepStatus{StatusSuccess, StatusError, StatusInactive, StatusInactive}, statuses(out.Steps))
			assert.Equal(t, msgClaimFailed, out.Steps[1].ErrorMessage)
			assert.NotContains(t, h.backend.SentMethods(), "transfer")
			assert.Empty(t, h.topups.calls)
		})
	}
}

func TestPaymentFailureHaltsBeforeTopUp(t *testing.T) {
	h := newHarness(t)
	h.backend.FailSend("transfer", errors.New("nonce too low"))

	out, err := h.orch.Claim(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, []StepStatus{StatusSuccess, StatusSuccess, StatusError, StatusInactive}, statuses(out.Steps))
	assert.Equal(t, msgPaymentFailed, out.Steps[2].ErrorMessage)
	assert.Empty(t, h.topups.calls)
}

func TestTopUpFailureDoesNotRecordClaim(t *testing.T) {
	h := newHarness(t)
	h.topups.err = billing.ErrUpstream

	out, err := h.orch.Claim(context.Background(), validRequest())
	assert.True(t, errors.Is(err, billing.ErrUpstream))
	assert.Equal(t, []StepStatus{StatusSuccess, StatusSuccess, StatusSuccess, StatusError}, statuses(out.Steps))
	assert.Equal(t, msgTopUpFailed, out.Steps[3].ErrorMessage)

	last, err := h.ledger.LastClaim(context.Background(), wallet)
	require.NoError(t, err)
	assert.Empty(t, last)
}

func TestClaimCrossingMidnightRecordsCompletionDate(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.orch.now = func() time.Time {
		calls++
		if calls == 1 {
			return today.Add(24*time.Hour - time.Second)
		}
		return today.Add(24*time.Hour + time.Minute)
	}

	out, err := h.orch.Claim(context.Background(), validRequest())
	require.NoError(t, err)

	last, err := h.ledger.LastClaim(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, today.Add(24*time.Hour).Format(dateLayout), last)
	assert.Equal(t, today.Add(48*time.Hour), out.NextEligibleAt)

	_, err = h.orch.Claim(context.Background(), validRequest())
	assert.True(t, errors.Is(err, ErrNotEligible))
}

type saveFailingStore struct {
	idempotency.Store
}

func (saveFailingStore) Save(context.Context, string, idempotency.Record) error {
	return errors.New("store offline")
}

func TestLedgerWriteFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.orch.opts.Ledger = NewDailyLedger(saveFailingStore{idempotency.NewMemoryStore()}, time.UTC)
	failures := 0
	h.orch.opts.OnLedgerFailure = func() { failures++ }

	out, err := h.orch.Claim(context.Background(), validRequest())
	require.NoError(t, err)
	assert.False(t, out.Recorded)
	assert.Equal(t, 1, failures)
	require.NotNil(t, out.TopUp)
	assert.Equal(t, []StepStatus{StatusSuccess, StatusSuccess, StatusSuccess, StatusSuccess}, statuses(out.Steps))
}

func TestClaimValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Request)
	}{
		{"short phone", func(r *Request) { r.PhoneNumber = "12345" }},
		{"missing operator", func(r *Request) { r.OperatorID = "" }},
		{"non numeric operator", func(r *Request) { r.OperatorID = "mtn" }},
		{"missing country", func(r *Request) { r.Country = "" }},
		{"zero price", func(r *Request) { r.PlanPrice = "0" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := validRequest()
			tt.mutate(&req)

			_, err := h.orch.Claim(context.Background(), req)
			assert.True(t, errors.Is(err, ErrValidation))
			assert.Zero(t, h.verifier.calls)
		})
	}
}

func TestClaimRequiresWallet(t *testing.T) {
	h := newHarness(t)
	h.backend.Wallet = common.Address{}

	_, err := h.orch.Claim(context.Background(), validRequest())
	assert.True(t, errors.Is(err, ErrWalletNotConnected))

	_, _, err = h.orch.Eligibility(context.Background())
	assert.True(t, errors.Is(err, ErrWalletNotConnected))
}

func TestEligibility(t *testing.T) {
	h := newHarness(t)
	ok, _, err := h.orch.Eligibility(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, h.ledger.Record(context.Background(), wallet, h.orch.now()))
	ok, next, err := h.orch.Eligibility(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, today.Add(24*time.Hour), next)
}

func TestWhitelistSkippedWithoutIdentityContract(t *testing.T) {
	backend := chaintest.New(wallet)
	e := NewOnChainEntitlements(backend, ubi, common.Address{})

	ok, err := e.Whitelisted(context.Background(), wallet)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, backend.Calls())
}

func TestLedgerUsesLocation(t *testing.T) {
	lagos := time.FixedZone("WAT", 3600)
	l := NewDailyLedger(idempotency.NewMemoryStore(), lagos)
	// 23:30 UTC is already the next day in Lagos.
	now := today.Add(23*time.Hour + 30*time.Minute)
	require.NoError(t, l.Record(context.Background(), wallet, now))

	last, err := l.LastClaim(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, today.Add(24*time.Hour).Format(dateLayout), last)

	ok, err := l.Eligible(context.Background(), wallet, today.Add(22*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
}
