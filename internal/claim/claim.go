package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"minisafe/internal/billing"
	"minisafe/internal/chain"
	"minisafe/internal/contracts"
	"minisafe/internal/logging"
	"minisafe/internal/referral"
	"minisafe/internal/tokens"
)

var (
	ErrNotEligible        = errors.New("already claimed today")
	ErrWalletNotConnected = errors.New("wallet not connected")
	ErrValidation         = errors.New("invalid claim request")
	ErrVerificationFailed = errors.New("phone verification failed")
	ErrNotWhitelisted     = errors.New("account is not identity verified")
	ErrNoEntitlement      = errors.New("no entitlement available")
	ErrBusy               = errors.New("a claim is already in progress")
)

const (
	msgVerifyFailed  = "Your phone number did not verify with the selected network provider. Please check the number and try again."
	msgClaimFailed   = "An error occurred during the claim process."
	msgPaymentFailed = "An error occurred during the payment process."
	msgTopUpFailed   = "An error occurred during the top-up process."
)

// Verifier checks a phone number against an operator.
type Verifier interface {
	VerifyAndSwitch(ctx context.Context, phone, operatorID, country string) (billing.Verification, error)
}

// TopUpper delivers the purchased bundle.
type TopUpper interface {
	Topup(ctx context.Context, req billing.TopupRequest) (billing.TopupResult, error)
}

// Request is one free data-bundle claim.
type Request struct {
	PhoneNumber string `json:"phoneNumber"`
	OperatorID  string `json:"network"`
	Country     string `json:"country"`
	Email       string `json:"email"`
	// PlanPrice is the local price of the selected bundle.
	PlanPrice string `json:"planPrice"`
}

// Outcome is returned by Claim on success and failure alike.
type Outcome struct {
	Steps          []TransactionStep    `json:"steps"`
	OperatorID     string               `json:"operatorId,omitempty"`
	AutoSwitched   bool                 `json:"autoSwitched,omitempty"`
	Entitlement    *big.Int             `json:"entitlement,omitempty"`
	ClaimTxHash    *common.Hash         `json:"claimTxHash,omitempty"`
	PaymentTxHash  *common.Hash         `json:"paymentTxHash,omitempty"`
	TopUp          *billing.TopupResult `json:"topUp,omitempty"`
	NextEligibleAt time.Time            `json:"nextEligibleAt"`
	// Recorded is false when the claim completed but the daily ledger
	// could not be written.
	Recorded       bool                 `json:"recorded"`
}

type Options struct {
	Backend      chain.Backend
	Registry     *tokens.Registry
	Receiver     common.Address
	Entitlements Entitlements
	Verifier     Verifier
	TopUps       TopUpper
	Ledger       *DailyLedger
	Referral     *referral.Attributor
	Logger       *slog.Logger

	// OnLedgerFailure is called when a completed claim could not be recorded.
	OnLedgerFailure func()
}

// Orchestrator runs the free-claim stages in order, halting at the first
// failing stage. At most one claim runs at a time.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
}

func New(opts Options) *Orchestrator {
	if opts.Referral == nil {
		opts.Referral = referral.NewAttributor(nil, nil, opts.Logger, nil)
	}
	if opts.OnLedgerFailure == nil {
		opts.OnLedgerFailure = func() {}
	}
	return &Orchestrator{
		opts:   opts,
		logger: logging.Or(opts.Logger).With("component", "claim"),
		now:    time.Now,
	}
}

// Eligibility reports whether the connected account may claim today and when
// it may claim next.
func (o *Orchestrator) Eligibility(ctx context.Context) (bool, time.Time, error) {
	account := o.opts.Backend.Account()
	if account == (common.Address{}) {
		return false, time.Time{}, ErrWalletNotConnected
	}
	now := o.now()
	ok, err := o.opts.Ledger.Eligible(ctx, account, now)
	if err != nil {
		return false, time.Time{}, err
	}
	if ok {
		return true, now, nil
	}
	return false, o.opts.Ledger.NextEligibleAt(now), nil
}

// Claim verifies the phone, claims the entitlement, forwards it as payment
// and tops up the bundle. A second claim on the same calendar day fails with
// ErrNotEligible before any stage runs.
func (o *Orchestrator) Claim(ctx context.Context, req Request) (Outcome, error) {
	out := Outcome{Steps: Steps(), OperatorID: req.OperatorID}
	steps := stepList(out.Steps)

	account := o.opts.Backend.Account()
	if account == (common.Address{}) {
		return out, ErrWalletNotConnected
	}
	price, err := validate(req)
	if err != nil {
		return out, err
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return out, ErrBusy
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	now := o.now()
	eligible, err := o.opts.Ledger.Eligible(ctx, account, now)
	if err != nil {
		return out, err
	}
	if !eligible {
		out.NextEligibleAt = o.opts.Ledger.NextEligibleAt(now)
		return out, ErrNotEligible
	}

	steps.set(StepVerifyPhone, StatusLoading, "")
	verification, err := o.opts.Verifier.VerifyAndSwitch(ctx, req.PhoneNumber, req.OperatorID, req.Country)
	if err != nil || !verification.Verified {
		steps.set(StepVerifyPhone, StatusError, msgVerifyFailed)
		if err == nil {
			err = errors.New(verification.Message)
		}
		return out, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if verification.AutoSwitched && verification.CorrectOperatorID != "" {
		out.OperatorID = verification.CorrectOperatorID
		out.AutoSwitched = true
	}
	steps.set(StepVerifyPhone, StatusSuccess, "")

	steps.set(StepClaimUBI, StatusLoading, "")
	entitlement, claimHash, err := o.claimEntitlement(ctx, account)
	if err != nil {
		steps.set(StepClaimUBI, StatusError, msgClaimFailed)
		return out, err
	}
	out.Entitlement = entitlement
	out.ClaimTxHash = &claimHash
	steps.set(StepClaimUBI, StatusSuccess, "")

	steps.set(StepPayment, StatusLoading, "")
	payHash, err := o.forward(ctx, entitlement)
	if err != nil {
		steps.set(StepPayment, StatusError, msgPaymentFailed)
		return out, fmt.Errorf("forward entitlement: %w", err)
	}
	out.PaymentTxHash = &payHash
	steps.set(StepPayment, StatusSuccess, "")

	steps.set(StepTopUp, StatusLoading, "")
	operatorID, _ := strconv.Atoi(out.OperatorID)
	var email *string
	if req.Email != "" {
		email = &req.Email
	}
	topUp, err := o.opts.TopUps.Topup(ctx, billing.TopupRequest{
		OperatorID:     operatorID,
		Amount:         decimal.NewNullDecimal(price),
		UseLocalAmount: true,
		RecipientEmail: email,
		RecipientPhone: billing.RecipientPhone{CountryCode: billing.CountryCodeToISO2(req.Country), Number: billing.CleanPhone(req.PhoneNumber)},
		IsFreeClaim:    true,
	})
	if err != nil {
		steps.set(StepTopUp, StatusError, msgTopUpFailed)
		return out, fmt.Errorf("top-up: %w", err)
	}
	out.TopUp = &topUp
	steps.set(StepTopUp, StatusSuccess, "")

	// The claim date is the completion date, not the start date.
	done := o.now()
	if err := o.opts.Ledger.Record(ctx, account, done); err != nil {
		o.opts.OnLedgerFailure()
		o.logger.Error("claim succeeded but ledger write failed", "account", account.Hex(), "error", err)
	} else {
		out.Recorded = true
	}
	out.NextEligibleAt = o.opts.Ledger.NextEligibleAt(done)
	o.logger.Info("free claim completed",
		"account", account.Hex(),
		"operator_id", out.OperatorID,
		"entitlement", entitlement.String(),
		"claim_tx", claimHash.Hex(),
		"payment_tx", payHash.Hex(),
	)
	return out, nil
}

func validate(req Request) (decimal.Decimal, error) {
	digits := strings.TrimPrefix(billing.CleanPhone(req.PhoneNumber), "+")
	if len(digits) < 10 {
		return decimal.Zero, fmt.Errorf("%w: phone number must be at least 10 digits", ErrValidation)
	}
	if req.OperatorID == "" {
		return decimal.Zero, fmt.Errorf("%w: network provider required", ErrValidation)
	}
	if _, err := strconv.Atoi(req.OperatorID); err != nil {
		return decimal.Zero, fmt.Errorf("%w: network provider must be numeric", ErrValidation)
	}
	if req.Country == "" {
		return decimal.Zero, fmt.Errorf("%w: country required", ErrValidation)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(req.PlanPrice))
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: plan price must be positive", ErrValidation)
	}
	return price, nil
}

func (o *Orchestrator) claimEntitlement(ctx context.Context, account common.Address) (*big.Int, common.Hash, error) {
	ok, err := o.opts.Entitlements.Whitelisted(ctx, account)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("check identity: %w", err)
	}
	if !ok {
		return nil, common.Hash{}, ErrNotWhitelisted
	}
	amount, err := o.opts.Entitlements.Entitlement(ctx, account)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("check entitlement: %w", err)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, common.Hash{}, ErrNoEntitlement
	}
	hash, err := o.opts.Entitlements.Claim(ctx)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("claim: %w", err)
	}
	return amount, hash, nil
}

func (o *Orchestrator) forward(ctx context.Context, amount *big.Int) (common.Hash, error) {
	g, err := o.opts.Registry.Lookup(tokens.GDollar)
	if err != nil {
		return common.Hash{}, err
	}
	data, err := contracts.Pack(contracts.ERC20, "transfer", o.opts.Receiver, amount)
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := o.opts.Backend.Send(ctx, g.Address, o.opts.Referral.Tag(data))
	if err != nil {
		return common.Hash{}, err
	}
	o.opts.Referral.Report(ctx, hash, o.opts.Backend.ChainID())
	return hash, nil
}
