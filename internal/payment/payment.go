package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"minisafe/internal/balance"
	"minisafe/internal/chain"
	"minisafe/internal/contracts"
	"minisafe/internal/logging"
	"minisafe/internal/referral"
	"minisafe/internal/tokens"
)

var (
	ErrValidation         = errors.New("invalid payment request")
	ErrWalletNotConnected = errors.New("wallet not connected")
	ErrConversionFailed   = errors.New("conversion produced no payable amount")
	ErrBusy               = errors.New("another payment is in progress")
)

// Kind is the utility being paid for.
type Kind string

const (
	KindData        Kind = "data"
	KindElectricity Kind = "electricity"
	KindCable       Kind = "cable"
)

func (k Kind) valid() bool {
	switch k {
	case KindData, KindElectricity, KindCable:
		return true
	}
	return false
}

// Converter turns a local amount into its USD stablecoin equivalent.
type Converter interface {
	ToUSD(ctx context.Context, amount decimal.Decimal, from string) (decimal.Decimal, error)
}

// Request is a single utility payment.
type Request struct {
	Kind        Kind              `json:"type"`
	LocalAmount string            `json:"amount"`
	Token       string            `json:"token"`
	Recipient   string            `json:"recipient"`
	Metadata    map[string]string `json:"metadata"`
}

// Receipt describes a submitted payment.
type Receipt struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"type"`
	TxHash         common.Hash     `json:"txHash"`
	Token          string          `json:"token"`
	SourceCurrency string          `json:"sourceCurrency"`
	LocalAmount    decimal.Decimal `json:"localAmount"`
	TokenAmount    decimal.Decimal `json:"tokenAmount"`
	BaseUnits      *big.Int        `json:"baseUnits"`
	Confirmed      bool            `json:"confirmed"`
	Memo           string          `json:"memo"`
	Message        string          `json:"message"`
}

type Options struct {
	Backend         chain.Backend
	Registry        *tokens.Registry
	Receiver        common.Address
	FX              Converter
	Balances        *balance.Reader
	Referral        *referral.Attributor
	DefaultCurrency string
	// AwaitConfirmation makes Pay wait for the receipt before returning.
	AwaitConfirmation bool
	// CheckBalance verifies the wallet holds the token amount before sending.
	CheckBalance bool
	Logger       *slog.Logger
}

// Orchestrator pays for utilities with a stablecoin transfer to the
// receiving address. Fulfillment is left to the caller.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	processing bool
}

func New(opts Options) *Orchestrator {
	if opts.Referral == nil {
		opts.Referral = referral.NewAttributor(nil, nil, opts.Logger, nil)
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "NGN"
	}
	return &Orchestrator{opts: opts, logger: logging.Or(opts.Logger).With("component", "payment")}
}

// Processing reports whether a payment is in flight.
func (o *Orchestrator) Processing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.processing
}

// Pay converts the local amount to the token, transfers it to the receiver
// and reports the referral. It succeeds once the transfer is submitted, or
// confirmed when AwaitConfirmation is set.
func (o *Orchestrator) Pay(ctx context.Context, req Request) (Receipt, error) {
	local, err := decimal.NewFromString(strings.TrimSpace(req.LocalAmount))
	if err != nil || !local.IsPositive() {
		return Receipt{}, fmt.Errorf("%w: amount %q must be a positive number", ErrValidation, req.LocalAmount)
	}
	if req.Kind != "" && !req.Kind.valid() {
		return Receipt{}, fmt.Errorf("%w: unknown payment type %q", ErrValidation, req.Kind)
	}
	tok, err := o.opts.Registry.Lookup(req.Token)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	account := o.opts.Backend.Account()
	if account == (common.Address{}) {
		return Receipt{}, ErrWalletNotConnected
	}

	o.mu.Lock()
	if o.processing {
		o.mu.Unlock()
		return Receipt{}, ErrBusy
	}
	o.processing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.processing = false
		o.mu.Unlock()
	}()

	source := o.opts.DefaultCurrency
	if cc := strings.TrimSpace(req.Metadata["countryCode"]); cc != "" {
		source = cc
	}

	amount, err := o.opts.FX.ToUSD(ctx, local, source)
	if err != nil {
		o.logger.Error("currency conversion failed", "currency", source, "error", err)
		return Receipt{}, err
	}
	if !amount.IsPositive() {
		return Receipt{}, ErrConversionFailed
	}
	units, err := tokens.ToBaseUnits(amount, tok.Decimals)
	if err != nil || units.Sign() <= 0 {
		return Receipt{}, ErrConversionFailed
	}

	if o.opts.CheckBalance && o.opts.Balances != nil {
		if err := o.opts.Balances.EnsureSufficient(ctx, account, tok.Symbol, units); err != nil {
			return Receipt{}, err
		}
	}

	data, err := contracts.Pack(contracts.ERC20, "transfer", o.opts.Receiver, units)
	if err != nil {
		return Receipt{}, err
	}
	hash, err := o.opts.Backend.Send(ctx, tok.Address, o.opts.Referral.Tag(data))
	if err != nil {
		o.logger.Error("payment transfer failed", "kind", req.Kind, "token", tok.Symbol, "error", err)
		return Receipt{}, err
	}
	o.opts.Referral.Report(ctx, hash, o.opts.Backend.ChainID())

	receipt := Receipt{
		ID:             uuid.NewString(),
		Kind:           req.Kind,
		TxHash:         hash,
		Token:          tok.Symbol,
		SourceCurrency: strings.ToUpper(source),
		LocalAmount:    local,
		TokenAmount:    amount,
		BaseUnits:      units,
		Memo:           Memo(req.Kind, req.Metadata),
		Message:        SuccessMessage(req.Kind, req.Recipient, req.Metadata),
	}

	if o.opts.AwaitConfirmation {
		if _, err := o.opts.Backend.WaitForReceipt(ctx, hash); err != nil {
			o.logger.Error("payment transfer not confirmed", "tx_hash", hash.Hex(), "error", err)
			return receipt, err
		}
		receipt.Confirmed = true
	}

	o.logger.Info("utility payment submitted",
		"kind", req.Kind,
		"token", tok.Symbol,
		"local_amount", local.String(),
		"currency", receipt.SourceCurrency,
		"token_amount", amount.String(),
		"tx_hash", hash.Hex(),
	)
	return receipt, nil
}

func orUnknown(metadata map[string]string, key string) string {
	if v := metadata[key]; v != "" {
		return v
	}
	return "unknown"
}

// Memo describes the payment for transaction history.
func Memo(kind Kind, metadata map[string]string) string {
	switch kind {
	case KindData:
		return fmt.Sprintf("Data purchase for %s - %s bundle", orUnknown(metadata, "phone"), orUnknown(metadata, "dataBundle"))
	case KindElectricity:
		return fmt.Sprintf("Electricity payment for meter %s - %s", orUnknown(metadata, "meterNumber"), orUnknown(metadata, "meterType"))
	case KindCable:
		return fmt.Sprintf("Cable TV subscription for %s - %s", orUnknown(metadata, "decoderNumber"), orUnknown(metadata, "planName"))
	default:
		return "Utility payment"
	}
}

// SuccessMessage is the user-facing confirmation for a payment.
func SuccessMessage(kind Kind, recipient string, metadata map[string]string) string {
	switch kind {
	case KindData:
		return fmt.Sprintf("Successfully purchased data for %s", recipient)
	case KindElectricity:
		return fmt.Sprintf("Successfully paid electricity bill for meter %s", recipient)
	case KindCable:
		plan := metadata["planName"]
		if plan == "" {
			plan = "TV service"
		}
		return fmt.Sprintf("Successfully subscribed for %s on %s", plan, recipient)
	default:
		return "Payment successful"
	}
}
