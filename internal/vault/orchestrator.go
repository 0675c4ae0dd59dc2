package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

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
	ErrWalletNotConnected = errors.New("wallet not connected")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrBusy               = errors.New("another vault transaction is in progress")
	ErrNotDepositable     = errors.New("token cannot be deposited into the vault")
)

type Options struct {
	Backend  chain.Backend
	Registry *tokens.Registry
	Vault    common.Address
	Balances *balance.Reader
	Referral *referral.Attributor
	Logger   *slog.Logger
	// Observer is called with every state transition, outside the lock.
	Observer func(State)
}

// Orchestrator runs approve, deposit, withdraw and break-timelock flows
// against the vault for the backend's account. One flow runs at a time.
type Orchestrator struct {
	backend  chain.Backend
	registry *tokens.Registry
	vault    common.Address
	balances *balance.Reader
	referral *referral.Attributor
	logger   *slog.Logger
	observer func(State)
	now      func() time.Time

	mu       sync.Mutex
	state    State
	pending  *PendingTransaction
	approved map[string]bool
	last     Balances
}

func New(opts Options) *Orchestrator {
	observer := opts.Observer
	if observer == nil {
		observer = func(State) {}
	}
	attributor := opts.Referral
	if attributor == nil {
		attributor = referral.NewAttributor(nil, nil, opts.Logger, nil)
	}
	return &Orchestrator{
		backend:  opts.Backend,
		registry: opts.Registry,
		vault:    opts.Vault,
		balances: opts.Balances,
		referral: attributor,
		logger:   logging.Or(opts.Logger).With("component", "vault"),
		observer: observer,
		now:      time.Now,
		approved: make(map[string]bool),
	}
}

// State returns the current flow state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Busy reports whether a transaction flow is in flight.
func (o *Orchestrator) Busy() bool { return o.State().Busy() }

// PendingTransaction returns the flow in flight, if any.
func (o *Orchestrator) PendingTransaction() (PendingTransaction, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		return PendingTransaction{}, false
	}
	return *o.pending, true
}

// Approved reports whether the last approve flow for symbol succeeded and no
// deposit has consumed it since.
func (o *Orchestrator) Approved(symbol string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.approved[symbol]
}

// Balances returns the balances read by the last refresh.
func (o *Orchestrator) Balances() Balances {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Refresh re-reads vault and reward balances for the connected account.
func (o *Orchestrator) Refresh(ctx context.Context) Balances {
	account := o.backend.Account()
	b := Balances{
		Vault:  o.balances.VaultBalances(ctx, account),
		Reward: o.balances.RewardBalance(ctx, account),
	}
	o.mu.Lock()
	o.last = b
	o.mu.Unlock()
	return b
}

// Approve makes sure the vault may pull amount of symbol from the wallet. When
// the current allowance already covers it no transaction is sent.
func (o *Orchestrator) Approve(ctx context.Context, symbol string, amount decimal.Decimal) (Result, error) {
	tok, value, err := o.depositable(symbol, amount)
	if err != nil {
		return Result{}, err
	}
	if err := o.begin(KindApprove, tok.Symbol, value, CheckingAllowance); err != nil {
		return Result{}, err
	}

	res := Result{Kind: KindApprove, Token: tok.Symbol, Amount: value}
	hash, err := o.ensureAllowance(ctx, tok, value)
	if err == nil {
		res.ApproveTxHash = hash
		o.mu.Lock()
		o.approved[tok.Symbol] = true
		o.mu.Unlock()
	}
	o.finish(err)
	return res, err
}

// Deposit moves amount of symbol from the wallet into the vault, approving
// first when the allowance is short. Both transactions are awaited.
func (o *Orchestrator) Deposit(ctx context.Context, symbol string, amount decimal.Decimal) (Result, error) {
	tok, value, err := o.depositable(symbol, amount)
	if err != nil {
		return Result{}, err
	}
	if err := o.begin(KindDeposit, tok.Symbol, value, CheckingAllowance); err != nil {
		return Result{}, err
	}

	res := Result{Kind: KindDeposit, Token: tok.Symbol, Amount: value}
	err = func() error {
		approveHash, err := o.ensureAllowance(ctx, tok, value)
		if err != nil {
			return err
		}
		res.ApproveTxHash = approveHash

		data, err := contracts.Pack(contracts.MiniSafe, "deposit", tok.Address, value)
		if err != nil {
			return err
		}
		hash, err := o.submit(ctx, o.vault, data)
		if err != nil {
			return err
		}
		res.TxHash = &hash

		b := o.Refresh(ctx)
		res.Balances = &b
		o.mu.Lock()
		o.approved[tok.Symbol] = false
		o.mu.Unlock()
		return nil
	}()
	o.finish(err)
	return res, err
}

// Withdraw takes the full vault balance of symbol out, including a zero
// balance. The monthly window is not enforced here; see WithdrawalWindowOpen.
func (o *Orchestrator) Withdraw(ctx context.Context, symbol string) (Result, error) {
	account := o.backend.Account()
	if account == (common.Address{}) {
		return Result{}, ErrWalletNotConnected
	}
	tok, err := o.registry.Lookup(symbol)
	if err != nil {
		return Result{}, err
	}
	if !o.registry.IsStablecoin(tok.Symbol) {
		return Result{}, fmt.Errorf("%w: %s", ErrNotDepositable, tok.Symbol)
	}
	if err := o.begin(KindWithdraw, tok.Symbol, nil, Submitting); err != nil {
		return Result{}, err
	}

	res := Result{Kind: KindWithdraw, Token: tok.Symbol}
	err = func() error {
		amount, err := o.balances.VaultBalance(ctx, account, tok.Symbol)
		if err != nil {
			return fmt.Errorf("read vault balance: %w", err)
		}
		res.Amount = amount
		o.setPendingAmount(amount)

		data, err := contracts.Pack(contracts.MiniSafe, "withdraw", tok.Address, amount)
		if err != nil {
			return err
		}
		hash, err := o.submit(ctx, o.vault, data)
		if err != nil {
			return err
		}
		res.TxHash = &hash
		b := o.Refresh(ctx)
		res.Balances = &b
		return nil
	}()
	o.finish(err)
	return res, err
}

// TimelockMinimum reads the reward tokens the vault burns to break the lock.
func (o *Orchestrator) TimelockMinimum(ctx context.Context) (*big.Int, error) {
	return contracts.CallUint256(ctx, o.backend, o.vault, contracts.MiniSafe, "MIN_TOKENS_FOR_TIMELOCK_BREAK")
}

// CanBreakTimelock compares the account's reward balance with the on-chain
// minimum.
func (o *Orchestrator) CanBreakTimelock(ctx context.Context) (bool, error) {
	account := o.backend.Account()
	if account == (common.Address{}) {
		return false, ErrWalletNotConnected
	}
	minimum, err := o.TimelockMinimum(ctx)
	if err != nil {
		return false, err
	}
	have, err := o.balances.RewardUnits(ctx, account)
	if err != nil {
		return false, err
	}
	return have.Cmp(minimum) >= 0, nil
}

// BreakTimelock approves the on-chain minimum of reward tokens and breaks the
// lock on symbol.
func (o *Orchestrator) BreakTimelock(ctx context.Context, symbol string) (Result, error) {
	if o.backend.Account() == (common.Address{}) {
		return Result{}, ErrWalletNotConnected
	}
	tok, err := o.registry.Lookup(symbol)
	if err != nil {
		return Result{}, err
	}
	reward, err := o.registry.Lookup(tokens.Reward)
	if err != nil {
		return Result{}, err
	}
	if err := o.begin(KindBreakTimelock, tok.Symbol, nil, Submitting); err != nil {
		return Result{}, err
	}

	res := Result{Kind: KindBreakTimelock, Token: tok.Symbol}
	err = func() error {
		minimum, err := o.TimelockMinimum(ctx)
		if err != nil {
			return fmt.Errorf("read timelock minimum: %w", err)
		}
		res.Amount = minimum
		o.setPendingAmount(minimum)

		o.transition(Approving, common.Hash{})
		approve, err := contracts.Pack(contracts.ERC20, "approve", o.vault, minimum)
		if err != nil {
			return err
		}
		approveHash, err := o.submit(ctx, reward.Address, approve)
		if err != nil {
			return err
		}
		res.ApproveTxHash = &approveHash

		data, err := contracts.Pack(contracts.MiniSafe, "breakTimelock", tok.Address)
		if err != nil {
			return err
		}
		hash, err := o.submit(ctx, o.vault, data)
		if err != nil {
			return err
		}
		res.TxHash = &hash
		b := o.Refresh(ctx)
		res.Balances = &b
		return nil
	}()
	o.finish(err)
	return res, err
}

func (o *Orchestrator) depositable(symbol string, amount decimal.Decimal) (tokens.Token, *big.Int, error) {
	if o.backend.Account() == (common.Address{}) {
		return tokens.Token{}, nil, ErrWalletNotConnected
	}
	if !amount.IsPositive() {
		return tokens.Token{}, nil, ErrInvalidAmount
	}
	tok, err := o.registry.Lookup(symbol)
	if err != nil {
		return tokens.Token{}, nil, err
	}
	if !o.registry.IsStablecoin(tok.Symbol) {
		return tokens.Token{}, nil, fmt.Errorf("%w: %s", ErrNotDepositable, tok.Symbol)
	}
	value, err := tokens.ToBaseUnits(amount, tok.Decimals)
	if err != nil {
		return tokens.Token{}, nil, err
	}
	if value.Sign() <= 0 {
		return tokens.Token{}, nil, fmt.Errorf("%w: below token precision", ErrInvalidAmount)
	}
	return tok, value, nil
}

// ensureAllowance approves the vault for value when the current allowance
// is short. It returns nil when no approval was needed.
func (o *Orchestrator) ensureAllowance(ctx context.Context, tok tokens.Token, value *big.Int) (*common.Hash, error) {
	allowance, err := contracts.CallUint256(ctx, o.backend, tok.Address, contracts.ERC20, "allowance", o.backend.Account(), o.vault)
	if err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(value) >= 0 {
		o.logger.Debug("allowance sufficient", "token", tok.Symbol, "allowance", allowance.String())
		return nil, nil
	}

	o.transition(Approving, common.Hash{})
	data, err := contracts.Pack(contracts.ERC20, "approve", o.vault, value)
	if err != nil {
		return nil, err
	}
	hash, err := o.submit(ctx, tok.Address, data)
	if err != nil {
		return nil, fmt.Errorf("approve %s: %w", tok.Symbol, err)
	}
	return &hash, nil
}

// submit tags data, sends it, reports the hash and waits for the receipt.
func (o *Orchestrator) submit(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	phase := o.State().Phase
	if phase != Approving {
		o.transition(Submitting, common.Hash{})
	}
	hash, err := o.backend.Send(ctx, to, o.referral.Tag(data))
	if err != nil {
		return common.Hash{}, err
	}
	o.referral.Report(ctx, hash, o.backend.ChainID())

	o.transition(Confirming, hash)
	if _, err := o.backend.WaitForReceipt(ctx, hash); err != nil {
		return hash, err
	}
	return hash, nil
}

func (o *Orchestrator) begin(kind Kind, symbol string, amount *big.Int, phase Phase) error {
	o.mu.Lock()
	if o.state.Busy() {
		o.mu.Unlock()
		return ErrBusy
	}
	o.state = State{Phase: phase, Kind: kind, Token: symbol}
	o.pending = &PendingTransaction{
		ID:        uuid.NewString(),
		Kind:      kind,
		Token:     symbol,
		Amount:    amount,
		StartedAt: o.now(),
	}
	snapshot := o.state
	o.mu.Unlock()

	o.logger.Info("vault flow started", "kind", kind, "token", symbol)
	o.observer(snapshot)
	return nil
}

func (o *Orchestrator) transition(phase Phase, hash common.Hash) {
	o.mu.Lock()
	o.state.Phase = phase
	if hash != (common.Hash{}) {
		o.state.TxHash = hash
		if o.pending != nil {
			o.pending.TxHash = hash
		}
	}
	snapshot := o.state
	o.mu.Unlock()
	o.observer(snapshot)
}

func (o *Orchestrator) setPendingAmount(amount *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending != nil {
		o.pending.Amount = amount
	}
}

// finish settles the flow. It runs on every path so the busy state never
// outlives the flow.
func (o *Orchestrator) finish(err error) {
	o.mu.Lock()
	kind, symbol := o.state.Kind, o.state.Token
	if err != nil {
		o.state.Phase = Failed
		o.state.Reason = err.Error()
	} else {
		o.state.Phase = Succeeded
		o.state.Reason = ""
	}
	o.pending = nil
	snapshot := o.state
	o.mu.Unlock()

	if err != nil {
		o.logger.Error("vault flow failed", "kind", kind, "token", symbol, "error", err)
	} else {
		o.logger.Info("vault flow succeeded", "kind", kind, "token", symbol, "tx_hash", snapshot.TxHash.Hex())
	}
	o.observer(snapshot)
}
