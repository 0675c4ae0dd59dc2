package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"minisafe/internal/chain"
	"minisafe/internal/contracts"
	"minisafe/internal/logging"
	"minisafe/internal/tokens"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Reader reads vault and wallet balances. Vault balance reads never fail:
// an unreadable balance is reported as "0".
type Reader struct {
	backend  chain.Backend
	registry *tokens.Registry
	vault    common.Address
	logger   *slog.Logger
}

func NewReader(backend chain.Backend, registry *tokens.Registry, vault common.Address, logger *slog.Logger) *Reader {
	return &Reader{
		backend:  backend,
		registry: registry,
		vault:    vault,
		logger:   logging.Or(logger).With("component", "balance"),
	}
}

// VaultBalances returns the vault balance of every stablecoin for account,
// keyed by symbol, as base-unit decimal strings. Tokens are read one after
// another.
func (r *Reader) VaultBalances(ctx context.Context, account common.Address) map[string]string {
	out := make(map[string]string)
	for _, tok := range r.registry.Stablecoins() {
		v, err := r.VaultBalance(ctx, account, tok.Symbol)
		if err != nil {
			r.logger.Warn("vault balance read failed", "token", tok.Symbol, "account", account.Hex(), "error", err)
			out[tok.Symbol] = "0"
			continue
		}
		out[tok.Symbol] = v.String()
	}
	return out
}

// VaultBalance reads getBalance(account, token) from the vault.
func (r *Reader) VaultBalance(ctx context.Context, account common.Address, symbol string) (*big.Int, error) {
	tok, err := r.registry.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	return r.readUint(ctx, r.vault, contracts.MiniSafe, "getBalance", account, tok.Address)
}

// RewardBalance returns the account's reward-token balance held by the vault.
func (r *Reader) RewardBalance(ctx context.Context, account common.Address) string {
	v, err := r.RewardUnits(ctx, account)
	if err != nil {
		r.logger.Warn("reward balance read failed", "account", account.Hex(), "error", err)
		return "0"
	}
	return v.String()
}

// RewardUnits is RewardBalance without the fallback.
func (r *Reader) RewardUnits(ctx context.Context, account common.Address) (*big.Int, error) {
	return r.readUint(ctx, r.vault, contracts.MiniSafe, "balanceOf", account)
}

// WalletBalance reads the ERC20 balance of account for symbol.
func (r *Reader) WalletBalance(ctx context.Context, account common.Address, symbol string) (*big.Int, error) {
	tok, err := r.registry.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	return r.readUint(ctx, tok.Address, contracts.ERC20, "balanceOf", account)
}

// EnsureSufficient fails with ErrInsufficientBalance when the wallet holds
// less than required base units of symbol.
func (r *Reader) EnsureSufficient(ctx context.Context, account common.Address, symbol string, required *big.Int) error {
	have, err := r.WalletBalance(ctx, account, symbol)
	if err != nil {
		return fmt.Errorf("read %s balance: %w", symbol, err)
	}
	if have.Cmp(required) < 0 {
		return fmt.Errorf("%w: have %s %s, need %s", ErrInsufficientBalance, have, symbol, required)
	}
	return nil
}

func (r *Reader) readUint(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	return contracts.CallUint256(ctx, r.backend, to, contract, method, args...)
}
