package tokens

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrUnknownToken is returned for symbols the registry does not know.
var ErrUnknownToken = errors.New("unknown token")

const (
	CUSD    = "CUSD"
	USDC    = "USDC"
	USDT    = "USDT"
	Reward  = "MST"
	GDollar = "G$"
)

// Token is a symbolic name bound to an on-chain address and decimal precision.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// Registry maps symbols to tokens. It is fixed once constructed.
type Registry struct {
	tokens      map[string]Token
	stablecoins []string
}

// Override replaces the address or precision of a built-in token at startup.
type Override struct {
	Address  string
	Decimals int32
}

// NewRegistry builds the default Celo registry. The reward token lives at the
// vault address, so it has to be supplied by the caller.
func NewRegistry(vault common.Address, overrides map[string]Override) (*Registry, error) {
	defaults := []Token{
		{Symbol: CUSD, Address: common.HexToAddress("0x765DE816845861e75A25fCA122bb6898B8B1282a"), Decimals: 18},
		{Symbol: USDC, Address: common.HexToAddress("0xcebA9300f2b948710d2653dD7B07f33A8B32118C"), Decimals: 6},
		{Symbol: USDT, Address: common.HexToAddress("0x48065fbBE25f71C9282ddf5e1cD6D6A887483D5e"), Decimals: 6},
		{Symbol: Reward, Address: vault, Decimals: 0},
		{Symbol: GDollar, Address: common.HexToAddress("0x62B8B11039FcfE5aB0C56E502b1C372A3d2a9c7A"), Decimals: 18},
	}

	r := &Registry{
		tokens:      make(map[string]Token, len(defaults)),
		stablecoins: []string{CUSD, USDC, USDT},
	}
	for _, tok := range defaults {
		r.tokens[tok.Symbol] = tok
	}

	for symbol, ov := range overrides {
		key := normalize(symbol)
		tok, ok := r.tokens[key]
		if !ok {
			return nil, fmt.Errorf("override %s: %w", symbol, ErrUnknownToken)
		}
		if ov.Address != "" {
			if !common.IsHexAddress(ov.Address) {
				return nil, fmt.Errorf("override %s: invalid address %q", symbol, ov.Address)
			}
			tok.Address = common.HexToAddress(ov.Address)
		}
		if ov.Decimals > 0 {
			tok.Decimals = ov.Decimals
		}
		r.tokens[key] = tok
	}
	return r, nil
}

// Lookup returns the token registered under symbol.
func (r *Registry) Lookup(symbol string) (Token, error) {
	tok, ok := r.tokens[normalize(symbol)]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
	}
	return tok, nil
}

// Stablecoins returns the depositable stablecoins in a stable order.
func (r *Registry) Stablecoins() []Token {
	out := make([]Token, 0, len(r.stablecoins))
	for _, s := range r.stablecoins {
		out = append(out, r.tokens[s])
	}
	return out
}

// IsStablecoin reports whether symbol can be deposited into the vault.
func (r *Registry) IsStablecoin(symbol string) bool {
	key := normalize(symbol)
	for _, s := range r.stablecoins {
		if s == key {
			return true
		}
	}
	return false
}

func normalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "G" || s == "GDOLLAR" {
		return GDollar
	}
	return s
}

// ToBaseUnits scales a human amount to the token's smallest unit. Precision
// beyond the token's decimals is truncated.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	return amount.Shift(decimals).Truncate(0).BigInt(), nil
}

// FromBaseUnits converts a smallest-unit value back to a human amount.
func FromBaseUnits(value *big.Int, decimals int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -decimals)
}
