package contracts

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// MiniSafeABI is the subset of the vault interface used by the service. The
// vault is also the ERC20 issuer of the reward token.
const MiniSafeABI = `[
  {"type":"function","name":"getBalance","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"tokenAddress","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"tokenAddress","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"tokenAddress","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"breakTimelock","stateMutability":"nonpayable","inputs":[{"name":"tokenAddress","type":"address"}],"outputs":[]},
  {"type":"function","name":"MIN_TOKENS_FOR_TIMELOCK_BREAK","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// ERC20ABI covers the token calls issued against stablecoins and G$.
const ERC20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// UBISchemeABI is the daily entitlement contract.
const UBISchemeABI = `[
  {"type":"function","name":"checkEntitlement","stateMutability":"view","inputs":[{"name":"_member","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[],"outputs":[{"name":"","type":"bool"}]}
]`

// IdentityABI resolves the whitelisted root of a connected account.
const IdentityABI = `[
  {"type":"function","name":"getWhitelistedRoot","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"address"}]}
]`

var (
	MiniSafe  = mustParse(MiniSafeABI)
	ERC20     = mustParse(ERC20ABI)
	UBIScheme = mustParse(UBISchemeABI)
	Identity  = mustParse(IdentityABI)
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// Pack encodes a call against the given ABI.
func Pack(contract abi.ABI, method string, args ...interface{}) ([]byte, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return data, nil
}

// UnpackUint256 decodes a single uint256 return value.
func UnpackUint256(contract abi.ABI, method string, output []byte) (*big.Int, error) {
	values, err := contract.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack %s: expected 1 value, got %d", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, values[0])
	}
	return v, nil
}

// UnpackAddress decodes a single address return value.
func UnpackAddress(contract abi.ABI, method string, output []byte) (common.Address, error) {
	values, err := contract.Unpack(method, output)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return common.Address{}, fmt.Errorf("unpack %s: expected 1 value, got %d", method, len(values))
	}
	v, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unpack %s: unexpected type %T", method, values[0])
	}
	return v, nil
}

// EncodeUint256 is the ABI return encoding of a single uint256, used by fakes.
func EncodeUint256(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

// Caller performs a read-only contract call.
type Caller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// CallUint256 packs method, calls it on to and decodes the uint256 result.
func CallUint256(ctx context.Context, c Caller, to common.Address, contract abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	data, err := Pack(contract, method, args...)
	if err != nil {
		return nil, err
	}
	out, err := c.Call(ctx, to, data)
	if err != nil {
		return nil, err
	}
	return UnpackUint256(contract, method, out)
}
