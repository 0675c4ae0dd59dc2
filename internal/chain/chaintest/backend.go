// Package chaintest provides an in-memory chain.Backend for tests.
package chaintest

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"minisafe/internal/chain"
	"minisafe/internal/contracts"
)

// Tx is a submitted transaction as seen by the fake.
type Tx struct {
	To     common.Address
	Data   []byte
	Method string
	Hash   common.Hash
}

// Backend answers eth_calls from registered handlers and records submissions.
type Backend struct {
	mu sync.Mutex

	Wallet common.Address
	Chain  *big.Int

	handlers map[string]func(data []byte) ([]byte, error)
	sendErrs map[string]error
	reverts  map[string]bool

	calls  []Tx
	sent   []Tx
	waited []common.Hash
	status map[common.Hash]uint64
	// OnSend runs after a submission is recorded, e.g. to mutate balances.
	OnSend func(tx Tx)
}

func New(wallet common.Address) *Backend {
	return &Backend{
		Wallet:   wallet,
		Chain:    big.NewInt(42220),
		handlers: make(map[string]func([]byte) ([]byte, error)),
		sendErrs: make(map[string]error),
		reverts:  make(map[string]bool),
		status:   make(map[common.Hash]uint64),
	}
}

func key(to common.Address, method string) string {
	return to.Hex() + ":" + method
}

// Handle registers a responder for calls of method on contract to.
func (b *Backend) Handle(to common.Address, method string, fn func(data []byte) ([]byte, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[key(to, method)] = fn
}

// Uint makes to.method return v.
func (b *Backend) Uint(to common.Address, method string, v *big.Int) {
	b.Handle(to, method, func([]byte) ([]byte, error) {
		return contracts.EncodeUint256(v), nil
	})
}

// FailCall makes to.method return err.
func (b *Backend) FailCall(to common.Address, method string, err error) {
	b.Handle(to, method, func([]byte) ([]byte, error) { return nil, err })
}

// FailSend makes submissions of method fail with err.
func (b *Backend) FailSend(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErrs[method] = err
}

// Revert makes mined receipts for method report failure.
func (b *Backend) Revert(method string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reverts[method] = true
}

func (b *Backend) Account() common.Address { return b.Wallet }

func (b *Backend) ChainID() *big.Int { return new(big.Int).Set(b.Chain) }

func (b *Backend) Call(_ context.Context, to common.Address, data []byte) ([]byte, error) {
	method := MethodName(data)
	b.mu.Lock()
	b.calls = append(b.calls, Tx{To: to, Data: data, Method: method})
	fn, ok := b.handlers[key(to, method)]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no handler for %s", chain.ErrRPCUnavailable, key(to, method))
	}
	return fn(data)
}

func (b *Backend) Send(_ context.Context, to common.Address, data []byte) (common.Hash, error) {
	method := MethodName(data)
	b.mu.Lock()
	if err, ok := b.sendErrs[method]; ok {
		b.mu.Unlock()
		return common.Hash{}, err
	}
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d", len(b.sent))), data)
	tx := Tx{To: to, Data: append([]byte(nil), data...), Method: method, Hash: hash}
	b.sent = append(b.sent, tx)
	if b.reverts[method] {
		b.status[hash] = types.ReceiptStatusFailed
	} else {
		b.status[hash] = types.ReceiptStatusSuccessful
	}
	onSend := b.OnSend
	b.mu.Unlock()

	if onSend != nil {
		onSend(tx)
	}
	return hash, nil
}

func (b *Backend) WaitForReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waited = append(b.waited, hash)
	status, ok := b.status[hash]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tx %s", chain.ErrRPCUnavailable, hash.Hex())
	}
	receipt := &types.Receipt{TxHash: hash, Status: status}
	if status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", chain.ErrTransactionReverted, hash.Hex())
	}
	return receipt, nil
}

// Sent returns the submitted transactions in order.
func (b *Backend) Sent() []Tx {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Tx(nil), b.sent...)
}

// SentMethods returns the method names of submitted transactions in order.
func (b *Backend) SentMethods() []string {
	var out []string
	for _, tx := range b.Sent() {
		out = append(out, tx.Method)
	}
	return out
}

// Calls returns the read calls in order.
func (b *Backend) Calls() []Tx {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Tx(nil), b.calls...)
}

// Waited returns the hashes whose receipts were awaited.
func (b *Backend) Waited() []common.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]common.Hash(nil), b.waited...)
}

var known = []abi.ABI{contracts.MiniSafe, contracts.ERC20, contracts.UBIScheme, contracts.Identity}

// MethodName resolves the 4-byte selector of data against the known ABIs.
func MethodName(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	for _, a := range known {
		if m, err := a.MethodById(data[:4]); err == nil {
			return m.Name
		}
	}
	return "0x" + hex.EncodeToString(data[:4])
}

var _ chain.Backend = (*Backend)(nil)

// EncodeUint is the eth_call return encoding of a single uint256.
func EncodeUint(v *big.Int) []byte { return contracts.EncodeUint256(v) }
