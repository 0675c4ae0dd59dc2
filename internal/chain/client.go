package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"minisafe/internal/logging"
)

var (
	// ErrRPCUnavailable wraps any failure talking to the node.
	ErrRPCUnavailable = errors.New("rpc unavailable")
	// ErrTransactionReverted is returned when a mined receipt carries a failure status.
	ErrTransactionReverted = errors.New("transaction reverted")
	// ErrReadOnly is returned by Send when no signing key is configured.
	ErrReadOnly = errors.New("client is read-only")
)

// Backend is what the orchestrators need from the chain.
type Backend interface {
	// Account is the connected wallet; the zero address means no wallet.
	Account() common.Address
	ChainID() *big.Int
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	Send(ctx context.Context, to common.Address, data []byte) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// HealthChecker is implemented by backends that can probe the node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type rpcBackend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthClient reads and writes through a single JSON-RPC endpoint.
type EthClient struct {
	client    rpcBackend
	chainID   *big.Int
	account   common.Address
	transacts *bind.TransactOpts

	timeout        time.Duration
	confirmTimeout time.Duration
	pollInterval   time.Duration
	readAttempts   int
	backoff        time.Duration
	logger         *slog.Logger
}

type EthClientConfig struct {
	RPCURL         string
	PrivateKeyHex  string
	Timeout        time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	ReadAttempts   int
	Backoff        time.Duration
	Logger         *slog.Logger
}

// NewEthClient dials the node. Without a private key the client is read-only
// and reports the zero account.
func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	c := newEthClient(cli, chainID, cfg)
	if cfg.PrivateKeyHex == "" {
		c.logger.Warn("no private key configured, chain client is read-only")
		return c, nil
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	c.transacts = txOpts
	c.account = txOpts.From
	return c, nil
}

func newEthClient(cli rpcBackend, chainID *big.Int, cfg EthClientConfig) *EthClient {
	c := &EthClient{
		client:         cli,
		chainID:        chainID,
		timeout:        cfg.Timeout,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		readAttempts:   cfg.ReadAttempts,
		backoff:        cfg.Backoff,
		logger:         logging.Or(cfg.Logger).With("component", "chain"),
	}
	if c.timeout <= 0 {
		c.timeout = 15 * time.Second
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = 2 * time.Minute
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	if c.readAttempts <= 0 {
		c.readAttempts = 2
	}
	if c.backoff <= 0 {
		c.backoff = 500 * time.Millisecond
	}
	return c
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) Account() common.Address { return c.account }

func (c *EthClient) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Call performs a read-only eth_call. Reads are idempotent, so each attempt is
// bounded by the RPC timeout and a failed attempt is retried after a backoff.
func (c *EthClient) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{From: c.account, To: &to, Data: data}

	backoff := c.backoff
	var lastErr error
	for i := 1; i <= c.readAttempts; i++ {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		out, err := c.client.CallContract(callCtx, msg, nil)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if i == c.readAttempts {
			break
		}
		c.logger.Debug("eth_call failed, retrying", "to", to.Hex(), "attempt", i, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, ctx.Err())
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("%w: eth_call %s: %v", ErrRPCUnavailable, to.Hex(), lastErr)
}

// Send signs and submits call data to the target contract. Submissions are
// never retried here: a retry without a nonce check could double-submit.
func (c *EthClient) Send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	if c.transacts == nil {
		return common.Hash{}, ErrReadOnly
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := *c.transacts
	opts.Context = sendCtx

	bound := bind.NewBoundContract(to, abi.ABI{}, c.client, c.client, c.client)
	tx, err := bound.RawTransact(&opts, data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: send tx to %s: %v", ErrRPCUnavailable, to.Hex(), err)
	}
	c.logger.Info("transaction submitted", "to", to.Hex(), "tx_hash", tx.Hash().Hex(), "nonce", tx.Nonce())
	return tx.Hash(), nil
}

// WaitForReceipt polls until the transaction is mined, the confirmation
// timeout elapses or ctx is cancelled.
func (c *EthClient) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrTransactionReverted, hash.Hex())
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: receipt %s: %v", ErrRPCUnavailable, hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for %s: %v", ErrRPCUnavailable, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}
