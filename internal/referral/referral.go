package referral

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"minisafe/internal/logging"
)

// ErrSubmissionFailed is returned by reporters; Attributor never propagates it.
var ErrSubmissionFailed = errors.New("referral submission failed")

// marker terminates every tag so indexers can find it from the end of call data.
var marker = []byte("msref\x00\x00\x01")

// Suffix builds the attribution tag appended to call data:
// abi(consumer, providers) || uint16 payload length || marker.
func Suffix(consumer common.Address, providers []common.Address) ([]byte, error) {
	addrT, err := abi.NewType("address", "", nil)
	if err != nil {
		return nil, err
	}
	addrsT, err := abi.NewType("address[]", "", nil)
	if err != nil {
		return nil, err
	}
	payload, err := abi.Arguments{{Type: addrT}, {Type: addrsT}}.Pack(consumer, providers)
	if err != nil {
		return nil, fmt.Errorf("pack referral tag: %w", err)
	}
	out := make([]byte, 0, len(payload)+2+len(marker))
	out = append(out, payload...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))
	out = append(out, marker...)
	return out, nil
}

// HasSuffix reports whether data ends with an attribution tag.
func HasSuffix(data []byte) bool {
	return bytes.HasSuffix(data, marker)
}

// Strip returns data without its trailing attribution tag.
func Strip(data []byte) []byte {
	if !HasSuffix(data) || len(data) < len(marker)+2 {
		return data
	}
	end := len(data) - len(marker)
	n := int(binary.BigEndian.Uint16(data[end-2 : end]))
	start := end - 2 - n
	if start < 0 {
		return data
	}
	return data[:start]
}

// Reporter delivers an attribution record for a submitted transaction.
type Reporter interface {
	Submit(ctx context.Context, txHash common.Hash, chainID *big.Int) error
}

// HTTPReporter posts {txHash, chainId} to the attribution endpoint.
type HTTPReporter struct {
	URL    string
	Client *http.Client
}

type submission struct {
	TxHash  string `json:"txHash"`
	ChainID int64  `json:"chainId"`
}

func (r *HTTPReporter) Submit(ctx context.Context, txHash common.Hash, chainID *big.Int) error {
	body, err := json.Marshal(submission{TxHash: txHash.Hex(), ChainID: chainID.Int64()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrSubmissionFailed, resp.StatusCode)
	}
	return nil
}

type nopReporter struct{}

func (nopReporter) Submit(context.Context, common.Hash, *big.Int) error { return nil }

// Attributor tags call data and reports submitted hashes on a best-effort basis.
type Attributor struct {
	suffix    []byte
	reporter  Reporter
	logger    *slog.Logger
	onOutcome func(outcome string)
}

// NewAttributor returns an Attributor. A nil reporter disables reporting but
// call data is still tagged.
func NewAttributor(suffix []byte, reporter Reporter, logger *slog.Logger, onOutcome func(string)) *Attributor {
	if reporter == nil {
		reporter = nopReporter{}
	}
	if onOutcome == nil {
		onOutcome = func(string) {}
	}
	return &Attributor{
		suffix:    append([]byte(nil), suffix...),
		reporter:  reporter,
		logger:    logging.Or(logger).With("component", "referral"),
		onOutcome: onOutcome,
	}
}

// Tag returns calldata with the attribution suffix appended.
func (a *Attributor) Tag(calldata []byte) []byte {
	out := make([]byte, 0, len(calldata)+len(a.suffix))
	out = append(out, calldata...)
	return append(out, a.suffix...)
}

// Report submits the attribution record once. Failures are logged and counted
// but never returned.
func (a *Attributor) Report(ctx context.Context, txHash common.Hash, chainID *big.Int) {
	if err := a.reporter.Submit(ctx, txHash, chainID); err != nil {
		a.logger.Warn("referral submission failed", "tx_hash", txHash.Hex(), "error", err)
		a.onOutcome("failed")
		return
	}
	a.onOutcome("submitted")
}
