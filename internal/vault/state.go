package vault

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Phase is the step a vault flow is in.
type Phase int

const (
	Idle Phase = iota
	CheckingAllowance
	Approving
	Submitting
	Confirming
	Succeeded
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case CheckingAllowance:
		return "checking_allowance"
	case Approving:
		return "approving"
	case Submitting:
		return "submitting"
	case Confirming:
		return "confirming"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText lets Phase render as its name in JSON.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Kind names a vault flow.
type Kind string

const (
	KindApprove       Kind = "approve"
	KindDeposit       Kind = "deposit"
	KindWithdraw      Kind = "withdraw"
	KindBreakTimelock Kind = "break_timelock"
)

// State is a snapshot of the orchestrator. Reason is set only when Phase is Failed.
type State struct {
	Phase  Phase       `json:"phase"`
	Kind   Kind        `json:"kind,omitempty"`
	Token  string      `json:"token,omitempty"`
	TxHash common.Hash `json:"txHash,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Busy reports whether a flow is in flight.
func (s State) Busy() bool {
	switch s.Phase {
	case CheckingAllowance, Approving, Submitting, Confirming:
		return true
	}
	return false
}

// PendingTransaction describes the flow in flight. It is discarded once the
// flow settles.
type PendingTransaction struct {
	ID        string      `json:"id"`
	Kind      Kind        `json:"kind"`
	Token     string      `json:"token"`
	Amount    *big.Int    `json:"amount,omitempty"`
	TxHash    common.Hash `json:"txHash"`
	StartedAt time.Time   `json:"startedAt"`
}

// Balances is what a settled flow refreshes.
type Balances struct {
	Vault  map[string]string `json:"vault"`
	Reward string            `json:"reward"`
}

// Result is returned by every successful flow.
type Result struct {
	Kind          Kind         `json:"kind"`
	Token         string       `json:"token"`
	Amount        *big.Int     `json:"amount,omitempty"`
	ApproveTxHash *common.Hash `json:"approveTxHash,omitempty"`
	TxHash        *common.Hash `json:"txHash,omitempty"`
	Balances      *Balances    `json:"balances,omitempty"`
}

// WithdrawalWindowOpen reports whether t falls in the monthly withdrawal
// window, the 28th to the end of the month. Flows do not enforce it.
func WithdrawalWindowOpen(t time.Time) bool {
	return t.Day() >= 28
}
