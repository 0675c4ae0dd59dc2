package claim

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"minisafe/internal/idempotency"
)

const dateLayout = "2006-01-02"

// DailyLedger remembers the calendar date of each account's last successful
// claim. Dates are taken in the ledger's location.
type DailyLedger struct {
	store idempotency.Store
	loc   *time.Location
}

func NewDailyLedger(store idempotency.Store, loc *time.Location) *DailyLedger {
	if loc == nil {
		loc = time.Local
	}
	return &DailyLedger{store: store, loc: loc}
}

func ledgerKey(account common.Address) string {
	return "claim:last:" + strings.ToLower(account.Hex())
}

// LastClaim returns the date of the last recorded claim, or "" when none is
// on record.
func (l *DailyLedger) LastClaim(ctx context.Context, account common.Address) (string, error) {
	rec, err := l.store.Get(ctx, ledgerKey(account))
	if err != nil {
		return "", fmt.Errorf("read claim ledger: %w", err)
	}
	if rec == nil {
		return "", nil
	}
	return string(rec.Response), nil
}

// Eligible reports whether account has not claimed yet on now's date.
func (l *DailyLedger) Eligible(ctx context.Context, account common.Address, now time.Time) (bool, error) {
	last, err := l.LastClaim(ctx, account)
	if err != nil {
		return false, err
	}
	return last != now.In(l.loc).Format(dateLayout), nil
}

// Record marks now's date as claimed for account.
func (l *DailyLedger) Record(ctx context.Context, account common.Address, now time.Time) error {
	local := now.In(l.loc)
	rec := idempotency.Record{
		StatusCode: 200,
		Response:   []byte(local.Format(dateLayout)),
		CreatedAt:  now,
		// Kept one extra day so the last claim date stays visible.
		ExpiresAt: l.NextEligibleAt(now).Add(24 * time.Hour),
	}
	if err := l.store.Save(ctx, ledgerKey(account), rec); err != nil {
		return fmt.Errorf("write claim ledger: %w", err)
	}
	return nil
}

// NextEligibleAt is the local midnight following now.
func (l *DailyLedger) NextEligibleAt(now time.Time) time.Time {
	local := now.In(l.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, l.loc)
}
