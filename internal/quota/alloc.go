package quota

import (
	"fmt"
	"sort"
	"time"

	"fluxreve-server/internal/domain"
)

// PlanDebit decides how to spread a debit of amount credits across the
// user's grants. Grants that expire sooner are drained first; grants that
// never expire come last. Expired and exhausted grants are skipped.
//
// The plan is all-or-nothing: when the usable balance cannot cover the
// amount, ErrInsufficientCredits is returned and no allocation is made.
func PlanDebit(grants []domain.QuotaGrant, amount int, now time.Time) ([]domain.GrantAllocation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: debit amount must be positive", domain.ErrValidation)
	}

	usable := make([]domain.QuotaGrant, 0, len(grants))
	for _, g := range grants {
		if g.Expired(now) || g.Available() == 0 {
			continue
		}
		usable = append(usable, g)
	}
	sort.SliceStable(usable, func(i, j int) bool {
		a, b := usable[i].ExpiresAt, usable[j].ExpiresAt
		switch {
		case a == nil && b == nil:
			return usable[i].IssuedAt.Before(usable[j].IssuedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})

	remaining := amount
	var allocs []domain.GrantAllocation
	for _, g := range usable {
		if remaining == 0 {
			break
		}
		take := g.Available()
		if take > remaining {
			take = remaining
		}
		allocs = append(allocs, domain.GrantAllocation{GrantID: g.ID, Amount: take})
		remaining -= take
	}
	if remaining > 0 {
		return nil, domain.ErrInsufficientCredits
	}
	return allocs, nil
}
