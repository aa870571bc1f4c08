package domain

import "time"

// GrantType enumerates the origins of a credit grant.
type GrantType string

const (
	GrantTypeDailyFree    GrantType = "daily_free"
	GrantTypeMonthlyBasic GrantType = "monthly_basic"
	GrantTypeMonthlyPro   GrantType = "monthly_pro"
	GrantTypeYearlyBasic  GrantType = "yearly_basic"
	GrantTypeYearlyPro    GrantType = "yearly_pro"
	GrantTypeQuotaPack    GrantType = "quota_pack"
)

// QuotaGrant is a discrete allotment of credits. Invariant: 0 <= Consumed <= Amount.
type QuotaGrant struct {
	ID        string
	UserID    string
	Type      GrantType
	Amount    int
	Consumed  int
	IssuedAt  time.Time
	ExpiresAt *time.Time // nil means never
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available returns the spendable remainder of the grant.
func (g QuotaGrant) Available() int {
	if a := g.Amount - g.Consumed; a > 0 {
		return a
	}
	return 0
}

// Expired reports whether the grant is past its expiry at the given instant.
func (g QuotaGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// QuotaTxType enumerates ledger transaction kinds.
type QuotaTxType string

const (
	QuotaTxConsume QuotaTxType = "consume"
	QuotaTxRefund  QuotaTxType = "refund"
)

// GrantAllocation records how much of a transaction was taken from (or
// returned to) a single grant.
type GrantAllocation struct {
	GrantID string `json:"grant_id"`
	Amount  int    `json:"amount"`
}

// QuotaTransaction is one ledger entry. A consume entry may span several
// grants; its allocations are what a refund reverses.
type QuotaTransaction struct {
	ID          string
	UserID      string
	Type        QuotaTxType
	Amount      int // signed: negative for consume, positive for refund
	Allocations []GrantAllocation
	RelatedTxID string // refund -> original consume
	Note        string
	CreatedAt   time.Time
}
