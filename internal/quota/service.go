// Package quota implements the credit ledger policy: daily free grants with
// per-country amounts, atomic multi-grant debits, and refund compensation.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fluxreve-server/internal/domain"
)

const (
	// DailyFreeCredits is the default daily allotment for signed-in users.
	DailyFreeCredits = 50
	// DailyFreeCreditsBoosted applies to countries on the boosted list.
	DailyFreeCreditsBoosted = 100

	dailyGrantTTL = 24 * time.Hour
)

// boostedCountries lists ISO codes that receive the larger daily grant.
var boostedCountries = map[string]struct{}{
	"SA": {}, "FR": {}, "DE": {}, "BH": {}, "BE": {},
	"NL": {}, "AE": {}, "QA": {}, "LU": {}, "IL": {},
}

// DailyCreditsFor returns the daily free grant amount for a country code.
// Unknown or empty codes get the default amount.
func DailyCreditsFor(country string) int {
	if _, ok := boostedCountries[country]; ok {
		return DailyFreeCreditsBoosted
	}
	return DailyFreeCredits
}

// Service enforces ledger policy on top of the quota repository.
type Service struct {
	repo domain.QuotaRepository
	log  zerolog.Logger
	now  func() time.Time
}

// NewService creates a quota service.
func NewService(repo domain.QuotaRepository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log, now: time.Now}
}

// EnsureDailyGrant issues today's free grant for the user if it has not been
// issued yet. It reports whether a new grant was created. Safe to call on
// every authenticated request: the repository dedupes on (user, day).
func (s *Service) EnsureDailyGrant(ctx context.Context, userID, country string) (bool, error) {
	now := s.now().UTC()
	expires := now.Add(dailyGrantTTL)
	grant := &domain.QuotaGrant{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      domain.GrantTypeDailyFree,
		Amount:    DailyCreditsFor(country),
		IssuedAt:  now,
		ExpiresAt: &expires,
	}
	dayKey := now.Truncate(24 * time.Hour)

	issued, err := s.repo.InsertDailyGrant(ctx, grant, dayKey)
	if err != nil {
		return false, fmt.Errorf("issue daily grant: %w", err)
	}
	if issued {
		s.log.Info().
			Str("user_id", userID).
			Str("country", country).
			Int("amount", grant.Amount).
			Msg("daily grant issued")
	}
	return issued, nil
}

// Balance returns the user's spendable credits across all live grants.
func (s *Service) Balance(ctx context.Context, userID string) (int, error) {
	total, err := s.repo.TotalAvailable(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("quota balance: %w", err)
	}
	return total, nil
}

// Charge debits amount credits from the user, recording one consume
// transaction. ErrInsufficientCredits means nothing was debited.
func (s *Service) Charge(ctx context.Context, userID string, amount int, note string) (*domain.QuotaTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: charge amount must be positive", domain.ErrValidation)
	}
	tx, err := s.repo.Debit(ctx, userID, amount, note)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("user_id", userID).
		Str("tx_id", tx.ID).
		Int("amount", amount).
		Msg("credits charged")
	return tx, nil
}

// Refund reverses a prior charge. A second refund of the same transaction
// returns ErrDuplicateOperation; callers compensating a failure treat that
// as already-done.
func (s *Service) Refund(ctx context.Context, consumeTxID, note string) (*domain.QuotaTransaction, error) {
	tx, err := s.repo.Refund(ctx, consumeTxID, note)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("tx_id", tx.ID).
		Str("consume_tx_id", consumeTxID).
		Int("amount", tx.Amount).
		Msg("credits refunded")
	return tx, nil
}
