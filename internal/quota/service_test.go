package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fluxreve-server/internal/domain"
)

// memRepo is an in-memory quota repository honoring the same atomicity
// contract as the postgres implementation.
type memRepo struct {
	mu       sync.Mutex
	grants   map[string]*domain.QuotaGrant
	txs      map[string]*domain.QuotaTransaction
	dayKeys  map[string]bool
	refunded map[string]bool
	now      func() time.Time
}

func newMemRepo(now func() time.Time) *memRepo {
	return &memRepo{
		grants:   make(map[string]*domain.QuotaGrant),
		txs:      make(map[string]*domain.QuotaTransaction),
		dayKeys:  make(map[string]bool),
		refunded: make(map[string]bool),
		now:      now,
	}
}

func (m *memRepo) InsertDailyGrant(_ context.Context, grant *domain.QuotaGrant, dayKey time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%s", grant.UserID, grant.Type, dayKey.Format("2006-01-02"))
	if m.dayKeys[key] {
		return false, nil
	}
	m.dayKeys[key] = true
	g := *grant
	m.grants[g.ID] = &g
	return true, nil
}

func (m *memRepo) TotalAvailable(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	total := 0
	for _, g := range m.grants {
		if g.UserID == userID && !g.Expired(now) {
			total += g.Available()
		}
	}
	return total, nil
}

func (m *memRepo) Debit(_ context.Context, userID string, amount int, note string) (*domain.QuotaTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var grants []domain.QuotaGrant
	for _, g := range m.grants {
		if g.UserID == userID {
			grants = append(grants, *g)
		}
	}
	allocs, err := PlanDebit(grants, amount, m.now())
	if err != nil {
		return nil, err
	}
	for _, a := range allocs {
		m.grants[a.GrantID].Consumed += a.Amount
	}
	tx := &domain.QuotaTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        domain.QuotaTxConsume,
		Amount:      -amount,
		Allocations: allocs,
		Note:        note,
		CreatedAt:   m.now(),
	}
	m.txs[tx.ID] = tx
	return tx, nil
}

func (m *memRepo) Refund(_ context.Context, consumeTxID, note string) (*domain.QuotaTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orig, ok := m.txs[consumeTxID]
	if !ok || orig.Type != domain.QuotaTxConsume {
		return nil, domain.ErrNotFound
	}
	if m.refunded[consumeTxID] {
		return nil, domain.ErrDuplicateOperation
	}
	m.refunded[consumeTxID] = true
	for _, a := range orig.Allocations {
		m.grants[a.GrantID].Consumed -= a.Amount
	}
	tx := &domain.QuotaTransaction{
		ID:          uuid.NewString(),
		UserID:      orig.UserID,
		Type:        domain.QuotaTxRefund,
		Amount:      -orig.Amount,
		Allocations: orig.Allocations,
		RelatedTxID: consumeTxID,
		Note:        note,
		CreatedAt:   m.now(),
	}
	m.txs[tx.ID] = tx
	return tx, nil
}

func (m *memRepo) GetTransaction(_ context.Context, txID string) (*domain.QuotaTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return tx, nil
}

func newTestService(t *testing.T, now time.Time) (*Service, *memRepo) {
	t.Helper()
	clock := func() time.Time { return now }
	repo := newMemRepo(clock)
	svc := NewService(repo, zerolog.Nop())
	svc.now = clock
	return svc, repo
}

func TestDailyCreditsFor(t *testing.T) {
	tests := []struct {
		country string
		want    int
	}{
		{"FR", 100},
		{"DE", 100},
		{"SA", 100},
		{"AE", 100},
		{"US", 50},
		{"JP", 50},
		{"", 50},
	}
	for _, tt := range tests {
		if got := DailyCreditsFor(tt.country); got != tt.want {
			t.Fatalf("DailyCreditsFor(%q) = %d, want %d", tt.country, got, tt.want)
		}
	}
}

func TestEnsureDailyGrant(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, now)

	issued, err := svc.EnsureDailyGrant(ctx, "u1", "FR")
	if err != nil {
		t.Fatalf("EnsureDailyGrant() error = %v", err)
	}
	if !issued {
		t.Fatalf("first call should issue a grant")
	}
	balance, err := svc.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance != DailyFreeCreditsBoosted {
		t.Fatalf("balance = %d, want %d", balance, DailyFreeCreditsBoosted)
	}

	issued, err = svc.EnsureDailyGrant(ctx, "u1", "FR")
	if err != nil {
		t.Fatalf("EnsureDailyGrant() second call error = %v", err)
	}
	if issued {
		t.Fatalf("same-day second call should not issue another grant")
	}
	if balance, _ = svc.Balance(ctx, "u1"); balance != DailyFreeCreditsBoosted {
		t.Fatalf("balance after duplicate issue = %d, want %d", balance, DailyFreeCreditsBoosted)
	}
}

func TestEnsureDailyGrantConcurrent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC))

	const workers = 16
	issued := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.EnsureDailyGrant(ctx, "u1", "US")
			if err != nil {
				t.Errorf("EnsureDailyGrant() error = %v", err)
				return
			}
			issued <- ok
		}()
	}
	wg.Wait()
	close(issued)

	count := 0
	for ok := range issued {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("issued %d grants concurrently, want exactly 1", count)
	}
	if balance, _ := svc.Balance(ctx, "u1"); balance != DailyFreeCredits {
		t.Fatalf("balance = %d, want %d", balance, DailyFreeCredits)
	}
}

func TestChargeRefundRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC))

	if _, err := svc.EnsureDailyGrant(ctx, "u1", "US"); err != nil {
		t.Fatalf("EnsureDailyGrant() error = %v", err)
	}

	tx, err := svc.Charge(ctx, "u1", 30, "generation")
	if err != nil {
		t.Fatalf("Charge() error = %v", err)
	}
	if tx.Amount != -30 {
		t.Fatalf("consume amount = %d, want -30", tx.Amount)
	}
	if balance, _ := svc.Balance(ctx, "u1"); balance != DailyFreeCredits-30 {
		t.Fatalf("balance after charge = %d, want %d", balance, DailyFreeCredits-30)
	}

	refund, err := svc.Refund(ctx, tx.ID, "generation failed")
	if err != nil {
		t.Fatalf("Refund() error = %v", err)
	}
	if refund.Amount != 30 {
		t.Fatalf("refund amount = %d, want 30", refund.Amount)
	}
	if refund.RelatedTxID != tx.ID {
		t.Fatalf("refund related tx = %s, want %s", refund.RelatedTxID, tx.ID)
	}
	if balance, _ := svc.Balance(ctx, "u1"); balance != DailyFreeCredits {
		t.Fatalf("balance after refund = %d, want %d", balance, DailyFreeCredits)
	}
}

func TestRefundTwice(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC))

	if _, err := svc.EnsureDailyGrant(ctx, "u1", "US"); err != nil {
		t.Fatalf("EnsureDailyGrant() error = %v", err)
	}
	tx, err := svc.Charge(ctx, "u1", 10, "generation")
	if err != nil {
		t.Fatalf("Charge() error = %v", err)
	}
	if _, err := svc.Refund(ctx, tx.ID, "failed"); err != nil {
		t.Fatalf("first Refund() error = %v", err)
	}
	if _, err := svc.Refund(ctx, tx.ID, "failed again"); !errors.Is(err, domain.ErrDuplicateOperation) {
		t.Fatalf("second Refund() error = %v, want ErrDuplicateOperation", err)
	}
	if balance, _ := svc.Balance(ctx, "u1"); balance != DailyFreeCredits {
		t.Fatalf("balance = %d, want %d", balance, DailyFreeCredits)
	}
}

func TestChargeInsufficient(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC))

	if _, err := svc.EnsureDailyGrant(ctx, "u1", "US"); err != nil {
		t.Fatalf("EnsureDailyGrant() error = %v", err)
	}
	if _, err := svc.Charge(ctx, "u1", DailyFreeCredits+1, "too much"); !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("Charge() error = %v, want ErrInsufficientCredits", err)
	}
	if balance, _ := svc.Balance(ctx, "u1"); balance != DailyFreeCredits {
		t.Fatalf("failed charge must not touch the balance: got %d", balance)
	}
}
