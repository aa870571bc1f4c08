package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fluxreve-server/internal/domain"
	"fluxreve-server/internal/providers"
	"fluxreve-server/internal/quota"
)

// fakeTaskRepo is an in-memory TaskRepository honoring the conditional
// update contracts of the postgres implementation.
type fakeTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
	views map[string]map[string]bool // taskID -> ip set

	publicListCalls int
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{
		tasks: make(map[string]*domain.Task),
		views: make(map[string]map[string]bool),
	}
}

func (r *fakeTaskRepo) Create(_ context.Context, t *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.tasks[t.ID] = &cp
	return nil
}

func (r *fakeTaskRepo) GetByID(_ context.Context, taskID string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *fakeTaskRepo) GetByShareID(_ context.Context, shareID string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.ShareID == shareID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeTaskRepo) ListByUser(_ context.Context, userID string, filter domain.TaskFilter) (*domain.TaskPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	page := &domain.TaskPage{}
	for _, t := range r.tasks {
		if t.UserID != userID || t.DeletedAt != nil {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, t.Status) {
			continue
		}
		cp := *t
		page.Tasks = append(page.Tasks, cp)
		page.Total++
	}
	return page, nil
}

func (r *fakeTaskRepo) ListPublicCompleted(_ context.Context, limit, offset int) (*domain.TaskPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publicListCalls++
	page := &domain.TaskPage{}
	for _, t := range r.tasks {
		if t.Status != domain.TaskStatusCompleted || t.IsPrivate || t.DeletedAt != nil {
			continue
		}
		cp := *t
		page.Tasks = append(page.Tasks, cp)
		page.Total++
	}
	_ = limit
	_ = offset
	return page, nil
}

func (r *fakeTaskRepo) MarkProcessing(_ context.Context, taskID, providerRequestID string, progress int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status.Terminal() {
		return nil
	}
	t.Status = domain.TaskStatusProcessing
	if providerRequestID != "" {
		t.ProviderRequestID = providerRequestID
	}
	t.Progress = progress
	return nil
}

func (r *fakeTaskRepo) Complete(_ context.Context, taskID string, results []domain.TaskResult, durationMs int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if t.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	t.Status = domain.TaskStatusCompleted
	t.Progress = 100
	t.Results = append([]domain.TaskResult(nil), results...)
	t.CompletedAt = &now
	t.DurationMs = &durationMs
	return true, nil
}

func (r *fakeTaskRepo) Fail(_ context.Context, taskID, errMsg string, durationMs int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if t.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	t.Status = domain.TaskStatusFailed
	t.ErrorMessage = errMsg
	t.CompletedAt = &now
	t.DurationMs = &durationMs
	return true, nil
}

func (r *fakeTaskRepo) SetRefundTx(_ context.Context, taskID, txID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	t.RefundTxID = txID
	return nil
}

func (r *fakeTaskRepo) SetNSFW(_ context.Context, taskID string, isNSFW bool, details json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	t.IsNSFW = &isNSFW
	t.NSFWDetails = details
	return nil
}

func (r *fakeTaskRepo) SoftDelete(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	t.DeletedAt = &now
	return nil
}

func (r *fakeTaskRepo) RecordView(_ context.Context, view domain.TaskView) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[view.TaskID]
	if !ok {
		return false, domain.ErrNotFound
	}
	ips := r.views[view.TaskID]
	if ips == nil {
		ips = make(map[string]bool)
		r.views[view.TaskID] = ips
	}
	if ips[view.IPAddress] {
		return true, nil
	}
	ips[view.IPAddress] = true
	t.ViewCount++
	return false, nil
}

func (r *fakeTaskRepo) ListStuckProcessing(_ context.Context, cutoff time.Time, limit int) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, t := range r.tasks {
		if t.Status.Terminal() || !t.StartedAt.Before(cutoff) {
			continue
		}
		out = append(out, *t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func containsStatus(haystack []domain.TaskStatus, needle domain.TaskStatus) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// fakeQuotaRepo backs the quota service with the shared allocation planner.
type fakeQuotaRepo struct {
	mu       sync.Mutex
	grants   map[string]*domain.QuotaGrant
	txs      map[string]*domain.QuotaTransaction
	dayKeys  map[string]bool
	refunded map[string]bool
}

func newFakeQuotaRepo() *fakeQuotaRepo {
	return &fakeQuotaRepo{
		grants:   make(map[string]*domain.QuotaGrant),
		txs:      make(map[string]*domain.QuotaTransaction),
		dayKeys:  make(map[string]bool),
		refunded: make(map[string]bool),
	}
}

func (r *fakeQuotaRepo) seed(userID string, amount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	expires := time.Now().Add(24 * time.Hour)
	r.grants[id] = &domain.QuotaGrant{
		ID:        id,
		UserID:    userID,
		Type:      domain.GrantTypeDailyFree,
		Amount:    amount,
		IssuedAt:  time.Now(),
		ExpiresAt: &expires,
	}
}

func (r *fakeQuotaRepo) InsertDailyGrant(_ context.Context, grant *domain.QuotaGrant, dayKey time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%s", grant.UserID, grant.Type, dayKey.Format("2006-01-02"))
	if r.dayKeys[key] {
		return false, nil
	}
	r.dayKeys[key] = true
	cp := *grant
	r.grants[grant.ID] = &cp
	return true, nil
}

func (r *fakeQuotaRepo) TotalAvailable(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	total := 0
	for _, g := range r.grants {
		if g.UserID == userID && !g.Expired(now) {
			total += g.Available()
		}
	}
	return total, nil
}

func (r *fakeQuotaRepo) Debit(_ context.Context, userID string, amount int, note string) (*domain.QuotaTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var grants []domain.QuotaGrant
	for _, g := range r.grants {
		if g.UserID == userID {
			grants = append(grants, *g)
		}
	}
	allocs, err := quota.PlanDebit(grants, amount, time.Now())
	if err != nil {
		return nil, err
	}
	for _, a := range allocs {
		r.grants[a.GrantID].Consumed += a.Amount
	}
	tx := &domain.QuotaTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        domain.QuotaTxConsume,
		Amount:      -amount,
		Allocations: allocs,
		Note:        note,
		CreatedAt:   time.Now(),
	}
	r.txs[tx.ID] = tx
	return tx, nil
}

func (r *fakeQuotaRepo) Refund(_ context.Context, consumeTxID, note string) (*domain.QuotaTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orig, ok := r.txs[consumeTxID]
	if !ok || orig.Type != domain.QuotaTxConsume {
		return nil, domain.ErrNotFound
	}
	if r.refunded[consumeTxID] {
		return nil, domain.ErrDuplicateOperation
	}
	r.refunded[consumeTxID] = true
	for _, a := range orig.Allocations {
		r.grants[a.GrantID].Consumed -= a.Amount
	}
	tx := &domain.QuotaTransaction{
		ID:          uuid.NewString(),
		UserID:      orig.UserID,
		Type:        domain.QuotaTxRefund,
		Amount:      -orig.Amount,
		Allocations: orig.Allocations,
		RelatedTxID: consumeTxID,
		Note:        note,
		CreatedAt:   time.Now(),
	}
	r.txs[tx.ID] = tx
	return tx, nil
}

func (r *fakeQuotaRepo) GetTransaction(_ context.Context, txID string) (*domain.QuotaTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[txID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return tx, nil
}

func (r *fakeQuotaRepo) refundCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, tx := range r.txs {
		if tx.Type == domain.QuotaTxRefund {
			n++
		}
	}
	return n
}

// fakeSubmitter records dispatches and optionally fails them.
type fakeSubmitter struct {
	mu          sync.Mutex
	err         error
	calls       int
	lastPayload map[string]any
	lastWebhook string
	lastTarget  string
}

func (f *fakeSubmitter) Submit(_ context.Context, endpoint string, payload map[string]any, webhookURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastTarget = endpoint
	f.lastPayload = payload
	f.lastWebhook = webhookURL
	if f.err != nil {
		return "", f.err
	}
	return "job-" + uuid.NewString()[:8], nil
}

// fakeModerator returns a scripted verdict.
type fakeModerator struct {
	mu     sync.Mutex
	nsfw   bool
	err    error
	calls  int
	lastIn string
}

func (f *fakeModerator) CheckImage(_ context.Context, imageURL string) (*providers.NSFWResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastIn = imageURL
	if f.err != nil {
		return nil, f.err
	}
	return &providers.NSFWResult{IsNSFW: f.nsfw, Details: []byte(`{"sexual":true}`)}, nil
}
