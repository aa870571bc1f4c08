package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fluxreve-server/internal/domain"
	"fluxreve-server/internal/pricing"
	"fluxreve-server/internal/quota"
	"fluxreve-server/internal/task"
)

type memTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
	views map[string]map[string]bool
}

func newMemTaskRepo() *memTaskRepo {
	return &memTaskRepo{tasks: make(map[string]*domain.Task), views: make(map[string]map[string]bool)}
}

func (r *memTaskRepo) Create(ctx context.Context, t *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.tasks[t.ID] = &cp
	return nil
}

func (r *memTaskRepo) GetByID(ctx context.Context, taskID string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memTaskRepo) GetByShareID(ctx context.Context, shareID string) (*domain.Task, error) {
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

func (r *memTaskRepo) ListByUser(ctx context.Context, userID string, filter domain.TaskFilter) (*domain.TaskPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	page := &domain.TaskPage{}
	for _, t := range r.tasks {
		if t.UserID == userID {
			page.Tasks = append(page.Tasks, *t)
		}
	}
	page.Total = len(page.Tasks)
	return page, nil
}

func (r *memTaskRepo) ListPublicCompleted(ctx context.Context, limit, offset int) (*domain.TaskPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	page := &domain.TaskPage{}
	for _, t := range r.tasks {
		if t.Status == domain.TaskStatusCompleted && !t.IsPrivate && t.DeletedAt == nil && len(t.Results) > 0 {
			page.Tasks = append(page.Tasks, *t)
		}
	}
	page.Total = len(page.Tasks)
	return page, nil
}

func (r *memTaskRepo) MarkProcessing(ctx context.Context, taskID, providerRequestID string, progress int) error {
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
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memTaskRepo) Complete(ctx context.Context, taskID string, results []domain.TaskResult, durationMs int64) (bool, error) {
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
	t.Results = results
	t.Progress = 100
	t.CompletedAt = &now
	t.DurationMs = &durationMs
	return true, nil
}

func (r *memTaskRepo) Fail(ctx context.Context, taskID, errMsg string, durationMs int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if t.Status.Terminal() {
		return false, nil
	}
	t.Status = domain.TaskStatusFailed
	t.ErrorMessage = errMsg
	return true, nil
}

func (r *memTaskRepo) SetRefundTx(ctx context.Context, taskID, txID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[taskID]; ok {
		t.RefundTxID = txID
	}
	return nil
}

func (r *memTaskRepo) SetNSFW(ctx context.Context, taskID string, isNSFW bool, details json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[taskID]; ok {
		t.IsNSFW = &isNSFW
		t.NSFWDetails = details
	}
	return nil
}

func (r *memTaskRepo) SoftDelete(ctx context.Context, taskID string) error {
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

func (r *memTaskRepo) RecordView(ctx context.Context, view domain.TaskView) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[view.TaskID]
	if !ok {
		return false, domain.ErrNotFound
	}
	seen := r.views[view.TaskID]
	if seen == nil {
		seen = make(map[string]bool)
		r.views[view.TaskID] = seen
	}
	if seen[view.IPAddress] {
		return true, nil
	}
	seen[view.IPAddress] = true
	t.ViewCount++
	return false, nil
}

func (r *memTaskRepo) ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Task
	for _, t := range r.tasks {
		if !t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			out = append(out, *t)
		}
	}
	return out, nil
}

type memQuotaRepo struct {
	mu       sync.Mutex
	balances map[string]int
	days     map[string]bool
	txs      map[string]*domain.QuotaTransaction
	refunded map[string]bool
}

func newMemQuotaRepo() *memQuotaRepo {
	return &memQuotaRepo{
		balances: make(map[string]int),
		days:     make(map[string]bool),
		txs:      make(map[string]*domain.QuotaTransaction),
		refunded: make(map[string]bool),
	}
}

func (r *memQuotaRepo) InsertDailyGrant(ctx context.Context, grant *domain.QuotaGrant, dayKey time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%s", grant.UserID, grant.Type, dayKey.Format("2006-01-02"))
	if r.days[key] {
		return false, nil
	}
	r.days[key] = true
	r.balances[grant.UserID] += grant.Amount
	return true, nil
}

func (r *memQuotaRepo) TotalAvailable(ctx context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[userID], nil
}

func (r *memQuotaRepo) Debit(ctx context.Context, userID string, amount int, note string) (*domain.QuotaTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.balances[userID] < amount {
		return nil, domain.ErrInsufficientCredits
	}
	r.balances[userID] -= amount
	tx := &domain.QuotaTransaction{
		ID:     uuid.NewString(),
		UserID: userID,
		Type:   domain.QuotaTxConsume,
		Amount: -amount,
		Note:   note,
	}
	r.txs[tx.ID] = tx
	return tx, nil
}

func (r *memQuotaRepo) Refund(ctx context.Context, consumeTxID, note string) (*domain.QuotaTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orig, ok := r.txs[consumeTxID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if r.refunded[consumeTxID] {
		return nil, domain.ErrDuplicateOperation
	}
	r.refunded[consumeTxID] = true
	r.balances[orig.UserID] += -orig.Amount
	tx := &domain.QuotaTransaction{
		ID:          uuid.NewString(),
		UserID:      orig.UserID,
		Type:        domain.QuotaTxRefund,
		Amount:      -orig.Amount,
		RelatedTxID: consumeTxID,
		Note:        note,
	}
	r.txs[tx.ID] = tx
	return tx, nil
}

func (r *memQuotaRepo) GetTransaction(ctx context.Context, txID string) (*domain.QuotaTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[txID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (r *memQuotaRepo) seed(userID string, amount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[userID] = amount
}

type memLoraRepo struct {
	mu    sync.Mutex
	loras map[string]*domain.Lora
}

func newMemLoraRepo() *memLoraRepo {
	return &memLoraRepo{loras: make(map[string]*domain.Lora)}
}

func (r *memLoraRepo) Create(ctx context.Context, l *domain.Lora) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *l
	r.loras[l.ID] = &cp
	return nil
}

func (r *memLoraRepo) GetByID(ctx context.Context, id string) (*domain.Lora, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loras[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *memLoraRepo) List(ctx context.Context, filter domain.LoraFilter) ([]domain.Lora, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Lora
	for _, l := range r.loras {
		if filter.UserID != "" && l.UserID != filter.UserID {
			continue
		}
		if filter.Model != "" && !containsString(l.CompatibleModels, filter.Model) {
			continue
		}
		out = append(out, *l)
	}
	return out, nil
}

func (r *memLoraRepo) Update(ctx context.Context, l *domain.Lora) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.loras[l.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *l
	r.loras[l.ID] = &cp
	return nil
}

func (r *memLoraRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.loras[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.loras, id)
	return nil
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

type memUserRepo struct {
	users map[string]*domain.User
}

func (r *memUserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if u, ok := r.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *memStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://cdn.test/" + key, nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

type stubSubmitter struct {
	mu    sync.Mutex
	calls int
}

func (s *stubSubmitter) Submit(ctx context.Context, endpoint string, payload map[string]any, webhookURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return fmt.Sprintf("job-%d", s.calls), nil
}

// roundTripFunc serves canned asset bytes to the derivation pipeline.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func imageTransport(t *testing.T, data []byte, calls *int) *http.Client {
	t.Helper()
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls != nil {
			*calls++
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader(data)),
			Header:     make(http.Header),
		}, nil
	})}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 96, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 96; x++ {
			img.Set(x, y, color.RGBA{R: 20, G: 60, B: 120, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

type testEnv struct {
	app       *App
	tasks     *memTaskRepo
	quotaRepo *memQuotaRepo
	loras     *memLoraRepo
	users     *memUserRepo
	store     *memStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zerolog.Nop()
	tasksRepo := newMemTaskRepo()
	quotaRepo := newMemQuotaRepo()
	lorasRepo := newMemLoraRepo()
	usersRepo := &memUserRepo{users: make(map[string]*domain.User)}
	store := newMemStore()

	quotaSvc := quota.NewService(quotaRepo, log)
	taskSvc := task.NewService(tasksRepo, quotaSvc, pricing.NewRegistry(), &stubSubmitter{}, nil, nil, "https://api.test", time.Minute, log)

	app := NewApp(taskSvc, quotaSvc, lorasRepo, usersRepo, store, log)
	return &testEnv{app: app, tasks: tasksRepo, quotaRepo: quotaRepo, loras: lorasRepo, users: usersRepo, store: store}
}
