// Package task implements the generation task lifecycle: submission with
// upfront debit, webhook-driven completion, failure compensation, public
// view counting, sharing, and the explore gallery.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fluxreve-server/internal/cache"
	"fluxreve-server/internal/domain"
	"fluxreve-server/internal/pricing"
	"fluxreve-server/internal/providers"
	"fluxreve-server/internal/quota"
)

// SubmitRequest carries one generation request from a handler.
type SubmitRequest struct {
	Type      domain.TaskType
	Model     string
	Params    map[string]any
	IsPrivate bool
}

// Service orchestrates the task lifecycle around the repositories, the
// pricing registry, the quota ledger, and the provider clients.
type Service struct {
	tasks     domain.TaskRepository
	quota     *quota.Service
	registry  *pricing.Registry
	submitter providers.Submitter
	moderator providers.Moderator
	cache     *cache.Cache
	log       zerolog.Logger

	publicBaseURL string
	exploreTTL    time.Duration

	now   func() time.Time
	spawn func(func())
}

// NewService wires a task service. moderator and cache may be nil.
func NewService(
	tasks domain.TaskRepository,
	quotaSvc *quota.Service,
	registry *pricing.Registry,
	submitter providers.Submitter,
	moderator providers.Moderator,
	c *cache.Cache,
	publicBaseURL string,
	exploreTTL time.Duration,
	log zerolog.Logger,
) *Service {
	return &Service{
		tasks:         tasks,
		quota:         quotaSvc,
		registry:      registry,
		submitter:     submitter,
		moderator:     moderator,
		cache:         c,
		log:           log,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		exploreTTL:    exploreTTL,
		now:           time.Now,
		spawn:         func(f func()) { go f() },
	}
}

// Submit validates, prices, debits, persists, and dispatches one generation
// request. The debit happens before the provider call; a failed dispatch is
// compensated with a refund.
func (s *Service) Submit(ctx context.Context, userID string, req SubmitRequest) (*domain.Task, error) {
	spec, ok := s.registry.Lookup(req.Type, req.Model)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported model %q for task type %q", domain.ErrValidation, req.Model, req.Type)
	}
	processed, err := spec.Process(req.Params)
	if err != nil {
		return nil, err
	}

	consumeTx, err := s.quota.Charge(ctx, userID, processed.Credits, processed.Description)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	stored, err := json.Marshal(processed.StoredParams)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	t := &domain.Task{
		ID:          uuid.NewString(),
		ShareID:     newShareID(),
		UserID:      userID,
		Type:        req.Type,
		Provider:    spec.Provider,
		Model:       req.Model,
		Status:      domain.TaskStatusPending,
		Parameters:  stored,
		ConsumeTxID: consumeTx.ID,
		IsPrivate:   req.IsPrivate,
		StartedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.tasks.Create(ctx, t); err != nil {
		s.compensate(ctx, t, "task creation failed")
		return nil, fmt.Errorf("create task: %w", err)
	}

	jobID, err := s.submitter.Submit(ctx, spec.Endpoint, processed.ProviderParams, s.webhookURL(t))
	if err != nil {
		s.failAndRefund(ctx, t, fmt.Sprintf("provider submission failed: %v", err))
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderFailure, err)
	}
	if err := s.tasks.MarkProcessing(ctx, t.ID, jobID, 0); err != nil {
		// The job is already running remotely; the webhook will still land.
		s.log.Error().Err(err).Str("task_id", t.ID).Msg("mark processing failed")
	}
	t.Status = domain.TaskStatusProcessing
	t.ProviderRequestID = jobID

	s.log.Info().
		Str("task_id", t.ID).
		Str("user_id", userID).
		Str("model", req.Model).
		Int("credits", processed.Credits).
		Msg("task submitted")
	return t, nil
}

// HandleWebhook applies one provider callback. Replays and out-of-order
// callbacks for terminal tasks are acknowledged as no-ops.
func (s *Service) HandleWebhook(ctx context.Context, provider, taskID string, body []byte) error {
	event, err := providers.ParseWebhook(provider, body)
	if err != nil {
		return err
	}
	t, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(t.Provider, provider) {
		return fmt.Errorf("%w: task %s does not belong to provider %s", domain.ErrNotFound, taskID, provider)
	}
	if t.Status.Terminal() {
		s.log.Warn().Str("task_id", taskID).Str("status", string(t.Status)).Msg("webhook for finished task ignored")
		return nil
	}

	switch event.Status {
	case domain.TaskStatusCompleted:
		if len(event.Outputs) == 0 {
			return fmt.Errorf("%w: completed webhook without outputs", domain.ErrValidation)
		}
		results := make([]domain.TaskResult, len(event.Outputs))
		for i, url := range event.Outputs {
			results[i] = domain.TaskResult{URL: url, Type: "image"}
		}
		applied, err := s.tasks.Complete(ctx, taskID, results, s.elapsedMs(t))
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if !applied {
			s.log.Warn().Str("task_id", taskID).Msg("completion raced another webhook, skipping")
			return nil
		}
		s.invalidateExplore(ctx)
		s.log.Info().Str("task_id", taskID).Int("results", len(results)).Msg("task completed")

		if spec, ok := s.registry.Lookup(t.Type, t.Model); ok && spec.NSFWCheck && s.moderator != nil {
			first := event.Outputs[0]
			s.spawn(func() { s.moderate(taskID, first) })
		}
		return nil

	case domain.TaskStatusFailed:
		return s.applyFailure(ctx, t, event.Error)

	case domain.TaskStatusProcessing:
		if err := s.tasks.MarkProcessing(ctx, taskID, t.ProviderRequestID, 50); err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		return nil

	default:
		return nil
	}
}

// Get loads a task for a viewer, applying visibility and gating rules.
// Owners always see their own tasks, including soft-deleted ones; private or
// deleted tasks are hidden from everyone else.
func (s *Service) Get(ctx context.Context, taskID, viewerID string, viewerPlan domain.UserPlan) (*domain.Task, error) {
	t, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	owner := t.UserID == viewerID && viewerID != ""
	if !owner && (t.IsPrivate || t.DeletedAt != nil) {
		return nil, domain.ErrNotFound
	}
	t.Results = GateResults(t.ID, t.Results, viewerPlan, owner)
	return t, nil
}

// OriginalResult returns the ungated provider URL for one task result. The
// watermark pipeline uses it to fetch source bytes; callers must not hand
// the URL to non-paying viewers.
func (s *Service) OriginalResult(ctx context.Context, taskID string, index int) (string, error) {
	t, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(t.Results) {
		return "", fmt.Errorf("%w: no result at index %d", domain.ErrNotFound, index)
	}
	return t.Results[index].URL, nil
}

// ListMine returns the viewer's own tasks with filters applied. Results are
// gated by the viewer's plan (owner view).
func (s *Service) ListMine(ctx context.Context, userID string, plan domain.UserPlan, filter domain.TaskFilter) (*domain.TaskPage, error) {
	page, err := s.tasks.ListByUser(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	for i := range page.Tasks {
		page.Tasks[i].Results = GateResults(page.Tasks[i].ID, page.Tasks[i].Results, plan, true)
	}
	return page, nil
}

// Share resolves a public share link. Share pages are always watermarked,
// whoever the viewer is.
func (s *Service) Share(ctx context.Context, shareID string) (*domain.Task, error) {
	t, err := s.tasks.GetByShareID(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if t.DeletedAt != nil {
		return nil, domain.ErrNotFound
	}
	t.Results = GateResults(t.ID, t.Results, domain.UserPlanFree, false)
	return t, nil
}

// Explore returns the public gallery: completed, non-private, non-deleted
// tasks, newest first. Served through the read-through cache.
func (s *Service) Explore(ctx context.Context, limit, offset int) (*domain.TaskPage, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	key := fmt.Sprintf("explore:%d:%d", limit, offset)
	page, err := cache.GetOrLoad(ctx, s.cache, key, s.exploreTTL, func(ctx context.Context) (*domain.TaskPage, error) {
		return s.tasks.ListPublicCompleted(ctx, limit, offset)
	})
	if err != nil {
		return nil, err
	}
	for i := range page.Tasks {
		page.Tasks[i].Results = GateResults(page.Tasks[i].ID, page.Tasks[i].Results, domain.UserPlanFree, false)
	}
	return page, nil
}

// RecordView counts one public view, at most once per (task, ip). A repeat
// view is a successful no-op.
func (s *Service) RecordView(ctx context.Context, taskID string, view domain.TaskView) (bool, error) {
	t, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return false, err
	}
	if t.DeletedAt != nil {
		return false, domain.ErrNotFound
	}
	view.TaskID = t.ID
	view.CreatedAt = s.now().UTC()
	return s.tasks.RecordView(ctx, view)
}

// SoftDelete hides the owner's task from all public surfaces.
func (s *Service) SoftDelete(ctx context.Context, taskID, userID string) error {
	t, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if t.UserID != userID {
		return domain.ErrForbidden
	}
	if err := s.tasks.SoftDelete(ctx, taskID); err != nil {
		return err
	}
	s.invalidateExplore(ctx)
	return nil
}

// SweepStuck fails and refunds tasks that have been in flight longer than
// maxAge. It returns the number of tasks swept.
func (s *Service) SweepStuck(ctx context.Context, maxAge time.Duration, limit int) (int, error) {
	cutoff := s.now().UTC().Add(-maxAge)
	stuck, err := s.tasks.ListStuckProcessing(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list stuck tasks: %w", err)
	}
	swept := 0
	for i := range stuck {
		t := stuck[i]
		if err := s.applyFailure(ctx, &t, "task timed out"); err != nil {
			s.log.Error().Err(err).Str("task_id", t.ID).Msg("sweep failed")
			continue
		}
		swept++
	}
	return swept, nil
}

// applyFailure conditionally fails the task and refunds its debit. The
// refund only runs when this call actually flipped the task to failed, so a
// replayed failure webhook can never refund twice.
func (s *Service) applyFailure(ctx context.Context, t *domain.Task, errMsg string) error {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	applied, err := s.tasks.Fail(ctx, t.ID, errMsg, s.elapsedMs(t))
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if !applied {
		return nil
	}
	s.log.Info().Str("task_id", t.ID).Str("error", errMsg).Msg("task failed")
	if t.ConsumeTxID == "" {
		return nil
	}
	refund, err := s.quota.Refund(ctx, t.ConsumeTxID, "task failed: "+errMsg)
	if err != nil {
		if errorsIsDuplicate(err) {
			return nil
		}
		// The task is already failed; surface the refund problem but keep
		// the state transition.
		s.log.Error().Err(err).Str("task_id", t.ID).Msg("refund failed")
		return nil
	}
	if err := s.tasks.SetRefundTx(ctx, t.ID, refund.ID); err != nil {
		s.log.Error().Err(err).Str("task_id", t.ID).Msg("record refund tx failed")
	}
	return nil
}

// failAndRefund is the submission-path compensation: the task row exists but
// the provider never accepted the job.
func (s *Service) failAndRefund(ctx context.Context, t *domain.Task, errMsg string) {
	if err := s.applyFailure(ctx, t, errMsg); err != nil {
		s.log.Error().Err(err).Str("task_id", t.ID).Msg("submission compensation failed")
	}
}

// compensate refunds a debit when the task row itself could not be written.
func (s *Service) compensate(ctx context.Context, t *domain.Task, reason string) {
	if t.ConsumeTxID == "" {
		return
	}
	if _, err := s.quota.Refund(ctx, t.ConsumeTxID, reason); err != nil && !errorsIsDuplicate(err) {
		s.log.Error().Err(err).Str("task_id", t.ID).Msg("compensating refund failed")
	}
}

// moderate runs the async NSFW check after completion. A failed check marks
// the task safe rather than blocking it.
func (s *Service) moderate(taskID, imageURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := s.moderator.CheckImage(ctx, imageURL)
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("moderation check failed, marking safe")
		result = &providers.NSFWResult{IsNSFW: false}
	}
	var details json.RawMessage
	if len(result.Details) > 0 {
		details = json.RawMessage(result.Details)
	}
	if err := s.tasks.SetNSFW(ctx, taskID, result.IsNSFW, details); err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("store moderation result failed")
		return
	}
	s.log.Info().Str("task_id", taskID).Bool("is_nsfw", result.IsNSFW).Msg("moderation check stored")
}

func (s *Service) webhookURL(t *domain.Task) string {
	if s.publicBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/v1/webhooks/%s/%s", s.publicBaseURL, t.Provider, t.ID)
}

func (s *Service) elapsedMs(t *domain.Task) int64 {
	if t.StartedAt.IsZero() {
		return 0
	}
	return s.now().UTC().Sub(t.StartedAt).Milliseconds()
}

func (s *Service) invalidateExplore(ctx context.Context) {
	// First page is the hot one; deeper pages age out with the TTL.
	s.cache.Invalidate(ctx, "explore:50:0")
}

func errorsIsDuplicate(err error) bool {
	return errors.Is(err, domain.ErrDuplicateOperation)
}

func newShareID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
