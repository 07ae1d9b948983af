// Package engine runs the delivery pipeline: preference check, template
// rendering, rate-limited dispatch through a channel sender, and outcome
// recording. Failures are classified as permanent (recorded and done) or
// retryable (handed back to the scheduler as a durable task); no retry loop
// lives inside the engine itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorhub/notification-engine/internal/domain"
	"github.com/tutorhub/notification-engine/internal/preference"
	"github.com/tutorhub/notification-engine/internal/ratelimiter"
	"github.com/tutorhub/notification-engine/internal/render"
	"github.com/tutorhub/notification-engine/internal/repository"
	"github.com/tutorhub/notification-engine/internal/scheduler"
	"github.com/tutorhub/notification-engine/internal/sender"
)

// Scheduling is the slice of the scheduler the engine needs: deferred sends
// and retry hand-backs. Keeping it narrow lets tests substitute a spy and
// keeps the engine from depending on the sweep loop.
type Scheduling interface {
	Schedule(ctx context.Context, payload scheduler.TaskPayload, dueAt time.Time, taskID string) (string, error)
}

// MetricHooks lets callers observe delivery outcomes without coupling the
// engine to a metrics backend. Nil hooks are skipped.
type MetricHooks struct {
	OnSent           func(channel domain.Channel, latency time.Duration)
	OnFailed         func(channel domain.Channel)
	OnBlocked        func(channel domain.Channel)
	OnRetryScheduled func(channel domain.Channel)
}

// Disposition names the outcome of one delivery attempt.
type Disposition string

const (
	DispositionSent           Disposition = "sent"
	DispositionScheduled      Disposition = "scheduled"
	DispositionBlocked        Disposition = "blocked_by_preference"
	DispositionRetryScheduled Disposition = "retry_scheduled"
	DispositionFailed         Disposition = "failed"
)

// DeliveryResult reports what happened to one notification.
type DeliveryResult struct {
	Notification *domain.Notification `json:"notification"`
	Disposition  Disposition          `json:"disposition"`
	TaskID       string               `json:"task_id,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// BatchError pairs a failed batch item with its position in the request.
type BatchError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchSummary aggregates the outcome of one batch-send call.
type BatchSummary struct {
	CorrelationID string       `json:"correlation_id"`
	Total         int          `json:"total"`
	Sent          int          `json:"sent"`
	Scheduled     int          `json:"scheduled"`
	Blocked       int          `json:"blocked"`
	Failed        int          `json:"failed"`
	Errors        []BatchError `json:"errors,omitempty"`
}

type Engine struct {
	repo      repository.NotificationRepository
	templates repository.TemplateRepository
	prefs     *preference.Checker
	renderer  *render.Renderer
	senders   *sender.Registry
	limiters  *ratelimiter.ChannelLimiters
	sched     Scheduling
	hooks     MetricHooks
	logger    *zap.Logger

	sendTimeout      time.Duration
	retryDelay       time.Duration
	batchConcurrency int

	now func() time.Time
}

type Options struct {
	SendTimeout      time.Duration
	RetryDelay       time.Duration
	BatchConcurrency int
}

func New(
	repo repository.NotificationRepository,
	templates repository.TemplateRepository,
	prefs *preference.Checker,
	renderer *render.Renderer,
	senders *sender.Registry,
	limiters *ratelimiter.ChannelLimiters,
	sched Scheduling,
	hooks MetricHooks,
	opts Options,
	logger *zap.Logger,
) *Engine {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Minute
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = 10
	}
	return &Engine{
		repo:             repo,
		templates:        templates,
		prefs:            prefs,
		renderer:         renderer,
		senders:          senders,
		limiters:         limiters,
		sched:            sched,
		hooks:            hooks,
		logger:           logger,
		sendTimeout:      opts.SendTimeout,
		retryDelay:       opts.RetryDelay,
		batchConcurrency: opts.BatchConcurrency,
		now:              time.Now,
	}
}

// Send validates the request, persists a notification and either delivers it
// immediately or, when send_at lies in the future, parks it as a scheduler
// task.
func (e *Engine) Send(ctx context.Context, req *domain.SendRequest) (*DeliveryResult, error) {
	return e.send(ctx, req, "")
}

// SendIdempotent behaves like Send but first checks the idempotency key; a
// key already on record short-circuits to the existing notification. The
// second return value reports whether a new notification was created.
func (e *Engine) SendIdempotent(ctx context.Context, req *domain.SendRequest, key string) (*DeliveryResult, bool, error) {
	existing, err := e.repo.GetByIdempotencyKey(ctx, key)
	if err == nil {
		return &DeliveryResult{
			Notification: existing,
			Disposition:  Disposition(existing.Status),
		}, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}

	res, err := e.send(ctx, req, key)
	if errors.Is(err, domain.ErrConflict) {
		// Lost the race against a concurrent insert of the same key.
		existing, lookupErr := e.repo.GetByIdempotencyKey(ctx, key)
		if lookupErr != nil {
			return nil, false, fmt.Errorf("idempotency lookup after conflict: %w", lookupErr)
		}
		return &DeliveryResult{
			Notification: existing,
			Disposition:  Disposition(existing.Status),
		}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

func (e *Engine) send(ctx context.Context, req *domain.SendRequest, idempotencyKey string) (*DeliveryResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	n := e.newNotification(req, idempotencyKey)
	if err := e.repo.Create(ctx, n); err != nil {
		return nil, err
	}

	if req.SendAt != nil && req.SendAt.After(e.now()) {
		taskID, err := e.sched.Schedule(ctx, scheduler.TaskPayload{NotificationID: n.ID}, *req.SendAt, n.ID)
		if err != nil {
			return nil, fmt.Errorf("schedule notification %s: %w", n.ID, err)
		}
		e.logger.Info("notification scheduled",
			zap.String("notification_id", n.ID),
			zap.Time("send_at", *req.SendAt),
		)
		return &DeliveryResult{Notification: n, Disposition: DispositionScheduled, TaskID: taskID}, nil
	}

	return e.Deliver(ctx, n)
}

// Deliver runs one delivery attempt for an already-persisted notification.
// It returns an error only for infrastructure faults that prevented an
// attempt; delivery failures are recorded on the notification and reported
// through the result's Disposition.
func (e *Engine) Deliver(ctx context.Context, n *domain.Notification) (*DeliveryResult, error) {
	if !e.prefs.Enabled(ctx, n.UserID, n.Type, n.Channel) {
		if e.hooks.OnBlocked != nil {
			e.hooks.OnBlocked(n.Channel)
		}
		e.logger.Info("delivery blocked by user preference",
			zap.String("notification_id", n.ID),
			zap.Int64("user_id", n.UserID),
			zap.String("channel", string(n.Channel)),
		)
		// Status stays pending: the user disabling a channel is not a
		// delivery failure and must not burn a retry.
		return &DeliveryResult{Notification: n, Disposition: DispositionBlocked}, nil
	}

	msg := e.resolveContent(ctx, n)

	if err := e.repo.MarkSending(ctx, n.ID); err != nil {
		return nil, fmt.Errorf("mark sending %s: %w", n.ID, err)
	}
	n.Status = domain.StatusSending

	snd, err := e.senders.For(n.Channel)
	if err != nil {
		return e.recordFailure(ctx, n, sender.Permanent(err))
	}

	if err := e.limiters.Wait(ctx, n.Channel); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()

	start := e.now()
	res, err := snd.Send(sendCtx, msg)
	if err != nil {
		return e.recordFailure(ctx, n, err)
	}

	sentAt := e.now()
	if err := e.repo.MarkSent(ctx, n.ID, sentAt); err != nil {
		return nil, fmt.Errorf("mark sent %s: %w", n.ID, err)
	}
	n.Status = domain.StatusSent
	n.SentAt = &sentAt

	if e.hooks.OnSent != nil {
		e.hooks.OnSent(n.Channel, sentAt.Sub(start))
	}
	e.logger.Info("notification sent",
		zap.String("notification_id", n.ID),
		zap.String("channel", string(n.Channel)),
		zap.String("provider_message_id", res.ProviderMessageID),
	)
	return &DeliveryResult{Notification: n, Disposition: DispositionSent}, nil
}

// resolveContent renders the stored template when one is named, falling back
// to the literal title and message on any template problem. A lookup or
// render error degrades the content, it never fails the delivery.
func (e *Engine) resolveContent(ctx context.Context, n *domain.Notification) sender.Message {
	msg := sender.Message{
		Address: n.RecipientAddress,
		Title:   n.Title,
		Body:    n.Message,
	}
	if n.HTMLMessage != nil {
		msg.HTMLBody = *n.HTMLMessage
	}
	if n.TemplateName == nil || *n.TemplateName == "" {
		return msg
	}

	tmpl, err := e.templates.GetActive(ctx, *n.TemplateName, n.Channel)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			e.logger.Warn("template lookup failed, using literal content",
				zap.String("template", *n.TemplateName),
				zap.Error(err),
			)
		}
		return msg
	}

	rendered, err := e.renderer.Apply(tmpl, n.Context)
	if err != nil {
		e.logger.Warn("template render failed, using literal content",
			zap.String("template", *n.TemplateName),
			zap.Error(err),
		)
		return msg
	}

	if rendered.Subject != "" {
		msg.Title = rendered.Subject
	}
	if rendered.Body != "" {
		msg.Body = rendered.Body
	}
	if rendered.HTML != "" {
		msg.HTMLBody = rendered.HTML
	}
	return msg
}

// recordFailure classifies a send error and updates the notification.
// Permanent errors and exhausted retries end in status failed; a retryable
// failure below the cap is recorded and handed back to the scheduler with a
// fixed delay.
func (e *Engine) recordFailure(ctx context.Context, n *domain.Notification, sendErr error) (*DeliveryResult, error) {
	now := e.now()
	errMsg := sendErr.Error()

	if sender.IsPermanent(sendErr) {
		if err := e.repo.MarkFailed(ctx, n.ID, errMsg, now); err != nil {
			return nil, fmt.Errorf("mark failed %s: %w", n.ID, err)
		}
		n.Status = domain.StatusFailed
		n.LastError = &errMsg
		if e.hooks.OnFailed != nil {
			e.hooks.OnFailed(n.Channel)
		}
		e.logger.Warn("permanent delivery failure",
			zap.String("notification_id", n.ID),
			zap.String("channel", string(n.Channel)),
			zap.Error(sendErr),
		)
		return &DeliveryResult{Notification: n, Disposition: DispositionFailed, Error: errMsg}, nil
	}

	n.RetryCount++
	n.Status = domain.StatusFailed
	n.LastError = &errMsg
	if err := e.repo.RecordRetry(ctx, n.ID, n.RetryCount, errMsg, now); err != nil {
		return nil, fmt.Errorf("record retry %s: %w", n.ID, err)
	}

	if n.RetryCount >= n.MaxRetries {
		if e.hooks.OnFailed != nil {
			e.hooks.OnFailed(n.Channel)
		}
		e.logger.Warn("retries exhausted",
			zap.String("notification_id", n.ID),
			zap.Int("retry_count", n.RetryCount),
			zap.Error(sendErr),
		)
		return &DeliveryResult{Notification: n, Disposition: DispositionFailed, Error: errMsg}, nil
	}

	dueAt := now.Add(e.retryDelay)
	taskID, err := e.sched.Schedule(ctx, scheduler.TaskPayload{NotificationID: n.ID}, dueAt, "")
	if err != nil {
		// The failure is already on record; losing the hand-back leaves the
		// notification eligible for manual retry.
		e.logger.Error("retry hand-back failed",
			zap.String("notification_id", n.ID),
			zap.Error(err),
		)
		return &DeliveryResult{Notification: n, Disposition: DispositionFailed, Error: errMsg}, nil
	}

	if e.hooks.OnRetryScheduled != nil {
		e.hooks.OnRetryScheduled(n.Channel)
	}
	e.logger.Info("retry scheduled",
		zap.String("notification_id", n.ID),
		zap.Int("retry_count", n.RetryCount),
		zap.Time("due_at", dueAt),
	)
	return &DeliveryResult{Notification: n, Disposition: DispositionRetryScheduled, TaskID: taskID, Error: errMsg}, nil
}

// Retry re-runs delivery for a failed or still-pending notification on
// operator request. Exhausted or already-delivered notifications are
// rejected.
func (e *Engine) Retry(ctx context.Context, id string) (*DeliveryResult, error) {
	n, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch n.Status {
	case domain.StatusFailed, domain.StatusPending:
	default:
		return nil, domain.ErrNotRetryable
	}
	if n.Status == domain.StatusFailed && n.RetryCount >= n.MaxRetries {
		return nil, domain.ErrRetriesExhausted
	}
	return e.Deliver(ctx, n)
}

// HandleTask is the scheduler's sweep callback. A returned error keeps the
// task in the store for the next sweep; nil lets the scheduler remove it.
func (e *Engine) HandleTask(ctx context.Context, task *scheduler.Task) error {
	switch {
	case task.Payload.NotificationID != "":
		return e.handleStoredTask(ctx, task)
	case task.Payload.Request != nil:
		return e.handleRequestTask(ctx, task)
	default:
		e.logger.Warn("dropping task with empty payload", zap.String("task_id", task.ID))
		return nil
	}
}

func (e *Engine) handleStoredTask(ctx context.Context, task *scheduler.Task) error {
	n, err := e.repo.GetByID(ctx, task.Payload.NotificationID)
	if errors.Is(err, domain.ErrNotFound) {
		e.logger.Warn("scheduled notification no longer exists, dropping task",
			zap.String("task_id", task.ID),
			zap.String("notification_id", task.Payload.NotificationID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load notification %s: %w", task.Payload.NotificationID, err)
	}

	if n.Status == domain.StatusCancelled || n.Terminal() {
		e.logger.Debug("skipping task for terminal notification",
			zap.String("notification_id", n.ID),
			zap.String("status", string(n.Status)),
		)
		return nil
	}

	_, err = e.Deliver(ctx, n)
	return err
}

func (e *Engine) handleRequestTask(ctx context.Context, task *scheduler.Task) error {
	req := task.Payload.Request
	if err := req.Validate(); err != nil {
		e.logger.Warn("dropping task with invalid request",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return nil
	}

	n := e.newNotification(req, "")
	if task.Payload.Total > 0 {
		if n.Context == nil {
			n.Context = make(map[string]any, 2)
		}
		n.Context["occurrence"] = task.Payload.Sequence
		n.Context["total_occurrences"] = task.Payload.Total
	}
	if err := e.repo.Create(ctx, n); err != nil {
		return fmt.Errorf("create from task %s: %w", task.ID, err)
	}

	_, err := e.Deliver(ctx, n)
	return err
}

// SendBatch delivers up to domain.MaxBatchSize notifications under one
// correlation id. Items run with bounded concurrency in priority order;
// each item is isolated, so one failure (even a panic) never aborts the
// rest.
func (e *Engine) SendBatch(ctx context.Context, batch *domain.BatchRequest) (*BatchSummary, error) {
	if len(batch.Notifications) == 0 {
		return nil, domain.ErrBatchEmpty
	}
	if len(batch.Notifications) > domain.MaxBatchSize {
		return nil, domain.ErrBatchTooLarge
	}

	correlationID := batch.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	// Stable sort keeps submission order among equal priorities.
	order := make([]int, len(batch.Notifications))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		pa := batch.Notifications[order[a]].Priority
		pb := batch.Notifications[order[b]].Priority
		return pa.Rank() < pb.Rank()
	})

	summary := &BatchSummary{
		CorrelationID: correlationID,
		Total:         len(batch.Notifications),
	}
	var mu sync.Mutex

	sem := make(chan struct{}, e.batchConcurrency)
	var wg sync.WaitGroup
	for _, idx := range order {
		req := batch.Notifications[idx]
		req.CorrelationID = correlationID

		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, req domain.SendRequest) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if p := recover(); p != nil {
					e.logger.Error("panic delivering batch item",
						zap.Int("index", idx),
						zap.Any("panic", p),
					)
					mu.Lock()
					summary.Failed++
					summary.Errors = append(summary.Errors, BatchError{Index: idx, Error: fmt.Sprintf("panic: %v", p)})
					mu.Unlock()
				}
			}()

			res, err := e.Send(ctx, &req)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				summary.Errors = append(summary.Errors, BatchError{Index: idx, Error: err.Error()})
				return
			}
			switch res.Disposition {
			case DispositionSent:
				summary.Sent++
			case DispositionScheduled:
				summary.Scheduled++
			case DispositionBlocked:
				summary.Blocked++
			default:
				summary.Failed++
				summary.Errors = append(summary.Errors, BatchError{Index: idx, Error: res.Error})
			}
		}(idx, req)
	}
	wg.Wait()

	e.logger.Info("batch processed",
		zap.String("correlation_id", correlationID),
		zap.Int("total", summary.Total),
		zap.Int("sent", summary.Sent),
		zap.Int("scheduled", summary.Scheduled),
		zap.Int("blocked", summary.Blocked),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (e *Engine) newNotification(req *domain.SendRequest, idempotencyKey string) *domain.Notification {
	now := e.now()
	n := &domain.Notification{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Channel:          req.Channel,
		RecipientAddress: req.RecipientAddress,
		Type:             req.Type,
		Title:            req.Title,
		Message:          req.Message,
		Context:          req.Context,
		Priority:         req.Priority,
		Status:           domain.StatusPending,
		MaxRetries:       domain.DefaultMaxRetries,
		ScheduledAt:      req.SendAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.CorrelationID != "" {
		n.CorrelationID = &req.CorrelationID
	}
	if req.HTMLMessage != "" {
		n.HTMLMessage = &req.HTMLMessage
	}
	if req.TemplateName != "" {
		n.TemplateName = &req.TemplateName
	}
	if idempotencyKey != "" {
		n.IdempotencyKey = &idempotencyKey
	}
	return n
}
