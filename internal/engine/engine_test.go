package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tutorhub/notification-engine/internal/domain"
	"github.com/tutorhub/notification-engine/internal/engine"
	"github.com/tutorhub/notification-engine/internal/preference"
	"github.com/tutorhub/notification-engine/internal/ratelimiter"
	"github.com/tutorhub/notification-engine/internal/render"
	"github.com/tutorhub/notification-engine/internal/repository"
	"github.com/tutorhub/notification-engine/internal/scheduler"
	"github.com/tutorhub/notification-engine/internal/sender"
)

// stubSender records every message and fails per-address on demand.
type stubSender struct {
	mu       sync.Mutex
	messages []sender.Message
	errFor   map[string]error
	err      error
}

func (s *stubSender) Send(_ context.Context, msg sender.Message) (*sender.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	if err, ok := s.errFor[msg.Address]; ok {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	return &sender.Result{ProviderMessageID: "provider-1"}, nil
}

func (s *stubSender) sent() []sender.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sender.Message(nil), s.messages...)
}

type scheduledCall struct {
	payload scheduler.TaskPayload
	dueAt   time.Time
	taskID  string
}

// spyScheduler records hand-backs without running a sweep loop.
type spyScheduler struct {
	mu    sync.Mutex
	calls []scheduledCall
	err   error
}

func (s *spyScheduler) Schedule(_ context.Context, payload scheduler.TaskPayload, dueAt time.Time, taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if taskID == "" {
		taskID = fmt.Sprintf("task-%d", len(s.calls)+1)
	}
	s.calls = append(s.calls, scheduledCall{payload: payload, dueAt: dueAt, taskID: taskID})
	return taskID, nil
}

func (s *spyScheduler) scheduled() []scheduledCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduledCall(nil), s.calls...)
}

type fixture struct {
	engine    *engine.Engine
	repo      *repository.MockNotificationRepository
	templates *repository.MockTemplateRepository
	prefs     *repository.MockPreferenceRepository
	snd       *stubSender
	sched     *spyScheduler
}

func newFixture(opts engine.Options) *fixture {
	f := &fixture{
		repo:      repository.NewMockNotificationRepository(),
		templates: repository.NewMockTemplateRepository(),
		prefs:     repository.NewMockPreferenceRepository(),
		snd:       &stubSender{errFor: make(map[string]error)},
		sched:     &spyScheduler{},
	}

	senders := sender.NewRegistry()
	for _, ch := range domain.Channels {
		senders.Register(ch, f.snd)
	}

	f.engine = engine.New(
		f.repo,
		f.templates,
		preference.NewChecker(f.prefs, zap.NewNop()),
		render.New(),
		senders,
		ratelimiter.New(1000),
		f.sched,
		engine.MetricHooks{},
		opts,
		zap.NewNop(),
	)
	return f
}

func validReq() *domain.SendRequest {
	return &domain.SendRequest{
		UserID:           42,
		Channel:          domain.ChannelEmail,
		RecipientAddress: "student@example.com",
		Type:             domain.TypeLessonReminder,
		Title:            "Upcoming lesson",
		Message:          "Your lesson starts at 18:00",
	}
}

func TestEngine_Send_Success(t *testing.T) {
	f := newFixture(engine.Options{})
	ctx := context.Background()

	res, err := f.engine.Send(ctx, validReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Disposition != engine.DispositionSent {
		t.Fatalf("expected disposition sent, got %s", res.Disposition)
	}
	if res.Notification.Status != domain.StatusSent {
		t.Fatalf("expected status sent, got %s", res.Notification.Status)
	}

	stored, err := f.repo.GetByID(ctx, res.Notification.ID)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	if stored.Status != domain.StatusSent || stored.SentAt == nil {
		t.Fatalf("expected persisted sent status with timestamp, got %+v", stored)
	}

	msgs := f.snd.sent()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 send, got %d", len(msgs))
	}
	if msgs[0].Address != "student@example.com" || msgs[0].Body != "Your lesson starts at 18:00" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
}

func TestEngine_Send_FutureCreatesTask(t *testing.T) {
	f := newFixture(engine.Options{})
	ctx := context.Background()

	sendAt := time.Now().Add(time.Hour)
	req := validReq()
	req.SendAt = &sendAt

	res, err := f.engine.Send(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Disposition != engine.DispositionScheduled {
		t.Fatalf("expected disposition scheduled, got %s", res.Disposition)
	}
	if len(f.snd.sent()) != 0 {
		t.Fatal("scheduled notification must not be sent yet")
	}

	calls := f.sched.scheduled()
	if len(calls) != 1 {
		t.Fatalf("expected 1 scheduler call, got %d", len(calls))
	}
	if calls[0].taskID != res.Notification.ID {
		t.Fatalf("expected task id %s, got %s", res.Notification.ID, calls[0].taskID)
	}
	if calls[0].payload.NotificationID != res.Notification.ID {
		t.Fatalf("expected payload to reference the notification")
	}

	stored, _ := f.repo.GetByID(ctx, res.Notification.ID)
	if stored.Status != domain.StatusPending {
		t.Fatalf("expected pending until due, got %s", stored.Status)
	}
}

func TestEngine_Deliver_BlockedByPreference(t *testing.T) {
	f := newFixture(engine.Options{})
	ctx := context.Background()

	f.prefs.Put(&domain.Preference{
		UserID:      42,
		Type:        domain.TypeLessonReminder,
		ChatEnabled: true,
		PushEnabled: true,
		SMSEnabled:  true,
		// EmailEnabled false
	})

	res, err := f.engine.Send(ctx, validReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Disposition != engine.DispositionBlocked {
		t.Fatalf("expected disposition blocked, got %s", res.Disposition)
	}
	if len(f.snd.sent()) != 0 {
		t.Fatal("blocked delivery must never reach the sender")
	}

	stored, _ := f.repo.GetByID(ctx, res.Notification.ID)
	if stored.Status != domain.StatusPending {
		t.Fatalf("blocked delivery must not change status, got %s", stored.Status)
	}
	if stored.RetryCount != 0 {
		t.Fatalf("blocked delivery must not burn a retry, got %d", stored.RetryCount)
	}
}

func TestEngine_Deliver_AppliesTemplate(t *testing.T) {
	f := newFixture(engine.Options{})
	ctx := context.Background()

	f.templates.Put(&domain.Template{
		Name:            "lesson_reminder",
		Channel:         domain.ChannelEmail,
		SubjectTemplate: "Lesson: {{.subject}}",
		BodyTemplate:    "Your {{.subject}} lesson starts at {{.time}}",
		IsActive:        true,
	})

	req := validReq()
	req.TemplateName = "lesson_reminder"
	req.Context = map[string]any{"subject": "Math", "time": "18:00"}

	res, err := f.engine.Send(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Disposition != engine.DispositionSent {
		t.Fatalf("expected sent, got %s", res.Disposition)
	}

	msgs := f.snd.sent()
	if msgs[0].Title != "Lesson: Math" {
		t.Fatalf("expected rendered subject, got %q", msgs[0].Title)
	}
	if msgs[0].Body != "Your Math lesson starts at 18:00" {
		t.Fatalf("expected rendered body, got %q", msgs[0].Body)
	}
}

func TestEngine_Deliver_MissingTemplateFallsBack(t *testing.T) {
	f := newFixture(engine.Options{})
	ctx := context.Background()

	req := validReq()
	req.TemplateName = "does_not_exist"

	res, err := f.engine.Send(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Disposition != engine.DispositionSent {
		t.Fatalf("expected sent despite missing template, got %s", res.Disposition)
	}

	msgs := f.snd.sent()
	if msgs[0].Title != "Upcoming lesson" || msgs[0].Body != "Your lesson starts at 18:00" {
		t.Fatalf("expected literal content fallback, got %+v", msgs[0])
	}
}

func TestEngine_Deliver_RetryableFailureSchedulesRetry(t *testing.T) {
	retryDelay := time.Minute
	f := newFixture(engine.Options{RetryDelay: retryDelay})
	ctx := context.Background()

	f.snd.err = errors.New("connection timed out")

	before := time.Now()
	res, err := f.engine.Send(ctx, validReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Disposition != engine.DispositionRetryScheduled {
		t.Fatalf("expected retry_scheduled, got %s", res.Disposition)
	}

	stored, _ := f.repo.GetByID(ctx, res.Notification.ID)
	if stored.Status != domain.StatusFailed || stored.RetryCount != 1 {
		t.Fatalf("expected failed with retry_count=1, got status=%s rc=%d", stored.Status, stored.RetryCount)
	}
	if stored.LastError == nil {
		t.Fatal("expected last error recorded")
	}

	calls := f.sched.scheduled()
	if len(calls) != 1 {
		t.Fatalf("expected 1 scheduled retry, got %d", len(calls))
	}
	if calls[0].payload.NotificationID != res.Notification.ID {
		t.Fatal("retry task must reference the notification")
	}
	gap := calls[0].dueAt.Sub(before)
	if gap < retryDelay-5*time.Second || gap > retryDelay+5*time.Second {
		t.Fatalf("expected retry due around +%v, got +%v", retryDelay, gap)
	}
}

func TestEngine_Deliver_PermanentFailureDoesNotRetry(t *testing.T) {
	f := newFixture(engine.Options{})
	ctx := context.Background()

	f.snd.err = sender.Permanentf("recipient rejected")

	res, err := f.engine.Send(ctx, validReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Disposition != engine.DispositionFailed {
		t.Fatalf("expected failed, got %s", res.Disposition)
	}

	stored, _ := f.repo.GetByID(ctx, res.Notification.ID)
	if stored.Status != domain.StatusFailed {
		t.Fatalf("expected status failed, got %s", stored.Status)
	}
	if stored.RetryCount != 0 {
		t.Fatalf("permanent failure must not increment retry count, got %d", stored.RetryCount)
	}
	if len(f.sched.scheduled()) != 0 {
		t.Fatal("permanent failure must not schedule a retry")
	}
}

func TestEngine_RetriesExhaustAfterMaxAttempts(t *testing.T) {
	f := newFixture(engine.Options{})
	ctx := context.Background()

	f.snd.err = errors.New("provider unavailable")

	res, err := f.engine.Send(ctx, validReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id := res.Notification.ID

	// Replay the scheduled retries the way the sweep would.
	for attempt := 2; attempt <= domain.DefaultMaxRetries; attempt++ {
		task := &scheduler.Task{ID: "retry", Payload: scheduler.TaskPayload{NotificationID: id}}
		if err := f.engine.HandleTask(ctx, task); err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
	}

	stored, _ := f.repo.GetByID(ctx, id)
	if stored.RetryCount != domain.DefaultMaxRetries {
		t.Fatalf("expected retry_count=%d, got %d", domain.DefaultMaxRetries, stored.RetryCount)
	}
	if !stored.Terminal() {
		t.Fatal("expected notification to be terminal after exhausting retries")
	}

	// Attempts 1 and 2 scheduled a retry; the final one must not.
	if got := len(f.sched.scheduled()); got != domain.DefaultMaxRetries-1 {
		t.Fatalf("expected %d scheduled retries, got %d", domain.DefaultMaxRetries-1, got)
	}

	// The sweep drops further tasks for a terminal notification.
	task := &scheduler.Task{ID: "late", Payload: scheduler.TaskPayload{NotificationID: id}}
	if err := f.engine.HandleTask(ctx, task); err != nil {
		t.Fatalf("late task: %v", err)
	}
	if got := len(f.snd.sent()); got != domain.DefaultMaxRetries {
		t.Fatalf("expected no send after terminal state, got %d sends", got)
	}
}

func TestEngine_Retry_Guards(t *testing.T) {
	ctx := context.Background()

	t.Run("sent notification is not retryable", func(t *testing.T) {
		f := newFixture(engine.Options{})
		res, _ := f.engine.Send(ctx, validReq())

		if _, err := f.engine.Retry(ctx, res.Notification.ID); !errors.Is(err, domain.ErrNotRetryable) {
			t.Fatalf("expected ErrNotRetryable, got %v", err)
		}
	})

	t.Run("exhausted notification is rejected", func(t *testing.T) {
		f := newFixture(engine.Options{})
		f.snd.err = errors.New("down")
		res, _ := f.engine.Send(ctx, validReq())
		id := res.Notification.ID
		_ = f.repo.RecordRetry(ctx, id, domain.DefaultMaxRetries, "down", time.Now())

		if _, err := f.engine.Retry(ctx, id); !errors.Is(err, domain.ErrRetriesExhausted) {
			t.Fatalf("expected ErrRetriesExhausted, got %v", err)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		f := newFixture(engine.Options{})
		if _, err := f.engine.Retry(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("failed notification retries successfully", func(t *testing.T) {
		f := newFixture(engine.Options{})
		f.snd.err = errors.New("down")
		res, _ := f.engine.Send(ctx, validReq())

		f.snd.err = nil
		retried, err := f.engine.Retry(ctx, res.Notification.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if retried.Disposition != engine.DispositionSent {
			t.Fatalf("expected sent on manual retry, got %s", retried.Disposition)
		}
	})
}

func TestEngine_SendIdempotent(t *testing.T) {
	f := newFixture(engine.Options{})
	ctx := context.Background()

	first, created, err := f.engine.SendIdempotent(ctx, validReq(), "evt-1:42:email")
	if err != nil || !created {
		t.Fatalf("first call: created=%v err=%v", created, err)
	}

	second, created, err := f.engine.SendIdempotent(ctx, validReq(), "evt-1:42:email")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if created {
		t.Fatal("expected duplicate key to be suppressed")
	}
	if second.Notification.ID != first.Notification.ID {
		t.Fatal("expected the existing notification back")
	}
	if len(f.snd.sent()) != 1 {
		t.Fatalf("expected exactly 1 send, got %d", len(f.snd.sent()))
	}
}

func TestEngine_HandleTask(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown notification drops task", func(t *testing.T) {
		f := newFixture(engine.Options{})
		task := &scheduler.Task{ID: "t1", Payload: scheduler.TaskPayload{NotificationID: "gone"}}
		if err := f.engine.HandleTask(ctx, task); err != nil {
			t.Fatalf("expected nil for missing notification, got %v", err)
		}
	})

	t.Run("repository error keeps task", func(t *testing.T) {
		f := newFixture(engine.Options{})
		f.repo.GetByIDErr = errors.New("db down")
		task := &scheduler.Task{ID: "t1", Payload: scheduler.TaskPayload{NotificationID: "any"}}
		if err := f.engine.HandleTask(ctx, task); err == nil {
			t.Fatal("expected error so the task stays in the store")
		}
	})

	t.Run("cancelled notification is skipped", func(t *testing.T) {
		f := newFixture(engine.Options{})
		sendAt := time.Now().Add(time.Hour)
		req := validReq()
		req.SendAt = &sendAt
		res, _ := f.engine.Send(ctx, req)
		_ = f.repo.Cancel(ctx, res.Notification.ID)

		task := &scheduler.Task{ID: "t1", Payload: scheduler.TaskPayload{NotificationID: res.Notification.ID}}
		if err := f.engine.HandleTask(ctx, task); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(f.snd.sent()) != 0 {
			t.Fatal("cancelled notification must not be sent")
		}
	})

	t.Run("request payload creates and delivers", func(t *testing.T) {
		f := newFixture(engine.Options{})
		task := &scheduler.Task{
			ID:      "recurring_1_2",
			Payload: scheduler.TaskPayload{Request: validReq(), Sequence: 2, Total: 5},
		}
		if err := f.engine.HandleTask(ctx, task); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(f.snd.sent()) != 1 {
			t.Fatalf("expected 1 send, got %d", len(f.snd.sent()))
		}

		list, total, _ := f.repo.ListForUser(ctx, domain.ListFilter{UserID: 42, Limit: 10})
		if total != 1 {
			t.Fatalf("expected 1 stored notification, got %d", total)
		}
		if list[0].Context["occurrence"] != 2 {
			t.Fatalf("expected occurrence 2 in context, got %v", list[0].Context["occurrence"])
		}
	})
}

func TestEngine_SendBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("empty batch", func(t *testing.T) {
		f := newFixture(engine.Options{})
		if _, err := f.engine.SendBatch(ctx, &domain.BatchRequest{}); !errors.Is(err, domain.ErrBatchEmpty) {
			t.Fatalf("expected ErrBatchEmpty, got %v", err)
		}
	})

	t.Run("oversized batch", func(t *testing.T) {
		f := newFixture(engine.Options{})
		reqs := make([]domain.SendRequest, domain.MaxBatchSize+1)
		for i := range reqs {
			reqs[i] = *validReq()
		}
		_, err := f.engine.SendBatch(ctx, &domain.BatchRequest{Notifications: reqs})
		if !errors.Is(err, domain.ErrBatchTooLarge) {
			t.Fatalf("expected ErrBatchTooLarge, got %v", err)
		}
	})

	t.Run("one failure does not abort the rest", func(t *testing.T) {
		f := newFixture(engine.Options{BatchConcurrency: 1})

		bad := *validReq()
		bad.RecipientAddress = "bad@example.com"
		f.snd.errFor["bad@example.com"] = sender.Permanentf("mailbox gone")

		batch := &domain.BatchRequest{
			CorrelationID: "batch-1",
			Notifications: []domain.SendRequest{*validReq(), bad, *validReq()},
		}
		summary, err := f.engine.SendBatch(ctx, batch)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if summary.Total != 3 || summary.Sent != 2 || summary.Failed != 1 {
			t.Fatalf("unexpected summary: %+v", summary)
		}
		if len(summary.Errors) != 1 || summary.Errors[0].Index != 1 {
			t.Fatalf("expected error entry for index 1, got %+v", summary.Errors)
		}
		if summary.CorrelationID != "batch-1" {
			t.Fatalf("expected correlation id preserved, got %s", summary.CorrelationID)
		}
	})

	t.Run("invalid item is rejected without touching the others", func(t *testing.T) {
		f := newFixture(engine.Options{BatchConcurrency: 1})

		invalid := *validReq()
		invalid.Channel = "fax"

		summary, err := f.engine.SendBatch(ctx, &domain.BatchRequest{
			Notifications: []domain.SendRequest{*validReq(), invalid},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if summary.Sent != 1 || summary.Failed != 1 {
			t.Fatalf("unexpected summary: %+v", summary)
		}
	})

	t.Run("priority orders dispatch", func(t *testing.T) {
		f := newFixture(engine.Options{BatchConcurrency: 1})

		low := *validReq()
		low.Priority = domain.PriorityLow
		low.RecipientAddress = "low@example.com"

		urgent := *validReq()
		urgent.Priority = domain.PriorityUrgent
		urgent.RecipientAddress = "urgent@example.com"

		normal := *validReq()
		normal.RecipientAddress = "normal@example.com"

		_, err := f.engine.SendBatch(ctx, &domain.BatchRequest{
			Notifications: []domain.SendRequest{low, urgent, normal},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		msgs := f.snd.sent()
		if len(msgs) != 3 {
			t.Fatalf("expected 3 sends, got %d", len(msgs))
		}
		if msgs[0].Address != "urgent@example.com" || msgs[2].Address != "low@example.com" {
			t.Fatalf("expected urgent first and low last, got %v, %v, %v",
				msgs[0].Address, msgs[1].Address, msgs[2].Address)
		}
	})
}
