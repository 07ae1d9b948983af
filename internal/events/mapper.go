// Package events consumes platform domain events from RabbitMQ and maps
// them to notifications. The mapper decides who gets told what on which
// channel; the consumer only moves bytes and acks.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tutorhub/notification-engine/internal/directory"
	"github.com/tutorhub/notification-engine/internal/domain"
	"github.com/tutorhub/notification-engine/internal/engine"
)

// RoutingKeys lists every event the service subscribes to.
var RoutingKeys = []string{
	"lesson.created",
	"lesson.cancelled",
	"lesson.reminder",
	"homework.assigned",
	"homework.overdue",
	"payment.processed",
	"balance.low",
	"material.shared",
	"user.registered",
	"system.notification",
}

// Envelope is the wire shape of a domain event.
type Envelope struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

// Dispatcher is the slice of the delivery engine the mapper needs.
type Dispatcher interface {
	SendIdempotent(ctx context.Context, req *domain.SendRequest, key string) (*engine.DeliveryResult, bool, error)
}

// ContactSource resolves user ids to reachable addresses.
type ContactSource interface {
	Contacts(ctx context.Context, userID int64) ([]directory.Contact, error)
}

type Mapper struct {
	dispatcher Dispatcher
	contacts   ContactSource
	logger     *zap.Logger
	onConsumed func(eventType string)

	now func() time.Time
}

func NewMapper(dispatcher Dispatcher, contacts ContactSource, onConsumed func(string), logger *zap.Logger) *Mapper {
	if onConsumed == nil {
		onConsumed = func(string) {}
	}
	return &Mapper{
		dispatcher: dispatcher,
		contacts:   contacts,
		logger:     logger,
		onConsumed: onConsumed,
		now:        time.Now,
	}
}

// target is one notification the event gives rise to, before channel fan-out.
type target struct {
	userID   int64
	typ      domain.Type
	priority domain.Priority
	title    string
	message  string
	template string
	sendAt   *time.Time
	context  map[string]any
}

// Handle maps one raw event to notifications. Unknown routing keys and
// malformed payloads are logged and dropped; a returned error means the
// event was understood but could not be acted on end to end.
func (m *Mapper) Handle(ctx context.Context, routingKey string, body []byte) error {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		m.logger.Warn("dropping malformed event",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
		return nil
	}
	if env.EventType == "" {
		env.EventType = routingKey
	}
	m.onConsumed(env.EventType)

	targets, err := m.targetsFor(env)
	if err != nil {
		m.logger.Warn("dropping event",
			zap.String("event_id", env.EventID),
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
		return nil
	}

	// Each target is isolated: a directory outage or send failure for one
	// recipient must not swallow the event for the others.
	var firstErr error
	for _, t := range targets {
		if err := m.dispatch(ctx, env.EventID, t); err != nil {
			m.logger.Error("event target failed",
				zap.String("event_id", env.EventID),
				zap.String("event_type", env.EventType),
				zap.Int64("user_id", t.userID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Mapper) dispatch(ctx context.Context, eventID string, t target) error {
	contacts, err := m.contacts.Contacts(ctx, t.userID)
	if err != nil {
		return fmt.Errorf("resolve contacts: %w", err)
	}
	if len(contacts) == 0 {
		m.logger.Info("user has no contact addresses, skipping",
			zap.Int64("user_id", t.userID),
			zap.String("type", string(t.typ)),
		)
		return nil
	}

	for _, contact := range contacts {
		req := &domain.SendRequest{
			UserID:           t.userID,
			Channel:          contact.Channel,
			RecipientAddress: contact.Address,
			Type:             t.typ,
			Title:            t.title,
			Message:          t.message,
			Priority:         t.priority,
			TemplateName:     t.template,
			Context:          t.context,
			CorrelationID:    eventID,
			SendAt:           t.sendAt,
		}
		key := fmt.Sprintf("%s:%d:%s", eventID, t.userID, contact.Channel)
		if _, created, err := m.dispatcher.SendIdempotent(ctx, req, key); err != nil {
			return fmt.Errorf("dispatch on %s: %w", contact.Channel, err)
		} else if !created {
			m.logger.Debug("duplicate event delivery suppressed",
				zap.String("idempotency_key", key),
			)
		}
	}
	return nil
}

func (m *Mapper) targetsFor(env Envelope) ([]target, error) {
	p := payload(env.Payload)
	switch env.EventType {
	case "lesson.created":
		return m.lessonCreated(p)
	case "lesson.cancelled":
		return lessonCancelled(p)
	case "lesson.reminder":
		return lessonReminder(p)
	case "homework.assigned":
		return homeworkAssigned(p)
	case "homework.overdue":
		return homeworkOverdue(p)
	case "payment.processed":
		return paymentProcessed(p)
	case "balance.low":
		return balanceLow(p)
	case "material.shared":
		return materialShared(p)
	case "user.registered":
		return userRegistered(p)
	case "system.notification":
		return systemNotification(p)
	default:
		return nil, fmt.Errorf("unknown event type %q", env.EventType)
	}
}

// lessonCreated schedules a reminder for the student one hour before the
// lesson starts. A lesson starting sooner than that gets the reminder right
// away.
func (m *Mapper) lessonCreated(p payload) ([]target, error) {
	studentID, err := p.int64("student_id")
	if err != nil {
		return nil, err
	}
	startTime, err := p.time("start_time")
	if err != nil {
		return nil, err
	}
	subject := p.str("subject")

	remindAt := startTime.Add(-time.Hour)
	var sendAt *time.Time
	if remindAt.After(m.now()) {
		sendAt = &remindAt
	}

	return []target{{
		userID:   studentID,
		typ:      domain.TypeLessonReminder,
		priority: domain.PriorityHigh,
		title:    "Upcoming lesson",
		message:  fmt.Sprintf("Your %s lesson starts at %s.", subject, startTime.Format("15:04")),
		template: "lesson_reminder",
		sendAt:   sendAt,
		context: map[string]any{
			"subject":    subject,
			"start_time": startTime,
		},
	}}, nil
}

// lessonCancelled tells both sides of the lesson.
func lessonCancelled(p payload) ([]target, error) {
	studentID, err := p.int64("student_id")
	if err != nil {
		return nil, err
	}
	tutorID, err := p.int64("tutor_id")
	if err != nil {
		return nil, err
	}
	startTime, _ := p.time("start_time")
	reason := p.str("reason")

	msg := fmt.Sprintf("The lesson on %s has been cancelled.", startTime.Format("02.01.2006 15:04"))
	if reason != "" {
		msg += " Reason: " + reason
	}
	ctx := map[string]any{
		"start_time": startTime,
		"reason":     reason,
	}

	mk := func(userID int64) target {
		return target{
			userID:   userID,
			typ:      domain.TypeLessonCancelled,
			priority: domain.PriorityHigh,
			title:    "Lesson cancelled",
			message:  msg,
			template: "lesson_cancelled",
			context:  ctx,
		}
	}
	return []target{mk(studentID), mk(tutorID)}, nil
}

func lessonReminder(p payload) ([]target, error) {
	studentID, err := p.int64("student_id")
	if err != nil {
		return nil, err
	}
	startTime, err := p.time("start_time")
	if err != nil {
		return nil, err
	}
	subject := p.str("subject")

	return []target{{
		userID:   studentID,
		typ:      domain.TypeLessonReminder,
		priority: domain.PriorityHigh,
		title:    "Upcoming lesson",
		message:  fmt.Sprintf("Your %s lesson starts at %s.", subject, startTime.Format("15:04")),
		template: "lesson_reminder",
		context: map[string]any{
			"subject":    subject,
			"start_time": startTime,
		},
	}}, nil
}

func homeworkAssigned(p payload) ([]target, error) {
	studentID, err := p.int64("student_id")
	if err != nil {
		return nil, err
	}
	title := p.str("title")
	dueDate, _ := p.time("due_date")

	return []target{{
		userID:   studentID,
		typ:      domain.TypeHomeworkAssigned,
		priority: domain.PriorityNormal,
		title:    "New homework",
		message:  fmt.Sprintf("You have new homework: %s. Due %s.", title, dueDate.Format("02.01.2006")),
		template: "homework_assigned",
		context: map[string]any{
			"title":    title,
			"due_date": dueDate,
		},
	}}, nil
}

func homeworkOverdue(p payload) ([]target, error) {
	studentID, err := p.int64("student_id")
	if err != nil {
		return nil, err
	}
	title := p.str("title")

	return []target{{
		userID:   studentID,
		typ:      domain.TypeHomeworkOverdue,
		priority: domain.PriorityHigh,
		title:    "Homework overdue",
		message:  fmt.Sprintf("Your homework %q is overdue.", title),
		template: "homework_overdue",
		context:  map[string]any{"title": title},
	}}, nil
}

func paymentProcessed(p payload) ([]target, error) {
	userID, err := p.int64("user_id")
	if err != nil {
		return nil, err
	}
	amount := p.float("amount")

	return []target{{
		userID:   userID,
		typ:      domain.TypePaymentProcessed,
		priority: domain.PriorityNormal,
		title:    "Payment received",
		message:  fmt.Sprintf("Your payment of %.2f has been processed.", amount),
		template: "payment_processed",
		context:  map[string]any{"amount": amount},
	}}, nil
}

func balanceLow(p payload) ([]target, error) {
	userID, err := p.int64("user_id")
	if err != nil {
		return nil, err
	}
	remaining, _ := p.int64("lessons_remaining")

	return []target{{
		userID:   userID,
		typ:      domain.TypeBalanceLow,
		priority: domain.PriorityHigh,
		title:    "Balance running low",
		message:  fmt.Sprintf("You have %d prepaid lessons remaining. Top up to keep your schedule.", remaining),
		template: "balance_low",
		context:  map[string]any{"lessons_remaining": remaining},
	}}, nil
}

func materialShared(p payload) ([]target, error) {
	studentID, err := p.int64("student_id")
	if err != nil {
		return nil, err
	}
	title := p.str("title")
	tutorName := p.str("tutor_name")

	return []target{{
		userID:   studentID,
		typ:      domain.TypeMaterialShared,
		priority: domain.PriorityNormal,
		title:    "New study material",
		message:  fmt.Sprintf("%s shared %q with you.", tutorName, title),
		template: "material_shared",
		context: map[string]any{
			"title":      title,
			"tutor_name": tutorName,
		},
	}}, nil
}

func userRegistered(p payload) ([]target, error) {
	userID, err := p.int64("user_id")
	if err != nil {
		return nil, err
	}
	name := p.str("name")

	msg := "Welcome to TutorHub! Your account is ready."
	if name != "" {
		msg = fmt.Sprintf("Welcome to TutorHub, %s! Your account is ready.", name)
	}
	return []target{{
		userID:   userID,
		typ:      domain.TypeSystemNotification,
		priority: domain.PriorityNormal,
		title:    "Welcome",
		message:  msg,
		template: "welcome",
		context:  map[string]any{"name": name},
	}}, nil
}

func systemNotification(p payload) ([]target, error) {
	userID, err := p.int64("user_id")
	if err != nil {
		return nil, err
	}
	title := p.str("title")
	message := p.str("message")
	if message == "" {
		return nil, fmt.Errorf("system.notification without message")
	}

	priority := domain.Priority(p.str("priority"))
	if !priority.IsValid() {
		priority = domain.PriorityNormal
	}
	if title == "" {
		title = "Notification"
	}

	return []target{{
		userID:   userID,
		typ:      domain.TypeSystemNotification,
		priority: priority,
		title:    title,
		message:  message,
	}}, nil
}

// payload wraps the decoded event body with tolerant field accessors.
// JSON numbers arrive as float64; ids may also come through as strings.
type payload map[string]any

func (p payload) int64(key string) (int64, error) {
	switch v := p[key].(type) {
	case float64:
		return int64(v), nil
	case string:
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("payload field %q missing or not a number", key)
}

func (p payload) float(key string) float64 {
	if v, ok := p[key].(float64); ok {
		return v
	}
	return 0
}

func (p payload) str(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func (p payload) time(key string) (time.Time, error) {
	s, ok := p[key].(string)
	if !ok {
		return time.Time{}, fmt.Errorf("payload field %q missing or not a timestamp", key)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("payload field %q: %w", key, err)
	}
	return t, nil
}
