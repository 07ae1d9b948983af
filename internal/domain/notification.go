package domain

import "time"

// Channel is the delivery channel for a notification.
type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelChat, ChannelEmail, ChannelPush, ChannelSMS:
		return true
	}
	return false
}

// Channels lists every delivery channel, in dispatch-table order.
var Channels = []Channel{ChannelChat, ChannelEmail, ChannelPush, ChannelSMS}

// Priority controls ordering within a batch. It never preempts an
// in-flight delivery.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Rank maps a priority to a sortable weight; lower ranks sort first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// Status tracks the delivery lifecycle.
//
// Valid automatic transitions: pending → sending → {sent|failed};
// failed → sending while retry_count < max_retries. Cancellation is
// allowed from any state that is not yet sent or delivered. A failed
// request with retry_count == max_retries is terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Type selects the template and the preference row for a notification.
type Type string

const (
	TypeLessonReminder     Type = "lesson_reminder"
	TypeLessonCancelled    Type = "lesson_cancelled"
	TypeHomeworkAssigned   Type = "homework_assigned"
	TypeHomeworkOverdue    Type = "homework_overdue"
	TypePaymentProcessed   Type = "payment_processed"
	TypeBalanceLow         Type = "balance_low"
	TypeMaterialShared     Type = "material_shared"
	TypeSystemNotification Type = "system_notification"
	TypeCustom             Type = "custom"
)

func (t Type) IsValid() bool {
	switch t {
	case TypeLessonReminder, TypeLessonCancelled, TypeHomeworkAssigned,
		TypeHomeworkOverdue, TypePaymentProcessed, TypeBalanceLow,
		TypeMaterialShared, TypeSystemNotification, TypeCustom:
		return true
	}
	return false
}

// DefaultMaxRetries bounds automatic redelivery attempts per notification.
const DefaultMaxRetries = 3

// Notification is the unit of work: one message to one recipient on one
// channel. A correlation id groups related notifications (a batch, a
// recurring series, the fan-out of a single event).
type Notification struct {
	ID               string         `json:"id"`
	CorrelationID    *string        `json:"correlation_id,omitempty"`
	UserID           int64          `json:"user_id"`
	Channel          Channel        `json:"channel"`
	RecipientAddress string         `json:"recipient_address"`
	Type             Type           `json:"type"`
	Title            string         `json:"title"`
	Message          string         `json:"message"`
	HTMLMessage      *string        `json:"html_message,omitempty"`
	TemplateName     *string        `json:"template_name,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	Priority         Priority       `json:"priority"`
	Status           Status         `json:"status"`
	IdempotencyKey   *string        `json:"idempotency_key,omitempty"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	LastError        *string        `json:"last_error,omitempty"`
	LastErrorAt      *time.Time     `json:"last_error_at,omitempty"`
	ScheduledAt      *time.Time     `json:"scheduled_at,omitempty"`
	SentAt           *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt      *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Terminal reports whether no further automatic transition can occur.
func (n *Notification) Terminal() bool {
	switch n.Status {
	case StatusSent, StatusDelivered, StatusCancelled:
		return true
	case StatusFailed:
		return n.RetryCount >= n.MaxRetries
	}
	return false
}

// SendRequest is the inbound payload for a single notification.
type SendRequest struct {
	UserID           int64          `json:"user_id"`
	Channel          Channel        `json:"channel"`
	RecipientAddress string         `json:"recipient_address"`
	Type             Type           `json:"type"`
	Title            string         `json:"title"`
	Message          string         `json:"message"`
	HTMLMessage      string         `json:"html_message,omitempty"`
	Priority         Priority       `json:"priority,omitempty"`
	TemplateName     string         `json:"template_name,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	SendAt           *time.Time     `json:"send_at,omitempty"`
}

func (r *SendRequest) Validate() error {
	if !r.Channel.IsValid() {
		return ErrInvalidChannel
	}
	if !r.Type.IsValid() {
		return ErrInvalidType
	}
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	if !r.Priority.IsValid() {
		return ErrInvalidPriority
	}
	if r.UserID <= 0 {
		return ErrInvalidUser
	}
	if r.RecipientAddress == "" {
		return ErrInvalidRecipient
	}
	if r.Message == "" || len(r.Message) > 4096 {
		return ErrInvalidMessage
	}
	return nil
}

// MaxBatchSize caps a single batch-send call.
const MaxBatchSize = 100

// BatchRequest wraps up to MaxBatchSize send requests that share one
// correlation id.
type BatchRequest struct {
	CorrelationID string        `json:"correlation_id,omitempty"`
	Notifications []SendRequest `json:"notifications"`
}

// Template holds the stored per-channel content templates. Selection is an
// exact match on (name, channel) among active rows.
type Template struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Type            Type      `json:"type"`
	Channel         Channel   `json:"channel"`
	Language        string    `json:"language"`
	SubjectTemplate string    `json:"subject_template"`
	BodyTemplate    string    `json:"body_template"`
	HTMLTemplate    *string   `json:"html_template,omitempty"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Preference holds a user's consent flags for one notification type.
// Absence of a row means every channel is enabled; a missing preference
// must never silently drop a notification.
type Preference struct {
	ID                 int64     `json:"id"`
	UserID             int64     `json:"user_id"`
	Type               Type      `json:"notification_type"`
	ChatEnabled        bool      `json:"chat_enabled"`
	EmailEnabled       bool      `json:"email_enabled"`
	PushEnabled        bool      `json:"push_enabled"`
	SMSEnabled         bool      `json:"sms_enabled"`
	QuietHoursStart    *string   `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd      *string   `json:"quiet_hours_end,omitempty"`
	Timezone           string    `json:"timezone"`
	DigestMode         bool      `json:"digest_mode"`
	MinIntervalMinutes int       `json:"min_interval_minutes"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ChannelEnabled returns the consent flag for one channel.
func (p *Preference) ChannelEnabled(c Channel) bool {
	switch c {
	case ChannelChat:
		return p.ChatEnabled
	case ChannelEmail:
		return p.EmailEnabled
	case ChannelPush:
		return p.PushEnabled
	case ChannelSMS:
		return p.SMSEnabled
	}
	return true
}

// ListFilter holds query parameters for per-user notification listing.
type ListFilter struct {
	UserID int64
	Status *Status
	Type   *Type
	Limit  int
	Offset int
}
