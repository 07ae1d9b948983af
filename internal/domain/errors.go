package domain

import "errors"

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict: idempotency key already exists")
	ErrInvalidChannel   = errors.New("invalid channel: must be chat, email, push, or sms")
	ErrInvalidPriority  = errors.New("invalid priority: must be urgent, high, normal, or low")
	ErrInvalidType      = errors.New("invalid notification type")
	ErrInvalidUser      = errors.New("user_id must be a positive integer")
	ErrInvalidRecipient = errors.New("recipient_address must not be empty")
	ErrInvalidMessage   = errors.New("message must be between 1 and 4096 characters")
	ErrBatchTooLarge    = errors.New("batch exceeds maximum of 100 notifications")
	ErrBatchEmpty       = errors.New("batch must contain at least one notification")
	ErrAlreadyCancelled = errors.New("notification is already cancelled")
	ErrNotCancellable   = errors.New("notification cannot be cancelled in its current status")
	ErrNotRetryable     = errors.New("notification is not in a retryable state")
	ErrRetriesExhausted = errors.New("max retries exceeded")
)
