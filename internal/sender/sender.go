// Package sender delivers one rendered notification over one channel.
// Each channel gets its own implementation behind a uniform interface; the
// delivery engine picks one from the Registry and never inspects
// provider-specific response shapes beyond the error classification.
package sender

import (
	"context"
	"errors"
	"fmt"

	"github.com/tutorhub/notification-engine/internal/domain"
)

// Message is the rendered content handed to a channel sender.
type Message struct {
	Address  string
	Title    string
	Body     string
	HTMLBody string
}

// Result reports a successful delivery.
type Result struct {
	ProviderMessageID string
}

// Sender abstracts delivery to one external channel provider.
// Mocking this interface in tests gives full control over provider behaviour
// without making real network calls.
type Sender interface {
	Send(ctx context.Context, msg Message) (*Result, error)
}

// permanentError marks a failure that retrying cannot fix: a malformed
// address, a recipient the provider rejects outright. Everything else
// (timeouts, connection errors, provider 5xx) is retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that IsPermanent reports true for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf is Permanent over a formatted error.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err (or anything it wraps) is a permanent
// delivery failure.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Registry maps each channel to its sender implementation, replacing
// enum-comparison dispatch with a lookup table.
type Registry struct {
	senders map[domain.Channel]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[domain.Channel]Sender)}
}

// Register binds a sender to a channel, replacing any previous binding.
func (r *Registry) Register(c domain.Channel, s Sender) {
	r.senders[c] = s
}

// For returns the sender bound to the channel.
func (r *Registry) For(c domain.Channel) (Sender, error) {
	s, ok := r.senders[c]
	if !ok {
		return nil, fmt.Errorf("no sender registered for channel %q", c)
	}
	return s, nil
}
