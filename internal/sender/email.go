package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	mail "gopkg.in/mail.v2"
)

// EmailSender delivers email notifications over SMTP.
type EmailSender struct {
	dialer *mail.Dialer
	from   string
}

func NewEmailSender(host string, port int, username, password, from string) *EmailSender {
	return &EmailSender{
		dialer: mail.NewDialer(host, port, username, password),
		from:   from,
	}
}

// Send builds and dials one message per call. The plain body is always
// attached; an HTML body is added as the multipart alternative.
func (s *EmailSender) Send(ctx context.Context, msg Message) (*Result, error) {
	if !strings.Contains(msg.Address, "@") {
		return nil, Permanentf("email: malformed address %q", msg.Address)
	}

	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.Address)
	m.SetHeader("Subject", msg.Title)
	m.SetBody("text/plain", msg.Body)
	if msg.HTMLBody != "" {
		m.AddAlternative("text/html", msg.HTMLBody)
	}

	// mail.v2 has no context support; run the dial in a goroutine so the
	// engine's per-call timeout still applies.
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("email: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, classifySMTP(err)
		}
		return &Result{}, nil
	}
}

// classifySMTP maps SMTP failure modes onto the retry taxonomy: 5xx
// recipient rejections are permanent, connection problems are retryable.
func classifySMTP(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("email: %w", err)
	}
	msg := err.Error()
	if strings.Contains(msg, "550") || strings.Contains(msg, "553") {
		return Permanentf("email: recipient rejected: %v", err)
	}
	return fmt.Errorf("email: %w", err)
}

var _ Sender = (*EmailSender)(nil)
