package sender

import "context"

// SMSSender is a stub: no SMS provider is wired yet. Every call fails
// permanently so requests are not burned through the retry budget waiting
// for a provider that does not exist.
type SMSSender struct{}

func NewSMSSender() *SMSSender { return &SMSSender{} }

func (s *SMSSender) Send(_ context.Context, _ Message) (*Result, error) {
	return nil, Permanentf("sms: provider not implemented")
}

var _ Sender = (*SMSSender)(nil)
