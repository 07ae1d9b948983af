package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/tutorhub/notification-engine/internal/domain"
)

// ChannelLimiters holds one token bucket limiter per delivery channel.
// Each limiter enforces a steady-state rate; burst is set equal to the rate
// so no extra burst capacity accumulates above the per-second maximum. This
// protects channel providers' own rate limits, it is not a correctness
// mechanism.
type ChannelLimiters struct {
	limiters map[domain.Channel]*rate.Limiter
}

// New creates a ChannelLimiters with ratePerSec tokens per second per channel.
func New(ratePerSec int) *ChannelLimiters {
	r := rate.Limit(ratePerSec)
	burst := ratePerSec

	limiters := make(map[domain.Channel]*rate.Limiter, len(domain.Channels))
	for _, ch := range domain.Channels {
		limiters[ch] = rate.NewLimiter(r, burst)
	}
	return &ChannelLimiters{limiters: limiters}
}

// Wait blocks until the channel's limiter grants a token.
// Returns a non-nil error only if ctx is cancelled while waiting.
func (cl *ChannelLimiters) Wait(ctx context.Context, ch domain.Channel) error {
	limiter, ok := cl.limiters[ch]
	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}
