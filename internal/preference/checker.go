// Package preference answers "is channel C enabled for user U and
// notification type T?". Consent is fail-open: a user without a preference
// row, and any store error, both resolve to "enabled" — a missing preference
// must never silently drop a notification.
package preference

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/tutorhub/notification-engine/internal/domain"
	"github.com/tutorhub/notification-engine/internal/repository"
)

type Checker struct {
	repo   repository.PreferenceRepository
	logger *zap.Logger
}

func NewChecker(repo repository.PreferenceRepository, logger *zap.Logger) *Checker {
	return &Checker{repo: repo, logger: logger}
}

// Enabled reports whether the channel is enabled for (userID, type).
func (c *Checker) Enabled(ctx context.Context, userID int64, t domain.Type, channel domain.Channel) bool {
	pref, err := c.repo.Get(ctx, userID, t)
	if errors.Is(err, domain.ErrNotFound) {
		return true
	}
	if err != nil {
		c.logger.Warn("preference lookup failed, allowing delivery",
			zap.Int64("user_id", userID),
			zap.String("type", string(t)),
			zap.Error(err),
		)
		return true
	}
	return pref.ChannelEnabled(channel)
}
