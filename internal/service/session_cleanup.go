package service

import (
	"bitwise74/channel-api/internal/repository"
	"context"
	"time"

	"go.uber.org/zap"
)

// SessionCleanup periodically forgets refresh tokens that can't be valid
// anymore because they are older than ttl. It returns when ctx is done.
func SessionCleanup(ctx context.Context, every, ttl time.Duration, users repository.UserRepository) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	zap.L().Debug("Session cleanup attached", zap.Duration("tick_every", every))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanupSessions(ctx, ttl, users)
		}
	}
}

func cleanupSessions(ctx context.Context, ttl time.Duration, users repository.UserRepository) int64 {
	n, err := users.ClearRefreshTokensBefore(ctx, time.Now().Add(-ttl))
	if err != nil {
		zap.L().Error("Failed to clean up expired sessions", zap.Error(err))
		return 0
	}

	if n > 0 {
		zap.L().Debug("Cleaned up expired sessions", zap.Int64("count", n))
	}

	return n
}
