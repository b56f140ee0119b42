// Package oauth schedules proactive refresh of persisted provider tokens. It
// performs jittered checks and refreshes when expiry falls within a window.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Store reads a token's expiry and persists a refreshed token.
type Store interface {
	TokenExpiry(ctx context.Context, provider string) (time.Time, error)
	SaveToken(ctx context.Context, provider, access string, expiry time.Time) error
}

// RefreshFunc obtains a fresh access token and its expiry.
type RefreshFunc func(ctx context.Context) (string, time.Time, error)

// StartRefresher launches a goroutine that wakes every interval (±20%) and
// refreshes provider's token when it is missing or expires within window.
func StartRefresher(ctx context.Context, store Store, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	logger := slog.Default().With(slog.String("component", "oauth_refresher"), slog.String("provider", provider))
	// Spread instances started together.
	//nolint:gosec // G404: scheduling jitter only
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			if ctx.Err() != nil {
				return
			}
			refreshOnce(ctx, logger, store, provider, window, fn)

			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: scheduling jitter only
			jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval + jitter):
			}
		}
	}()
}

func refreshOnce(ctx context.Context, logger *slog.Logger, store Store, provider string, window time.Duration, fn RefreshFunc) {
	exp, err := store.TokenExpiry(ctx, provider)
	if err != nil {
		logger.Warn("token lookup failed", slog.Any("err", err))
		return
	}
	if !exp.IsZero() && time.Until(exp) > window {
		return
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	access, newExp, err := fn(ctx2)
	if err != nil {
		logger.Warn("token refresh failed", slog.Any("err", err))
		return
	}
	if err := store.SaveToken(ctx, provider, access, newExp); err != nil {
		logger.Warn("token persist failed", slog.Any("err", err))
		return
	}
	logger.Info("token refreshed", slog.Time("expires_at", newExp))
}
