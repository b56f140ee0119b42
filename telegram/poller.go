package telegram

import (
	"context"
	"log/slog"
	"time"
)

// Poller runs the getUpdates loop and hands each update to Handle in order.
type Poller struct {
	Client  *Client
	Timeout int
	Backoff time.Duration
	Handle  func(ctx context.Context, u Update)
}

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	logger := slog.Default().With(slog.String("component", "telegram_poller"))
	logger.Info("long polling started", slog.Int("timeout", timeout))
	var offset int64
	for {
		if ctx.Err() != nil {
			return nil
		}
		ups, err := p.Client.GetUpdates(ctx, offset, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("getUpdates failed", slog.Any("err", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		for _, u := range ups {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			p.Handle(ctx, u)
		}
	}
}
