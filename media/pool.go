package media

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/onnwee/tgscribe/telemetry"
)

// Pool bounds the number of CPU-heavy media jobs running at once.
type Pool struct {
	sem   *semaphore.Weighted
	size  int
	inUse atomic.Int64
}

// NewPool returns a pool with n slots (minimum 1).
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	slog.Info("transcode concurrency limit initialized", slog.Int("max_concurrent", n))
	return &Pool{sem: semaphore.NewWeighted(int64(n)), size: n}
}

// Do runs fn once a slot is free. It returns ctx's error if canceled first.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	telemetry.SetTranscodeSlots(int(p.inUse.Add(1)))
	defer func() {
		telemetry.SetTranscodeSlots(int(p.inUse.Add(-1)))
		p.sem.Release(1)
	}()
	return fn()
}

// Active returns the number of held slots.
func (p *Pool) Active() int { return int(p.inUse.Load()) }

// Size returns the configured number of slots.
func (p *Pool) Size() int { return p.size }
