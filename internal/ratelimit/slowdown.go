package ratelimit

import (
	"context"
	"fmt"
	"hash"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/tenantry/auth-service/internal/client"
	"github.com/tenantry/auth-service/internal/util"
)

// SlowDown stretches response times for addresses that keep hammering a
// route. Unlike the fixed-window limiter it never rejects; it makes
// high-frequency guessing linear-time expensive while leaving slow
// legitimate retries untouched.
type SlowDown struct {
	store  *client.RedisClient
	after  int64
	step   time.Duration
	cap    time.Duration
	window time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewSlowDown(store *client.RedisClient, after int, step, ceiling, window time.Duration) *SlowDown {
	return &SlowDown{
		store:  store,
		after:  int64(after),
		step:   step,
		cap:    ceiling,
		window: window,
		sleep:  sleepContext,
	}
}

// Delay counts a hit for the address and sleeps out the earned penalty:
// nothing up to the grace count, then one step per extra hit up to the cap.
// The state key's TTL refreshes on every hit, so the penalty persists while
// the hammering continues.
func (s *SlowDown) Delay(ctx context.Context, name, addr string) error {
	hits, err := s.store.IncrWithExpire(ctx, slowKey(name, addr), s.window)
	if err != nil {
		util.Warn("slow-down state unavailable", zap.String("route", name), zap.Error(err))
		return nil
	}

	over := hits - s.after
	if over <= 0 {
		return nil
	}
	d := time.Duration(over) * s.step
	if d > s.cap {
		d = s.cap
	}
	util.Debug("slowing down caller", zap.String("route", name), zap.Duration("delay", d))
	return s.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func slowKey(name, addr string) string {
	h := hasherPool.Get().(hash.Hash64)
	defer hasherPool.Put(h)
	h.Reset()
	io.WriteString(h, addr)
	return fmt.Sprintf("slow:%s:%016x", name, h.Sum64())
}
