package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tenantry/auth-service/internal/util"
)

// ErrSuspended means the breaker is open and no delivery was attempted.
var ErrSuspended = errors.New("delivery suspended")

const retryDelay = 200 * time.Millisecond

// Policy wraps a Notifier with the delivery behavior both channels share:
// bounded retries, and a breaker that fails fast while the collaborator
// keeps refusing. One Policy guards one channel.
type Policy struct {
	name       string
	next       Notifier
	maxRetries int
	threshold  int
	cooldown   time.Duration

	mu        sync.Mutex
	failures  int
	openUntil time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func WithPolicy(name string, next Notifier, maxRetries, threshold int, cooldown time.Duration) *Policy {
	return &Policy{
		name:       name,
		next:       next,
		maxRetries: maxRetries,
		threshold:  threshold,
		cooldown:   cooldown,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

func (p *Policy) SendOTP(ctx context.Context, recipient, code, locale string) error {
	if p.suspendedNow() {
		return fmt.Errorf("%s channel: %w", p.name, ErrSuspended)
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, retryDelay*time.Duration(attempt)); err != nil {
				return err
			}
		}
		if lastErr = p.next.SendOTP(ctx, recipient, code, locale); lastErr == nil {
			p.recordSuccess()
			return nil
		}
		util.Warn("otp delivery attempt failed",
			zap.String("channel", p.name),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	p.recordFailure()
	return lastErr
}

// suspendedNow reports whether the breaker is open. Once the cooldown has
// passed, the next send probes the collaborator again.
func (p *Policy) suspendedNow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures >= p.threshold && p.now().Before(p.openUntil)
}

func (p *Policy) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
}

// recordFailure counts one fully exhausted send, not individual attempts.
func (p *Policy) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	if p.failures >= p.threshold {
		p.openUntil = p.now().Add(p.cooldown)
		util.Warn("delivery channel suspended",
			zap.String("channel", p.name),
			zap.Int("consecutive_failures", p.failures),
			zap.Duration("cooldown", p.cooldown))
	}
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
