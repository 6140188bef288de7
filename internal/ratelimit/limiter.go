package ratelimit

import (
	"context"
	"fmt"
	"hash"
	"io"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/tenantry/auth-service/internal/client"
	"github.com/tenantry/auth-service/internal/util"
)

// Limit describes one fixed-window budget for a route.
type Limit struct {
	Name       string
	Max        int64
	Window     time.Duration
	PerAccount bool // scope includes the target identifier, not just the caller address
}

// Budgets for the exposed routes. The sixth sign-in attempt for one
// address+identifier pair inside a window is the first rejected one.
var (
	SignInLimit         = Limit{Name: "signin", Max: 5, Window: 15 * time.Minute, PerAccount: true}
	OTPRequestLimit     = Limit{Name: "otp_request", Max: 5, Window: 15 * time.Minute, PerAccount: true}
	OTPVerifyLimit      = Limit{Name: "otp_verify", Max: 10, Window: 5 * time.Minute}
	ForgotPasswordLimit = Limit{Name: "forgot_password", Max: 3, Window: time.Hour, PerAccount: true}
	RefreshLimit        = Limit{Name: "refresh", Max: 20, Window: 5 * time.Minute}
	AppCredsLimit       = Limit{Name: "app_credentials", Max: 5, Window: time.Hour}
)

// Scope categories disclosed on rejection. Safe to reveal: counters are
// keyed the same way whether or not the identifier names a real account.
const (
	ScopeAddress = "address"
	ScopeAccount = "account"
)

// LimitError is the rejection carrying when a retry makes sense.
type LimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited (%s scope), retry after %s", e.Scope, e.RetryAfter)
}

// Limiter enforces fixed-window budgets with counters in the shared store,
// so every replica of the service sees the same counts.
type Limiter struct {
	store *client.RedisClient
}

func NewLimiter(store *client.RedisClient) *Limiter {
	return &Limiter{store: store}
}

// Allow counts one hit against the limit for the caller address and, for
// per-account limits, the target identifier. It returns a *LimitError once
// the budget is spent. Store failures allow the request through with a
// warning; throttling is protection, not correctness.
func (l *Limiter) Allow(ctx context.Context, limit Limit, addr, identifier string) error {
	scope := ScopeAddress
	if limit.PerAccount && identifier != "" {
		scope = ScopeAccount
	} else {
		identifier = ""
	}
	key := counterKey(limit.Name, addr, identifier)

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		util.Warn("rate limit counter unavailable, allowing request",
			zap.String("limit", limit.Name), zap.Error(err))
		return nil
	}
	// First hit in a window arms its expiry.
	if count == 1 {
		if err := l.store.Expire(ctx, key, limit.Window); err != nil {
			util.Warn("failed to arm rate limit window",
				zap.String("limit", limit.Name), zap.Error(err))
		}
	}
	if count <= limit.Max {
		return nil
	}

	retry := limit.Window
	if ttl, err := l.store.TTL(ctx, key); err == nil && ttl > 0 {
		retry = ttl
	}
	util.Warn("rate limit exceeded",
		zap.String("limit", limit.Name),
		zap.String("scope", scope),
		zap.Int64("count", count),
		zap.Duration("retry_after", retry))
	return &LimitError{Scope: scope, RetryAfter: retry}
}

var hasherPool = sync.Pool{
	New: func() interface{} { return murmur3.New64() },
}

// counterKey hashes the scope so raw emails and phone numbers never appear
// in store keys.
func counterKey(name, addr, identifier string) string {
	h := hasherPool.Get().(hash.Hash64)
	defer hasherPool.Put(h)
	h.Reset()
	io.WriteString(h, addr)
	io.WriteString(h, "|")
	io.WriteString(h, identifier)
	return fmt.Sprintf("rl:%s:%016x", name, h.Sum64())
}
