package ratelimit

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tenantry/auth-service/internal/audit"
	"github.com/tenantry/auth-service/internal/client"
	"github.com/tenantry/auth-service/internal/config"
	"github.com/tenantry/auth-service/internal/util"
)

// IdentifierFunc extracts the target identifier a per-account limit scopes
// on. Returning "" falls back to address-only scoping.
type IdentifierFunc func(r *http.Request) string

// Guard bundles both mitigation layers behind chi-style middleware.
type Guard struct {
	limiter *Limiter
	slow    *SlowDown
	enabled bool
	audit   *audit.Recorder
}

func NewGuard(store *client.RedisClient, cfg config.RateLimitConfig) *Guard {
	return &Guard{
		limiter: NewLimiter(store),
		slow:    NewSlowDown(store, cfg.SlowDownAfter, cfg.SlowDownStep, cfg.SlowDownCap, cfg.SlowDownWindow),
		enabled: cfg.Enabled,
	}
}

// WithAudit attaches the security-event recorder so rejections get recorded.
func (g *Guard) WithAudit(rec *audit.Recorder) *Guard {
	g.audit = rec
	return g
}

// Protect applies the slow-down and then the fixed-window check before the
// handler runs.
func (g *Guard) Protect(limit Limit, identify IdentifierFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.enabled {
				next.ServeHTTP(w, r)
				return
			}

			addr := callerAddr(r)
			if err := g.slow.Delay(r.Context(), limit.Name, addr); err != nil {
				// Caller went away while being slowed down.
				return
			}

			var identifier string
			if identify != nil {
				identifier = identify(r)
			}
			if err := g.limiter.Allow(r.Context(), limit, addr, identifier); err != nil {
				var le *LimitError
				if errors.As(err, &le) {
					if g.audit != nil {
						g.audit.Record(audit.Event{
							Kind:      audit.EventRateLimited,
							Route:     limit.Name,
							Detail:    le.Scope,
							RequestID: middleware.GetReqID(r.Context()),
						})
					}
					writeLimited(w, le)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BodyIdentifier pulls the normalized email or phone out of a JSON request
// body, restoring the body for the handler behind it.
func BodyIdentifier(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		r.Body = http.NoBody
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var probe struct {
		Email string `json:"email"`
		Phone string `json:"phoneNumber"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	if probe.Email != "" {
		return util.NormalizeEmail(probe.Email)
	}
	if probe.Phone != "" {
		return util.NormalizePhone(probe.Phone)
	}
	return ""
}

// callerAddr trusts RemoteAddr; the router's RealIP middleware has already
// folded forwarding headers into it.
func callerAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeLimited(w http.ResponseWriter, le *LimitError) {
	retrySeconds := int(le.RetryAfter.Round(time.Second).Seconds())
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retrySeconds))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":               "rate_limited",
		"scope":               le.Scope,
		"retry_after_seconds": retrySeconds,
	})
}
