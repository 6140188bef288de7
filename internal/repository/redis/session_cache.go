package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tenantry/auth-service/internal/client"
	"github.com/tenantry/auth-service/internal/util"
)

const sessionPrefix = "session:"

// SessionCache maps live session ids to the subject key (email or phone)
// they were opened for. Sign-out deletes the entry, which invalidates the
// session ahead of its token expiry.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

func (c *SessionCache) Save(ctx context.Context, sid, subjectKey string, ttl time.Duration) error {
	if err := c.client.Set(ctx, sessionPrefix+sid, subjectKey, ttl+ttlSkew); err != nil {
		util.Error("failed to save session", zap.String("sid", sid), zap.Error(err))
		return fmt.Errorf("save session: %w", err)
	}
	util.Debug("session saved", zap.String("sid", sid), zap.Duration("ttl", ttl))
	return nil
}

// Get returns the subject key for a live session, or client.ErrNotFound.
func (c *SessionCache) Get(ctx context.Context, sid string) (string, error) {
	val, err := c.client.Get(ctx, sessionPrefix+sid)
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	return val, nil
}

// Delete ends a session. Deleting an absent session is not an error.
func (c *SessionCache) Delete(ctx context.Context, sid string) error {
	if err := c.client.Del(ctx, sessionPrefix+sid); err != nil {
		util.Error("failed to delete session", zap.String("sid", sid), zap.Error(err))
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
