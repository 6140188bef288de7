package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tenantry/auth-service/internal/client"
	"github.com/tenantry/auth-service/internal/util"
)

const resetPrefix = "reset:"

// ResetCache holds outstanding password-reset tokens by id. Entries are
// consumed on first read, successful or not, so a reset link works once.
type ResetCache struct {
	client *client.RedisClient
}

func NewResetCache(client *client.RedisClient) *ResetCache {
	return &ResetCache{client: client}
}

func (c *ResetCache) Save(ctx context.Context, id, email string, ttl time.Duration) error {
	if err := c.client.Set(ctx, resetPrefix+id, email, ttl+ttlSkew); err != nil {
		util.Error("failed to save reset entry", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("save reset entry: %w", err)
	}
	return nil
}

// Consume removes the entry for id and returns the email it was issued for.
func (c *ResetCache) Consume(ctx context.Context, id string) (string, error) {
	val, err := c.client.GetDel(ctx, resetPrefix+id)
	if err != nil {
		return "", fmt.Errorf("consume reset entry: %w", err)
	}
	util.Debug("reset entry consumed", zap.String("id", id))
	return val, nil
}
