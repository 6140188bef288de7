package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tenantry/auth-service/internal/client"
	"github.com/tenantry/auth-service/internal/util"
)

const refreshPrefix = "refresh:"

// ttlSkew pads every native expiry so the store never reaps an entry the
// signed token still considers live under clock drift. Logical expiry is
// enforced on the token itself.
const ttlSkew = 30 * time.Second

// RefreshCache tracks which refresh tokens are still eligible for rotation.
// An entry exists exactly while its token is valid; rotation and revocation
// remove it.
type RefreshCache struct {
	client *client.RedisClient
}

func NewRefreshCache(client *client.RedisClient) *RefreshCache {
	return &RefreshCache{client: client}
}

// Save records a newly issued refresh token by id, keyed to the access token
// it was issued alongside.
func (c *RefreshCache) Save(ctx context.Context, jti, accessToken string, ttl time.Duration) error {
	if err := c.client.Set(ctx, refreshPrefix+jti, accessToken, ttl+ttlSkew); err != nil {
		util.Error("failed to save refresh entry", zap.String("jti", jti), zap.Error(err))
		return fmt.Errorf("save refresh entry: %w", err)
	}
	return nil
}

// Consume removes the entry for jti and returns its paired access token.
// The removal is atomic with the read: of two concurrent rotations of the
// same token, exactly one gets the entry and the other sees a miss.
func (c *RefreshCache) Consume(ctx context.Context, jti string) (string, error) {
	val, err := c.client.GetDel(ctx, refreshPrefix+jti)
	if err != nil {
		return "", fmt.Errorf("consume refresh entry: %w", err)
	}
	util.Debug("refresh entry consumed", zap.String("jti", jti))
	return val, nil
}

// Delete drops the entry for jti. Deleting an absent entry is not an error.
func (c *RefreshCache) Delete(ctx context.Context, jti string) error {
	if err := c.client.Del(ctx, refreshPrefix+jti); err != nil {
		util.Error("failed to delete refresh entry", zap.String("jti", jti), zap.Error(err))
		return fmt.Errorf("delete refresh entry: %w", err)
	}
	return nil
}
