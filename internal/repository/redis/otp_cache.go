package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tenantry/auth-service/internal/client"
	"github.com/tenantry/auth-service/internal/util"
)

const otpPrefix = "otp:"

// Record is the pending-verification state for one issued code. The subject
// identity is resolved at request time and travels with the record so
// verification never needs a second directory lookup.
type Record struct {
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	SubjectID string    `json:"subject_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
}

// OTPCache stores pending codes keyed by the code itself.
type OTPCache struct {
	client *client.RedisClient
}

func NewOTPCache(client *client.RedisClient) *OTPCache {
	return &OTPCache{client: client}
}

// Put stores a record under its code. It returns false when the code is
// already held by another pending verification; the caller generates a fresh
// one. Codes are six digits, collisions happen.
func (c *OTPCache) Put(ctx context.Context, code string, rec Record, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal otp record: %w", err)
	}

	ok, err := c.client.SetNX(ctx, otpPrefix+code, payload, ttl+ttlSkew)
	if err != nil {
		util.Error("failed to store otp record", zap.String("channel", rec.Channel), zap.Error(err))
		return false, fmt.Errorf("store otp record: %w", err)
	}
	if ok {
		util.Debug("otp record stored", zap.String("channel", rec.Channel), zap.Duration("ttl", ttl))
	}
	return ok, nil
}

// Consume removes the record for code and returns it. The read and the
// delete are one atomic step, so a code can be consumed at most once no
// matter how many verifications race on it. A miss comes back as
// client.ErrNotFound.
func (c *OTPCache) Consume(ctx context.Context, code string) (Record, error) {
	val, err := c.client.GetDel(ctx, otpPrefix+code)
	if err != nil {
		return Record{}, fmt.Errorf("consume otp record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal otp record: %w", err)
	}
	return rec, nil
}
