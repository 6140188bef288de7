package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/tenantry/auth-service/internal/audit"
	"github.com/tenantry/auth-service/internal/client"
	redisrepo "github.com/tenantry/auth-service/internal/repository/redis"
	"github.com/tenantry/auth-service/internal/token"
	"github.com/tenantry/auth-service/internal/util"

	"go.uber.org/zap"
)

// SessionService resolves inbound tokens to principals for the rest of the
// platform, and ends tenant sessions.
type SessionService struct {
	tokens   *token.Provider
	sessions *redisrepo.SessionCache
	recorder *audit.Recorder
	logger   *zap.Logger
}

func NewSessionService(
	tokens *token.Provider,
	sessions *redisrepo.SessionCache,
	recorder *audit.Recorder,
	logger *zap.Logger,
) *SessionService {
	return &SessionService{
		tokens:   tokens,
		sessions: sessions,
		recorder: recorder,
		logger:   logger,
	}
}

// Resolve verifies a token and returns the principal it carries. Access
// tokens stand on their signature alone; session tokens must also have a
// live store entry, so sign-out takes effect ahead of the token's own
// expiry. Malformed, expired, and wrong-kind tokens are told apart in the
// logs and nowhere else.
func (s *SessionService) Resolve(ctx context.Context, raw string) (token.Principal, error) {
	if raw == "" {
		return token.Principal{}, fmt.Errorf("%w: token is required", ErrValidation)
	}

	claims, err := s.tokens.ParseAny(raw)
	if err != nil {
		s.logger.Warn("token rejected", util.ErrorField(err))
		return token.Principal{}, ErrInvalidCredentials
	}

	switch claims.Use {
	case token.UseAccess:
		return token.PrincipalFromClaims(claims), nil
	case token.UseSession:
		if _, err := s.sessions.Get(ctx, claims.ID); err != nil {
			if errors.Is(err, client.ErrNotFound) {
				s.logger.Warn("session token without live session", util.String("sid", claims.ID))
				return token.Principal{}, ErrInvalidCredentials
			}
			return token.Principal{}, err
		}
		return token.PrincipalFromClaims(claims), nil
	default:
		// Refresh, reset, and secret tokens never authorize a request.
		s.logger.Warn("token with non-authorizing use presented", util.String("use", string(claims.Use)))
		return token.Principal{}, ErrInvalidCredentials
	}
}

// SignOut ends the session carried by raw. Expired tokens still clear
// their entry, and a missing entry is not an error.
func (s *SessionService) SignOut(ctx context.Context, raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: token is required", ErrValidation)
	}

	claims, err := s.tokens.ParseUnverified(raw)
	if err != nil || claims.ID == "" {
		s.logger.Debug("sign-out with unparseable token", util.ErrorField(err))
		return nil
	}

	if err := s.sessions.Delete(ctx, claims.ID); err != nil {
		return err
	}
	s.recorder.Record(audit.Event{Kind: audit.EventSessionEnded, Actor: claims.Subject})
	return nil
}
