package service

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/tenantry/auth-service/internal/audit"
	"github.com/tenantry/auth-service/internal/client"
	"github.com/tenantry/auth-service/internal/config"
	"github.com/tenantry/auth-service/internal/directory"
	redisrepo "github.com/tenantry/auth-service/internal/repository/redis"
	"github.com/tenantry/auth-service/internal/token"
	"github.com/tenantry/auth-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// bcrypt refuses inputs past 72 bytes, which rules out hashing signed
// client secrets directly. Secrets are digested first; human passwords are
// length-capped at validation instead.
const maxPasswordLen = 72

// TokenPair is the result of an interactive sign-in or a rotation.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// MachineToken is the access-only grant for a registered application.
// Machine callers hold no refresh token; they re-authenticate from their
// secret every time.
type MachineToken struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// AppCredentials is returned exactly once, at creation. Only the bcrypt
// hash of the secret's digest is ever stored.
type AppCredentials struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// ResetMailer delivers password-reset tokens. Reset links only travel over
// email, so the contract is narrower than notifier.Notifier.
type ResetMailer interface {
	SendPasswordReset(ctx context.Context, recipient, resetToken, locale string) error
}

// AuthService owns the landlord-side credential flows: password sign-in,
// machine sign-in, refresh rotation, revocation, password reset, and
// application credential registration.
type AuthService struct {
	tokens   *token.Provider
	refresh  *redisrepo.RefreshCache
	resets   *redisrepo.ResetCache
	accounts directory.Accounts
	apps     directory.Applications
	mailer   ResetMailer
	recorder *audit.Recorder
	logger   *zap.Logger
	cfg      config.TokenConfig
	decoy    []byte
}

func NewAuthService(
	tokens *token.Provider,
	refresh *redisrepo.RefreshCache,
	resets *redisrepo.ResetCache,
	accounts directory.Accounts,
	apps directory.Applications,
	mailer ResetMailer,
	recorder *audit.Recorder,
	logger *zap.Logger,
	cfg config.TokenConfig,
) *AuthService {
	// Burned on lookups that miss, so a request for an unknown account
	// costs the same as one with a wrong password.
	decoy, _ := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)

	return &AuthService{
		tokens:   tokens,
		refresh:  refresh,
		resets:   resets,
		accounts: accounts,
		apps:     apps,
		mailer:   mailer,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
		decoy:    decoy,
	}
}

// Issue signs a fresh access/refresh pair for principal and records the
// refresh entry so it can be rotated exactly once.
func (s *AuthService) Issue(ctx context.Context, principal token.Principal) (*TokenPair, error) {
	access, err := s.tokens.IssueUser(token.UseAccess, principal, s.cfg.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.tokens.IssueUser(token.UseRefresh, principal, s.cfg.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	if err := s.refresh.Save(ctx, refresh.ID, access.Token, s.cfg.RefreshTTL); err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// PasswordSignIn verifies a landlord email/password pair and issues a token
// pair. Unknown account and wrong password both come back as
// ErrInvalidCredentials; which one it was goes to the log only.
func (s *AuthService) PasswordSignIn(ctx context.Context, email, password string) (*TokenPair, error) {
	email = util.NormalizeEmail(email)
	if !util.IsEmail(email) || password == "" || len(password) > maxPasswordLen {
		return nil, fmt.Errorf("%w: email and password are required", ErrValidation)
	}

	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(s.decoy, []byte(password))
		if !errors.Is(err, directory.ErrNotFound) {
			s.logger.Error("account lookup failed", util.String("email", email), util.ErrorField(err))
		} else {
			s.logger.Warn("sign-in for unknown account", util.String("email", email))
		}
		s.recordSignIn(false, email, "account_lookup")
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		s.logger.Warn("password mismatch", util.String("account_id", account.ID))
		s.recordSignIn(false, account.ID, "password_mismatch")
		return nil, ErrInvalidCredentials
	}

	pair, err := s.Issue(ctx, token.Principal{
		ID:    account.ID,
		Email: account.Email,
		Role:  token.RoleAdministrator,
	})
	if err != nil {
		return nil, err
	}
	s.recordSignIn(true, account.ID, "password")
	return pair, nil
}

// IssueMachineToken authenticates a registered application from its client
// id and signed secret. The secret is itself a token: it must verify, its
// embedded key id must match the presented client id, and its digest must
// match the hash the directory holds for that application.
func (s *AuthService) IssueMachineToken(ctx context.Context, clientID, clientSecret string) (*MachineToken, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("%w: clientId and clientSecret are required", ErrValidation)
	}

	claims, err := s.tokens.Parse(clientSecret, token.UseSecret)
	if err != nil {
		s.logger.Warn("machine secret rejected", util.String("client_id", clientID), util.ErrorField(err))
		s.recordSignIn(false, clientID, "secret_parse")
		return nil, ErrInvalidCredentials
	}
	if claims.KeyID != clientID {
		s.logger.Warn("machine secret key mismatch",
			util.String("client_id", clientID), util.String("kid", claims.KeyID))
		s.recordSignIn(false, clientID, "kid_mismatch")
		return nil, ErrInvalidCredentials
	}

	app, err := s.apps.Find(ctx, claims.OrgID, clientID)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(s.decoy, secretDigest(clientSecret))
		if !errors.Is(err, directory.ErrNotFound) {
			s.logger.Error("application lookup failed",
				util.String("org_id", claims.OrgID), util.String("client_id", clientID), util.ErrorField(err))
		} else {
			s.logger.Warn("machine sign-in for unknown application",
				util.String("org_id", claims.OrgID), util.String("client_id", clientID))
		}
		s.recordSignIn(false, clientID, "app_lookup")
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(app.SecretHash), secretDigest(clientSecret)); err != nil {
		s.logger.Warn("machine secret hash mismatch", util.String("client_id", clientID))
		s.recordSignIn(false, clientID, "secret_mismatch")
		return nil, ErrInvalidCredentials
	}

	access, err := s.tokens.IssueMachineAccess(app.OrgID, app.ClientID, s.cfg.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("issue machine access token: %w", err)
	}
	s.recordSignIn(true, clientID, "machine")
	return &MachineToken{AccessToken: access.Token, ExpiresAt: access.ExpiresAt}, nil
}

// Rotate exchanges a live refresh token for a fresh pair. The store entry
// is consumed before the token is verified, so a token that fails
// verification is revoked by the attempt itself, and of two racing
// rotations only one can win.
func (s *AuthService) Rotate(ctx context.Context, rawRefresh string) (*TokenPair, error) {
	if rawRefresh == "" {
		return nil, fmt.Errorf("%w: refresh token is required", ErrValidation)
	}

	// Unverified read just to locate the store entry; trust comes after.
	unverified, err := s.tokens.ParseUnverified(rawRefresh)
	if err != nil || unverified.ID == "" {
		s.logger.Warn("refresh token unparseable", util.ErrorField(err))
		return nil, ErrInvalidCredentials
	}

	if _, err := s.refresh.Consume(ctx, unverified.ID); err != nil {
		if errors.Is(err, client.ErrNotFound) {
			s.logger.Warn("refresh entry absent", util.String("jti", unverified.ID))
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	claims, err := s.tokens.Parse(rawRefresh, token.UseRefresh)
	if err != nil {
		// The entry is already gone: a token that fails here has burned
		// its own rotation.
		s.logger.Warn("refresh token rejected after consume",
			util.String("jti", unverified.ID), util.ErrorField(err))
		s.recorder.Record(audit.Event{Kind: audit.EventTokenRevoked, Actor: unverified.Subject, Detail: "rotate_failed"})
		return nil, ErrInvalidCredentials
	}

	pair, err := s.Issue(ctx, token.PrincipalFromClaims(claims))
	if err != nil {
		return nil, err
	}
	s.recorder.Record(audit.Event{Kind: audit.EventTokenRotated, Actor: claims.Subject})
	return pair, nil
}

// Revoke drops the refresh entry for the presented token. Expired and even
// tampered tokens still get their entry cleared, and revoking twice is a
// no-op.
func (s *AuthService) Revoke(ctx context.Context, rawRefresh string) error {
	if rawRefresh == "" {
		return fmt.Errorf("%w: refresh token is required", ErrValidation)
	}

	claims, err := s.tokens.ParseUnverified(rawRefresh)
	if err != nil || claims.ID == "" {
		// Nothing to locate, nothing to revoke.
		s.logger.Debug("revoke with unparseable token", util.ErrorField(err))
		return nil
	}

	if err := s.refresh.Delete(ctx, claims.ID); err != nil {
		return err
	}
	s.recorder.Record(audit.Event{Kind: audit.EventTokenRevoked, Actor: claims.Subject})
	return nil
}

// ForgotPassword issues and emails a reset token when the account exists.
// The caller learns nothing either way: unknown accounts run the same
// signing work, and even a delivery failure leaves the response uniform.
func (s *AuthService) ForgotPassword(ctx context.Context, email, locale string) error {
	email = util.NormalizeEmail(email)
	if !util.IsEmail(email) {
		return fmt.Errorf("%w: a valid email is required", ErrValidation)
	}

	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if _, signErr := s.tokens.IssueReset(email, s.cfg.ResetTTL); signErr != nil {
			s.logger.Error("reset token signing failed", util.ErrorField(signErr))
		}
		if !errors.Is(err, directory.ErrNotFound) {
			s.logger.Error("account lookup failed", util.String("email", email), util.ErrorField(err))
		}
		s.recorder.Record(audit.Event{Kind: audit.EventResetRequested, Detail: "suppressed"})
		return nil
	}

	issued, err := s.tokens.IssueReset(account.Email, s.cfg.ResetTTL)
	if err != nil {
		return fmt.Errorf("issue reset token: %w", err)
	}
	if err := s.resets.Save(ctx, issued.ID, account.Email, s.cfg.ResetTTL); err != nil {
		return err
	}

	if err := s.mailer.SendPasswordReset(ctx, account.Email, issued.Token, locale); err != nil {
		// The uniform 204 stands; the undelivered token expires on its own.
		s.logger.Error("reset delivery failed", util.String("account_id", account.ID), util.ErrorField(err))
		s.recorder.Record(audit.Event{Kind: audit.EventResetRequested, Actor: account.ID, Detail: "delivery_failed"})
		return nil
	}

	s.recorder.Record(audit.Event{Kind: audit.EventResetRequested, Actor: account.ID, Detail: "delivered"})
	return nil
}

// ResetPassword consumes a reset token and installs a new password hash.
// The token works once: its store entry is gone after any attempt,
// successful or not.
func (s *AuthService) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	if rawToken == "" {
		return fmt.Errorf("%w: reset token is required", ErrValidation)
	}
	if len(newPassword) < 8 || len(newPassword) > maxPasswordLen {
		return fmt.Errorf("%w: password must be between 8 and %d characters", ErrValidation, maxPasswordLen)
	}

	unverified, err := s.tokens.ParseUnverified(rawToken)
	if err != nil || unverified.ID == "" {
		return ErrInvalidCredentials
	}

	email, err := s.resets.Consume(ctx, unverified.ID)
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			s.logger.Warn("reset entry absent", util.String("id", unverified.ID))
			return ErrInvalidCredentials
		}
		return err
	}

	claims, err := s.tokens.Parse(rawToken, token.UseReset)
	if err != nil || claims.Email != email {
		s.logger.Warn("reset token rejected after consume", util.String("id", unverified.ID), util.ErrorField(err))
		return ErrInvalidCredentials
	}

	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		s.logger.Warn("reset for missing account", util.String("email", email), util.ErrorField(err))
		return ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.accounts.UpdatePassword(ctx, account.ID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	s.recorder.Record(audit.Event{Kind: audit.EventResetCompleted, Actor: account.ID})
	s.logger.Info("password reset completed", util.String("account_id", account.ID))
	return nil
}

// CreateAppCredentials registers a machine client under an organization and
// returns the only copy of its secret.
func (s *AuthService) CreateAppCredentials(ctx context.Context, orgID string) (*AppCredentials, error) {
	if orgID == "" {
		return nil, fmt.Errorf("%w: orgId is required", ErrValidation)
	}

	clientID := uuid.NewString()
	secret, err := s.tokens.IssueClientSecret(orgID, clientID)
	if err != nil {
		return nil, fmt.Errorf("issue client secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword(secretDigest(secret.Token), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash client secret: %w", err)
	}

	if err := s.apps.Save(ctx, directory.Application{
		OrgID:      orgID,
		ClientID:   clientID,
		SecretHash: string(hash),
	}); err != nil {
		return nil, fmt.Errorf("save application: %w", err)
	}

	s.recorder.Record(audit.Event{Kind: audit.EventCredsCreated, Actor: clientID, Detail: orgID})
	s.logger.Info("app credentials created",
		util.String("org_id", orgID), util.String("client_id", clientID))
	return &AppCredentials{ClientID: clientID, ClientSecret: secret.Token}, nil
}

func (s *AuthService) recordSignIn(ok bool, actor, detail string) {
	kind := audit.EventSignInFailed
	if ok {
		kind = audit.EventSignInSucceeded
	}
	s.recorder.Record(audit.Event{Kind: kind, Actor: actor, Detail: detail})
}

// secretDigest folds a signed secret under bcrypt's input limit.
func secretDigest(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}
