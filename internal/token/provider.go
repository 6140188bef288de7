package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const minSecretLen = 32

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongUse     = errors.New("token use mismatch")
)

// Provider signs and verifies every token kind the service issues.
// All tokens are HS256 with a shared secret; verification pins the
// algorithm and the issuer.
type Provider struct {
	secret []byte
	issuer string
	parser *jwt.Parser
	now    func() time.Time
}

func NewProvider(secret, issuer string, leeway time.Duration) (*Provider, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d bytes, got %d", minSecretLen, len(secret))
	}
	p := &Provider{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
	p.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(func() time.Time { return p.now() }),
	)
	return p, nil
}

// WithNow replaces the provider clock. Tests use it to cross expiry
// boundaries without sleeping.
func (p *Provider) WithNow(now func() time.Time) *Provider {
	p.now = now
	return p
}

// Issued is a signed token together with the identifiers callers track.
type Issued struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// IssueUser signs a token of the given use for an end-user principal.
func (p *Provider) IssueUser(use Use, principal Principal, ttl time.Duration) (Issued, error) {
	return p.issue(use, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: principal.ID},
		Email:            principal.Email,
		Phone:            principal.Phone,
		Role:             principal.Role,
		OrgID:            principal.OrgID,
	}, ttl)
}

// IssueMachineAccess signs an access token for a registered application.
func (p *Provider) IssueMachineAccess(orgID, keyID string, ttl time.Duration) (Issued, error) {
	return p.issue(UseAccess, Claims{
		OrgID: orgID,
		KeyID: keyID,
		Role:  RoleAPIClient,
	}, ttl)
}

// IssueClientSecret signs the long-lived secret handed to a registered
// application at credential creation. It carries no expiry; revocation
// happens by replacing the stored hash.
func (p *Provider) IssueClientSecret(orgID, keyID string) (Issued, error) {
	return p.issue(UseSecret, Claims{OrgID: orgID, KeyID: keyID}, 0)
}

// IssueReset signs a password-reset token bound to an email address.
func (p *Provider) IssueReset(email string, ttl time.Duration) (Issued, error) {
	return p.issue(UseReset, Claims{Email: email}, ttl)
}

func (p *Provider) issue(use Use, claims Claims, ttl time.Duration) (Issued, error) {
	now := p.now()
	claims.Use = use
	claims.ID = uuid.NewString()
	claims.Issuer = p.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return Issued{}, fmt.Errorf("sign %s token: %w", use, err)
	}
	return Issued{Token: signed, ID: claims.ID, ExpiresAt: expiresAt}, nil
}

// Parse verifies signature, issuer, and expiry, and that the token was
// issued for the expected use.
func (p *Provider) Parse(raw string, expected Use) (*Claims, error) {
	claims, err := p.ParseAny(raw)
	if err != nil {
		return nil, err
	}
	if claims.Use != expected {
		return nil, fmt.Errorf("%w: have %q, want %q", ErrWrongUse, claims.Use, expected)
	}
	return claims, nil
}

// ParseAny verifies signature, issuer, and expiry but leaves the use claim
// to the caller. The session validator accepts more than one kind and
// branches on Use itself.
func (p *Provider) ParseAny(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := p.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return p.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// ParseUnverified extracts claims without checking the signature. Sign-out
// and revocation use it so expired credentials can still be cleared.
func (p *Provider) ParseUnverified(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
