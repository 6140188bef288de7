package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tenantry/auth-service/internal/audit"
	"github.com/tenantry/auth-service/internal/client"
	"github.com/tenantry/auth-service/internal/config"
	"github.com/tenantry/auth-service/internal/directory"
	"github.com/tenantry/auth-service/internal/ratelimit"
	redisrepo "github.com/tenantry/auth-service/internal/repository/redis"
	"github.com/tenantry/auth-service/internal/service"
	"github.com/tenantry/auth-service/internal/token"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const testWebSecret = "fedcba9876543210fedcba9876543210"

type fakeAccounts struct {
	mu      sync.Mutex
	byEmail map[string]directory.Account
}

func (f *fakeAccounts) FindByEmail(_ context.Context, email string) (directory.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.byEmail[email]
	if !ok {
		return directory.Account{}, directory.ErrNotFound
	}
	return acct, nil
}

func (f *fakeAccounts) UpdatePassword(_ context.Context, id, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for email, acct := range f.byEmail {
		if acct.ID == id {
			acct.PasswordHash = passwordHash
			f.byEmail[email] = acct
			return nil
		}
	}
	return directory.ErrNotFound
}

type fakeApps struct {
	mu    sync.Mutex
	saved map[string]directory.Application
}

func (f *fakeApps) Find(_ context.Context, orgID, clientID string) (directory.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.saved[orgID+"/"+clientID]
	if !ok {
		return directory.Application{}, directory.ErrNotFound
	}
	return app, nil
}

func (f *fakeApps) Save(_ context.Context, app directory.Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[app.OrgID+"/"+app.ClientID] = app
	return nil
}

type fakeSubjects struct {
	mu      sync.Mutex
	byEmail map[string]directory.Subject
	byPhone map[string]directory.Subject
}

func (f *fakeSubjects) add(s directory.Subject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.Email != "" {
		f.byEmail[s.Email] = s
	}
	for _, p := range s.Phones {
		f.byPhone[p.Number] = s
	}
}

func (f *fakeSubjects) FindByEmail(_ context.Context, email string) (directory.Subject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byEmail[email]
	if !ok {
		return directory.Subject{}, directory.ErrNotFound
	}
	return s, nil
}

func (f *fakeSubjects) FindByPhone(_ context.Context, phone string) (directory.Subject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byPhone[phone]
	if !ok {
		return directory.Subject{}, directory.ErrNotFound
	}
	return s, nil
}

type captureSender struct {
	mu        sync.Mutex
	calls     int
	recipient string
	code      string
	err       error
}

func (c *captureSender) SendOTP(_ context.Context, recipient, code, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.calls++
	c.recipient, c.code = recipient, code
	return nil
}

func (c *captureSender) lastCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *captureSender) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

type captureMailer struct {
	mu    sync.Mutex
	calls int
	token string
}

func (c *captureMailer) SendPasswordReset(_ context.Context, _, resetToken, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.token = resetToken
	return nil
}

func (c *captureMailer) lastToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *captureMailer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// webEnv serves the full router against miniredis and in-memory
// collaborators, so tests exercise exactly what production requests hit.
type webEnv struct {
	t        *testing.T
	mr       *miniredis.Miniredis
	router   http.Handler
	cfg      *config.Config
	accounts *fakeAccounts
	apps     *fakeApps
	subjects *fakeSubjects
	mailer   *captureMailer
	emails   *captureSender
	whats    *captureSender
}

func newWebEnv(t *testing.T) *webEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store := client.NewRedisClientFromAddr(mr.Addr())
	logger := zap.NewNop()
	recorder := audit.NewNopRecorder()

	cfg := &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			RequestTimeout: 5 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Token: config.TokenConfig{
			Secret:     testWebSecret,
			Issuer:     "tenantry-auth",
			AccessTTL:  30 * time.Second,
			RefreshTTL: 2 * time.Minute,
			SessionTTL: 30 * time.Minute,
			ResetTTL:   time.Hour,
			CookieName: "tenantry_session",
		},
		OTP: config.OTPConfig{TTL: 5 * time.Minute, Digits: 6},
		RateLimit: config.RateLimitConfig{
			Enabled: true,
			// Threshold high enough that no test request ever sleeps.
			SlowDownAfter:  1000,
			SlowDownWindow: time.Minute,
		},
	}

	provider, err := token.NewProvider(cfg.Token.Secret, cfg.Token.Issuer, 0)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	env := &webEnv{
		t:        t,
		mr:       mr,
		cfg:      cfg,
		accounts: &fakeAccounts{byEmail: make(map[string]directory.Account)},
		apps:     &fakeApps{saved: make(map[string]directory.Application)},
		subjects: &fakeSubjects{byEmail: make(map[string]directory.Subject), byPhone: make(map[string]directory.Subject)},
		mailer:   &captureMailer{},
		emails:   &captureSender{},
		whats:    &captureSender{},
	}

	auth := service.NewAuthService(
		provider,
		redisrepo.NewRefreshCache(store),
		redisrepo.NewResetCache(store),
		env.accounts,
		env.apps,
		env.mailer,
		recorder,
		logger,
		cfg.Token,
	)
	otp := service.NewOTPService(
		env.subjects,
		redisrepo.NewOTPCache(store),
		redisrepo.NewSessionCache(store),
		provider,
		env.emails,
		env.whats,
		recorder,
		logger,
		cfg.OTP,
		cfg.Token.SessionTTL,
	)
	resolver := service.NewSessionService(provider, redisrepo.NewSessionCache(store), recorder, logger)

	guard := ratelimit.NewGuard(store, cfg.RateLimit)
	landlord := NewAuthHandler(auth, guard, logger)
	tenant := NewTenantHandler(otp, resolver, guard, cfg, logger)

	env.router = NewRouter(landlord, tenant, store, cfg, logger)
	return env
}

func (e *webEnv) addAccount(email, password string) {
	e.t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		e.t.Fatalf("hash password: %v", err)
	}
	e.accounts.mu.Lock()
	defer e.accounts.mu.Unlock()
	e.accounts.byEmail[email] = directory.Account{
		ID:           "acct-" + email,
		Email:        email,
		PasswordHash: string(hash),
	}
}

// do runs one request through the router. All requests share a fixed
// caller address so rate-limit counters accumulate the way a single
// client's would.
func (e *webEnv) do(method, path string, body interface{}, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	e.t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.7:51234"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, m := range mutate {
		m(req)
	}

	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func withBearer(tokenValue string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+tokenValue)
	}
}

func withCookie(name, value string) func(*http.Request) {
	return func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: name, Value: value})
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func parseEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("parse envelope from %q: %v", rr.Body.String(), err)
	}
	return env
}

func dataAs(t *testing.T, env envelope, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data %q: %v", string(env.Data), err)
	}
}

type tokenPairBody struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type sessionBody struct {
	SessionToken string `json:"sessionToken"`
	Principal    struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Phone string `json:"phone"`
		Role  string `json:"role"`
		OrgID string `json:"orgId"`
	} `json:"principal"`
}

func sessionCookie(t *testing.T, rr *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no %q cookie in response", name)
	return nil
}
