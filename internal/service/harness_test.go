package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tenantry/auth-service/internal/audit"
	"github.com/tenantry/auth-service/internal/client"
	"github.com/tenantry/auth-service/internal/config"
	"github.com/tenantry/auth-service/internal/directory"
	redisrepo "github.com/tenantry/auth-service/internal/repository/redis"
	"github.com/tenantry/auth-service/internal/token"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testIssuer = "tenantry-auth"
)

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

func (f *fakeApps) forget(orgID, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, orgID+"/"+clientID)
}

type fakeSubjects struct {
	byEmail map[string]directory.Subject
	byPhone map[string]directory.Subject
}

func (f *fakeSubjects) FindByEmail(_ context.Context, email string) (directory.Subject, error) {
	s, ok := f.byEmail[email]
	if !ok {
		return directory.Subject{}, directory.ErrNotFound
	}
	return s, nil
}

func (f *fakeSubjects) FindByPhone(_ context.Context, phone string) (directory.Subject, error) {
	s, ok := f.byPhone[phone]
	if !ok {
		return directory.Subject{}, directory.ErrNotFound
	}
	return s, nil
}

func (f *fakeSubjects) add(s directory.Subject) {
	if s.Email != "" {
		f.byEmail[s.Email] = s
	}
	for _, p := range s.Phones {
		f.byPhone[p.Number] = s
	}
}

type captureMailer struct {
	mu        sync.Mutex
	calls     int
	recipient string
	token     string
	locale    string
	err       error
}

func (m *captureMailer) SendPasswordReset(_ context.Context, recipient, resetToken, locale string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.recipient, m.token, m.locale = recipient, resetToken, locale
	return m.err
}

type captureNotifier struct {
	mu        sync.Mutex
	calls     int
	recipient string
	code      string
	locale    string
	err       error
}

func (n *captureNotifier) SendOTP(_ context.Context, recipient, code, locale string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.recipient, n.code, n.locale = recipient, code, locale
	return n.err
}

// env wires the services against miniredis and in-memory collaborators,
// with one mutable clock driving token timestamps and store TTLs together.
type env struct {
	t        *testing.T
	mr       *miniredis.Miniredis
	clockMu  sync.Mutex
	clock    time.Time
	provider *token.Provider

	accounts *fakeAccounts
	apps     *fakeApps
	subjects *fakeSubjects
	mailer   *captureMailer
	emails   *captureNotifier
	whats    *captureNotifier

	auth     *AuthService
	otp      *OTPService
	resolver *SessionService
}

func newEnv(t *testing.T) *env {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store := client.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { _ = store.Close() })

	provider, err := token.NewProvider(testSecret, testIssuer, 0)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	e := &env{
		t:        t,
		mr:       mr,
		clock:    time.Now(),
		provider: provider,
		accounts: &fakeAccounts{byEmail: map[string]directory.Account{}},
		apps:     &fakeApps{saved: map[string]directory.Application{}},
		subjects: &fakeSubjects{byEmail: map[string]directory.Subject{}, byPhone: map[string]directory.Subject{}},
		mailer:   &captureMailer{},
		emails:   &captureNotifier{},
		whats:    &captureNotifier{},
	}
	provider.WithNow(e.nowFunc)

	tokenCfg := config.TokenConfig{
		Secret:     testSecret,
		Issuer:     testIssuer,
		AccessTTL:  30 * time.Second,
		RefreshTTL: 2 * time.Minute,
		SessionTTL: 30 * time.Minute,
		ResetTTL:   time.Hour,
	}
	otpCfg := config.OTPConfig{TTL: 5 * time.Minute, Digits: 6}

	logger := zap.NewNop()
	recorder := audit.NewNopRecorder()

	refresh := redisrepo.NewRefreshCache(store)
	resets := redisrepo.NewResetCache(store)
	otps := redisrepo.NewOTPCache(store)
	sessions := redisrepo.NewSessionCache(store)

	e.auth = NewAuthService(provider, refresh, resets, e.accounts, e.apps, e.mailer, recorder, logger, tokenCfg)
	e.otp = NewOTPService(e.subjects, otps, sessions, provider, e.emails, e.whats, recorder, logger, otpCfg, tokenCfg.SessionTTL).WithNow(e.nowFunc)
	e.resolver = NewSessionService(provider, sessions, recorder, logger)
	return e
}

func (e *env) nowFunc() time.Time {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	return e.clock
}

// advance moves the logical clock and the store's TTL clock in lockstep.
func (e *env) advance(d time.Duration) {
	e.clockMu.Lock()
	e.clock = e.clock.Add(d)
	e.clockMu.Unlock()
	e.mr.FastForward(d)
}

func (e *env) addAccount(email, password string) directory.Account {
	e.t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		e.t.Fatalf("hash password: %v", err)
	}
	acct := directory.Account{ID: uuid.NewString(), Email: email, PasswordHash: string(hash)}
	e.accounts.byEmail[email] = acct
	return acct
}

// refreshEntryExists reports whether the store still tracks the refresh
// token for rotation.
func (e *env) refreshEntryExists(rawRefresh string) bool {
	e.t.Helper()
	claims, err := e.provider.ParseUnverified(rawRefresh)
	if err != nil {
		e.t.Fatalf("parse refresh token: %v", err)
	}
	return e.mr.Exists("refresh:" + claims.ID)
}
