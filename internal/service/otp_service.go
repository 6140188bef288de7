package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tenantry/auth-service/internal/audit"
	"github.com/tenantry/auth-service/internal/client"
	"github.com/tenantry/auth-service/internal/config"
	"github.com/tenantry/auth-service/internal/directory"
	"github.com/tenantry/auth-service/internal/notifier"
	redisrepo "github.com/tenantry/auth-service/internal/repository/redis"
	"github.com/tenantry/auth-service/internal/token"
	"github.com/tenantry/auth-service/internal/util"

	"go.uber.org/zap"
)

// Six-digit codes collide; a handful of fresh draws is plenty before
// something is genuinely wrong with the store.
const otpStoreAttempts = 3

// Session is a live tenant session minted by OTP verification.
type Session struct {
	Token     string
	ExpiresAt time.Time
	Principal token.Principal
}

// OTPService coordinates passwordless tenant sign-in: code issuance over
// email or WhatsApp, single-use verification, and session minting.
type OTPService struct {
	subjects   directory.Subjects
	otps       *redisrepo.OTPCache
	sessions   *redisrepo.SessionCache
	tokens     *token.Provider
	email      notifier.Notifier
	whatsapp   notifier.Notifier
	recorder   *audit.Recorder
	logger     *zap.Logger
	otpTTL     time.Duration
	digits     int
	decoyDelay time.Duration
	sessionTTL time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration)
}

func NewOTPService(
	subjects directory.Subjects,
	otps *redisrepo.OTPCache,
	sessions *redisrepo.SessionCache,
	tokens *token.Provider,
	email notifier.Notifier,
	whatsapp notifier.Notifier,
	recorder *audit.Recorder,
	logger *zap.Logger,
	cfg config.OTPConfig,
	sessionTTL time.Duration,
) *OTPService {
	return &OTPService{
		subjects:   subjects,
		otps:       otps,
		sessions:   sessions,
		tokens:     tokens,
		email:      email,
		whatsapp:   whatsapp,
		recorder:   recorder,
		logger:     logger,
		otpTTL:     cfg.TTL,
		digits:     cfg.Digits,
		decoyDelay: cfg.DecoyDelay,
		sessionTTL: sessionTTL,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// WithNow replaces the service clock. Tests use it to cross the expiry
// boundary without waiting.
func (s *OTPService) WithNow(now func() time.Time) *OTPService {
	s.now = now
	return s
}

// RequestOTP resolves identifier to a subject and, when one matches with
// the right channel capability, stores a code and hands it to the channel's
// notifier. Unknown identifiers run the same generation work and report
// success: the response never says whether anyone was found.
func (s *OTPService) RequestOTP(ctx context.Context, channel, identifier, locale string) error {
	switch channel {
	case notifier.ChannelEmail:
		identifier = util.NormalizeEmail(identifier)
		if !util.IsEmail(identifier) {
			return fmt.Errorf("%w: a valid email is required", ErrValidation)
		}
	case notifier.ChannelWhatsApp:
		identifier = util.NormalizePhone(identifier)
		if !util.IsPhone(identifier) {
			return fmt.Errorf("%w: a valid phone number is required", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrValidation, channel)
	}

	rec, ok, err := s.resolveRecipient(ctx, channel, identifier)
	if err != nil {
		return err
	}
	if !ok {
		return s.suppress(ctx, channel)
	}

	code, err := s.storeCode(ctx, rec)
	if err != nil {
		return err
	}

	if err := s.notifierFor(channel).SendOTP(ctx, rec.Recipient, code, locale); err != nil {
		s.logger.Error("otp delivery failed",
			util.String("channel", channel), util.String("subject_id", rec.SubjectID), util.ErrorField(err))
		s.recorder.Record(audit.Event{Kind: audit.EventOTPRequested, Actor: rec.SubjectID, Route: channel, Detail: "delivery_failed"})
		return fmt.Errorf("%w: %s", ErrDeliveryFailure, channel)
	}

	s.recorder.Record(audit.Event{Kind: audit.EventOTPRequested, Actor: rec.SubjectID, Route: channel, Detail: "delivered"})
	return nil
}

// VerifyOTP consumes code and opens a tenant session. The record is
// deleted by the read itself, so a second attempt with the same code fails
// no matter how the first one ended.
func (s *OTPService) VerifyOTP(ctx context.Context, channel, code string) (*Session, error) {
	code = strings.TrimSpace(code)
	if len(code) != s.digits || !allDigits(code) {
		return nil, fmt.Errorf("%w: otp must be %d digits", ErrValidation, s.digits)
	}

	rec, err := s.otps.Consume(ctx, code)
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			s.logger.Warn("otp verification miss", util.String("channel", channel))
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if rec.Channel != channel {
		s.logger.Warn("otp channel mismatch",
			util.String("issued", rec.Channel), util.String("presented", channel))
		return nil, ErrInvalidCredentials
	}

	// The native TTL plus skew bounds the record's life in the store; this
	// enforces the logical expiry under clock drift. The record is already
	// gone either way.
	if s.now().After(rec.ExpiresAt) {
		s.logger.Warn("otp expired at verification",
			util.String("channel", channel), util.String("subject_id", rec.SubjectID))
		return nil, ErrInvalidCredentials
	}

	principal := tenantPrincipal(rec)
	issued, err := s.tokens.IssueUser(token.UseSession, principal, s.sessionTTL)
	if err != nil {
		return nil, fmt.Errorf("issue session token: %w", err)
	}
	if err := s.sessions.Save(ctx, issued.ID, subjectKey(rec), s.sessionTTL); err != nil {
		return nil, err
	}

	s.recorder.Record(audit.Event{Kind: audit.EventOTPVerified, Actor: rec.SubjectID, Route: channel})
	s.logger.Info("otp verified",
		util.String("channel", channel), util.String("subject_id", rec.SubjectID))
	return &Session{Token: issued.Token, ExpiresAt: issued.ExpiresAt, Principal: principal}, nil
}

// resolveRecipient decides whether anyone should receive a code. A real
// subject whose matched phone lacks the WhatsApp flag gets the same silence
// as no subject at all.
func (s *OTPService) resolveRecipient(ctx context.Context, channel, identifier string) (redisrepo.Record, bool, error) {
	now := s.now().UTC()
	rec := redisrepo.Record{
		CreatedAt: now,
		ExpiresAt: now.Add(s.otpTTL),
		Channel:   channel,
		Recipient: identifier,
	}

	if channel == notifier.ChannelEmail {
		subject, err := s.subjects.FindByEmail(ctx, identifier)
		if errors.Is(err, directory.ErrNotFound) {
			return redisrepo.Record{}, false, nil
		}
		if err != nil {
			return redisrepo.Record{}, false, fmt.Errorf("subject lookup: %w", err)
		}
		rec.SubjectID = subject.ID
		rec.Email = subject.Email
		return rec, true, nil
	}

	subject, err := s.subjects.FindByPhone(ctx, identifier)
	if errors.Is(err, directory.ErrNotFound) {
		return redisrepo.Record{}, false, nil
	}
	if err != nil {
		return redisrepo.Record{}, false, fmt.Errorf("subject lookup: %w", err)
	}
	phone, found := subject.PhoneFor(identifier)
	if !found || !phone.WhatsApp {
		return redisrepo.Record{}, false, nil
	}
	rec.SubjectID = subject.ID
	rec.Email = subject.Email
	rec.Phone = phone.Number
	return rec, true, nil
}

// suppress mirrors the real path's generation work and optional delay, then
// reports success.
func (s *OTPService) suppress(ctx context.Context, channel string) error {
	if _, err := s.generateCode(); err != nil {
		s.logger.Error("otp generation failed", util.ErrorField(err))
	}
	if s.decoyDelay > 0 {
		s.sleep(ctx, s.decoyDelay)
	}
	s.recorder.Record(audit.Event{Kind: audit.EventOTPRequested, Route: channel, Detail: "suppressed"})
	return nil
}

// storeCode draws codes until one lands in a free slot.
func (s *OTPService) storeCode(ctx context.Context, rec redisrepo.Record) (string, error) {
	for attempt := 0; attempt < otpStoreAttempts; attempt++ {
		code, err := s.generateCode()
		if err != nil {
			return "", fmt.Errorf("generate otp: %w", err)
		}
		ok, err := s.otps.Put(ctx, code, rec, s.otpTTL)
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}
	}
	return "", fmt.Errorf("store otp: no free code after %d attempts", otpStoreAttempts)
}

func (s *OTPService) generateCode() (string, error) {
	b := make([]byte, s.digits)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, s.digits)
	for i := range b {
		out[i] = '0' + (b[i] % 10)
	}
	return string(out), nil
}

func (s *OTPService) notifierFor(channel string) notifier.Notifier {
	if channel == notifier.ChannelWhatsApp {
		return s.whatsapp
	}
	return s.email
}

// tenantPrincipal builds the verified identity. WhatsApp subjects without a
// contact email get a synthesized address derived from the number, so every
// principal carries one.
func tenantPrincipal(rec redisrepo.Record) token.Principal {
	email := rec.Email
	if email == "" {
		email = strings.TrimPrefix(rec.Phone, "+") + "@wa.tenantry"
	}
	return token.Principal{
		ID:    rec.SubjectID,
		Email: email,
		Phone: rec.Phone,
		Role:  token.RoleTenant,
	}
}

// subjectKey is what the session entry records about its owner.
func subjectKey(rec redisrepo.Record) string {
	if rec.Email != "" {
		return rec.Email
	}
	return rec.Phone
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
