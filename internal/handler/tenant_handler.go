package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tenantry/auth-service/internal/config"
	"github.com/tenantry/auth-service/internal/notifier"
	"github.com/tenantry/auth-service/internal/ratelimit"
	"github.com/tenantry/auth-service/internal/service"
	"github.com/tenantry/auth-service/internal/token"
	"github.com/tenantry/auth-service/internal/util"
)

// TenantHandler serves the tenant surface: OTP sign-in over email or
// WhatsApp and the cookie-backed session it produces.
type TenantHandler struct {
	responder
	otp      *service.OTPService
	sessions *service.SessionService
	guard    *ratelimit.Guard

	cookieName   string
	cookieDomain string
	secureCookie bool
}

// NewTenantHandler creates a new tenant auth handler.
func NewTenantHandler(
	otp *service.OTPService,
	sessions *service.SessionService,
	guard *ratelimit.Guard,
	cfg *config.Config,
	logger *zap.Logger,
) *TenantHandler {
	return &TenantHandler{
		responder:    responder{logger: logger},
		otp:          otp,
		sessions:     sessions,
		guard:        guard,
		cookieName:   cfg.Token.CookieName,
		cookieDomain: cfg.Token.CookieDomain,
		secureCookie: cfg.IsProduction(),
	}
}

// RegisterRoutes registers the tenant routes on the given router.
func (h *TenantHandler) RegisterRoutes(router chi.Router) {
	router.With(h.guard.Protect(ratelimit.OTPRequestLimit, ratelimit.BodyIdentifier)).Post("/signin", h.EmailSignIn)
	router.With(h.guard.Protect(ratelimit.OTPVerifyLimit, nil)).Get("/signedin", h.EmailSignedIn)
	router.With(h.guard.Protect(ratelimit.OTPRequestLimit, ratelimit.BodyIdentifier)).Post("/whatsapp/signin", h.WhatsAppSignIn)
	router.With(h.guard.Protect(ratelimit.OTPVerifyLimit, nil)).Get("/whatsapp/signedin", h.WhatsAppSignedIn)
	router.Get("/session", h.Session)
	router.Delete("/signout", h.SignOut)
}

type otpSignInRequest struct {
	Email  string `json:"email"`
	Phone  string `json:"phoneNumber"`
	Locale string `json:"locale"`
}

type sessionPayload struct {
	SessionToken string           `json:"sessionToken"`
	ExpiresAt    time.Time        `json:"expiresAt"`
	Principal    principalPayload `json:"principal"`
}

type principalPayload struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Role  string `json:"role"`
	OrgID string `json:"orgId,omitempty"`
}

func toPrincipalPayload(p token.Principal) principalPayload {
	return principalPayload{
		ID:    p.ID,
		Email: p.Email,
		Phone: p.Phone,
		Role:  p.Role,
		OrgID: p.OrgID,
	}
}

// EmailSignIn godoc
// @Summary Request a sign-in code over email
// @Description Answers 204 for every well-formed address, whether or not it names a tenant.
// @Tags tenant
// @Accept json
// @Param request body otpSignInRequest true "Tenant email"
// @Success 204 "Accepted"
// @Failure 400 {object} Response "Malformed address"
// @Failure 429 "Budget for this address or account exhausted"
// @Failure 502 {object} Response "Delivery collaborator failed"
// @Router /auth/tenant/signin [post]
func (h *TenantHandler) EmailSignIn(w http.ResponseWriter, r *http.Request) {
	var req otpSignInRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, err, "Invalid request body")
		return
	}
	h.requestOTP(w, r, notifier.ChannelEmail, req.Email, req.Locale)
}

// WhatsAppSignIn godoc
// @Summary Request a sign-in code over WhatsApp
// @Description Answers 204 for every well-formed number, whether or not a WhatsApp-enabled tenant owns it.
// @Tags tenant
// @Accept json
// @Param request body otpSignInRequest true "Tenant phone number"
// @Success 204 "Accepted"
// @Failure 400 {object} Response "Malformed number"
// @Failure 429 "Budget for this address or account exhausted"
// @Failure 502 {object} Response "Delivery collaborator failed"
// @Router /auth/tenant/whatsapp/signin [post]
func (h *TenantHandler) WhatsAppSignIn(w http.ResponseWriter, r *http.Request) {
	var req otpSignInRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, err, "Invalid request body")
		return
	}
	h.requestOTP(w, r, notifier.ChannelWhatsApp, req.Phone, req.Locale)
}

func (h *TenantHandler) requestOTP(w http.ResponseWriter, r *http.Request, channel, identifier, locale string) {
	startTime := time.Now()

	if err := h.otp.RequestOTP(r.Context(), channel, identifier, locale); err != nil {
		h.respondWithError(w, err, "Could not send the sign-in code")
		return
	}

	h.logger.Info("sign-in code requested via HTTP",
		util.String("channel", channel),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "RequestOTP"),
	)
	w.WriteHeader(http.StatusNoContent)
}

// EmailSignedIn godoc
// @Summary Redeem an email sign-in code
// @Description Exchanges a one-time code for a session. The session token comes back in the body and in the session cookie.
// @Tags tenant
// @Produce json
// @Param otp query string true "One-time code"
// @Success 200 {object} Response
// @Failure 400 {object} Response "Code is not six digits"
// @Failure 401 {object} Response "Code unknown, expired, or already used"
// @Router /auth/tenant/signedin [get]
func (h *TenantHandler) EmailSignedIn(w http.ResponseWriter, r *http.Request) {
	h.signedIn(w, r, notifier.ChannelEmail)
}

// WhatsAppSignedIn godoc
// @Summary Redeem a WhatsApp sign-in code
// @Description Same exchange as the email route for codes delivered over WhatsApp.
// @Tags tenant
// @Produce json
// @Param otp query string true "One-time code"
// @Success 200 {object} Response
// @Failure 400 {object} Response "Code is not six digits"
// @Failure 401 {object} Response "Code unknown, expired, or already used"
// @Router /auth/tenant/whatsapp/signedin [get]
func (h *TenantHandler) WhatsAppSignedIn(w http.ResponseWriter, r *http.Request) {
	h.signedIn(w, r, notifier.ChannelWhatsApp)
}

func (h *TenantHandler) signedIn(w http.ResponseWriter, r *http.Request, channel string) {
	startTime := time.Now()

	sess, err := h.otp.VerifyOTP(r.Context(), channel, r.URL.Query().Get("otp"))
	if err != nil {
		h.respondWithError(w, err, "Sign-in code rejected")
		return
	}

	h.setSessionCookie(w, sess.Token, sess.ExpiresAt)

	h.logger.Info("tenant signed in via HTTP",
		util.String("channel", channel),
		util.String("role", sess.Principal.Role),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "SignedIn"),
	)
	h.respondWithJSON(w, http.StatusOK, successResponse(sessionPayload{
		SessionToken: sess.Token,
		ExpiresAt:    sess.ExpiresAt,
		Principal:    toPrincipalPayload(sess.Principal),
	}, "Signed in"))
}

// Session godoc
// @Summary Describe the calling principal
// @Description Resolves the bearer token or session cookie to the principal behind it.
// @Tags tenant
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response "No live session behind the credential"
// @Router /auth/tenant/session [get]
func (h *TenantHandler) Session(w http.ResponseWriter, r *http.Request) {
	raw := requestToken(r, h.cookieName)
	if raw == "" {
		h.respondWithError(w, service.ErrInvalidCredentials, "Not signed in")
		return
	}

	principal, err := h.sessions.Resolve(r.Context(), raw)
	if err != nil {
		h.respondWithError(w, err, "Not signed in")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(toPrincipalPayload(principal), "Session is active"))
}

// SignOut godoc
// @Summary End the tenant session
// @Description Drops the session store entry and clears the cookie. Signing out twice succeeds.
// @Tags tenant
// @Success 204 "Signed out"
// @Failure 400 {object} Response "No credential presented"
// @Router /auth/tenant/signout [delete]
func (h *TenantHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	raw := requestToken(r, h.cookieName)

	if err := h.sessions.SignOut(r.Context(), raw); err != nil {
		h.respondWithError(w, err, "Sign-out failed")
		return
	}

	h.clearSessionCookie(w)
	h.logger.Info("tenant signed out via HTTP",
		util.String("method", "SignOut"),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *TenantHandler) setSessionCookie(w http.ResponseWriter, value string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    value,
		Path:     "/",
		Domain:   h.cookieDomain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *TenantHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.cookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}
