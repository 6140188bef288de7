package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tenantry/auth-service/internal/ratelimit"
	"github.com/tenantry/auth-service/internal/service"
	"github.com/tenantry/auth-service/internal/util"
)

// AuthHandler serves the landlord surface: password and machine sign-in,
// refresh rotation, sign-out, password recovery, and application
// credentials.
type AuthHandler struct {
	responder
	auth  *service.AuthService
	guard *ratelimit.Guard
}

// NewAuthHandler creates a new landlord auth handler.
func NewAuthHandler(auth *service.AuthService, guard *ratelimit.Guard, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		responder: responder{logger: logger},
		auth:      auth,
		guard:     guard,
	}
}

// RegisterRoutes registers the landlord routes on the given router.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.With(h.guard.Protect(ratelimit.SignInLimit, ratelimit.BodyIdentifier)).Post("/signin", h.SignIn)
	router.With(h.guard.Protect(ratelimit.RefreshLimit, nil)).Post("/refreshtoken", h.RefreshToken)
	router.Delete("/signout", h.SignOut)
	router.With(h.guard.Protect(ratelimit.ForgotPasswordLimit, ratelimit.BodyIdentifier)).Post("/forgotpassword", h.ForgotPassword)
	router.Patch("/resetpassword", h.ResetPassword)
	router.With(h.guard.Protect(ratelimit.AppCredsLimit, nil)).Post("/appcredz", h.CreateAppCredentials)
}

type signInRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// machine reports whether the payload carries application credentials
// rather than a password pair.
func (req signInRequest) machine() bool {
	return req.ClientID != "" || req.ClientSecret != ""
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type forgotPasswordRequest struct {
	Email  string `json:"email"`
	Locale string `json:"locale"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type appCredentialsRequest struct {
	OrgID string `json:"orgId"`
}

// SignIn godoc
// @Summary Sign in a landlord or a registered application
// @Description One route, two payload shapes: email/password issues a user token pair, clientId/clientSecret issues a machine access token.
// @Tags landlord
// @Accept json
// @Produce json
// @Param credentials body signInRequest true "Credentials"
// @Success 200 {object} Response
// @Failure 400 {object} Response "Malformed payload"
// @Failure 401 {object} Response "Credentials rejected"
// @Failure 429 "Budget for this address or account exhausted"
// @Router /auth/landlord/signin [post]
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req signInRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, err, "Invalid request body")
		return
	}

	if req.machine() {
		grant, err := h.auth.IssueMachineToken(ctx, req.ClientID, req.ClientSecret)
		if err != nil {
			h.respondWithError(w, err, "Sign-in failed")
			return
		}

		h.logger.Info("application signed in via HTTP",
			util.String("client_id", req.ClientID),
			util.Duration("duration", time.Since(startTime)),
			util.String("method", "SignIn"),
		)
		h.respondWithJSON(w, http.StatusOK, successResponse(grant, "Signed in"))
		return
	}

	pair, err := h.auth.PasswordSignIn(ctx, req.Email, req.Password)
	if err != nil {
		h.respondWithError(w, err, "Sign-in failed")
		return
	}

	h.logger.Info("landlord signed in via HTTP",
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "SignIn"),
	)
	h.respondWithJSON(w, http.StatusOK, successResponse(pair, "Signed in"))
}

// RefreshToken godoc
// @Summary Rotate a refresh token
// @Description Exchanges a live refresh token for a fresh access/refresh pair. The presented token is consumed whether or not the exchange succeeds.
// @Tags landlord
// @Accept json
// @Produce json
// @Param token body refreshRequest true "Refresh token"
// @Success 200 {object} Response
// @Failure 401 {object} Response "Token unknown, expired, or already used"
// @Router /auth/landlord/refreshtoken [post]
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, err, "Invalid request body")
		return
	}

	pair, err := h.auth.Rotate(ctx, req.RefreshToken)
	if err != nil {
		h.respondWithError(w, err, "Refresh failed")
		return
	}

	h.logger.Info("refresh token rotated via HTTP",
		util.String("method", "RefreshToken"),
	)
	h.respondWithJSON(w, http.StatusOK, successResponse(pair, "Tokens rotated"))
}

// SignOut godoc
// @Summary Sign out a landlord
// @Description Revokes the refresh token carried in the Authorization header or the request body. Revoking an already-dead token succeeds.
// @Tags landlord
// @Success 204 "Signed out"
// @Failure 400 {object} Response "No token presented"
// @Router /auth/landlord/signout [delete]
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw := requestToken(r, "")
	if raw == "" && r.Body != nil {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			raw = req.RefreshToken
		}
	}

	if err := h.auth.Revoke(ctx, raw); err != nil {
		h.respondWithError(w, err, "Sign-out failed")
		return
	}

	h.logger.Info("landlord signed out via HTTP",
		util.String("method", "SignOut"),
	)
	w.WriteHeader(http.StatusNoContent)
}

// ForgotPassword godoc
// @Summary Request a password reset
// @Description Answers 204 for every well-formed address, whether or not it names an account.
// @Tags landlord
// @Accept json
// @Param request body forgotPasswordRequest true "Account email"
// @Success 204 "Accepted"
// @Failure 400 {object} Response "Malformed address"
// @Failure 429 "Budget for this address or account exhausted"
// @Router /auth/landlord/forgotpassword [post]
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req forgotPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, err, "Invalid request body")
		return
	}

	if err := h.auth.ForgotPassword(ctx, req.Email, req.Locale); err != nil {
		h.respondWithError(w, err, "Password reset request failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ResetPassword godoc
// @Summary Complete a password reset
// @Description Consumes a reset token and installs the new password. Each token works at most once.
// @Tags landlord
// @Accept json
// @Param request body resetPasswordRequest true "Reset token and new password"
// @Success 204 "Password changed"
// @Failure 400 {object} Response "Password outside 8..72 characters"
// @Failure 401 {object} Response "Token unknown, expired, or already used"
// @Router /auth/landlord/resetpassword [patch]
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, err, "Invalid request body")
		return
	}

	if err := h.auth.ResetPassword(ctx, req.Token, req.NewPassword); err != nil {
		h.respondWithError(w, err, "Password reset failed")
		return
	}

	h.logger.Info("password reset completed via HTTP",
		util.String("method", "ResetPassword"),
	)
	w.WriteHeader(http.StatusNoContent)
}

// CreateAppCredentials godoc
// @Summary Create application credentials
// @Description Mints a clientId/clientSecret pair for an organization. The secret is returned once and stored only as a hash.
// @Tags landlord
// @Accept json
// @Produce json
// @Param request body appCredentialsRequest true "Owning organization"
// @Success 201 {object} Response
// @Failure 400 {object} Response "Missing orgId"
// @Failure 429 "Budget for this address exhausted"
// @Router /auth/landlord/appcredz [post]
func (h *AuthHandler) CreateAppCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req appCredentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, err, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.OrgID) == "" {
		h.respondWithError(w, fmt.Errorf("%w: orgId is required", service.ErrValidation), "Invalid request body")
		return
	}

	creds, err := h.auth.CreateAppCredentials(ctx, req.OrgID)
	if err != nil {
		h.respondWithError(w, err, "Could not create credentials")
		return
	}

	h.logger.Info("application credentials created via HTTP",
		util.String("org_id", req.OrgID),
		util.String("client_id", creds.ClientID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "CreateAppCredentials"),
	)
	h.respondWithJSON(w, http.StatusCreated, successResponse(creds, "Store the secret now; it is not retrievable later"))
}
