package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tenantry/auth-service/internal/service"
	"github.com/tenantry/auth-service/internal/util"
)

// Response is the common envelope for JSON replies.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

var errInternal = errors.New("internal error")

// responder carries the reply plumbing shared by the landlord and tenant
// handlers.
type responder struct {
	logger *zap.Logger
}

func (re responder) respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		re.logger.Error("failed to encode response", util.ErrorField(err))
	}
}

// respondWithError logs the full failure and answers with a generic body.
// Internal detail never reaches the wire.
func (re responder) respondWithError(w http.ResponseWriter, err error, message string) {
	statusCode := statusFor(err)

	re.logger.Warn("error response",
		util.Int("status_code", statusCode),
		util.String("message", message),
		util.ErrorField(err),
	)

	if statusCode == http.StatusInternalServerError {
		err = errInternal
	}
	re.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// statusFor maps service errors onto HTTP statuses. Rate limiting answers
// upstream in the guard middleware, so 429 never comes through here.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrDeliveryFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed request body", service.ErrValidation)
	}
	return nil
}

// requestToken pulls the credential off the request: Authorization header
// first, then the session cookie the tenant portal rides on.
func requestToken(r *http.Request, cookieName string) string {
	const prefix = "Bearer "
	if header := r.Header.Get("Authorization"); len(header) > len(prefix) &&
		strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil {
			return cookie.Value
		}
	}
	return ""
}
