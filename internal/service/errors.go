package service

import "errors"

// Failure kinds the handlers translate into HTTP statuses. Bad passwords,
// unknown accounts, tampered tokens, expired tokens, and consumed codes are
// deliberately one kind; whatever actually failed goes to the logs, never
// into a response body.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrValidation         = errors.New("invalid input")
	ErrDeliveryFailure    = errors.New("otp delivery failed")
)
