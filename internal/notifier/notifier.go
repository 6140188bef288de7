// Package notifier holds the delivery-side contracts for one-time codes.
// Message composition and transport belong to the collaborator services;
// this package only asks them to deliver a payload to a recipient, and
// applies one shared delivery policy to both channels.
package notifier

import "context"

// Channel names for OTP delivery.
const (
	ChannelEmail    = "email"
	ChannelWhatsApp = "whatsapp"
)

// Notifier delivers a one-time code to a recipient.
type Notifier interface {
	SendOTP(ctx context.Context, recipient, code, locale string) error
}

// Func adapts a function to the Notifier interface. Tests use it.
type Func func(ctx context.Context, recipient, code, locale string) error

func (f Func) SendOTP(ctx context.Context, recipient, code, locale string) error {
	return f(ctx, recipient, code, locale)
}
