// Package directory defines the collaborator lookups the auth core depends
// on. The core never owns subject, account, or application data; each
// interface here is backed by another service's HTTP API.
package directory

import (
	"context"
	"errors"
)

// ErrNotFound means the collaborator answered and the record does not
// exist. Transport and server failures are returned as ordinary errors.
var ErrNotFound = errors.New("directory: not found")

// Phone is one registered number with its messaging capability.
type Phone struct {
	Number   string `json:"number"`
	WhatsApp bool   `json:"whatsapp"`
}

// Subject is a tenant contact record. A subject registers up to two phone
// numbers; the capability flag is tracked per phone.
type Subject struct {
	ID     string  `json:"id"`
	Email  string  `json:"email"`
	Phones []Phone `json:"phones"`
}

// PhoneFor returns the registered phone matching number.
func (s Subject) PhoneFor(number string) (Phone, bool) {
	for _, p := range s.Phones {
		if p.Number == number {
			return p, true
		}
	}
	return Phone{}, false
}

// Subjects finds tenant contact records.
type Subjects interface {
	FindByEmail(ctx context.Context, email string) (Subject, error)
	FindByPhone(ctx context.Context, phone string) (Subject, error)
}

// Account is a landlord sign-in record.
type Account struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash"`
}

// Accounts reads and updates landlord credentials.
type Accounts interface {
	FindByEmail(ctx context.Context, email string) (Account, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

// Application is a registered machine client scoped to an organization.
type Application struct {
	OrgID      string `json:"orgId"`
	ClientID   string `json:"clientId"`
	SecretHash string `json:"secretHash"`
}

// Applications reads and registers machine clients.
type Applications interface {
	Find(ctx context.Context, orgID, clientID string) (Application, error)
	Save(ctx context.Context, app Application) error
}
