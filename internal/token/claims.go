package token

import (
	"github.com/golang-jwt/jwt/v5"
)

// Use identifies what a signed token is allowed to do. Parse rejects a token
// presented for any use other than the one it was issued with.
type Use string

const (
	UseAccess  Use = "access"
	UseRefresh Use = "refresh"
	UseSession Use = "session"
	UseReset   Use = "reset"
	UseSecret  Use = "secret"
)

// Role values carried in end-user and machine tokens.
const (
	RoleAdministrator = "administrator"
	RoleTenant        = "tenant"
	RoleAPIClient     = "api_client"
)

// Claims is the single claim set used for every token the service signs.
// Kinds that do not need a field leave it empty; the populated shape is what
// distinguishes end users from registered applications and internal services.
type Claims struct {
	jwt.RegisteredClaims
	Use     Use    `json:"use"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Role    string `json:"role,omitempty"`
	OrgID   string `json:"org,omitempty"`
	KeyID   string `json:"kid,omitempty"`
	Service string `json:"svc,omitempty"`
}

// Principal is the caller identity resolved from a verified token.
type Principal struct {
	ID    string
	Email string
	Phone string
	Role  string
	OrgID string
}

// PrincipalFromClaims maps a verified claim set onto a caller identity.
// A key id marks a registered application, a service name marks an internal
// caller, anything else is an end user whose role defaults to tenant.
func PrincipalFromClaims(c *Claims) Principal {
	switch {
	case c.KeyID != "":
		role := c.Role
		if role == "" {
			role = RoleAPIClient
		}
		return Principal{ID: c.KeyID, Email: c.Email, Role: role, OrgID: c.OrgID}
	case c.Service != "":
		role := c.Role
		if role == "" {
			role = RoleAPIClient
		}
		return Principal{ID: c.Service, Role: role, OrgID: c.OrgID}
	default:
		role := c.Role
		if role == "" {
			role = RoleTenant
		}
		return Principal{
			ID:    c.Subject,
			Email: c.Email,
			Phone: c.Phone,
			Role:  role,
			OrgID: c.OrgID,
		}
	}
}
