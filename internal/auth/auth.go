// Package auth validates HS256 operator tokens for the settings API and the
// live result stream.
package auth

import (
	"errors"
	"slices"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// RoleAdmin may change moderation settings.
const RoleAdmin = "admin"

// Identity represents an authenticated operator's claims.
type Identity struct {
	Subject   string   `json:"sub"`
	Roles     []string `json:"roles"`
	TokenType string   `json:"token_type"` // "access"
}

// HasRole reports whether the identity carries role.
func (i *Identity) HasRole(role string) bool {
	return i != nil && slices.Contains(i.Roles, role)
}

// TokenValidator validates a raw JWT string and returns the identity.
type TokenValidator interface {
	ValidateToken(token string) (*Identity, error)
}
