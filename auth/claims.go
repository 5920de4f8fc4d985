package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the SSO token claims the proxy reads
type Claims struct {
	jwt.RegisteredClaims
	Email             string   `json:"email"`
	Name              string   `json:"name"`
	PreferredUsername string   `json:"preferred_username"`
	Roles             []string `json:"roles"`
}

// Identity is the authenticated caller
type Identity struct {
	Subject string
	Email   string
	Name    string
	Roles   []string
	Method  string
}

// Method values
const (
	MethodMasterKey = "master_key"
	MethodSSO       = "sso"
	MethodOpen      = "open"
)

// Identity converts claims to an Identity
func (c *Claims) Identity() *Identity {
	name := c.PreferredUsername
	if name == "" {
		name = c.Name
	}
	return &Identity{
		Subject: c.Subject,
		Email:   c.Email,
		Name:    name,
		Roles:   c.Roles,
		Method:  MethodSSO,
	}
}

// DisplayName returns the preferred username, the email or the subject
func (i *Identity) DisplayName() string {
	switch {
	case i == nil:
		return "unknown"
	case i.Name != "":
		return i.Name
	case i.Email != "":
		return i.Email
	case i.Subject != "":
		return i.Subject
	}
	return "unknown"
}

type identityKey struct{}

// WithIdentity stores the caller identity in ctx
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by WithIdentity
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}
