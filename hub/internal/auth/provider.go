package auth

import (
	"context"
)

// Operator roles.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Identity is the authenticated operator behind an API request.
type Identity struct {
	Subject string
	Role    string
}

// CanWrite reports whether the identity may create or change commands.
func (i *Identity) CanWrite() bool {
	return i != nil && i.Role == RoleAdmin
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
}
