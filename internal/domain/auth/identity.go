package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/go-faster/errors"
)

// Role is the coarse-grained role of an authenticated user.
type Role string

const (
	// RoleAdmin can use the administrative operations.
	RoleAdmin Role = "admin"
	// RoleUser is a regular member.
	RoleUser Role = "user"
	// RolePending is an account that has signed up but was not approved yet.
	RolePending Role = "pending"
)

// ErrUnknownToken is returned when a bearer token does not resolve to a user.
var ErrUnknownToken = errors.New("unknown token")

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleUser, RolePending:
		return true
	default:
		return false
	}
}

// User is an account record resolved from a bearer token.
type User struct {
	ID        string
	Name      string
	Role      Role
	TokenHash string
}

// Identity is the acting principal of a request: who it is, what role it
// holds, and which groups it belongs to.
type Identity struct {
	ID     string
	Name   string
	Role   Role
	Groups []string
}

// InGroup reports whether the identity is a member of group.
func (i Identity) InGroup(group string) bool {
	for _, g := range i.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// TokenRepository resolves hashed bearer tokens to users.
type TokenRepository interface {
	FindByTokenHash(ctx context.Context, hash string) (*User, error)
}

// GroupDirectory answers group membership questions.
type GroupDirectory interface {
	GroupsOf(ctx context.Context, userID string) ([]string, error)
}

// HashToken returns the hex encoded HMAC-SHA256 of token keyed by pepper.
// Tokens are only ever stored in this form.
func HashToken(pepper []byte, token string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying the identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext extracts the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
