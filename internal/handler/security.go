package handler

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/gatekeys/internal/domain/auth"
)

var errUnauthorized = errors.New("unauthorized")

// SecurityHandler authenticates requests carrying a bearer token. Tokens are
// looked up by their HMAC-SHA256 and resolved to an identity with the
// caller's group memberships.
type SecurityHandler struct {
	tokens auth.TokenRepository
	groups auth.GroupDirectory
	pepper []byte
}

// NewSecurityHandler creates a SecurityHandler with the given token
// repository, group directory and HMAC pepper.
func NewSecurityHandler(tokens auth.TokenRepository, groups auth.GroupDirectory, pepper []byte) *SecurityHandler {
	return &SecurityHandler{
		tokens: tokens,
		groups: groups,
		pepper: pepper,
	}
}

// Authenticate resolves a raw bearer token to an identity.
func (s *SecurityHandler) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, errUnauthorized
	}
	hexHash := auth.HashToken(s.pepper, token)
	hash, _ := hex.DecodeString(hexHash)

	u, err := s.tokens.FindByTokenHash(ctx, hexHash)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownToken) {
			return auth.Identity{}, errUnauthorized
		}
		return auth.Identity{}, errors.Wrap(err, "find token")
	}

	stored, err := hex.DecodeString(u.TokenHash)
	if err != nil || subtle.ConstantTimeCompare(hash, stored) != 1 {
		return auth.Identity{}, errUnauthorized
	}

	who := auth.Identity{ID: u.ID, Name: u.Name, Role: u.Role}
	groups, err := s.groups.GroupsOf(ctx, u.ID)
	if err != nil {
		zctx.From(ctx).Warn("Group lookup failed, continuing without groups",
			zap.String("user_id", u.ID),
			zap.Error(err),
		)
		groups = nil
	}
	who.Groups = groups
	return who, nil
}

// Require rejects requests without a valid bearer token and stores the
// resolved identity in the request context.
func (s *SecurityHandler) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, err := s.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			if !errors.Is(err, errUnauthorized) {
				zctx.From(r.Context()).Error("Authentication failed", zap.Error(err))
				writeErrorBody(w, http.StatusInternalServerError, "authentication failed")
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeErrorBody(w, http.StatusUnauthorized, errUnauthorized.Error())
			return
		}

		ctx := auth.WithIdentity(r.Context(), who)
		ctx = zctx.With(ctx, zap.String("user_id", who.ID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
