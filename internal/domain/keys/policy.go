package keys

import (
	"slices"

	"github.com/xenking/gatekeys/internal/domain/auth"
)

// Authorizer is the coarse gate deciding whether an identity may use key
// management at all. Stricter policies (e.g. per-feature permission bits)
// are plugged in by supplying a different Authorizer.
type Authorizer func(who auth.Identity) bool

// RoleAllowList returns an Authorizer admitting identities whose role is in roles.
func RoleAllowList(roles ...auth.Role) Authorizer {
	allowed := make(map[auth.Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(who auth.Identity) bool {
		if who.ID == "" {
			return false
		}
		_, ok := allowed[who.Role]
		return ok
	}
}

// DefaultAuthorizer admits every authenticated, non-guest role.
var DefaultAuthorizer = RoleAllowList(auth.RoleAdmin, auth.RoleUser)

// Policy holds the access rules shared by every store.
type Policy struct {
	authorize Authorizer
}

// NewPolicy returns a Policy using authorize, or DefaultAuthorizer if nil.
func NewPolicy(authorize Authorizer) Policy {
	if authorize == nil {
		authorize = DefaultAuthorizer
	}
	return Policy{authorize: authorize}
}

// IsAuthorized applies the coarse gate.
func (p Policy) IsAuthorized(who auth.Identity) bool {
	if p.authorize == nil {
		return DefaultAuthorizer(who)
	}
	return p.authorize(who)
}

// IsAdmin reports whether who may use administrative operations.
func (p Policy) IsAdmin(who auth.Identity) bool {
	return p.IsAuthorized(who) && who.Role == auth.RoleAdmin
}

// CanAccess reports whether who may read k: owners always can, anyone else
// only while the key is active and shares at least one group with them.
func CanAccess(who auth.Identity, k *Key) bool {
	if k == nil {
		return false
	}
	if k.OwnerID == who.ID {
		return true
	}
	return k.Active && overlaps(k.Groups, who.Groups)
}

// CanGrantGroups checks that every requested group is one who belongs to.
// The offending groups are returned in request order without duplicates.
func CanGrantGroups(who auth.Identity, requested []string) (ok bool, invalid []string) {
	for _, g := range requested {
		if who.InGroup(g) || slices.Contains(invalid, g) {
			continue
		}
		invalid = append(invalid, g)
	}
	return len(invalid) == 0, invalid
}

// Overlaps reports whether a and b share at least one element.
func Overlaps(a, b []string) bool {
	return overlaps(a, b)
}

func overlaps(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(b))
	for _, g := range b {
		set[g] = struct{}{}
	}
	for _, g := range a {
		if _, ok := set[g]; ok {
			return true
		}
	}
	return false
}
