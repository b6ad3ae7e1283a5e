package keys

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when a key does not exist or is not visible to
	// the requester. The two cases are deliberately indistinguishable.
	ErrNotFound = errors.New("key not found")
	// ErrForbidden is returned when the coarse gate rejects the identity.
	ErrForbidden = errors.New("access denied to key management")
	// ErrDuplicateName matches every *DuplicateNameError.
	ErrDuplicateName = errors.New("duplicate key name")
	// ErrRemoteUnavailable is returned when the gateway is disabled,
	// unconfigured, unreachable, or answered with an error.
	ErrRemoteUnavailable = errors.New("gateway unavailable")
	// ErrNameRequired is returned when a key is created without a name.
	ErrNameRequired = errors.New("key name is required")
	// ErrSecretRequired is returned by stores that persist caller supplied
	// secret material when none was given.
	ErrSecretRequired = errors.New("secret value is required")
)

// DuplicateNameError reports a (owner, name) collision.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("key name %q already exists", e.Name)
}

// Is makes errors.Is(err, ErrDuplicateName) hold.
func (e *DuplicateNameError) Is(target error) bool {
	return target == ErrDuplicateName
}

// InvalidGroupsError names the requested groups the caller is not a member of.
type InvalidGroupsError struct {
	Groups []string
}

func (e *InvalidGroupsError) Error() string {
	return "user is not a member of groups: " + strings.Join(e.Groups, ", ")
}
