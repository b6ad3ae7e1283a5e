package keys

import (
	"context"

	"github.com/xenking/gatekeys/internal/domain/auth"
)

// Store is the persistence contract shared by the local table and the
// gateway proxy. Every method except Create returns masked secrets.
type Store interface {
	// Create persists a new key owned by owner and returns it with its raw
	// secret. It fails with ErrDuplicateName if owner already has a key
	// with the same name.
	Create(ctx context.Context, owner string, form CreateForm) (*Key, error)
	// Get returns the key if who may read it, ErrNotFound otherwise.
	Get(ctx context.Context, id string, who auth.Identity) (*Key, error)
	// List returns a page of keys owned by owner in insertion order, and
	// the total number of keys owned.
	List(ctx context.Context, owner string, page Page) ([]Key, int, error)
	// Update applies a partial update to a key owned by who.
	Update(ctx context.Context, id string, who auth.Identity, upd UpdateForm) (*Key, error)
	// Delete removes a key owned by who. It reports false if there was
	// nothing to delete.
	Delete(ctx context.Context, id string, who auth.Identity) (bool, error)
	// ListAccessible returns keys owned by who and active keys tagged with
	// any of groups. Keys not owned by who are flagged Shared.
	ListAccessible(ctx context.Context, groups []string, who auth.Identity) ([]Key, error)
	// Status returns usage telemetry. It never fails: problems are reported
	// through Status.Error.
	Status(ctx context.Context, id string) Status
}

// Prober reports on the connection to the remote gateway.
type Prober interface {
	Probe(ctx context.Context) ConnectionReport
}
