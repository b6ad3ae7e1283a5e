package keys

import (
	"context"
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/gatekeys/internal/domain/auth"
)

// Service implements the public key operations on top of exactly one Store.
// It authorizes, validates group grants, delegates to the store, filters
// by the access policy and masks everything it returns except the result
// of Create.
type Service struct {
	store  Store
	policy Policy
	prober Prober
}

// NewService creates a Service. prober may be nil when no gateway is configured.
func NewService(store Store, policy Policy, prober Prober) *Service {
	return &Service{
		store:  store,
		policy: policy,
		prober: prober,
	}
}

// ListResult is a page of keys plus the total count.
type ListResult struct {
	Keys  []Key
	Total int
}

func (s *Service) authorize(who auth.Identity) error {
	if !s.policy.IsAuthorized(who) {
		return ErrForbidden
	}
	return nil
}

func (s *Service) checkGroups(who auth.Identity, groups []string) error {
	if ok, invalid := CanGrantGroups(who, groups); !ok {
		return &InvalidGroupsError{Groups: invalid}
	}
	return nil
}

// ListOwn returns a page of the keys owned by who.
func (s *Service) ListOwn(ctx context.Context, who auth.Identity, page Page) (*ListResult, error) {
	if err := s.authorize(who); err != nil {
		return nil, err
	}
	list, total, err := s.store.List(ctx, who.ID, page.Normalize())
	if err != nil {
		return nil, errors.Wrap(err, "list keys")
	}
	out := make([]Key, 0, len(list))
	for _, k := range list {
		if k.OwnerID != who.ID {
			continue
		}
		out = append(out, masked(k))
	}
	return &ListResult{Keys: out, Total: total}, nil
}

// Get returns a single key readable by who.
func (s *Service) Get(ctx context.Context, who auth.Identity, id string) (*Key, error) {
	if err := s.authorize(who); err != nil {
		return nil, err
	}
	k, err := s.store.Get(ctx, id, who)
	if err != nil {
		return nil, err
	}
	if !CanAccess(who, k) {
		return nil, ErrNotFound
	}
	out := masked(*k)
	out.Shared = out.OwnerID != who.ID
	return &out, nil
}

// Create creates a key owned by who. The returned key is the only place
// the raw secret is ever exposed.
func (s *Service) Create(ctx context.Context, who auth.Identity, form CreateForm) (*Key, error) {
	if err := s.authorize(who); err != nil {
		return nil, err
	}
	form.Name = strings.TrimSpace(form.Name)
	if form.Name == "" {
		return nil, ErrNameRequired
	}
	if err := s.checkGroups(who, form.Groups); err != nil {
		return nil, err
	}
	if form.Kind == "" {
		form.Kind = DefaultKind
	}
	return s.store.Create(ctx, who.ID, form)
}

// Update applies a partial update to a key owned by who.
func (s *Service) Update(ctx context.Context, who auth.Identity, id string, upd UpdateForm) (*Key, error) {
	if err := s.authorize(who); err != nil {
		return nil, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, ErrNameRequired
		}
		upd.Name = &name
	}
	if upd.Groups != nil {
		if err := s.checkGroups(who, upd.Groups); err != nil {
			return nil, err
		}
	}
	k, err := s.store.Update(ctx, id, who, upd)
	if err != nil {
		return nil, err
	}
	out := masked(*k)
	return &out, nil
}

// Delete removes a key owned by who. Missing, foreign and already deleted
// keys all yield ErrNotFound.
func (s *Service) Delete(ctx context.Context, who auth.Identity, id string) error {
	if err := s.authorize(who); err != nil {
		return err
	}
	ok, err := s.store.Delete(ctx, id, who)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// ListAccessible returns the keys who owns plus the active keys shared with
// any of who's groups.
func (s *Service) ListAccessible(ctx context.Context, who auth.Identity) ([]Key, error) {
	if err := s.authorize(who); err != nil {
		return nil, err
	}
	list, err := s.store.ListAccessible(ctx, who.Groups, who)
	if err != nil {
		return nil, errors.Wrap(err, "list accessible keys")
	}
	out := make([]Key, 0, len(list))
	for i := range list {
		if !CanAccess(who, &list[i]) {
			continue
		}
		k := masked(list[i])
		k.Shared = k.OwnerID != who.ID
		out = append(out, k)
	}
	return out, nil
}

// Status returns usage telemetry for a key owned by who.
func (s *Service) Status(ctx context.Context, who auth.Identity, id string) (*Status, error) {
	if err := s.authorize(who); err != nil {
		return nil, err
	}
	k, err := s.store.Get(ctx, id, who)
	if err != nil {
		return nil, err
	}
	if k.OwnerID != who.ID {
		return nil, ErrNotFound
	}
	st := s.store.Status(ctx, id)
	if st.ID == "" {
		st.ID = id
	}
	return &st, nil
}

// AdminListAll is reserved for an administrative listing across owners.
// It is intentionally unimplemented and always returns an empty page.
func (s *Service) AdminListAll(_ context.Context, who auth.Identity, _ Page) (*ListResult, error) {
	if !s.policy.IsAdmin(who) {
		return nil, ErrForbidden
	}
	return &ListResult{Keys: []Key{}, Total: 0}, nil
}

// TestConnection probes the remote gateway. Admin only.
func (s *Service) TestConnection(ctx context.Context, who auth.Identity) (*ConnectionReport, error) {
	if !s.policy.IsAdmin(who) {
		return nil, ErrForbidden
	}
	if s.prober == nil {
		return &ConnectionReport{}, nil
	}
	report := s.prober.Probe(ctx)
	return &report, nil
}
