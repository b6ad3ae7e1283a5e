package gateway

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/gatekeys/internal/domain/auth"
	"github.com/xenking/gatekeys/internal/domain/keys"
)

var _ keys.Store = (*Store)(nil)

// Store is the keys.Store that delegates to the gateway. The gateway cannot
// list per owner, so every read fetches the whole collection and filters it
// here.
type Store struct {
	client *Client
	now    func() time.Time
}

// NewStore returns a Store backed by client.
func NewStore(client *Client) *Store {
	return &Store{client: client, now: time.Now}
}

// Probe reports on the gateway connection.
func (s *Store) Probe(ctx context.Context) keys.ConnectionReport {
	return s.client.Probe(ctx)
}

func (s *Store) fetch(ctx context.Context) ([]keys.Key, error) {
	all, err := s.client.ListKeys(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch keys")
	}
	return all, nil
}

func find(all []keys.Key, id string) *keys.Key {
	for i := range all {
		if all[i].ID == id {
			return &all[i]
		}
	}
	return nil
}

func nameTaken(all []keys.Key, owner, name, exceptID string) bool {
	for _, k := range all {
		if k.OwnerID == owner && k.Name == name && k.ID != exceptID {
			return true
		}
	}
	return false
}

// view marks k as shared unless who owns it. Secrets arrive masked from
// ListKeys.
func view(k keys.Key, who string) keys.Key {
	k.Shared = k.OwnerID != who
	return k
}

// Create asks the gateway to mint the key. form.Secret is ignored.
func (s *Store) Create(ctx context.Context, owner string, form keys.CreateForm) (*keys.Key, error) {
	all, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if nameTaken(all, owner, form.Name, "") {
		return nil, &keys.DuplicateNameError{Name: form.Name}
	}

	now := s.now().UTC()
	gen, err := s.client.Generate(ctx, GenerateRequest{
		OwnerID:   owner,
		Name:      form.Name,
		Groups:    form.Groups,
		CreatedAt: now,
	})
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}

	kind := form.Kind
	if kind == "" {
		kind = keys.DefaultKind
	}
	return &keys.Key{
		ID:          gen.ID,
		OwnerID:     owner,
		Name:        form.Name,
		Secret:      gen.Secret,
		Kind:        kind,
		Groups:      nonNil(form.Groups),
		Active:      true,
		Description: form.Description,
		Metadata:    form.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Get returns the key if who may see it.
func (s *Store) Get(ctx context.Context, id string, who auth.Identity) (*keys.Key, error) {
	all, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	k := find(all, id)
	if k == nil || !keys.CanAccess(who, k) {
		return nil, keys.ErrNotFound
	}
	out := view(*k, who.ID)
	return &out, nil
}

// List returns a page of keys owned by owner. A gateway failure yields an
// empty page.
func (s *Store) List(ctx context.Context, owner string, page keys.Page) ([]keys.Key, int, error) {
	all, err := s.fetch(ctx)
	if err != nil {
		zctx.From(ctx).Warn("Gateway list failed, returning empty page",
			zap.String("user_id", owner),
			zap.Error(err),
		)
		return []keys.Key{}, 0, nil
	}

	var own []keys.Key
	for _, k := range all {
		if k.OwnerID == owner {
			own = append(own, view(k, owner))
		}
	}
	start, end := page.Window(len(own))
	out := make([]keys.Key, 0, end-start)
	out = append(out, own[start:end]...)
	return out, len(own), nil
}

// Update validates ownership and rename uniqueness against the fetched
// collection, then sends the merged record.
func (s *Store) Update(ctx context.Context, id string, who auth.Identity, upd keys.UpdateForm) (*keys.Key, error) {
	all, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	cur := find(all, id)
	if cur == nil || cur.OwnerID != who.ID {
		return nil, keys.ErrNotFound
	}
	if upd.Name != nil && *upd.Name != cur.Name && nameTaken(all, who.ID, *upd.Name, id) {
		return nil, &keys.DuplicateNameError{Name: *upd.Name}
	}

	k := *cur
	// The gateway owns the secret material.
	upd.Secret = nil
	upd.Apply(&k)
	k.Groups = nonNil(k.Groups)
	k.UpdatedAt = s.now().UTC()

	if err := s.client.Update(ctx, k); err != nil {
		return nil, errors.Wrap(err, "update key")
	}
	out := view(k, who.ID)
	return &out, nil
}

// Delete removes a key owned by who.
func (s *Store) Delete(ctx context.Context, id string, who auth.Identity) (bool, error) {
	all, err := s.fetch(ctx)
	if err != nil {
		return false, err
	}
	k := find(all, id)
	if k == nil || k.OwnerID != who.ID {
		return false, nil
	}
	if err := s.client.Delete(ctx, id, who.ID); err != nil {
		return false, errors.Wrap(err, "delete key")
	}
	return true, nil
}

// ListAccessible returns who's keys and active keys shared with groups.
// A gateway failure yields an empty list.
func (s *Store) ListAccessible(ctx context.Context, groups []string, who auth.Identity) ([]keys.Key, error) {
	all, err := s.fetch(ctx)
	if err != nil {
		zctx.From(ctx).Warn("Gateway list failed, returning no accessible keys",
			zap.String("user_id", who.ID),
			zap.Error(err),
		)
		return []keys.Key{}, nil
	}

	viewer := who
	viewer.Groups = groups
	out := []keys.Key{}
	for i := range all {
		if keys.CanAccess(viewer, &all[i]) {
			out = append(out, view(all[i], who.ID))
		}
	}
	return out, nil
}

// Status fetches telemetry from the gateway. Failures are reported in the
// returned status.
func (s *Store) Status(ctx context.Context, id string) keys.Status {
	st, err := s.client.Info(ctx, id)
	if err != nil {
		zctx.From(ctx).Warn("Gateway status failed",
			zap.String("key_id", id),
			zap.Error(err),
		)
		return keys.DegradedStatus(id, err)
	}
	return *st
}
