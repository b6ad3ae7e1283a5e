package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/gatekeys/internal/domain/auth"
	"github.com/xenking/gatekeys/internal/domain/keys"
	"github.com/xenking/gatekeys/internal/sealer"
)

const (
	keyColumns = `id, user_id, key_name, secret_sealed, key_type, group_ids, is_active,
		description, metadata, created_at, updated_at, last_used_at`

	nameTakenSQL = `SELECT EXISTS (
		SELECT 1 FROM gateway_keys WHERE user_id = $1 AND key_name = $2 AND id <> $3)`

	insertKeySQL = `INSERT INTO gateway_keys
		(id, user_id, key_name, secret_sealed, key_type, group_ids, is_active,
		 description, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`

	getAccessibleKeySQL = `SELECT ` + keyColumns + ` FROM gateway_keys
		WHERE id = $1 AND (user_id = $2 OR (is_active AND group_ids && $3::text[]))`

	countOwnedKeysSQL = `SELECT count(*) FROM gateway_keys WHERE user_id = $1`

	listOwnedKeysSQL = `SELECT ` + keyColumns + ` FROM gateway_keys
		WHERE user_id = $1 ORDER BY seq OFFSET $2 LIMIT $3`

	lockOwnedKeySQL = `SELECT ` + keyColumns + ` FROM gateway_keys
		WHERE id = $1 AND user_id = $2 FOR UPDATE`

	updateKeySQL = `UPDATE gateway_keys SET
		key_name = $2, secret_sealed = $3, key_type = $4, group_ids = $5, is_active = $6,
		description = $7, metadata = $8, updated_at = $9
		WHERE id = $1`

	deleteOwnedKeySQL = `DELETE FROM gateway_keys WHERE id = $1 AND user_id = $2`

	listAccessibleKeysSQL = `SELECT ` + keyColumns + ` FROM gateway_keys
		WHERE user_id = $1 OR (is_active AND group_ids && $2::text[]) ORDER BY seq`

	keyStatusSQL = `SELECT id, is_active, usage_count, last_used_at, expires_at, budget_used, budget_limit
		FROM gateway_keys WHERE id = $1`

	uniqueViolation     = "23505"
	ownerNameConstraint = "uq_gateway_keys_owner_name"
)

var _ keys.Store = (*KeyStore)(nil)

// KeyStore is the local keys.Store backed by the gateway_keys table. Secrets
// are sealed at rest with the key id as additional data, so a ciphertext
// copied onto another row does not open.
type KeyStore struct {
	pool   *pgxpool.Pool
	sealer *sealer.Sealer
	now    func() time.Time
}

// NewKeyStore returns a KeyStore that uses the given pool and sealer.
func NewKeyStore(pool *pgxpool.Pool, s *sealer.Sealer) *KeyStore {
	return &KeyStore{
		pool:   pool,
		sealer: s,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// storedKey is a row of gateway_keys before its secret is opened.
type storedKey struct {
	keys.Key
	sealed []byte
}

func scanStoredKey(row pgx.CollectableRow) (storedKey, error) {
	var (
		sk          storedKey
		description *string
	)
	err := row.Scan(
		&sk.ID, &sk.OwnerID, &sk.Name, &sk.sealed, &sk.Kind, &sk.Groups, &sk.Active,
		&description, &sk.Metadata, &sk.CreatedAt, &sk.UpdatedAt, &sk.LastUsedAt,
	)
	if description != nil {
		sk.Description = *description
	}
	return sk, err
}

// open decrypts the secret of sk and returns the key with the secret masked.
func (s *KeyStore) open(sk storedKey) (keys.Key, error) {
	plain, err := s.sealer.Open(sk.sealed, []byte(sk.ID))
	if err != nil {
		return keys.Key{}, fmt.Errorf("opening secret of key %q: %w", sk.ID, err)
	}
	k := sk.Key
	k.Secret = keys.Mask(string(plain))
	return k, nil
}

func (s *KeyStore) openAll(rows []storedKey, owner string) ([]keys.Key, error) {
	out := make([]keys.Key, 0, len(rows))
	for _, sk := range rows {
		k, err := s.open(sk)
		if err != nil {
			return nil, err
		}
		k.Shared = owner != "" && k.OwnerID != owner
		out = append(out, k)
	}
	return out, nil
}

// Create seals the secret and inserts a new active key. The returned key
// carries the raw secret.
func (s *KeyStore) Create(ctx context.Context, owner string, form keys.CreateForm) (*keys.Key, error) {
	if form.Secret == "" {
		return nil, keys.ErrSecretRequired
	}

	now := s.now()
	k := keys.Key{
		ID:          uuid.NewString(),
		OwnerID:     owner,
		Name:        form.Name,
		Secret:      form.Secret,
		Kind:        form.Kind,
		Groups:      nonNil(form.Groups),
		Active:      true,
		Description: form.Description,
		Metadata:    form.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if k.Kind == "" {
		k.Kind = keys.DefaultKind
	}

	sealed, err := s.sealer.Seal([]byte(form.Secret), []byte(k.ID))
	if err != nil {
		return nil, fmt.Errorf("sealing secret: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := ensureNameFree(ctx, tx, owner, k.Name, k.ID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, insertKeySQL,
			k.ID, k.OwnerID, k.Name, sealed, k.Kind, k.Groups, k.Active,
			k.Description, k.Metadata, k.CreatedAt,
		)
		return err
	})
	if err != nil {
		return nil, writeError(err, k.Name, "creating key")
	}
	return &k, nil
}

// Get returns the key if who owns it, or if it is active and tagged with
// one of who's groups.
func (s *KeyStore) Get(ctx context.Context, id string, who auth.Identity) (*keys.Key, error) {
	rows, err := s.pool.Query(ctx, getAccessibleKeySQL, id, who.ID, nonNil(who.Groups))
	if err != nil {
		return nil, fmt.Errorf("getting key %q: %w", id, err)
	}
	sk, err := pgx.CollectExactlyOneRow(rows, scanStoredKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, keys.ErrNotFound
		}
		return nil, fmt.Errorf("getting key %q: %w", id, err)
	}
	k, err := s.open(sk)
	if err != nil {
		return nil, err
	}
	k.Shared = k.OwnerID != who.ID
	return &k, nil
}

// List returns a page of keys owned by owner in creation order. The count
// and the page are read from the same snapshot.
func (s *KeyStore) List(ctx context.Context, owner string, page keys.Page) ([]keys.Key, int, error) {
	page = page.Normalize()

	var (
		total  int
		stored []storedKey
	)
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, countOwnedKeysSQL, owner).Scan(&total); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, listOwnedKeysSQL, owner, page.Offset, page.Limit)
		if err != nil {
			return err
		}
		stored, err = pgx.CollectRows(rows, scanStoredKey)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("listing keys of %q: %w", owner, err)
	}

	out, err := s.openAll(stored, owner)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Update applies upd to a key owned by who under a row lock.
func (s *KeyStore) Update(ctx context.Context, id string, who auth.Identity, upd keys.UpdateForm) (*keys.Key, error) {
	var out keys.Key
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, lockOwnedKeySQL, id, who.ID)
		if err != nil {
			return err
		}
		sk, err := pgx.CollectExactlyOneRow(rows, scanStoredKey)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return keys.ErrNotFound
			}
			return err
		}

		k := sk.Key
		upd.Apply(&k)
		k.Groups = nonNil(k.Groups)
		k.UpdatedAt = s.now()

		if upd.Name != nil && *upd.Name != sk.Name {
			if err := ensureNameFree(ctx, tx, who.ID, k.Name, k.ID); err != nil {
				return err
			}
		}

		sealed := sk.sealed
		if upd.Secret != nil {
			if *upd.Secret == "" {
				return keys.ErrSecretRequired
			}
			if sealed, err = s.sealer.Seal([]byte(*upd.Secret), []byte(k.ID)); err != nil {
				return fmt.Errorf("sealing secret: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, updateKeySQL,
			k.ID, k.Name, sealed, k.Kind, k.Groups, k.Active,
			k.Description, k.Metadata, k.UpdatedAt,
		); err != nil {
			return err
		}

		out, err = s.open(storedKey{Key: k, sealed: sealed})
		return err
	})
	if err != nil {
		name := ""
		if upd.Name != nil {
			name = *upd.Name
		}
		return nil, writeError(err, name, "updating key")
	}
	return &out, nil
}

// Delete removes a key owned by who.
func (s *KeyStore) Delete(ctx context.Context, id string, who auth.Identity) (bool, error) {
	tag, err := s.pool.Exec(ctx, deleteOwnedKeySQL, id, who.ID)
	if err != nil {
		return false, fmt.Errorf("deleting key %q: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListAccessible returns who's own keys plus active keys tagged with any of
// groups, in creation order.
func (s *KeyStore) ListAccessible(ctx context.Context, groups []string, who auth.Identity) ([]keys.Key, error) {
	rows, err := s.pool.Query(ctx, listAccessibleKeysSQL, who.ID, nonNil(groups))
	if err != nil {
		return nil, fmt.Errorf("listing accessible keys: %w", err)
	}
	stored, err := pgx.CollectRows(rows, scanStoredKey)
	if err != nil {
		return nil, fmt.Errorf("listing accessible keys: %w", err)
	}
	return s.openAll(stored, who.ID)
}

// Status derives usage telemetry from the counters kept on the row.
func (s *KeyStore) Status(ctx context.Context, id string) keys.Status {
	var (
		st    keys.Status
		limit decimal.NullDecimal
	)
	err := s.pool.QueryRow(ctx, keyStatusSQL, id).Scan(
		&st.ID, &st.Active, &st.UsageCount, &st.LastUsed, &st.ExpiresAt, &st.BudgetUsed, &limit,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return keys.DegradedStatus(id, keys.ErrNotFound)
		}
		return keys.DegradedStatus(id, err)
	}
	if limit.Valid {
		st.BudgetLimit = &limit.Decimal
	}
	if st.ExpiresAt != nil && !st.ExpiresAt.After(s.now()) {
		st.Active = false
	}
	return st
}

func ensureNameFree(ctx context.Context, tx pgx.Tx, owner, name, exceptID string) error {
	var taken bool
	if err := tx.QueryRow(ctx, nameTakenSQL, owner, name, exceptID).Scan(&taken); err != nil {
		return err
	}
	if taken {
		return &keys.DuplicateNameError{Name: name}
	}
	return nil
}

// writeError maps a failed mutation to the domain error taxonomy. A unique
// violation on (owner, name) raced past ensureNameFree and is reported the
// same way.
func writeError(err error, name, op string) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, keys.ErrDuplicateName),
		errors.Is(err, keys.ErrNotFound),
		errors.Is(err, keys.ErrSecretRequired):
		return err
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == ownerNameConstraint:
		return &keys.DuplicateNameError{Name: name}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func nonNil(groups []string) []string {
	if groups == nil {
		return []string{}
	}
	return groups
}
