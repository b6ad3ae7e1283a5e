package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/gatekeys/internal/domain/auth"
)

const (
	findUserByTokenHashSQL = `SELECT u.id, u.name, u.role, t.token_hash
		FROM api_tokens t JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = $1 AND t.active`

	groupsOfUserSQL = `SELECT group_id FROM group_members WHERE user_id = $1 ORDER BY group_id`

	upsertUserSQL = `INSERT INTO users (id, name, role) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, role = EXCLUDED.role`

	upsertGroupSQL = `INSERT INTO user_groups (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`

	addMemberSQL = `INSERT INTO group_members (group_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	insertTokenSQL = `INSERT INTO api_tokens (id, user_id, token_hash) VALUES ($1, $2, $3)`

	revokeTokensSQL = `UPDATE api_tokens SET active = FALSE WHERE user_id = $1 AND active`
)

var (
	_ auth.TokenRepository = (*Directory)(nil)
	_ auth.GroupDirectory  = (*Directory)(nil)
)

// Directory holds users, groups and their bearer tokens.
type Directory struct {
	pool *pgxpool.Pool
}

// NewDirectory returns a Directory that uses the given pool.
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

// FindByTokenHash looks up the owner of an active token by its HMAC hash.
// It returns auth.ErrUnknownToken when no active token matches.
func (d *Directory) FindByTokenHash(ctx context.Context, hash string) (*auth.User, error) {
	var (
		u    auth.User
		role string
	)
	err := d.pool.QueryRow(ctx, findUserByTokenHashSQL, hash).Scan(&u.ID, &u.Name, &role, &u.TokenHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrUnknownToken
		}
		return nil, fmt.Errorf("finding user by token hash: %w", err)
	}
	u.Role = auth.Role(role)
	return &u, nil
}

// GroupsOf returns the ids of the groups userID belongs to.
func (d *Directory) GroupsOf(ctx context.Context, userID string) ([]string, error) {
	rows, err := d.pool.Query(ctx, groupsOfUserSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing groups of %q: %w", userID, err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// UpsertUser creates or renames a user and sets its role.
func (d *Directory) UpsertUser(ctx context.Context, u auth.User) error {
	if !u.Role.Valid() {
		return fmt.Errorf("user %q: invalid role %q", u.ID, u.Role)
	}
	if _, err := d.pool.Exec(ctx, upsertUserSQL, u.ID, u.Name, string(u.Role)); err != nil {
		return fmt.Errorf("upserting user %q: %w", u.ID, err)
	}
	return nil
}

// UpsertGroup creates or renames a group.
func (d *Directory) UpsertGroup(ctx context.Context, id, name string) error {
	if _, err := d.pool.Exec(ctx, upsertGroupSQL, id, name); err != nil {
		return fmt.Errorf("upserting group %q: %w", id, err)
	}
	return nil
}

// AddMember adds userID to groupID. Adding an existing member is a no-op.
func (d *Directory) AddMember(ctx context.Context, groupID, userID string) error {
	if _, err := d.pool.Exec(ctx, addMemberSQL, groupID, userID); err != nil {
		return fmt.Errorf("adding %q to group %q: %w", userID, groupID, err)
	}
	return nil
}

// IssueToken stores the hash of a new token for userID. When revokeOthers
// is set the user's previous tokens stop working in the same transaction.
func (d *Directory) IssueToken(ctx context.Context, userID, hash string, revokeOthers bool) (string, error) {
	id := uuid.NewString()
	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		if revokeOthers {
			if _, err := tx.Exec(ctx, revokeTokensSQL, userID); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, insertTokenSQL, id, userID, hash)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("issuing token for %q: %w", userID, err)
	}
	return id, nil
}

// GroupRecord is a group and its members as loaded by Import.
type GroupRecord struct {
	ID      string
	Name    string
	Members []string
}

// Import upserts users, groups and memberships in one transaction.
func (d *Directory) Import(ctx context.Context, users []auth.User, groups []GroupRecord) error {
	for _, u := range users {
		if !u.Role.Valid() {
			return fmt.Errorf("user %q: invalid role %q", u.ID, u.Role)
		}
	}

	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, u := range users {
			b.Queue(upsertUserSQL, u.ID, u.Name, string(u.Role))
		}
		for _, g := range groups {
			b.Queue(upsertGroupSQL, g.ID, g.Name)
			for _, m := range g.Members {
				b.Queue(addMemberSQL, g.ID, m)
			}
		}
		return tx.SendBatch(ctx, b).Close()
	})
	if err != nil {
		return fmt.Errorf("importing directory: %w", err)
	}
	return nil
}
