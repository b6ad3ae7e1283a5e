package main

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/gatekeys/internal/domain/auth"
	"github.com/xenking/gatekeys/internal/storage/postgres"
)

// directory is the write side of the user directory.
type directory interface {
	UpsertUser(ctx context.Context, u auth.User) error
	UpsertGroup(ctx context.Context, id, name string) error
	AddMember(ctx context.Context, groupID, userID string) error
	IssueToken(ctx context.Context, userID, hash string, revokeOthers bool) (string, error)
	Import(ctx context.Context, users []auth.User, groups []postgres.GroupRecord) error
}

// backend opens the database for a command. Tests replace it.
type backend interface {
	Migrate(ctx context.Context, databaseURL string) error
	Directory(ctx context.Context, databaseURL string) (directory, func(), error)
}

type postgresBackend struct{}

func newPostgresBackend() backend { return postgresBackend{} }

func (postgresBackend) Migrate(ctx context.Context, databaseURL string) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect")
	}
	defer pool.Close()

	return postgres.RunMigrations(ctx, pool)
}

func (postgresBackend) Directory(ctx context.Context, databaseURL string) (directory, func(), error) {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect")
	}
	return postgres.NewDirectory(pool), pool.Close, nil
}
