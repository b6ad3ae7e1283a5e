package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/xenking/gatekeys/internal/domain/auth"
)

// tokenPrefix marks caller tokens so they are easy to spot in logs and
// secret scanners.
const tokenPrefix = "gk_"

type options struct {
	databaseURL string
	pepper      string
}

func envOr(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func newRootCmd(be backend) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "keyadm",
		Short:         "Administer gatekeys users, groups and caller tokens.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if opts.databaseURL == "" {
				return errors.New("database URL is required: set --database-url, KEYS_DATABASE_URL or DATABASE_URL")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url",
		envOr("KEYS_DATABASE_URL", "DATABASE_URL"), "PostgreSQL connection URL")
	root.PersistentFlags().StringVar(&opts.pepper, "token-pepper",
		envOr("KEYS_TOKEN_PEPPER"), "HMAC pepper for caller token hashing, must match the server")

	root.AddCommand(
		newMigrateCmd(be, opts),
		newUserCmd(be, opts),
		newGroupCmd(be, opts),
		newTokenCmd(be, opts),
		newImportCmd(be, opts),
	)
	return root
}

// withDirectory opens the directory for the duration of fn.
func withDirectory(cmd *cobra.Command, be backend, opts *options, fn func(d directory) error) error {
	d, closeFn, err := be.Directory(cmd.Context(), opts.databaseURL)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(d)
}

func newMigrateCmd(be backend, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := be.Migrate(cmd.Context(), opts.databaseURL); err != nil {
				return err
			}
			slog.Info("schema applied")
			return nil
		},
	}
}

func newUserCmd(be backend, opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users."}

	var name, role string
	add := &cobra.Command{
		Use:     "add <id>",
		Short:   "Create or update a user.",
		Example: "keyadm user add alice --name Alice --role admin",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := auth.User{ID: args[0], Name: name, Role: auth.Role(role)}
			if u.Name == "" {
				u.Name = u.ID
			}
			if !u.Role.Valid() {
				return errors.Errorf("invalid role %q (want admin, user or pending)", role)
			}
			return withDirectory(cmd, be, opts, func(d directory) error {
				if err := d.UpsertUser(cmd.Context(), u); err != nil {
					return err
				}
				slog.Info("user saved", slog.String("user_id", u.ID), slog.String("role", string(u.Role)))
				return nil
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name (defaults to the id)")
	add.Flags().StringVar(&role, "role", string(auth.RoleUser), "role: admin, user or pending")

	cmd.AddCommand(add)
	return cmd
}

func newGroupCmd(be backend, opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "group", Short: "Manage groups and membership."}

	var name string
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Create or rename a group.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if name == "" {
				name = id
			}
			return withDirectory(cmd, be, opts, func(d directory) error {
				return d.UpsertGroup(cmd.Context(), id, name)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name (defaults to the id)")

	join := &cobra.Command{
		Use:     "join <group> <user>...",
		Short:   "Add users to a group.",
		Example: "keyadm group join platform alice bob",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			group := args[0]
			return withDirectory(cmd, be, opts, func(d directory) error {
				for _, user := range args[1:] {
					if err := d.AddMember(cmd.Context(), group, user); err != nil {
						return err
					}
				}
				slog.Info("members added", slog.String("group", group), slog.Int("count", len(args)-1))
				return nil
			})
		},
	}

	cmd.AddCommand(add, join)
	return cmd
}

func newTokenCmd(be backend, opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Manage caller tokens."}

	var revoke bool
	issue := &cobra.Command{
		Use:   "issue <user>",
		Short: "Issue a bearer token for a user. The token is printed once.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.pepper == "" {
				return errors.New("token pepper is required: set --token-pepper or KEYS_TOKEN_PEPPER")
			}
			token, err := newToken()
			if err != nil {
				return err
			}
			return withDirectory(cmd, be, opts, func(d directory) error {
				id, err := d.IssueToken(cmd.Context(), args[0], auth.HashToken([]byte(opts.pepper), token), revoke)
				if err != nil {
					return err
				}
				slog.Info("token issued", slog.String("user_id", args[0]), slog.String("token_id", id), slog.Bool("revoked_others", revoke))
				_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
				return err
			})
		},
	}
	issue.Flags().BoolVar(&revoke, "revoke-others", false, "revoke the user's existing tokens")

	cmd.AddCommand(issue)
	return cmd
}

func newImportCmd(be backend, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "import <file.yaml>",
		Short:   "Upsert users, groups and memberships from a YAML file.",
		Example: "keyadm import directory.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "open directory file")
			}
			defer func() { _ = f.Close() }()

			users, groups, err := parseDirectory(f)
			if err != nil {
				return errors.Wrapf(err, "parse %s", args[0])
			}
			return withDirectory(cmd, be, opts, func(d directory) error {
				if err := d.Import(cmd.Context(), users, groups); err != nil {
					return err
				}
				slog.Info("directory imported", slog.Int("users", len(users)), slog.Int("groups", len(groups)))
				return nil
			})
		},
	}
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate token")
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}
