package main

import (
	"io"

	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"

	"github.com/xenking/gatekeys/internal/domain/auth"
	"github.com/xenking/gatekeys/internal/storage/postgres"
)

// directoryFile is the YAML layout accepted by "keyadm import":
//
//	users:
//	  - id: alice
//	    name: Alice
//	    role: admin
//	groups:
//	  - id: platform
//	    name: Platform team
//	    members: [alice]
type directoryFile struct {
	Users []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
		Role string `yaml:"role"`
	} `yaml:"users"`
	Groups []struct {
		ID      string   `yaml:"id"`
		Name    string   `yaml:"name"`
		Members []string `yaml:"members"`
	} `yaml:"groups"`
}

// parseDirectory decodes and validates a directory file. A user without a
// role is pending; a group without a name is named after its id.
func parseDirectory(r io.Reader) ([]auth.User, []postgres.GroupRecord, error) {
	var f directoryFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, errors.Wrap(err, "decode yaml")
	}

	seen := make(map[string]bool, len(f.Users))
	users := make([]auth.User, 0, len(f.Users))
	for i, u := range f.Users {
		if u.ID == "" {
			return nil, nil, errors.Errorf("users[%d]: id is required", i)
		}
		if seen[u.ID] {
			return nil, nil, errors.Errorf("users[%d]: duplicate id %q", i, u.ID)
		}
		seen[u.ID] = true

		role := auth.Role(u.Role)
		if role == "" {
			role = auth.RolePending
		}
		if !role.Valid() {
			return nil, nil, errors.Errorf("user %q: invalid role %q", u.ID, u.Role)
		}
		name := u.Name
		if name == "" {
			name = u.ID
		}
		users = append(users, auth.User{ID: u.ID, Name: name, Role: role})
	}

	groups := make([]postgres.GroupRecord, 0, len(f.Groups))
	for i, g := range f.Groups {
		if g.ID == "" {
			return nil, nil, errors.Errorf("groups[%d]: id is required", i)
		}
		name := g.Name
		if name == "" {
			name = g.ID
		}
		groups = append(groups, postgres.GroupRecord{ID: g.ID, Name: name, Members: g.Members})
	}
	return users, groups, nil
}
