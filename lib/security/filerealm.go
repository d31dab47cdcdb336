// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileRealm authenticates against a YAML user file:
//
//	users:
//	  - name: alice
//	    password: $2a$10$...
//	    groups: [tellers]
//
// Passwords are bcrypt hashes. Reload re-reads the file.
type FileRealm struct {
	name string
	path string

	mu    sync.RWMutex
	users map[string]fileUser
}

type fileUser struct {
	Name     string   `yaml:"name"`
	Password string   `yaml:"password"`
	Groups   []string `yaml:"groups"`
}

type fileRealmDocument struct {
	Users []fileUser `yaml:"users"`
}

// LoadFileRealm reads the realm file at path.
func LoadFileRealm(name, path string) (*FileRealm, error) {
	realm := &FileRealm{name: name, path: path}
	if err := realm.Reload(); err != nil {
		return nil, err
	}
	return realm, nil
}

// Reload replaces the user table with the current file contents. On
// error the previous table is kept.
func (r *FileRealm) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("reading realm %s: %w", r.name, err)
	}
	var document fileRealmDocument
	if err := yaml.Unmarshal(data, &document); err != nil {
		return fmt.Errorf("parsing realm %s (%s): %w", r.name, r.path, err)
	}

	users := make(map[string]fileUser, len(document.Users))
	for index, user := range document.Users {
		if user.Name == "" {
			return fmt.Errorf("realm %s: user %d has no name", r.name, index)
		}
		if _, exists := users[user.Name]; exists {
			return fmt.Errorf("realm %s: duplicate user %q", r.name, user.Name)
		}
		if err := ValidateHash(user.Password); err != nil {
			return fmt.Errorf("realm %s: user %q: %w", r.name, user.Name, err)
		}
		users[user.Name] = user
	}

	r.mu.Lock()
	r.users = users
	r.mu.Unlock()
	return nil
}

// Name returns the realm name.
func (r *FileRealm) Name() string { return r.name }

// Authenticate implements Realm.
func (r *FileRealm) Authenticate(_ context.Context, username, password string) (*Subject, error) {
	r.mu.RLock()
	user, found := r.users[username]
	r.mu.RUnlock()

	if !checkPassword(user.Password, password) || !found {
		return nil, ErrAuthenticationFailed
	}
	return &Subject{Name: username, Realm: r.name, Groups: slices.Clone(user.Groups)}, nil
}
