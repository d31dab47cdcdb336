// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ejbd-project/ejbd/lib/sqlitepool"
)

const sqlRealmSchema = `
CREATE TABLE IF NOT EXISTS users (
	name          TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS user_groups (
	user_name  TEXT NOT NULL REFERENCES users(name) ON DELETE CASCADE,
	group_name TEXT NOT NULL,
	PRIMARY KEY (user_name, group_name)
);
`

// SQLRealm stores users and groups in a SQLite database.
type SQLRealm struct {
	name string
	pool *sqlitepool.Pool
	cost int
}

// SQLRealmOption configures OpenSQLRealm.
type SQLRealmOption func(*SQLRealm)

// WithBcryptCost sets the cost used by AddUser.
func WithBcryptCost(cost int) SQLRealmOption {
	return func(r *SQLRealm) { r.cost = cost }
}

// OpenSQLRealm opens (creating if needed) the realm database at path.
func OpenSQLRealm(name, path string, logger *slog.Logger, options ...SQLRealmOption) (*SQLRealm, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: 4,
		Schema:   sqlRealmSchema,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening realm %s: %w", name, err)
	}
	realm := &SQLRealm{name: name, pool: pool}
	for _, option := range options {
		option(realm)
	}
	return realm, nil
}

// Name returns the realm name.
func (r *SQLRealm) Name() string { return r.name }

// Close closes the database.
func (r *SQLRealm) Close() error { return r.pool.Close() }

// AddUser creates or replaces a user with the given password and groups.
func (r *SQLRealm) AddUser(ctx context.Context, username, password string, groups []string) error {
	if username == "" {
		return fmt.Errorf("realm %s: empty username", r.name)
	}
	hash, err := HashPassword([]byte(password), r.cost)
	if err != nil {
		return err
	}
	return r.pool.WithTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO users (name, password_hash) VALUES (?, ?)
			 ON CONFLICT(name) DO UPDATE SET password_hash = excluded.password_hash`,
			&sqlitex.ExecOptions{Args: []any{username, hash}})
		if err != nil {
			return fmt.Errorf("storing user %q: %w", username, err)
		}
		if err := sqlitex.Execute(conn, `DELETE FROM user_groups WHERE user_name = ?`,
			&sqlitex.ExecOptions{Args: []any{username}}); err != nil {
			return fmt.Errorf("clearing groups of %q: %w", username, err)
		}
		for _, group := range groups {
			if err := sqlitex.Execute(conn,
				`INSERT OR IGNORE INTO user_groups (user_name, group_name) VALUES (?, ?)`,
				&sqlitex.ExecOptions{Args: []any{username, group}}); err != nil {
				return fmt.Errorf("adding %q to group %q: %w", username, group, err)
			}
		}
		return nil
	})
}

// RemoveUser deletes a user and its group memberships.
func (r *SQLRealm) RemoveUser(ctx context.Context, username string) error {
	return r.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `DELETE FROM users WHERE name = ?`,
			&sqlitex.ExecOptions{Args: []any{username}}); err != nil {
			return fmt.Errorf("removing user %q: %w", username, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("%w: %q", ErrUnknownUser, username)
		}
		return nil
	})
}

// Users returns every user name, sorted.
func (r *SQLRealm) Users(ctx context.Context) ([]string, error) {
	var names []string
	err := r.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT name FROM users ORDER BY name`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				names = append(names, stmt.ColumnText(0))
				return nil
			},
		})
	})
	return names, err
}

// Authenticate implements Realm.
func (r *SQLRealm) Authenticate(ctx context.Context, username, password string) (*Subject, error) {
	var hash string
	var groups []string
	err := r.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `SELECT password_hash FROM users WHERE name = ?`, &sqlitex.ExecOptions{
			Args: []any{username},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				hash = stmt.ColumnText(0)
				return nil
			},
		})
		if err != nil || hash == "" {
			return err
		}
		return sqlitex.Execute(conn, `SELECT group_name FROM user_groups WHERE user_name = ? ORDER BY group_name`, &sqlitex.ExecOptions{
			Args: []any{username},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				groups = append(groups, stmt.ColumnText(0))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("realm %s: %w", r.name, err)
	}
	if !checkPassword(hash, password) {
		return nil, ErrAuthenticationFailed
	}
	return &Subject{Name: username, Realm: r.name, Groups: slices.Clip(groups)}, nil
}
