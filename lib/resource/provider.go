// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ejbd-project/ejbd/lib/sqlitepool"
)

// Provider opens the handle behind a resource of one type. A handle
// that implements io.Closer is closed with the resource.
type Provider interface {
	Open(ctx context.Context, resource *Resource) (any, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, resource *Resource) (any, error)

func (f ProviderFunc) Open(ctx context.Context, resource *Resource) (any, error) {
	return f(ctx, resource)
}

// TypeSQLite is the resource type served by SQLiteProvider.
const TypeSQLite = "sqlite"

// SQLiteProvider opens a *sqlitepool.Pool from the "path" property and
// the optional "pool_size" and "schema" properties.
type SQLiteProvider struct {
	Logger *slog.Logger
}

func (p SQLiteProvider) Open(_ context.Context, resource *Resource) (any, error) {
	path, ok := resource.Property("path")
	if !ok || path == "" {
		return nil, fmt.Errorf("sqlite resource %s: missing path property", resource.ID)
	}
	poolSize := 0
	if raw, ok := resource.Property("pool_size"); ok {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("sqlite resource %s: pool_size %q: %w", resource.ID, raw, err)
		}
		poolSize = size
	}
	schema, _ := resource.Property("schema")

	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: poolSize,
		Schema:   schema,
		Logger:   logger.With("resource_id", resource.ID),
	})
}
