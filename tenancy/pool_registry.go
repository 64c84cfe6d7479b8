// Copyright 2026 AdWave
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tenancy

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"adwave/platform/shared/logger"
)

// SchemaPool is one tenant schema's bounded connection pool. Owned by the
// PoolRegistry; callers must not Close the DB directly (use Evict).
type SchemaPool struct {
	Schema    SchemaID
	DB        *sql.DB
	CreatedAt time.Time
}

// PoolRegistry owns one connection pool per tenant schema, created lazily
// on first access. It is the one piece of shared mutable process-wide state
// in the isolation layer: constructed once per process and passed to the
// components that need it, never a package-level singleton.
type PoolRegistry struct {
	mu     sync.Mutex
	pools  map[string]*SchemaPool
	cfg    Config
	opener func(dsn string) (*sql.DB, error)
	log    *logger.Logger
}

// NewPoolRegistry creates a registry that opens real PostgreSQL pools.
func NewPoolRegistry(cfg Config, log *logger.Logger) *PoolRegistry {
	return NewPoolRegistryWithOpener(cfg, log, func(dsn string) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	})
}

// NewPoolRegistryWithOpener creates a registry with a custom pool opener.
// Tests use this to substitute sqlmock-backed pools.
func NewPoolRegistryWithOpener(cfg Config, log *logger.Logger, opener func(dsn string) (*sql.DB, error)) *PoolRegistry {
	if log == nil {
		log = logger.New("tenancy")
	}
	return &PoolRegistry{
		pools:  make(map[string]*SchemaPool),
		cfg:    cfg,
		opener: opener,
		log:    log,
	}
}

// GetOrCreate returns the pool for a schema, creating it on first access.
// The whole check-then-create sequence runs under one mutex so concurrent
// first accesses to the same schema can never produce two pools. sql.Open
// does not dial, so holding the lock across creation is cheap.
func (r *PoolRegistry) GetOrCreate(ctx context.Context, schema SchemaID) (*SchemaPool, error) {
	if schema.IsZero() {
		return nil, fmt.Errorf("pool registry: zero schema identifier")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if pool, ok := r.pools[schema.String()]; ok {
		return pool, nil
	}

	dsn, err := schemaDSN(r.cfg.DatabaseURL, schema, r.cfg.StatementTimeout)
	if err != nil {
		return nil, err
	}

	db, err := r.opener(dsn)
	if err != nil {
		return nil, &ConnectionError{Schema: schema.String(), Err: err}
	}

	db.SetMaxOpenConns(r.cfg.SchemaMaxConns)
	db.SetMaxIdleConns(r.cfg.SchemaMaxIdle)
	db.SetConnMaxLifetime(r.cfg.ConnMaxLifetime)

	pool := &SchemaPool{
		Schema:    schema,
		DB:        db,
		CreatedAt: time.Now(),
	}
	r.pools[schema.String()] = pool

	r.log.Info("", "", "Created schema pool", map[string]interface{}{
		"schema":    schema.String(),
		"max_conns": r.cfg.SchemaMaxConns,
	})

	return pool, nil
}

// Pool returns the live pool for a schema, or nil if none exists yet.
func (r *PoolRegistry) Pool(schema SchemaID) *SchemaPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pools[schema.String()]
}

// Evict removes and closes a schema's pool. Used after a fatal connection
// error; the next GetOrCreate builds a fresh pool.
func (r *PoolRegistry) Evict(schema SchemaID) {
	r.mu.Lock()
	pool, ok := r.pools[schema.String()]
	if ok {
		delete(r.pools, schema.String())
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	if err := pool.DB.Close(); err != nil {
		r.log.Warn("", "", "Error closing evicted pool", map[string]interface{}{
			"schema": schema.String(),
			"error":  err.Error(),
		})
	}
	r.log.Info("", "", "Evicted schema pool", map[string]interface{}{
		"schema": schema.String(),
	})
}

// CloseAll drains and closes every pool. Called at process shutdown.
func (r *PoolRegistry) CloseAll() {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*SchemaPool)
	r.mu.Unlock()

	for name, pool := range pools {
		if err := pool.DB.Close(); err != nil {
			r.log.Warn("", "", "Error closing pool on shutdown", map[string]interface{}{
				"schema": name,
				"error":  err.Error(),
			})
		}
	}
	r.log.Info("", "", "Closed all schema pools", map[string]interface{}{
		"count": len(pools),
	})
}

// Schemas returns the schemas with live pools, sorted by name.
func (r *PoolRegistry) Schemas() []SchemaID {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SchemaID, 0, len(r.pools))
	for _, pool := range r.pools {
		out = append(out, pool.Schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Size returns the number of live pools.
func (r *PoolRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// schemaDSN derives the per-schema connection string: the shared base DSN
// with the session search_path pinned to <schema>,public so unqualified
// table references resolve inside the tenant's schema. The schema name
// comes from a validated SchemaID, the one place identifier interpolation
// is structurally necessary.
func schemaDSN(base string, schema SchemaID, statementTimeout time.Duration) (string, error) {
	if base == "" {
		return "", fmt.Errorf("pool registry: empty database URL")
	}

	options := fmt.Sprintf("-c search_path=%s,public", schema.String())
	if statementTimeout > 0 {
		options += fmt.Sprintf(" -c statement_timeout=%d", statementTimeout.Milliseconds())
	}

	if strings.HasPrefix(base, "postgres://") || strings.HasPrefix(base, "postgresql://") {
		u, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("pool registry: invalid database URL: %w", err)
		}
		q := u.Query()
		q.Set("options", options)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}

	// Keyword/value conninfo form
	return fmt.Sprintf("%s options='%s'", base, options), nil
}
