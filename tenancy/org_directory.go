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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"adwave/platform/shared/logger"
)

// ErrOrganizationNotFound indicates the organization does not exist in the
// shared-schema directory.
var ErrOrganizationNotFound = errors.New("organization not found")

// Organization is a row of the shared-schema organizations table.
type Organization struct {
	ID       string `json:"id"`
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// OrgDirectory resolves organizations from the shared schema, with an
// optional Redis read-through cache. Cache outages fall back to the
// database; lookups never fail because Redis is down.
type OrgDirectory struct {
	db    *sql.DB
	cache *redis.Client
	ttl   time.Duration
	log   *logger.Logger
}

// NewOrgDirectory creates a directory over the shared database pool.
// cache may be nil to disable caching.
func NewOrgDirectory(db *sql.DB, cache *redis.Client, log *logger.Logger) *OrgDirectory {
	if log == nil {
		log = logger.New("tenancy")
	}
	return &OrgDirectory{
		db:    db,
		cache: cache,
		ttl:   60 * time.Second,
		log:   log,
	}
}

// GetByID returns the organization with the given id.
func (d *OrgDirectory) GetByID(ctx context.Context, orgID string) (*Organization, error) {
	return d.lookup(ctx, "org:id:"+orgID,
		`SELECT id, slug, name, is_active FROM organizations WHERE id = $1`, orgID)
}

// GetBySlug returns the organization with the given slug.
func (d *OrgDirectory) GetBySlug(ctx context.Context, slug string) (*Organization, error) {
	return d.lookup(ctx, "org:slug:"+slug,
		`SELECT id, slug, name, is_active FROM organizations WHERE slug = $1`, slug)
}

// ListActive enumerates all active tenants, used for fan-out operations
// such as upgrading every tenant schema.
func (d *OrgDirectory) ListActive(ctx context.Context) ([]Organization, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, slug, name, is_active FROM organizations WHERE is_active = TRUE ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list active organizations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Organization
	for rows.Next() {
		var org Organization
		if err := rows.Scan(&org.ID, &org.Slug, &org.Name, &org.IsActive); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func (d *OrgDirectory) lookup(ctx context.Context, cacheKey, query string, arg string) (*Organization, error) {
	if org := d.cacheGet(ctx, cacheKey); org != nil {
		return org, nil
	}

	var org Organization
	err := d.db.QueryRowContext(ctx, query, arg).Scan(&org.ID, &org.Slug, &org.Name, &org.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("organization lookup: %w", err)
	}

	d.cacheSet(ctx, cacheKey, &org)
	return &org, nil
}

func (d *OrgDirectory) cacheGet(ctx context.Context, key string) *Organization {
	if d.cache == nil {
		return nil
	}

	raw, err := d.cache.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			d.log.Debug("", "", "Org cache read failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		return nil
	}

	var org Organization
	if err := json.Unmarshal([]byte(raw), &org); err != nil {
		return nil
	}
	return &org
}

func (d *OrgDirectory) cacheSet(ctx context.Context, key string, org *Organization) {
	if d.cache == nil {
		return
	}

	raw, err := json.Marshal(org)
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, key, raw, d.ttl).Err(); err != nil {
		d.log.Debug("", "", "Org cache write failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}
