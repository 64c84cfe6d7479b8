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
	"sync"
	"time"

	"adwave/platform/shared/logger"
)

// AccessRequest carries the HTTP surface of the access being validated,
// recorded verbatim in the cross-tenant audit trail.
type AccessRequest struct {
	Method string
	Path   string
}

// AccessDecision is the outcome of an authorization check.
type AccessDecision struct {
	Allowed bool
	Reason  string
}

// AccessAuditEntry is one append-only row of tenant_access_log: a master
// user reaching into an organization that is not their home org.
type AccessAuditEntry struct {
	ID            int64
	UserID        string
	HomeOrgID     string
	AccessedOrgID string
	Method        string
	Path          string
	AccessedAt    time.Time
}

const createAccessLogTable = `
CREATE TABLE IF NOT EXISTS tenant_access_log (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	home_org_id TEXT NOT NULL,
	accessed_org_id TEXT NOT NULL,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	accessed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_tenant_access_log_accessed_org ON tenant_access_log(accessed_org_id);
CREATE INDEX IF NOT EXISTS idx_tenant_access_log_user ON tenant_access_log(user_id);
`

// AccessValidator is the single authorization choke-point for cross-tenant
// access. All cross-org administrative endpoints must pass through Validate
// before issuing any query against a foreign schema.
type AccessValidator struct {
	db       *sql.DB
	log      *logger.Logger
	initOnce sync.Once
}

// NewAccessValidator creates a validator writing its audit trail to the
// shared-schema pool.
func NewAccessValidator(db *sql.DB, log *logger.Logger) *AccessValidator {
	if log == nil {
		log = logger.New("tenancy")
	}
	return &AccessValidator{db: db, log: log}
}

// Validate authorizes tc against a target organization. Same-org access is
// always allowed. Master users may cross organizations, and every such
// access is synchronously recorded before the decision is returned.
// Everyone else is denied.
func (v *AccessValidator) Validate(ctx context.Context, tc *TenantContext, targetOrgID string, req AccessRequest) AccessDecision {
	if tc == nil {
		return AccessDecision{Allowed: false, Reason: ReasonCrossTenant}
	}

	if targetOrgID == tc.OrganizationID {
		return AccessDecision{Allowed: true}
	}

	if tc.IsMaster {
		v.recordAccess(ctx, tc, targetOrgID, req)
		return AccessDecision{Allowed: true}
	}

	v.log.Warn(tc.OrganizationID, "", "Denied cross-tenant access", map[string]interface{}{
		"user_id":    tc.UserID,
		"target_org": targetOrgID,
		"method":     req.Method,
		"path":       req.Path,
	})
	return AccessDecision{Allowed: false, Reason: ReasonCrossTenant}
}

// recordAccess appends one audit row. Audit failures are logged and
// swallowed; they never block the access decision.
func (v *AccessValidator) recordAccess(ctx context.Context, tc *TenantContext, targetOrgID string, req AccessRequest) {
	v.initOnce.Do(func() {
		if _, err := v.db.ExecContext(ctx, createAccessLogTable); err != nil {
			v.log.ErrorWithErr("", "", "Failed to ensure tenant_access_log table", err, nil)
		}
	})

	_, err := v.db.ExecContext(ctx, `
		INSERT INTO tenant_access_log (user_id, home_org_id, accessed_org_id, method, path)
		VALUES ($1, $2, $3, $4, $5)`,
		tc.UserID, tc.OrganizationID, targetOrgID, req.Method, req.Path)
	if err != nil {
		v.log.ErrorWithErr(targetOrgID, "", "Failed to record cross-tenant access", err, map[string]interface{}{
			"user_id":  tc.UserID,
			"home_org": tc.OrganizationID,
		})
		return
	}

	v.log.Info(targetOrgID, "", "Master cross-tenant access", map[string]interface{}{
		"user_id":  tc.UserID,
		"home_org": tc.OrganizationID,
		"method":   req.Method,
		"path":     req.Path,
	})
}

// RecentAccesses returns the latest cross-tenant accesses into an
// organization, newest first. Admin reporting surface.
func (v *AccessValidator) RecentAccesses(ctx context.Context, orgID string, limit int) ([]AccessAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := v.db.QueryContext(ctx, `
		SELECT id, user_id, home_org_id, accessed_org_id, method, path, accessed_at
		FROM tenant_access_log
		WHERE accessed_org_id = $1
		ORDER BY accessed_at DESC
		LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tenant_access_log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AccessAuditEntry
	for rows.Next() {
		var entry AccessAuditEntry
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.HomeOrgID, &entry.AccessedOrgID,
			&entry.Method, &entry.Path, &entry.AccessedAt); err != nil {
			return nil, fmt.Errorf("scan tenant_access_log: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
