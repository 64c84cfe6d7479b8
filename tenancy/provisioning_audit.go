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
	"sync"
	"time"

	"github.com/google/uuid"

	"adwave/platform/shared/logger"
)

// Provisioning audit modes and statuses. An entry is created as "started"
// before any DDL runs and transitions to exactly one terminal state.
const (
	ProvisionModeSync  = "sync"
	ProvisionModeAsync = "async"

	ProvisionStatusStarted = "started"
	ProvisionStatusSuccess = "success"
	ProvisionStatusFailed  = "failed"
)

// ProvisioningAuditEntry is one row of the shared-schema provisioning_audit
// table. Immutable once terminal.
type ProvisioningAuditEntry struct {
	ID         string
	OrgID      string
	OrgSlug    string
	Mode       string
	Status     string
	Summary    map[string]interface{}
	Error      string
	Details    map[string]interface{}
	DurationMS int64
	UserID     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const createProvisioningAuditTable = `
CREATE TABLE IF NOT EXISTS provisioning_audit (
	id UUID PRIMARY KEY,
	org_id TEXT NOT NULL,
	org_slug TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	summary JSONB,
	error TEXT,
	details JSONB,
	duration_ms BIGINT,
	user_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_provisioning_audit_org ON provisioning_audit(org_id, created_at DESC);
`

// ProvisioningAuditLog records every provisioning attempt in the shared
// (non-tenant) schema. Auditing must never block or fail the operation it
// is auditing: every storage error here is caught, logged locally, and
// swallowed.
type ProvisioningAuditLog struct {
	db       *sql.DB
	log      *logger.Logger
	initOnce sync.Once
}

// NewProvisioningAuditLog creates an audit log over the shared pool.
func NewProvisioningAuditLog(db *sql.DB, log *logger.Logger) *ProvisioningAuditLog {
	if log == nil {
		log = logger.New("tenancy")
	}
	return &ProvisioningAuditLog{db: db, log: log}
}

func (a *ProvisioningAuditLog) ensureTable(ctx context.Context) {
	a.initOnce.Do(func() {
		if _, err := a.db.ExecContext(ctx, createProvisioningAuditTable); err != nil {
			a.log.ErrorWithErr("", "", "Failed to ensure provisioning_audit table", err, nil)
		}
	})
}

// RecordStart creates the "started" entry and returns its id. The id is
// generated locally so a failed insert still yields a usable handle.
func (a *ProvisioningAuditLog) RecordStart(ctx context.Context, orgID, orgSlug, mode, userID string) string {
	a.ensureTable(ctx)

	id := uuid.NewString()
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO provisioning_audit (id, org_id, org_slug, mode, status, user_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, orgID, orgSlug, mode, ProvisionStatusStarted, userID)
	if err != nil {
		a.log.ErrorWithErr(orgID, "", "Failed to record provisioning start", err, map[string]interface{}{
			"audit_id": id,
		})
	}
	return id
}

// RecordSuccess transitions an entry to its success terminal state.
func (a *ProvisioningAuditLog) RecordSuccess(ctx context.Context, auditID string, summary map[string]interface{}, duration time.Duration) {
	a.finish(ctx, auditID, ProvisionStatusSuccess, summary, "", nil, duration)
}

// RecordFailure transitions an entry to its failed terminal state.
func (a *ProvisioningAuditLog) RecordFailure(ctx context.Context, auditID, provErr string, details map[string]interface{}, duration time.Duration) {
	a.finish(ctx, auditID, ProvisionStatusFailed, nil, provErr, details, duration)
}

func (a *ProvisioningAuditLog) finish(ctx context.Context, auditID, status string, summary map[string]interface{}, provErr string, details map[string]interface{}, duration time.Duration) {
	summaryJSON := marshalOrNil(summary)
	detailsJSON := marshalOrNil(details)

	_, err := a.db.ExecContext(ctx, `
		UPDATE provisioning_audit
		SET status = $2, summary = $3, error = $4, details = $5, duration_ms = $6, updated_at = NOW()
		WHERE id = $1 AND status = $7`,
		auditID, status, summaryJSON, provErr, detailsJSON, duration.Milliseconds(), ProvisionStatusStarted)
	if err != nil {
		a.log.ErrorWithErr("", "", "Failed to record provisioning outcome", err, map[string]interface{}{
			"audit_id": auditID,
			"status":   status,
		})
	}
}

// GetStatus returns the latest provisioning entry for an organization, or
// nil when the organization has never been provisioned.
func (a *ProvisioningAuditLog) GetStatus(ctx context.Context, orgID string) (*ProvisioningAuditEntry, error) {
	var (
		entry       ProvisioningAuditEntry
		summaryJSON []byte
		detailsJSON []byte
		provErr     sql.NullString
		durationMS  sql.NullInt64
		userID      sql.NullString
	)

	err := a.db.QueryRowContext(ctx, `
		SELECT id, org_id, org_slug, mode, status, summary, error, details, duration_ms, user_id, created_at, updated_at
		FROM provisioning_audit
		WHERE org_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, orgID).Scan(
		&entry.ID, &entry.OrgID, &entry.OrgSlug, &entry.Mode, &entry.Status,
		&summaryJSON, &provErr, &detailsJSON, &durationMS, &userID,
		&entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if len(summaryJSON) > 0 {
		_ = json.Unmarshal(summaryJSON, &entry.Summary)
	}
	if len(detailsJSON) > 0 {
		_ = json.Unmarshal(detailsJSON, &entry.Details)
	}
	entry.Error = provErr.String
	entry.DurationMS = durationMS.Int64
	entry.UserID = userID.String

	return &entry, nil
}

func marshalOrNil(m map[string]interface{}) interface{} {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return raw
}
