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
	"hash/fnv"
	"time"

	"adwave/platform/shared/logger"
)

// ProvisionOptions controls a single provisioning run.
type ProvisionOptions struct {
	// Mode is recorded in the audit log (ProvisionModeSync or
	// ProvisionModeAsync); it does not change the work performed.
	Mode string

	// UserID is the operator who requested the run, empty for system runs.
	UserID string
}

// ProvisionResult reports what a provisioning run did. Errors holds one
// message per failed step; the run keeps going past individual failures so a
// single bad statement cannot block the rest of the schema from converging.
type ProvisionResult struct {
	Success        bool          `json:"success"`
	SchemaName     string        `json:"schema_name"`
	Changes        []string      `json:"changes"`
	Errors         []string      `json:"errors,omitempty"`
	TablesCreated  int           `json:"tables_created"`
	ColumnsAdded   int           `json:"columns_added"`
	IndexesCreated int           `json:"indexes_created"`
	Duration       time.Duration `json:"-"`
	AuditID        string        `json:"audit_id,omitempty"`
}

// Provisioner creates and repairs tenant schemas. Runs are idempotent and
// strictly additive: existing tables, columns, and data are never touched.
//
// A run first takes a bootstrap fast path when the schema has fewer base
// tables than Config.ProvisionedTableThreshold, calling the
// create_tenant_schema database function to lay down the full structure in
// one shot. It then always converges table by table against the embedded
// catalog, so a schema that lost a table or missed a migration is repaired
// on the next run regardless of its table count.
type Provisioner struct {
	db      *sql.DB
	audit   *ProvisioningAuditLog
	catalog *Catalog
	cfg     Config
	log     *logger.Logger
}

// NewProvisioner builds a Provisioner over the shared (public-schema) pool.
func NewProvisioner(db *sql.DB, audit *ProvisioningAuditLog, cfg Config, log *logger.Logger) (*Provisioner, error) {
	catalog, err := DefaultCatalog()
	if err != nil {
		return nil, fmt.Errorf("loading schema catalog: %w", err)
	}
	if log == nil {
		log = logger.New("tenancy")
	}
	return &Provisioner{
		db:      db,
		audit:   audit,
		catalog: catalog,
		cfg:     cfg,
		log:     log,
	}, nil
}

// Catalog exposes the structure this provisioner converges schemas toward.
func (p *Provisioner) Catalog() *Catalog {
	return p.catalog
}

// Provision brings the organization's schema up to the catalog structure,
// creating it from scratch when necessary. Concurrent runs for the same
// organization are serialized with a session advisory lock; the loser simply
// finds the work already done and records zero changes.
func (p *Provisioner) Provision(ctx context.Context, orgSlug, orgID string, opts ProvisionOptions) (*ProvisionResult, error) {
	schema, err := ResolveSchemaName(orgSlug)
	if err != nil {
		return nil, err
	}

	mode := opts.Mode
	if mode == "" {
		mode = ProvisionModeSync
	}

	start := time.Now()
	res := &ProvisionResult{SchemaName: schema.String()}
	if p.audit != nil {
		res.AuditID = p.audit.RecordStart(ctx, orgID, orgSlug, mode, opts.UserID)
	}

	// The advisory lock lives on a dedicated connection so the unlock is
	// guaranteed to run against the same session that took the lock.
	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.recordOutcome(ctx, res, orgID, start, err)
		return nil, &ConnectionError{Schema: schema.String(), Err: err}
	}
	defer conn.Close()

	lockKey := advisoryLockKey(schema)
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		p.recordOutcome(ctx, res, orgID, start, err)
		return nil, fmt.Errorf("acquiring provisioning lock for %s: %w", schema, err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockKey); err != nil {
			p.log.Warn("", "", "Failed to release provisioning lock", map[string]interface{}{
				"schema": schema.String(),
				"error":  err.Error(),
			})
		}
	}()

	p.run(ctx, conn, schema, orgID, res)

	res.Duration = time.Since(start)
	res.Success = len(res.Errors) == 0
	p.recordOutcome(ctx, res, orgID, start, nil)

	p.log.InfoWithDuration(orgID, "", "Provisioning run finished",
		float64(res.Duration.Milliseconds()), map[string]interface{}{
			"schema":          schema.String(),
			"tables_created":  res.TablesCreated,
			"columns_added":   res.ColumnsAdded,
			"indexes_created": res.IndexesCreated,
			"errors":          len(res.Errors),
		})

	if !res.Success {
		return res, &ProvisioningError{Schema: schema.String(), Steps: res.Errors}
	}
	return res, nil
}

func (p *Provisioner) run(ctx context.Context, conn *sql.Conn, schema SchemaID, orgID string, res *ProvisionResult) {
	count, err := p.baseTableCount(ctx, conn, schema)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("counting tables: %v", err))
		return
	}

	if count < p.cfg.ProvisionedTableThreshold {
		if err := p.bootstrap(ctx, conn, schema, orgID); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("bootstrap: %v", err))
		} else {
			res.TablesCreated += len(p.catalog.Tables)
			res.Changes = append(res.Changes,
				fmt.Sprintf("Bootstrapped schema %s (%d tables)", schema, len(p.catalog.Tables)))
		}
	}

	// Convergence always runs, even straight after a bootstrap: the database
	// function may lag the catalog, and a damaged schema can sit above the
	// threshold while missing individual tables or columns.
	p.converge(ctx, conn, schema, res)
}

func (p *Provisioner) baseTableCount(ctx context.Context, conn *sql.Conn, schema SchemaID) (int, error) {
	var count int
	err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = $1 AND table_type = 'BASE TABLE'`,
		schema.String()).Scan(&count)
	return count, err
}

// bootstrap creates the schema and runs the database bootstrap function,
// which builds the base tables and seeds organization-scoped defaults.
func (p *Provisioner) bootstrap(ctx context.Context, conn *sql.Conn, schema SchemaID, orgID string) error {
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema)); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT create_tenant_schema($1, $2)`, schema.String(), orgID); err != nil {
		return fmt.Errorf("create_tenant_schema: %w", err)
	}
	return nil
}

// converge walks the catalog and applies any missing tables, columns, and
// indexes. Failures are accumulated per step rather than aborting the run.
func (p *Provisioner) converge(ctx context.Context, conn *sql.Conn, schema SchemaID, res *ProvisionResult) {
	existing, err := p.existingTables(ctx, conn, schema)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("listing tables: %v", err))
		return
	}
	indexes, err := p.existingIndexes(ctx, conn, schema)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("listing indexes: %v", err))
		return
	}

	for i := range p.catalog.Tables {
		table := &p.catalog.Tables[i]

		if !existing[table.Name] {
			if _, err := conn.ExecContext(ctx, renderDDL(table.Create, schema)); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("creating %s: %v", table.Name, err))
				continue
			}
			res.TablesCreated++
			res.Changes = append(res.Changes, fmt.Sprintf("Created %s table", table.Name))
			// A fresh table already carries the full column set.
		} else if len(table.Columns) > 0 {
			p.convergeColumns(ctx, conn, schema, table, res)
		}

		for _, idx := range table.Indexes {
			if indexes[idx.Name] {
				continue
			}
			if _, err := conn.ExecContext(ctx, renderDDL(idx.Create, schema)); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("creating index %s: %v", idx.Name, err))
				continue
			}
			res.IndexesCreated++
			res.Changes = append(res.Changes, fmt.Sprintf("Created index %s", idx.Name))
		}
	}
}

func (p *Provisioner) convergeColumns(ctx context.Context, conn *sql.Conn, schema SchemaID, table *TableSpec, res *ProvisionResult) {
	have, err := p.existingColumns(ctx, conn, schema, table.Name)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("listing columns of %s: %v", table.Name, err))
		return
	}
	for _, col := range table.Columns {
		if have[col.Name] {
			continue
		}
		ddl := fmt.Sprintf(`ALTER TABLE %s.%q ADD COLUMN IF NOT EXISTS %q %s`,
			schema, table.Name, col.Name, col.Definition)
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("adding %s.%s: %v", table.Name, col.Name, err))
			continue
		}
		res.ColumnsAdded++
		res.Changes = append(res.Changes, fmt.Sprintf("Added column %s to %s", col.Name, table.Name))
	}
}

func (p *Provisioner) existingTables(ctx context.Context, conn *sql.Conn, schema SchemaID) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = $1 AND table_type = 'BASE TABLE'`,
		schema.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNameSet(rows)
}

func (p *Provisioner) existingColumns(ctx context.Context, conn *sql.Conn, schema SchemaID, table string) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2`,
		schema.String(), table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNameSet(rows)
}

func (p *Provisioner) existingIndexes(ctx context.Context, conn *sql.Conn, schema SchemaID) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT indexname FROM pg_indexes WHERE schemaname = $1`,
		schema.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNameSet(rows)
}

func scanNameSet(rows *sql.Rows) (map[string]bool, error) {
	set := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		set[name] = true
	}
	return set, rows.Err()
}

func (p *Provisioner) recordOutcome(ctx context.Context, res *ProvisionResult, orgID string, start time.Time, fatal error) {
	if p.audit == nil || res.AuditID == "" {
		return
	}
	elapsed := time.Since(start)
	if fatal != nil {
		p.audit.RecordFailure(ctx, res.AuditID, fatal.Error(), nil, elapsed)
		return
	}
	summary := map[string]interface{}{
		"schema_name":     res.SchemaName,
		"tables_created":  res.TablesCreated,
		"columns_added":   res.ColumnsAdded,
		"indexes_created": res.IndexesCreated,
		"changes":         res.Changes,
	}
	if res.Success {
		p.audit.RecordSuccess(ctx, res.AuditID, summary, elapsed)
	} else {
		details := map[string]interface{}{"errors": res.Errors}
		p.audit.RecordFailure(ctx, res.AuditID,
			fmt.Sprintf("%d provisioning steps failed", len(res.Errors)), details, elapsed)
	}
}

// advisoryLockKey derives a stable 64-bit lock key from the schema name so
// concurrent runs for the same organization serialize without a lock table.
func advisoryLockKey(schema SchemaID) int64 {
	h := fnv.New64a()
	h.Write([]byte("tenancy.provision:" + schema.String()))
	return int64(h.Sum64())
}
