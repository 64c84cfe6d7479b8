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
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

// integrationDB opens the database named by TEST_DATABASE_URL, or skips the
// test when the variable is unset. These tests run against a disposable
// Postgres (docker compose up db) and create real schemas.
func integrationDB(t *testing.T) (*sql.DB, Config) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	cfg := DefaultConfig()
	cfg.DatabaseURL = dsn
	return db, cfg
}

func dropSchema(t *testing.T, db *sql.DB, schema SchemaID) {
	t.Helper()
	t.Cleanup(func() {
		_, _ = db.Exec(fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, schema))
	})
}

func TestIntegrationProvisionAndQuery(t *testing.T) {
	db, cfg := integrationDB(t)
	ctx := context.Background()

	slug := fmt.Sprintf("it_%d", time.Now().UnixNano())
	schema, err := ResolveSchemaName(slug)
	if err != nil {
		t.Fatal(err)
	}
	dropSchema(t, db, schema)

	p, err := NewProvisioner(db, nil, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	// First run bootstraps; without the create_tenant_schema function the
	// bootstrap step fails, but convergence still builds every table.
	res, provErr := p.Provision(ctx, slug, "it-org", ProvisionOptions{})
	if res == nil {
		t.Fatalf("Provision returned nil result: %v", provErr)
	}
	if res.TablesCreated == 0 {
		t.Fatalf("no tables created: errors=%v", res.Errors)
	}

	// Second run must be a no-op.
	res2, _ := p.Provision(ctx, slug, "it-org", ProvisionOptions{})
	if res2 == nil {
		t.Fatal("second Provision returned nil result")
	}
	if res2.TablesCreated != 0 || res2.ColumnsAdded != 0 || res2.IndexesCreated != 0 {
		t.Errorf("second run not idempotent: %+v", res2)
	}

	registry := NewPoolRegistry(cfg, nil)
	t.Cleanup(registry.CloseAll)
	exec := NewExecutor(registry, cfg, nil)

	// The pool DSN pins search_path, so the unqualified table name resolves
	// inside this tenant's schema.
	if _, err := exec.Exec(ctx, schema,
		`INSERT INTO "Advertiser" (id, name) VALUES ($1, $2)`, "adv-1", "Acme Media"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := exec.Query(ctx, schema, `SELECT name FROM "Advertiser" WHERE id = $1`, "adv-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "Acme Media" {
		t.Errorf("rows = %v", rows)
	}
}

func TestIntegrationSchemaIsolation(t *testing.T) {
	db, cfg := integrationDB(t)
	ctx := context.Background()

	now := time.Now().UnixNano()
	slugA := fmt.Sprintf("it_a_%d", now)
	slugB := fmt.Sprintf("it_b_%d", now)

	p, err := NewProvisioner(db, nil, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	var schemas []SchemaID
	for _, slug := range []string{slugA, slugB} {
		schema, err := ResolveSchemaName(slug)
		if err != nil {
			t.Fatal(err)
		}
		dropSchema(t, db, schema)
		if res, _ := p.Provision(ctx, slug, "it-org-"+slug, ProvisionOptions{}); res == nil || res.TablesCreated == 0 {
			t.Fatalf("provisioning %s failed: %+v", slug, res)
		}
		schemas = append(schemas, schema)
	}

	registry := NewPoolRegistry(cfg, nil)
	t.Cleanup(registry.CloseAll)
	exec := NewExecutor(registry, cfg, nil)

	if _, err := exec.Exec(ctx, schemas[0],
		`INSERT INTO "Advertiser" (id, name) VALUES ($1, $2)`, "adv-1", "Tenant A Only"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := exec.Query(ctx, schemas[1], `SELECT id FROM "Advertiser"`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("tenant B sees tenant A's rows: %v", rows)
	}
}
