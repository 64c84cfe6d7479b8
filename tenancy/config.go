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
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config carries the tunables for the tenant isolation layer. One database
// connection string is shared across every schema pool; each pool gets its
// own small connection cap so one stuck tenant cannot starve the rest.
type Config struct {
	// DatabaseURL is the shared PostgreSQL connection string (no
	// search_path; the registry appends one per schema).
	DatabaseURL string

	// SchemaMaxConns bounds each per-schema pool.
	SchemaMaxConns int
	// SchemaMaxIdle bounds idle connections per pool.
	SchemaMaxIdle int
	// ConnMaxLifetime recycles pooled connections.
	ConnMaxLifetime time.Duration

	// StatementTimeout is applied as a session statement_timeout on every
	// pooled connection. Zero disables it.
	StatementTimeout time.Duration

	// SlowQueryThreshold is the duration above which the executor logs a
	// slow-query warning.
	SlowQueryThreshold time.Duration

	// ProvisionedTableThreshold is the table count at or above which a
	// schema is treated as an existing tenant needing incremental
	// convergence rather than full bootstrap.
	ProvisionedTableThreshold int

	// PoolTotalThreshold and PoolWaitThreshold flag schemas as potential
	// connection leaks / contention in PoolMonitor health checks.
	PoolTotalThreshold int
	PoolWaitThreshold  int64

	// Debug disables query-text redaction in logs.
	Debug bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SchemaMaxConns:            5,
		SchemaMaxIdle:             2,
		ConnMaxLifetime:           5 * time.Minute,
		StatementTimeout:          30 * time.Second,
		SlowQueryThreshold:        1000 * time.Millisecond,
		ProvisionedTableThreshold: 40,
		PoolTotalThreshold:        5,
		PoolWaitThreshold:         50,
	}
}

// LoadConfigFromEnv builds a Config from environment variables, following
// the platform's 12-factor convention: DATABASE_URL wins, otherwise the
// string is composed from DATABASE_HOST / DATABASE_PORT / DATABASE_NAME /
// DATABASE_USER / DATABASE_PASSWORD / DATABASE_SSLMODE.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	dbURL := os.Getenv("DATABASE_URL")
	dbHost := os.Getenv("DATABASE_HOST")
	dbPassword := os.Getenv("DATABASE_PASSWORD")
	if dbHost != "" && dbPassword != "" {
		dbPort := getEnvDefault("DATABASE_PORT", "5432")
		dbName := getEnvDefault("DATABASE_NAME", "adwave")
		dbUser := getEnvDefault("DATABASE_USER", "adwave_app")
		dbSSLMode := getEnvDefault("DATABASE_SSLMODE", "require")
		// URL-encode credentials to handle special characters in URI format
		dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			url.QueryEscape(dbUser), url.QueryEscape(dbPassword), dbHost, dbPort, dbName, dbSSLMode)
	}
	if dbURL == "" {
		return cfg, fmt.Errorf("database connection not configured: set DATABASE_URL or DATABASE_HOST/DATABASE_PASSWORD")
	}
	cfg.DatabaseURL = dbURL

	cfg.SchemaMaxConns = getEnvInt("SCHEMA_MAX_CONNS", cfg.SchemaMaxConns)
	cfg.SchemaMaxIdle = getEnvInt("SCHEMA_MAX_IDLE_CONNS", cfg.SchemaMaxIdle)
	cfg.ProvisionedTableThreshold = getEnvInt("PROVISIONED_TABLE_THRESHOLD", cfg.ProvisionedTableThreshold)
	cfg.PoolTotalThreshold = getEnvInt("POOL_TOTAL_THRESHOLD", cfg.PoolTotalThreshold)
	cfg.PoolWaitThreshold = int64(getEnvInt("POOL_WAIT_THRESHOLD", int(cfg.PoolWaitThreshold)))

	if ms := getEnvInt("SLOW_QUERY_MS", int(cfg.SlowQueryThreshold/time.Millisecond)); ms > 0 {
		cfg.SlowQueryThreshold = time.Duration(ms) * time.Millisecond
	}
	if ms := getEnvInt("STATEMENT_TIMEOUT_MS", int(cfg.StatementTimeout/time.Millisecond)); ms >= 0 {
		cfg.StatementTimeout = time.Duration(ms) * time.Millisecond
	}

	cfg.Debug = os.Getenv("DEBUG") == "true"

	return cfg, nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
