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
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"adwave/platform/shared/logger"
)

// Row is a generically scanned result row, column name to value.
type Row map[string]interface{}

// SafeResult is the non-throwing read-path result: Data is never nil, and
// Err carries the classified failure when one occurred.
type SafeResult struct {
	Data []Row
	Err  error
}

// Prometheus metrics
var (
	promQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adwave_tenancy_query_duration_milliseconds",
			Help:    "Tenant query duration in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 200, 500, 1000, 2000, 5000},
		},
		[]string{"operation"},
	)
	promQueryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adwave_tenancy_query_errors_total",
			Help: "Tenant query errors by classification",
		},
		[]string{"class"},
	)
	promSlowQueries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "adwave_tenancy_slow_queries_total",
			Help: "Queries exceeding the slow-query threshold",
		},
	)
)

func init() {
	prometheus.MustRegister(promQueryDuration)
	prometheus.MustRegister(promQueryErrors)
	prometheus.MustRegister(promSlowQueries)
}

// Executor runs parameterized SQL against a tenant schema's pool. Every
// query targets exactly the schema named by the caller; there is no
// implicit cross-schema fallback. On a connection-class failure the
// schema's pool is evicted so the next call builds a fresh one.
type Executor struct {
	registry *PoolRegistry
	cfg      Config
	log      *logger.Logger
}

// NewExecutor creates an Executor over the given registry.
func NewExecutor(registry *PoolRegistry, cfg Config, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.New("tenancy")
	}
	return &Executor{
		registry: registry,
		cfg:      cfg,
		log:      log,
	}
}

// Query executes a read against the schema's pool and returns generically
// scanned rows. Failures come back as typed errors from the package
// taxonomy; writes where failure must propagate also use this method.
func (e *Executor) Query(ctx context.Context, schema SchemaID, query string, args ...interface{}) ([]Row, error) {
	pool, err := e.registry.GetOrCreate(ctx, schema)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := pool.DB.QueryContext(ctx, query, args...)
	elapsed := time.Since(start)
	e.observe(schema, "query", query, elapsed)

	if err != nil {
		return nil, e.fail(schema, query, err)
	}
	defer func() { _ = rows.Close() }()

	scanned, err := scanRows(rows)
	if err != nil {
		return nil, e.fail(schema, query, err)
	}
	return scanned, nil
}

// Exec executes a statement against the schema's pool, returning the
// number of affected rows.
func (e *Executor) Exec(ctx context.Context, schema SchemaID, query string, args ...interface{}) (int64, error) {
	pool, err := e.registry.GetOrCreate(ctx, schema)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	res, err := pool.DB.ExecContext(ctx, query, args...)
	elapsed := time.Since(start)
	e.observe(schema, "exec", query, elapsed)

	if err != nil {
		return 0, e.fail(schema, query, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		// Driver cannot report the count; the statement itself succeeded.
		return 0, nil
	}
	return affected, nil
}

// SafeQuery is the read path that never returns a Go error: callers get a
// defined empty result with Err set instead. A missing relation means "not
// yet provisioned" during tenant onboarding and degrades to an empty list.
func (e *Executor) SafeQuery(ctx context.Context, schema SchemaID, query string, args ...interface{}) SafeResult {
	data, err := e.Query(ctx, schema, query, args...)
	if data == nil {
		data = []Row{}
	}
	return SafeResult{Data: data, Err: err}
}

// fail classifies the raw error, logs it, updates metrics, and evicts the
// pool when the failure is connection-class.
func (e *Executor) fail(schema SchemaID, query string, err error) error {
	classified := classifyQueryError(schema, err)

	class := "other"
	switch {
	case IsTableMissing(classified):
		class = "relation_missing"
	case IsSchemaNotFound(classified):
		class = "schema_missing"
	case IsPermissionDenied(classified):
		class = "permission_denied"
	case IsConnectionError(classified):
		class = "connection"
	case IsTimeout(classified):
		class = "timeout"
	}
	promQueryErrors.WithLabelValues(class).Inc()

	e.log.Error("", "", "Query failed", map[string]interface{}{
		"schema": schema.String(),
		"class":  class,
		"query":  e.redact(query),
		"error":  err.Error(),
	})

	if IsConnectionError(classified) {
		e.registry.Evict(schema)
	}

	return classified
}

func (e *Executor) observe(schema SchemaID, operation, query string, elapsed time.Duration) {
	ms := float64(elapsed.Microseconds()) / 1000.0
	promQueryDuration.WithLabelValues(operation).Observe(ms)

	if elapsed >= e.cfg.SlowQueryThreshold && e.cfg.SlowQueryThreshold > 0 {
		promSlowQueries.Inc()
		e.log.InfoWithDuration("", "", "Slow query", ms, map[string]interface{}{
			"schema": schema.String(),
			"query":  e.redact(query),
		})
	}
}

// redact limits logged query text outside debug environments.
func (e *Executor) redact(query string) string {
	if e.cfg.Debug {
		return query
	}
	const limit = 100
	if len(query) <= limit {
		return query
	}
	return query[:limit] + "..."
}

// scanRows reads every row into a []Row with driver-generic scanning.
func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []Row{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
