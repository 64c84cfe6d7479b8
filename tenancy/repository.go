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
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern matches the table and column names the catalog uses.
// Mapping construction panics on anything else so a bad mapping fails at
// startup, not on the first query.
var identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Mapping describes how rows of one catalog table map to a Go type. Table
// and column names are validated identifiers and the schema is always a
// SchemaID, so the SQL built here never embeds caller input.
type Mapping[T any] struct {
	// Table is the unquoted catalog table name, e.g. "Campaign".
	Table string

	// IDColumn is the primary key column, usually "id".
	IDColumn string

	// Columns lists every column read and written, in the order ToRow
	// produces values.
	Columns []string

	// FromRow builds a T from one scanned row.
	FromRow func(Row) (T, error)

	// ToRow produces the column values for an insert or update, aligned
	// with Columns.
	ToRow func(T) []interface{}
}

func (m Mapping[T]) validate() error {
	if !identifierPattern.MatchString(m.Table) {
		return fmt.Errorf("invalid table name %q", m.Table)
	}
	if !identifierPattern.MatchString(m.IDColumn) {
		return fmt.Errorf("invalid id column %q", m.IDColumn)
	}
	if len(m.Columns) == 0 {
		return fmt.Errorf("mapping for %s has no columns", m.Table)
	}
	for _, c := range m.Columns {
		if !identifierPattern.MatchString(c) {
			return fmt.Errorf("invalid column name %q in %s mapping", c, m.Table)
		}
	}
	if m.FromRow == nil || m.ToRow == nil {
		return fmt.Errorf("mapping for %s needs FromRow and ToRow", m.Table)
	}
	return nil
}

// Repository is a typed CRUD layer over one catalog table, routed through
// the tenant-scoped Executor. One Repository value serves every tenant; the
// schema is chosen per call.
type Repository[T any] struct {
	exec    *Executor
	mapping Mapping[T]
}

// NewRepository builds a repository for one table. It panics on an invalid
// mapping since mappings are package-level constants in practice.
func NewRepository[T any](exec *Executor, mapping Mapping[T]) *Repository[T] {
	if err := mapping.validate(); err != nil {
		panic(err)
	}
	return &Repository[T]{exec: exec, mapping: mapping}
}

func (r *Repository[T]) columnList() string {
	quoted := make([]string, len(r.mapping.Columns))
	for i, c := range r.mapping.Columns {
		quoted[i] = `"` + c + `"`
	}
	return strings.Join(quoted, ", ")
}

// List returns up to limit rows ordered by the primary key.
func (r *Repository[T]) List(ctx context.Context, schema SchemaID, limit int) ([]T, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM %s."%s" ORDER BY "%s" LIMIT $1`,
		r.columnList(), schema, r.mapping.Table, r.mapping.IDColumn)

	rows, err := r.exec.Query(ctx, schema, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := r.mapping.FromRow(row)
		if err != nil {
			return nil, fmt.Errorf("mapping %s row: %w", r.mapping.Table, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// GetByID fetches one row. Missing rows return (zero, false, nil).
func (r *Repository[T]) GetByID(ctx context.Context, schema SchemaID, id string) (T, bool, error) {
	var zero T
	query := fmt.Sprintf(`SELECT %s FROM %s."%s" WHERE "%s" = $1`,
		r.columnList(), schema, r.mapping.Table, r.mapping.IDColumn)

	rows, err := r.exec.Query(ctx, schema, query, id)
	if err != nil {
		return zero, false, err
	}
	if len(rows) == 0 {
		return zero, false, nil
	}
	v, err := r.mapping.FromRow(rows[0])
	if err != nil {
		return zero, false, fmt.Errorf("mapping %s row: %w", r.mapping.Table, err)
	}
	return v, true, nil
}

// Insert writes one row with all mapped columns.
func (r *Repository[T]) Insert(ctx context.Context, schema SchemaID, value T) error {
	placeholders := make([]string, len(r.mapping.Columns))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(`INSERT INTO %s."%s" (%s) VALUES (%s)`,
		schema, r.mapping.Table, r.columnList(), strings.Join(placeholders, ", "))

	_, err := r.exec.Exec(ctx, schema, query, r.mapping.ToRow(value)...)
	return err
}

// Update rewrites every mapped column of the row with the given id. Returns
// false when no row matched.
func (r *Repository[T]) Update(ctx context.Context, schema SchemaID, id string, value T) (bool, error) {
	sets := make([]string, len(r.mapping.Columns))
	for i, c := range r.mapping.Columns {
		sets[i] = fmt.Sprintf(`"%s" = $%d`, c, i+1)
	}
	query := fmt.Sprintf(`UPDATE %s."%s" SET %s WHERE "%s" = $%d`,
		schema, r.mapping.Table, strings.Join(sets, ", "), r.mapping.IDColumn, len(r.mapping.Columns)+1)

	args := append(r.mapping.ToRow(value), id)
	affected, err := r.exec.Exec(ctx, schema, query, args...)
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Delete removes one row. Returns false when no row matched.
func (r *Repository[T]) Delete(ctx context.Context, schema SchemaID, id string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s."%s" WHERE "%s" = $1`,
		schema, r.mapping.Table, r.mapping.IDColumn)

	affected, err := r.exec.Exec(ctx, schema, query, id)
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
