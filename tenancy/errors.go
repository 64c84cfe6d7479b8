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
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

// ReasonCrossTenant is the denial reason returned by AccessValidator for
// non-master access to a foreign organization.
const ReasonCrossTenant = "Unauthorized cross-tenant access"

// TableMissingError indicates the target relation does not exist in the
// tenant schema. Callers should treat it as "not yet provisioned" rather
// than data absence.
type TableMissingError struct {
	Schema   string
	Relation string
	Err      error
}

func (e *TableMissingError) Error() string {
	if e.Relation != "" {
		return fmt.Sprintf("relation %q missing in schema %s: %v", e.Relation, e.Schema, e.Err)
	}
	return fmt.Sprintf("relation missing in schema %s: %v", e.Schema, e.Err)
}

func (e *TableMissingError) Unwrap() error { return e.Err }

// SchemaNotFoundError indicates the tenant schema itself does not exist.
type SchemaNotFoundError struct {
	Schema string
	Err    error
}

func (e *SchemaNotFoundError) Error() string {
	return fmt.Sprintf("schema %s not found: %v", e.Schema, e.Err)
}

func (e *SchemaNotFoundError) Unwrap() error { return e.Err }

// PermissionDeniedError indicates a database-level privilege problem. This
// is an operational misconfiguration and should alert operators.
type PermissionDeniedError struct {
	Schema string
	Err    error
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied in schema %s: %v", e.Schema, e.Err)
}

func (e *PermissionDeniedError) Unwrap() error { return e.Err }

// ConnectionError indicates the connection to the database failed. The
// executor evicts the schema's pool on this class so the next call builds
// a fresh one.
type ConnectionError struct {
	Schema string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error on schema %s: %v", e.Schema, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError indicates a slow or stuck query was cancelled.
type TimeoutError struct {
	Schema string
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("query timeout on schema %s: %v", e.Schema, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ProvisioningError reports a partial or total failure to converge a
// tenant schema. It is recorded in the provisioning audit log and surfaced
// inside ProvisionResult, never raised as a panic.
type ProvisioningError struct {
	Schema string
	Steps  []string
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning schema %s: %d step(s) failed", e.Schema, len(e.Steps))
}

// IsTableMissing reports whether err (or anything it wraps) is a missing
// relation error.
func IsTableMissing(err error) bool {
	var e *TableMissingError
	return errors.As(err, &e)
}

// IsSchemaNotFound reports whether err is a missing schema error.
func IsSchemaNotFound(err error) bool {
	var e *SchemaNotFoundError
	return errors.As(err, &e)
}

// IsPermissionDenied reports whether err is a database privilege error.
func IsPermissionDenied(err error) bool {
	var e *PermissionDeniedError
	return errors.As(err, &e)
}

// IsConnectionError reports whether err is a connection failure.
func IsConnectionError(err error) bool {
	var e *ConnectionError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is a query timeout.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// PostgreSQL SQLSTATE codes the executor cares about.
const (
	pqUndefinedTable        = "42P01"
	pqInvalidSchemaName     = "3F000"
	pqInvalidCatalogName    = "3D000"
	pqInsufficientPrivilege = "42501"
	pqQueryCanceled         = "57014"
	pqTooManyConnections    = "53300"
	pqAdminShutdown         = "57P01"
)

// classifyQueryError converts a raw driver error into the package's typed
// taxonomy. Unrecognized errors pass through wrapped with the schema name.
func classifyQueryError(schema SchemaID, err error) error {
	if err == nil {
		return nil
	}

	name := schema.String()

	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Schema: name, Err: err}
	}
	if errors.Is(err, driver.ErrBadConn) {
		return &ConnectionError{Schema: name, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &TimeoutError{Schema: name, Err: err}
		}
		return &ConnectionError{Schema: name, Err: err}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case string(pqErr.Code) == pqUndefinedTable:
			return &TableMissingError{Schema: name, Relation: pqErr.Table, Err: err}
		case string(pqErr.Code) == pqInvalidSchemaName, string(pqErr.Code) == pqInvalidCatalogName:
			return &SchemaNotFoundError{Schema: name, Err: err}
		case string(pqErr.Code) == pqInsufficientPrivilege:
			return &PermissionDeniedError{Schema: name, Err: err}
		case string(pqErr.Code) == pqQueryCanceled:
			return &TimeoutError{Schema: name, Err: err}
		case pqErr.Code.Class() == "08", string(pqErr.Code) == pqTooManyConnections, string(pqErr.Code) == pqAdminShutdown:
			return &ConnectionError{Schema: name, Err: err}
		}
	}

	return fmt.Errorf("query on schema %s: %w", name, err)
}
