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
	"regexp"
	"strings"
)

// schemaPattern is the only shape a tenant schema identifier may take.
// Anything else must never reach SQL as an identifier.
var schemaPattern = regexp.MustCompile(`^org_[a-z0-9_]+$`)

// SchemaID is a validated tenant schema identifier. The zero value is
// invalid; the only way to obtain a usable SchemaID is ResolveSchemaName,
// which makes it safe to interpolate String() into DDL and search_path
// settings (identifiers cannot be bound as query parameters).
type SchemaID struct {
	name string
}

// String returns the schema identifier, e.g. "org_acme_corp".
func (s SchemaID) String() string {
	return s.name
}

// IsZero reports whether the SchemaID was never resolved.
func (s SchemaID) IsZero() bool {
	return s.name == ""
}

// InvalidSlugError indicates an organization slug that cannot be converted
// into a legal schema identifier.
type InvalidSlugError struct {
	Slug string
}

func (e *InvalidSlugError) Error() string {
	return fmt.Sprintf("invalid organization slug %q: schema name must match %s", e.Slug, schemaPattern.String())
}

// ResolveSchemaName converts an organization slug into its schema
// identifier: lower-cased, hyphens replaced with underscores, prefixed with
// "org_". It is pure and performs no I/O. Slugs that normalize to anything
// outside [a-z0-9_] are rejected with *InvalidSlugError before they can be
// used in SQL.
func ResolveSchemaName(slug string) (SchemaID, error) {
	if slug == "" {
		return SchemaID{}, &InvalidSlugError{Slug: slug}
	}

	normalized := strings.ToLower(slug)
	normalized = strings.ReplaceAll(normalized, "-", "_")
	name := "org_" + normalized

	if !schemaPattern.MatchString(name) {
		return SchemaID{}, &InvalidSlugError{Slug: slug}
	}

	return SchemaID{name: name}, nil
}

// mustSchemaID builds a SchemaID without going through slug resolution.
// Test helper only; panics on identifiers that would fail validation.
func mustSchemaID(name string) SchemaID {
	if !schemaPattern.MatchString(name) {
		panic(fmt.Sprintf("mustSchemaID: %q does not match %s", name, schemaPattern.String()))
	}
	return SchemaID{name: name}
}
