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
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// schemaToken is the placeholder in catalog DDL replaced by a validated
// SchemaID before execution. Nothing else may be substituted into DDL.
const schemaToken = "{schema}"

// ColumnSpec is a column added to a table after its first catalog version.
// Definition is the ADD COLUMN tail (type and constraints).
type ColumnSpec struct {
	Name       string `yaml:"name"`
	Definition string `yaml:"definition"`
}

// IndexSpec is an expected index with its full CREATE statement.
type IndexSpec struct {
	Name   string `yaml:"name"`
	Create string `yaml:"create"`
}

// TableSpec is one expected tenant table: the full CREATE statement for
// new schemas, plus later-version column additions and indexes for
// incremental convergence.
type TableSpec struct {
	Name    string       `yaml:"name"`
	Create  string       `yaml:"create"`
	Columns []ColumnSpec `yaml:"columns"`
	Indexes []IndexSpec  `yaml:"indexes"`
}

// Catalog is the fixed expected structure of every tenant schema for the
// current product version. It is independent of any specific tenant; the
// provisioner's job is to converge each org_* schema toward it.
type Catalog struct {
	Version string      `yaml:"version"`
	Tables  []TableSpec `yaml:"tables"`
}

var (
	defaultCatalogOnce sync.Once
	defaultCatalog     *Catalog
	defaultCatalogErr  error
)

// DefaultCatalog parses the embedded catalog once and caches it.
func DefaultCatalog() (*Catalog, error) {
	defaultCatalogOnce.Do(func() {
		defaultCatalog, defaultCatalogErr = parseCatalog(catalogYAML)
	})
	return defaultCatalog, defaultCatalogErr
}

func parseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Tables) == 0 {
		return nil, fmt.Errorf("parse catalog: no tables defined")
	}

	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == "" {
			return nil, fmt.Errorf("catalog: table with empty name")
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("catalog: duplicate table %q", t.Name)
		}
		seen[t.Name] = true

		if err := checkDDL(t.Name, t.Create); err != nil {
			return nil, err
		}
		for _, idx := range t.Indexes {
			if err := checkDDL(t.Name+"/"+idx.Name, idx.Create); err != nil {
				return nil, err
			}
		}
	}
	return &c, nil
}

// checkDDL enforces the two structural rules for catalog DDL: it must be
// idempotent (IF NOT EXISTS) and schema-qualified through the placeholder.
func checkDDL(what, ddl string) error {
	if !strings.Contains(ddl, "IF NOT EXISTS") {
		return fmt.Errorf("catalog %s: DDL missing IF NOT EXISTS", what)
	}
	if !strings.Contains(ddl, schemaToken) {
		return fmt.Errorf("catalog %s: DDL missing %s placeholder", what, schemaToken)
	}
	return nil
}

// Table returns the catalog entry for a table name, or nil.
func (c *Catalog) Table(name string) *TableSpec {
	for i := range c.Tables {
		if c.Tables[i].Name == name {
			return &c.Tables[i]
		}
	}
	return nil
}

// TableNames returns the expected table names in catalog order.
func (c *Catalog) TableNames() []string {
	out := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		out[i] = t.Name
	}
	return out
}

// renderDDL substitutes the validated schema identifier into catalog DDL.
func renderDDL(ddl string, schema SchemaID) string {
	return strings.ReplaceAll(ddl, schemaToken, schema.String())
}
