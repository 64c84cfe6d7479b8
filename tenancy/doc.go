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

/*
Package tenancy implements AdWave's tenant data-isolation layer.

Every organization's data lives in its own PostgreSQL schema named
org_<slug>. This package owns the whole path from an authenticated request
to a query executed against the right schema:

  - ResolveSchemaName converts an organization slug into a validated
    SchemaID, the only type that may be interpolated into SQL as a schema
    identifier.
  - PoolRegistry lazily maintains one bounded connection pool per schema,
    with the session search_path pinned to <schema>,public.
  - Executor runs parameterized SQL against a schema's pool, classifies
    failures into typed errors, and evicts broken pools so the next call
    self-heals.
  - ContextResolver derives a TenantContext (user, organization, schema,
    master flag) from a request's identity token.
  - AccessValidator is the single authorization choke-point for cross-tenant
    access; master cross-org reads are audited to tenant_access_log.
  - Provisioner creates new tenant schemas and converges existing ones
    toward the expected catalog with additive, idempotent DDL, recording
    every attempt in ProvisioningAuditLog.
  - PoolMonitor reports pool statistics and health across all live schemas.

Queries never name a schema implicitly: callers pass the SchemaID they were
resolved to, and there is no cross-schema fallback anywhere in this package.
*/
package tenancy
