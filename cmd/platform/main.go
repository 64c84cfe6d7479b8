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

// Package main is the entry point for the AdWave platform service.
//
// The platform serves tenant-scoped data routes over schema-per-tenant
// PostgreSQL isolation, plus admin routes for schema provisioning and
// connection pool introspection.
//
// Usage:
//
//	./platform
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8090)
//	DATABASE_URL - PostgreSQL connection string
//	DATABASE_SECRET_ARN - AWS Secrets Manager ARN for DB credentials (optional)
//	JWT_SECRET - HS256 signing secret for API tokens
//	REDIS_URL - organization cache (optional)
package main

import (
	"adwave/platform/server"
)

func main() {
	server.Run()
}
