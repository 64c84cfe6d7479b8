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

package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"

	"adwave/platform/shared/logger"
	"adwave/platform/tenancy"
)

var testSecret = []byte("server-test-secret")

func signToken(t *testing.T, userID, orgID, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"org_id":  orgID,
		"role":    role,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

// newTestServer wires a Server against sqlmock: one mock behind the shared
// pool and one handed out per tenant schema, in order of first access.
func newTestServer(t *testing.T, db *sql.DB, tenantDBs ...*sql.DB) *Server {
	t.Helper()

	cfg := tenancy.DefaultConfig()
	cfg.DatabaseURL = "postgres://app:pw@db:5432/adwave?sslmode=disable"

	next := 0
	registry := tenancy.NewPoolRegistryWithOpener(cfg, nil, func(string) (*sql.DB, error) {
		if next >= len(tenantDBs) {
			t.Fatalf("opened more tenant pools than the test prepared (%d)", len(tenantDBs))
		}
		tdb := tenantDBs[next]
		next++
		return tdb, nil
	})
	t.Cleanup(registry.CloseAll)

	executor := tenancy.NewExecutor(registry, cfg, nil)
	orgs := tenancy.NewOrgDirectory(db, nil, nil)
	audit := tenancy.NewProvisioningAuditLog(db, nil)
	provisioner, err := tenancy.NewProvisioner(db, audit, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	return &Server{
		cfg:       cfg,
		log:       logger.New("test"),
		db:        db,
		registry:  registry,
		executor:  executor,
		resolver:  tenancy.NewContextResolver(tenancy.NewJWTIdentityService(testSecret), orgs, nil),
		validator: tenancy.NewAccessValidator(db, nil),
		provision: provisioner,
		audit:     audit,
		monitor:   tenancy.NewPoolMonitor(registry, cfg, nil),
		orgs:      orgs,
		campaigns: tenancy.NewRepository(executor, campaignMapping),
	}
}

func expectOrgByID(mock sqlmock.Sqlmock, id, slug string, active bool) {
	mock.ExpectQuery("SELECT id, slug, name, is_active FROM organizations WHERE id =").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "slug", "name", "is_active"}).
			AddRow(id, slug, slug+" inc", active))
}

func TestHealthHandler(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	srv := newTestServer(t, db)

	t.Run("healthy", func(t *testing.T) {
		mock.ExpectPing()
		rec := httptest.NewRecorder()
		srv.routes().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["status"] != "healthy" {
			t.Errorf("status field = %v", body["status"])
		}
	})

	t.Run("database down", func(t *testing.T) {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
		rec := httptest.NewRecorder()
		srv.routes().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
	})
}

func TestCampaignsRequireAuthentication(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	srv := newTestServer(t, db)

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"basic auth", "Basic dXNlcjpwdw=="},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/organizations/org-1/campaigns", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			srv.routes().ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestListCampaignsSameOrg(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	tenantDB, tenantMock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, db, tenantDB)

	expectOrgByID(mock, "org-1", "acme", true)
	tenantMock.ExpectQuery(regexp.QuoteMeta(`FROM org_acme."Campaign"`)).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "advertiserId", "name", "status", "budgetCents"}).
			AddRow("c-1", "adv-1", "Spring Launch", "active", int64(500000)))

	req := httptest.NewRequest("GET", "/api/organizations/org-1/campaigns", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "u-1", "org-1", "member"))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Campaigns []Campaign `json:"campaigns"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Campaigns) != 1 || body.Campaigns[0].Name != "Spring Launch" {
		t.Errorf("campaigns = %+v", body.Campaigns)
	}
	if err := tenantMock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestListCampaignsCrossTenantForbidden(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	srv := newTestServer(t, db)

	expectOrgByID(mock, "org-1", "acme", true)

	req := httptest.NewRequest("GET", "/api/organizations/org-2/campaigns", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "u-1", "org-1", "member"))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), tenancy.ReasonCrossTenant) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMasterRoutesToTargetSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	tenantDB, tenantMock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, db, tenantDB)

	expectOrgByID(mock, "org-master", "hq", true)
	// Cross-org master access is audited on the shared pool.
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tenant_access_log").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO tenant_access_log").
		WithArgs("u-admin", "org-master", "org-2", "GET", "/api/organizations/org-2/campaigns").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// Target org lookup decides which schema the query runs against.
	expectOrgByID(mock, "org-2", "globex", true)
	tenantMock.ExpectQuery(regexp.QuoteMeta(`FROM org_globex."Campaign"`)).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "advertiserId", "name", "status", "budgetCents"}))

	req := httptest.NewRequest("GET", "/api/organizations/org-2/campaigns", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "u-admin", "org-master", "master"))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if err := tenantMock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestProvisionRequiresMaster(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	srv := newTestServer(t, db)

	expectOrgByID(mock, "org-1", "acme", true)

	req := httptest.NewRequest("POST", "/admin/organizations/acme/provision", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "u-1", "org-1", "member"))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	srv := newTestServer(t, db)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{nope"},
		{"missing name", `{"advertiser_id": "adv-1"}`},
		{"missing advertiser", `{"name": "Spring Launch"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			expectOrgByID(mock, "org-1", "acme", true)
			req := httptest.NewRequest("POST", "/api/organizations/org-1/campaigns", strings.NewReader(tc.body))
			req.Header.Set("Authorization", "Bearer "+signToken(t, "u-1", "org-1", "member"))
			rec := httptest.NewRecorder()
			srv.routes().ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestAdminPoolRoutesRequireMaster(t *testing.T) {
	for _, route := range []string{"/admin/pools", "/admin/pools/health"} {
		t.Run(route, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = db.Close() }()
			srv := newTestServer(t, db)

			rec := httptest.NewRecorder()
			srv.routes().ServeHTTP(rec, httptest.NewRequest("GET", route, nil))
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("anonymous: status = %d, want 401", rec.Code)
			}

			expectOrgByID(mock, "org-1", "acme", true)
			req := httptest.NewRequest("GET", route, nil)
			req.Header.Set("Authorization", "Bearer "+signToken(t, "u-1", "org-1", "member"))
			rec = httptest.NewRecorder()
			srv.routes().ServeHTTP(rec, req)
			if rec.Code != http.StatusForbidden {
				t.Errorf("member: status = %d, want 403", rec.Code)
			}

			expectOrgByID(mock, "org-master", "hq", true)
			req = httptest.NewRequest("GET", route, nil)
			req.Header.Set("Authorization", "Bearer "+signToken(t, "u-admin", "org-master", "master"))
			rec = httptest.NewRecorder()
			srv.routes().ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Errorf("master: status = %d, body = %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSendQueryErrorMapping(t *testing.T) {
	srv := &Server{}

	tests := []struct {
		name string
		err  error
		code int
	}{
		{"table missing", &tenancy.TableMissingError{Schema: "org_acme", Relation: "Campaign"}, http.StatusConflict},
		{"schema missing", &tenancy.SchemaNotFoundError{Schema: "org_acme"}, http.StatusConflict},
		{"permission denied", &tenancy.PermissionDeniedError{Schema: "org_acme"}, http.StatusForbidden},
		{"timeout", &tenancy.TimeoutError{Schema: "org_acme"}, http.StatusGatewayTimeout},
		{"connection", &tenancy.ConnectionError{Schema: "org_acme"}, http.StatusServiceUnavailable},
		{"unknown", sql.ErrTxDone, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.sendQueryError(rec, tc.err)
			if rec.Code != tc.code {
				t.Errorf("code = %d, want %d", rec.Code, tc.code)
			}
		})
	}
}
