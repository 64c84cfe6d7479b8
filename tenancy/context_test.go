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
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
)

var testJWTSecret = []byte("test-signing-secret")

func signTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testJWTSecret)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestJWTIdentityService(t *testing.T) {
	svc := NewJWTIdentityService(testJWTSecret)
	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		token := signTestToken(t, jwt.MapClaims{
			"user_id": "u-1",
			"org_id":  "org-1",
			"role":    "member",
		})
		id, err := svc.ResolveToken(ctx, token)
		if err != nil {
			t.Fatalf("ResolveToken: %v", err)
		}
		if id.UserID != "u-1" || id.OrganizationID != "org-1" || id.Role != "member" {
			t.Errorf("identity = %+v", id)
		}
	})

	t.Run("numeric claims", func(t *testing.T) {
		token := signTestToken(t, jwt.MapClaims{
			"user_id": 42,
			"org_id":  "org-1",
		})
		id, err := svc.ResolveToken(ctx, token)
		if err != nil {
			t.Fatalf("ResolveToken: %v", err)
		}
		if id.UserID != "42" {
			t.Errorf("UserID = %q, want \"42\"", id.UserID)
		}
	})

	t.Run("empty token", func(t *testing.T) {
		if _, err := svc.ResolveToken(ctx, ""); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("err = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		if _, err := svc.ResolveToken(ctx, "not.a.jwt"); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("err = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"user_id": "u-1",
			"org_id":  "org-1",
			"exp":     time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte("other-secret"))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := svc.ResolveToken(ctx, token); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("err = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		token := signTestToken(t, jwt.MapClaims{
			"user_id": "u-1",
			"org_id":  "org-1",
			"exp":     time.Now().Add(-time.Hour).Unix(),
		})
		if _, err := svc.ResolveToken(ctx, token); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("err = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("none algorithm rejected", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"user_id": "u-1",
			"org_id":  "org-1",
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := svc.ResolveToken(ctx, token); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("err = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("missing org claim", func(t *testing.T) {
		token := signTestToken(t, jwt.MapClaims{"user_id": "u-1"})
		if _, err := svc.ResolveToken(ctx, token); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("err = %v, want ErrUnauthenticated", err)
		}
	})
}

func newResolverWithOrg(t *testing.T) (*ContextResolver, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	orgs := NewOrgDirectory(db, nil, nil)
	resolver := NewContextResolver(NewJWTIdentityService(testJWTSecret), orgs, nil)
	return resolver, mock, db
}

func orgRows(id, slug, name string, active bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "slug", "name", "is_active"}).
		AddRow(id, slug, name, active)
}

func TestContextResolverResolve(t *testing.T) {
	resolver, mock, db := newResolverWithOrg(t)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, slug, name, is_active FROM organizations WHERE id = $1`)).
		WithArgs("org-1").
		WillReturnRows(orgRows("org-1", "acme-corp", "Acme Corp", true))

	req := httptest.NewRequest(http.MethodGet, "/api/organizations/org-1/campaigns", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, jwt.MapClaims{
		"user_id": "u-1",
		"org_id":  "org-1",
		"role":    "member",
	}))

	tc, err := resolver.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tc == nil {
		t.Fatal("Resolve returned nil context for a valid request")
	}
	if tc.OrganizationID != "org-1" || tc.OrganizationSlug != "acme-corp" {
		t.Errorf("context = %+v", tc)
	}
	if tc.Schema.String() != "org_acme_corp" {
		t.Errorf("Schema = %q, want org_acme_corp", tc.Schema)
	}
	if tc.IsMaster {
		t.Error("member resolved as master")
	}
}

func TestContextResolverMasterRole(t *testing.T) {
	resolver, mock, db := newResolverWithOrg(t)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT id, slug, name, is_active FROM organizations").
		WithArgs("org-platform").
		WillReturnRows(orgRows("org-platform", "platform", "Platform", true))

	req := httptest.NewRequest(http.MethodGet, "/admin/pools", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, jwt.MapClaims{
		"user_id": "admin-1",
		"org_id":  "org-platform",
		"role":    RoleMaster,
	}))

	tc, err := resolver.Resolve(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if tc == nil || !tc.IsMaster {
		t.Errorf("master token resolved to %+v", tc)
	}
}

func TestContextResolverUnauthenticated(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, r *http.Request, mock sqlmock.Sqlmock)
	}{
		{
			name:  "no authorization header",
			setup: func(t *testing.T, r *http.Request, mock sqlmock.Sqlmock) {},
		},
		{
			name: "malformed header",
			setup: func(t *testing.T, r *http.Request, mock sqlmock.Sqlmock) {
				r.Header.Set("Authorization", "Basic dXNlcjpwdw==")
			},
		},
		{
			name: "invalid token",
			setup: func(t *testing.T, r *http.Request, mock sqlmock.Sqlmock) {
				r.Header.Set("Authorization", "Bearer bogus")
			},
		},
		{
			name: "unknown organization",
			setup: func(t *testing.T, r *http.Request, mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT id, slug, name, is_active FROM organizations").
					WithArgs("org-ghost").
					WillReturnError(sql.ErrNoRows)
				r.Header.Set("Authorization", "Bearer "+signTestToken(t, jwt.MapClaims{
					"user_id": "u-1",
					"org_id":  "org-ghost",
				}))
			},
		},
		{
			name: "deactivated organization",
			setup: func(t *testing.T, r *http.Request, mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT id, slug, name, is_active FROM organizations").
					WithArgs("org-1").
					WillReturnRows(orgRows("org-1", "acme", "Acme", false))
				r.Header.Set("Authorization", "Bearer "+signTestToken(t, jwt.MapClaims{
					"user_id": "u-1",
					"org_id":  "org-1",
				}))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, mock, db := newResolverWithOrg(t)
			defer func() { _ = db.Close() }()

			req := httptest.NewRequest(http.MethodGet, "/api/organizations/org-1/campaigns", nil)
			tt.setup(t, req, mock)

			tc, err := resolver.Resolve(context.Background(), req)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if tc != nil {
				t.Errorf("Resolve = %+v, want nil (unauthenticated)", tc)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Bearer  abc ", "abc"},
		{"Token abc", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		if got := bearerToken(r); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
