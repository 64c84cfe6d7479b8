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
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"adwave/platform/shared/logger"
)

// RoleMaster is the platform administrator role. Master users may access
// organizations other than their own; every such access is audited.
const RoleMaster = "master"

// TenantContext is the per-request tenant identity: who is acting, for
// which organization, against which schema. SchemaName is always derived
// from the organization slug through ResolveSchemaName, never supplied by
// the request.
type TenantContext struct {
	UserID           string
	OrganizationID   string
	OrganizationSlug string
	Schema           SchemaID
	Role             string
	IsMaster         bool
}

// Identity is what the identity/session service knows about a token.
type Identity struct {
	UserID         string
	OrganizationID string
	Role           string
}

// ErrUnauthenticated indicates a request with no usable identity token.
var ErrUnauthenticated = errors.New("unauthenticated")

// IdentityService resolves identity tokens. The production implementation
// validates platform JWTs; tests substitute fakes.
type IdentityService interface {
	ResolveToken(ctx context.Context, token string) (*Identity, error)
}

// JWTIdentityService validates HS256 platform tokens carrying user_id,
// org_id and role claims.
type JWTIdentityService struct {
	secret []byte
}

// NewJWTIdentityService creates a validator for the given signing secret.
func NewJWTIdentityService(secret []byte) *JWTIdentityService {
	return &JWTIdentityService{secret: secret}
}

// ResolveToken parses and validates a token. Invalid or expired tokens
// return ErrUnauthenticated.
func (s *JWTIdentityService) ResolveToken(_ context.Context, tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrUnauthenticated
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrUnauthenticated
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrUnauthenticated
	}

	userID := getClaimString(claims, "user_id")
	orgID := getClaimString(claims, "org_id")
	if userID == "" || orgID == "" {
		return nil, ErrUnauthenticated
	}

	return &Identity{
		UserID:         userID,
		OrganizationID: orgID,
		Role:           getClaimString(claims, "role"),
	}, nil
}

func getClaimString(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		// Numeric ids arrive as float64 from encoding/json
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

// ContextResolver derives a TenantContext from an authenticated request.
type ContextResolver struct {
	identity IdentityService
	orgs     *OrgDirectory
	log      *logger.Logger
}

// NewContextResolver wires the resolver to an identity service and the
// organization directory.
func NewContextResolver(identity IdentityService, orgs *OrgDirectory, log *logger.Logger) *ContextResolver {
	if log == nil {
		log = logger.New("tenancy")
	}
	return &ContextResolver{
		identity: identity,
		orgs:     orgs,
		log:      log,
	}
}

// Resolve extracts the identity token from the request and builds the
// TenantContext. Unauthenticated requests (missing or invalid token, or a
// deactivated organization) return (nil, nil); callers must map nil to a
// 401 at the HTTP layer. A non-nil error means infrastructure failure, not
// bad credentials.
func (cr *ContextResolver) Resolve(ctx context.Context, r *http.Request) (*TenantContext, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, nil
	}

	id, err := cr.identity.ResolveToken(ctx, token)
	if errors.Is(err, ErrUnauthenticated) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	org, err := cr.orgs.GetByID(ctx, id.OrganizationID)
	if errors.Is(err, ErrOrganizationNotFound) {
		cr.log.Warn(id.OrganizationID, "", "Token references unknown organization", map[string]interface{}{
			"user_id": id.UserID,
		})
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !org.IsActive {
		return nil, nil
	}

	schema, err := ResolveSchemaName(org.Slug)
	if err != nil {
		// Directory contains a slug that cannot name a schema; surface as
		// infrastructure failure so operators notice.
		return nil, fmt.Errorf("organization %s: %w", org.ID, err)
	}

	return &TenantContext{
		UserID:           id.UserID,
		OrganizationID:   org.ID,
		OrganizationSlug: org.Slug,
		Schema:           schema,
		Role:             id.Role,
		IsMaster:         id.Role == RoleMaster,
	}, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
