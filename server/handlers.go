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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"adwave/platform/tenancy"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	dbHealthy := s.db.PingContext(r.Context()) == nil

	status := "healthy"
	code := http.StatusOK
	if !dbHealthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"service":   "adwave-platform",
		"timestamp": time.Now().UTC(),
		"components": map[string]bool{
			"database": dbHealthy,
		},
		"pools": s.registry.Size(),
	})
}

// Pool introspection enumerates live org_<slug> schemas, so it is master-only
// like the rest of the admin surface.
func (s *Server) poolStatsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireMaster(w, r); !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pools":     s.monitor.Stats(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) poolHealthHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireMaster(w, r); !ok {
		return
	}

	report := s.monitor.HealthCheck(r.Context())
	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) provisionHandler(w http.ResponseWriter, r *http.Request) {
	tc, ok := s.requireMaster(w, r)
	if !ok {
		return
	}

	slug := mux.Vars(r)["slug"]
	org, err := s.orgs.GetBySlug(r.Context(), slug)
	if err != nil {
		if errors.Is(err, tenancy.ErrOrganizationNotFound) {
			sendError(w, "Organization not found", http.StatusNotFound)
			return
		}
		sendError(w, "Organization lookup failed", http.StatusInternalServerError)
		return
	}

	s.log.Info(org.ID, "", "Provisioning requested", map[string]interface{}{
		"slug":    org.Slug,
		"user_id": tc.UserID,
	})

	result, err := s.provision.Provision(r.Context(), org.Slug, org.ID, tenancy.ProvisionOptions{
		Mode:   tenancy.ProvisionModeSync,
		UserID: tc.UserID,
	})
	if err != nil {
		var invalid *tenancy.InvalidSlugError
		if errors.As(err, &invalid) {
			sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if result != nil {
			// Partial failure: the run finished but some steps errored.
			writeJSON(w, http.StatusMultiStatus, result)
			return
		}
		sendError(w, "Provisioning failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) provisioningStatusHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireMaster(w, r); !ok {
		return
	}

	orgID := mux.Vars(r)["org_id"]
	entry, err := s.audit.GetStatus(r.Context(), orgID)
	if err != nil {
		sendError(w, "Status lookup failed", http.StatusInternalServerError)
		return
	}
	if entry == nil {
		sendError(w, "No provisioning runs recorded", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) accessLogHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireMaster(w, r); !ok {
		return
	}

	orgID := mux.Vars(r)["org_id"]
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := s.validator.RecentAccesses(r.Context(), orgID, limit)
	if err != nil {
		sendError(w, "Access log lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"org_id":  orgID,
		"entries": entries,
	})
}

// Campaign is the wire shape for tenant campaign rows.
type Campaign struct {
	ID           string `json:"id"`
	AdvertiserID string `json:"advertiser_id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	BudgetCents  int64  `json:"budget_cents"`
}

var campaignMapping = tenancy.Mapping[Campaign]{
	Table:    "Campaign",
	IDColumn: "id",
	Columns:  []string{"id", "advertiserId", "name", "status", "budgetCents"},
	FromRow: func(row tenancy.Row) (Campaign, error) {
		return Campaign{
			ID:           rowString(row, "id"),
			AdvertiserID: rowString(row, "advertiserId"),
			Name:         rowString(row, "name"),
			Status:       rowString(row, "status"),
			BudgetCents:  rowInt64(row, "budgetCents"),
		}, nil
	},
	ToRow: func(c Campaign) []interface{} {
		return []interface{}{c.ID, c.AdvertiserID, c.Name, c.Status, c.BudgetCents}
	},
}

func (s *Server) listCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	schema, ok := s.authorizeTenant(w, r)
	if !ok {
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	campaigns, err := s.campaigns.List(r.Context(), schema, limit)
	if err != nil {
		s.sendQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaigns": campaigns})
}

func (s *Server) getCampaignHandler(w http.ResponseWriter, r *http.Request) {
	schema, ok := s.authorizeTenant(w, r)
	if !ok {
		return
	}

	campaign, found, err := s.campaigns.GetByID(r.Context(), schema, mux.Vars(r)["id"])
	if err != nil {
		s.sendQueryError(w, err)
		return
	}
	if !found {
		sendError(w, "Campaign not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (s *Server) createCampaignHandler(w http.ResponseWriter, r *http.Request) {
	schema, ok := s.authorizeTenant(w, r)
	if !ok {
		return
	}

	var campaign Campaign
	if err := json.NewDecoder(r.Body).Decode(&campaign); err != nil {
		sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if campaign.Name == "" || campaign.AdvertiserID == "" {
		sendError(w, "name and advertiser_id are required", http.StatusBadRequest)
		return
	}
	if campaign.ID == "" {
		campaign.ID = uuid.NewString()
	}
	if campaign.Status == "" {
		campaign.Status = "draft"
	}

	if err := s.campaigns.Insert(r.Context(), schema, campaign); err != nil {
		s.sendQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

// authorizeTenant resolves the caller's tenant context and checks it against
// the organization in the URL. On success it returns the schema every query
// in the handler must run against: the target organization's for master
// callers, the caller's own otherwise.
func (s *Server) authorizeTenant(w http.ResponseWriter, r *http.Request) (tenancy.SchemaID, bool) {
	tc, err := s.resolver.Resolve(r.Context(), r)
	if err != nil {
		sendError(w, "Authentication failed", http.StatusInternalServerError)
		return tenancy.SchemaID{}, false
	}
	if tc == nil {
		sendError(w, "Authentication required", http.StatusUnauthorized)
		return tenancy.SchemaID{}, false
	}

	targetOrgID := mux.Vars(r)["org_id"]
	decision := s.validator.Validate(r.Context(), tc, targetOrgID, tenancy.AccessRequest{
		Method: r.Method,
		Path:   r.URL.Path,
	})
	if !decision.Allowed {
		sendError(w, decision.Reason, http.StatusForbidden)
		return tenancy.SchemaID{}, false
	}

	if targetOrgID == tc.OrganizationID {
		return tc.Schema, true
	}

	// Master acting on another tenant: route to that tenant's schema.
	org, err := s.orgs.GetByID(r.Context(), targetOrgID)
	if err != nil {
		if errors.Is(err, tenancy.ErrOrganizationNotFound) {
			sendError(w, "Organization not found", http.StatusNotFound)
		} else {
			sendError(w, "Organization lookup failed", http.StatusInternalServerError)
		}
		return tenancy.SchemaID{}, false
	}
	schema, err := tenancy.ResolveSchemaName(org.Slug)
	if err != nil {
		sendError(w, "Invalid organization slug", http.StatusInternalServerError)
		return tenancy.SchemaID{}, false
	}
	return schema, true
}

func (s *Server) requireMaster(w http.ResponseWriter, r *http.Request) (*tenancy.TenantContext, bool) {
	tc, err := s.resolver.Resolve(r.Context(), r)
	if err != nil {
		sendError(w, "Authentication failed", http.StatusInternalServerError)
		return nil, false
	}
	if tc == nil {
		sendError(w, "Authentication required", http.StatusUnauthorized)
		return nil, false
	}
	if !tc.IsMaster {
		sendError(w, tenancy.ReasonCrossTenant, http.StatusForbidden)
		return nil, false
	}
	return tc, true
}

func (s *Server) sendQueryError(w http.ResponseWriter, err error) {
	switch {
	case tenancy.IsTableMissing(err):
		sendError(w, "Tenant schema is out of date; run provisioning", http.StatusConflict)
	case tenancy.IsSchemaNotFound(err):
		sendError(w, "Tenant schema does not exist; run provisioning", http.StatusConflict)
	case tenancy.IsPermissionDenied(err):
		sendError(w, "Database permission denied", http.StatusForbidden)
	case tenancy.IsTimeout(err):
		sendError(w, "Query timed out", http.StatusGatewayTimeout)
	case tenancy.IsConnectionError(err):
		sendError(w, "Database unavailable", http.StatusServiceUnavailable)
	default:
		sendError(w, "Query failed", http.StatusInternalServerError)
	}
}

func rowString(row tenancy.Row, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}

func rowInt64(row tenancy.Row, key string) int64 {
	switch v := row[key].(type) {
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func sendError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
