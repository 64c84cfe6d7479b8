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
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"adwave/platform/shared/logger"
	"adwave/platform/shared/secrets"
	"adwave/platform/tenancy"
)

// Server holds the wired platform components.
type Server struct {
	cfg       tenancy.Config
	log       *logger.Logger
	db        *sql.DB
	registry  *tenancy.PoolRegistry
	executor  *tenancy.Executor
	resolver  *tenancy.ContextResolver
	validator *tenancy.AccessValidator
	provision *tenancy.Provisioner
	audit     *tenancy.ProvisioningAuditLog
	monitor   *tenancy.PoolMonitor
	orgs      *tenancy.OrgDirectory
	campaigns *tenancy.Repository[Campaign]
}

// Run wires the tenancy platform and serves HTTP until SIGINT or SIGTERM.
//
// Environment variables:
//
//	PORT                 - HTTP server port (default: 8090)
//	DATABASE_URL         - PostgreSQL connection string
//	DATABASE_HOST etc.   - composed into a DSN when DATABASE_URL is unset
//	DATABASE_SECRET_ARN  - AWS Secrets Manager ARN overriding both of the above
//	JWT_SECRET           - HS256 signing secret for API tokens
//	REDIS_URL            - optional organization cache
func Run() {
	log := logger.New("platform")

	cfg, err := tenancy.LoadConfigFromEnv()
	if err != nil {
		log.Error("", "", "Invalid configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	ctx := context.Background()

	// A managed database secret takes precedence over env-composed DSNs so
	// rotations never require a redeploy.
	if arn := os.Getenv("DATABASE_SECRET_ARN"); arn != "" {
		mgr, err := secrets.NewManager(ctx, secrets.Options{Region: os.Getenv("AWS_REGION")})
		if err != nil {
			log.Error("", "", "Failed to initialize secrets manager", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		dsn, err := mgr.DatabaseURL(ctx, arn)
		if err != nil {
			log.Error("", "", "Failed to resolve database secret", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		cfg.DatabaseURL = dsn
	}

	if cfg.DatabaseURL == "" {
		log.Error("", "", "DATABASE_URL is required", nil)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error("", "", "Failed to open database", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	if err := db.PingContext(ctx); err != nil {
		log.Error("", "", "Failed to ping database", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	var cache *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Warn("", "", "Invalid REDIS_URL, organization cache disabled", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			cache = redis.NewClient(opts)
			if err := cache.Ping(ctx).Err(); err != nil {
				log.Warn("", "", "Redis unreachable, organization cache disabled", map[string]interface{}{
					"error": err.Error(),
				})
				cache = nil
			}
		}
	}

	srv, err := newServer(cfg, log, db, cache)
	if err != nil {
		log.Error("", "", "Failed to wire platform", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	go srv.monitor.Run(monitorCtx, 30*time.Second)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      c.Handler(srv.routes()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("", "", fmt.Sprintf("AdWave platform listening on port %s", port), nil)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("", "", "HTTP server failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("", "", "Shutting down", nil)
	cancelMonitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("", "", "Forced shutdown", map[string]interface{}{"error": err.Error()})
	}

	srv.registry.CloseAll()
	if err := db.Close(); err != nil {
		log.Warn("", "", "Error closing shared pool", map[string]interface{}{"error": err.Error()})
	}
	if cache != nil {
		_ = cache.Close()
	}
}

func newServer(cfg tenancy.Config, log *logger.Logger, db *sql.DB, cache *redis.Client) (*Server, error) {
	registry := tenancy.NewPoolRegistry(cfg, logger.New("pool-registry"))
	executor := tenancy.NewExecutor(registry, cfg, logger.New("executor"))
	orgs := tenancy.NewOrgDirectory(db, cache, logger.New("org-directory"))
	audit := tenancy.NewProvisioningAuditLog(db, logger.New("provisioning-audit"))

	provisioner, err := tenancy.NewProvisioner(db, audit, cfg, logger.New("provisioner"))
	if err != nil {
		return nil, err
	}

	identity := tenancy.NewJWTIdentityService([]byte(os.Getenv("JWT_SECRET")))
	resolver := tenancy.NewContextResolver(identity, orgs, logger.New("context-resolver"))
	validator := tenancy.NewAccessValidator(db, logger.New("access-validator"))
	monitor := tenancy.NewPoolMonitor(registry, cfg, logger.New("pool-monitor"))

	return &Server{
		cfg:       cfg,
		log:       log,
		db:        db,
		registry:  registry,
		executor:  executor,
		resolver:  resolver,
		validator: validator,
		provision: provisioner,
		audit:     audit,
		monitor:   monitor,
		orgs:      orgs,
		campaigns: tenancy.NewRepository(executor, campaignMapping),
	}, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Admin surface: pool introspection and provisioning. Master-only.
	r.HandleFunc("/admin/pools", s.poolStatsHandler).Methods("GET")
	r.HandleFunc("/admin/pools/health", s.poolHealthHandler).Methods("GET")
	r.HandleFunc("/admin/organizations/{slug}/provision", s.provisionHandler).Methods("POST")
	r.HandleFunc("/admin/organizations/{org_id}/provisioning/status", s.provisioningStatusHandler).Methods("GET")
	r.HandleFunc("/admin/organizations/{org_id}/access-log", s.accessLogHandler).Methods("GET")

	// Tenant data surface.
	r.HandleFunc("/api/organizations/{org_id}/campaigns", s.listCampaignsHandler).Methods("GET")
	r.HandleFunc("/api/organizations/{org_id}/campaigns", s.createCampaignHandler).Methods("POST")
	r.HandleFunc("/api/organizations/{org_id}/campaigns/{id}", s.getCampaignHandler).Methods("GET")

	return r
}
