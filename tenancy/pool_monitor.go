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
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"adwave/platform/shared/logger"
)

var promPoolConnections = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "adwave_tenancy_pool_connections",
		Help: "Connections per tenant schema pool by state (open, in_use, idle).",
	},
	[]string{"schema", "state"},
)

func init() {
	prometheus.MustRegister(promPoolConnections)
}

// PoolStats is a point-in-time snapshot of one schema pool.
type PoolStats struct {
	Schema            string        `json:"schema"`
	OpenConnections   int           `json:"open_connections"`
	InUse             int           `json:"in_use"`
	Idle              int           `json:"idle"`
	WaitCount         int64         `json:"wait_count"`
	WaitDuration      time.Duration `json:"-"`
	WaitDurationMS    int64         `json:"wait_duration_ms"`
	MaxOpen           int           `json:"max_open"`
	NearCapacity      bool          `json:"near_capacity"`
	ExcessiveWaiting  bool          `json:"excessive_waiting"`
	CreatedAt         time.Time     `json:"created_at"`
	MaxIdleClosed     int64         `json:"max_idle_closed"`
	MaxLifetimeClosed int64         `json:"max_lifetime_closed"`
}

// PoolHealth is the result of pinging one schema pool.
type PoolHealth struct {
	Schema    string        `json:"schema"`
	Healthy   bool          `json:"healthy"`
	Error     string        `json:"error,omitempty"`
	PingMS    int64         `json:"ping_ms"`
	CheckedAt time.Time     `json:"checked_at"`
	Latency   time.Duration `json:"-"`
}

// HealthReport aggregates one health sweep over every registered pool.
// Healthy reflects ping outcomes only; threshold crossings are reported as
// issues without marking the report unhealthy, since a busy pool still
// serves queries.
type HealthReport struct {
	Healthy   bool         `json:"healthy"`
	Pools     []PoolHealth `json:"pools"`
	Issues    []string     `json:"issues,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// PoolMonitor reports statistics and health for every registered schema
// pool. Health checks are independent per pool: one dead schema never marks
// its neighbors unhealthy.
type PoolMonitor struct {
	registry    *PoolRegistry
	cfg         Config
	log         *logger.Logger
	pingTimeout time.Duration
}

// NewPoolMonitor builds a monitor over the given registry.
func NewPoolMonitor(registry *PoolRegistry, cfg Config, log *logger.Logger) *PoolMonitor {
	if log == nil {
		log = logger.New("tenancy")
	}
	return &PoolMonitor{
		registry:    registry,
		cfg:         cfg,
		log:         log,
		pingTimeout: 2 * time.Second,
	}
}

// Stats snapshots every registered pool, sorted by schema name. It also
// refreshes the pool connection gauges, so scraping /metrics right after a
// stats call sees the same numbers.
func (m *PoolMonitor) Stats() []PoolStats {
	schemas := m.registry.Schemas()
	out := make([]PoolStats, 0, len(schemas))
	for _, schema := range schemas {
		pool := m.registry.Pool(schema)
		if pool == nil {
			continue
		}
		s := pool.DB.Stats()
		ps := PoolStats{
			Schema:            schema.String(),
			OpenConnections:   s.OpenConnections,
			InUse:             s.InUse,
			Idle:              s.Idle,
			WaitCount:         s.WaitCount,
			WaitDuration:      s.WaitDuration,
			WaitDurationMS:    s.WaitDuration.Milliseconds(),
			MaxOpen:           s.MaxOpenConnections,
			NearCapacity:      s.OpenConnections >= m.cfg.PoolTotalThreshold,
			ExcessiveWaiting:  s.WaitCount >= m.cfg.PoolWaitThreshold,
			CreatedAt:         pool.CreatedAt,
			MaxIdleClosed:     s.MaxIdleClosed,
			MaxLifetimeClosed: s.MaxLifetimeClosed,
		}
		promPoolConnections.WithLabelValues(ps.Schema, "open").Set(float64(s.OpenConnections))
		promPoolConnections.WithLabelValues(ps.Schema, "in_use").Set(float64(s.InUse))
		promPoolConnections.WithLabelValues(ps.Schema, "idle").Set(float64(s.Idle))
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Schema < out[j].Schema })
	return out
}

// HealthCheck pings every registered pool with a short per-pool timeout and
// aggregates the sweep. Checks are independent: one dead schema never marks
// its neighbors unhealthy.
func (m *PoolMonitor) HealthCheck(ctx context.Context) HealthReport {
	schemas := m.registry.Schemas()
	report := HealthReport{
		Healthy:   true,
		Pools:     make([]PoolHealth, 0, len(schemas)),
		CheckedAt: time.Now(),
	}
	for _, schema := range schemas {
		h := m.checkOne(ctx, schema)
		if !h.Healthy {
			report.Healthy = false
			report.Issues = append(report.Issues, fmt.Sprintf("%s: %s", h.Schema, h.Error))
		}
		report.Pools = append(report.Pools, h)
	}
	sort.Slice(report.Pools, func(i, j int) bool { return report.Pools[i].Schema < report.Pools[j].Schema })

	for _, ps := range m.Stats() {
		if ps.NearCapacity {
			report.Issues = append(report.Issues,
				fmt.Sprintf("%s: %d open connections at or above threshold %d",
					ps.Schema, ps.OpenConnections, m.cfg.PoolTotalThreshold))
		}
		if ps.ExcessiveWaiting {
			report.Issues = append(report.Issues,
				fmt.Sprintf("%s: %d waits at or above threshold %d",
					ps.Schema, ps.WaitCount, m.cfg.PoolWaitThreshold))
		}
	}
	return report
}

func (m *PoolMonitor) checkOne(ctx context.Context, schema SchemaID) PoolHealth {
	h := PoolHealth{Schema: schema.String(), CheckedAt: time.Now()}
	pool := m.registry.Pool(schema)
	if pool == nil {
		h.Error = "pool not registered"
		return h
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	defer cancel()

	start := time.Now()
	err := pool.DB.PingContext(pingCtx)
	h.Latency = time.Since(start)
	h.PingMS = h.Latency.Milliseconds()
	if err != nil {
		h.Error = err.Error()
		m.log.Warn("", "", "Schema pool failed health check", map[string]interface{}{
			"schema": h.Schema,
			"error":  h.Error,
		})
		return h
	}
	h.Healthy = true
	return h
}

// Run periodically refreshes stats and logs pools that cross the capacity or
// wait thresholds, until the context is canceled. Intended to be started as
// a goroutine at service boot.
func (m *PoolMonitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ps := range m.Stats() {
				if !ps.NearCapacity && !ps.ExcessiveWaiting {
					continue
				}
				m.log.Warn("", "", "Schema pool under pressure", map[string]interface{}{
					"schema":           ps.Schema,
					"open_connections": ps.OpenConnections,
					"in_use":           ps.InUse,
					"wait_count":       ps.WaitCount,
					"wait_ms":          ps.WaitDurationMS,
				})
			}
		}
	}
}
