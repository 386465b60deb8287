// TundraForge compiles declarative TDX confidential-VM image recipes
// into deterministic mkosi build trees.

// Copyright (C) 2026 The TundraForge Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus collectors for the pipeline
// stages that matter operationally: policy decisions, cache
// lookups, lock resolutions, and bake duration. Each Registry wraps
// its own *prometheus.Registry (never the global default) so that
// more than one Image/pipeline can run in the same process without
// collector collisions, following the teacher's "explicit logger, no
// globals" discipline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector this package exposes.
type Registry struct {
	reg *prometheus.Registry

	policyDecisions *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	lockResolutions *prometheus.CounterVec
	bakeDuration    *prometheus.HistogramVec
}

// New constructs a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		policyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_policy_decisions_total",
			Help: "Count of policy engine decisions by operation and outcome.",
		}, []string{"operation", "decision"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_cache_lookups_total",
			Help: "Count of cache lookups by result (hit, miss, mismatch).",
		}, []string{"result"}),
		lockResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_lock_resolutions_total",
			Help: "Count of lockfile external-input resolutions by kind and result.",
		}, []string{"kind", "result"}),
		bakeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forge_bake_duration_seconds",
			Help:    "Duration of a profile bake by profile and output target.",
			Buckets: prometheus.DefBuckets,
		}, []string{"profile", "target"}),
	}

	reg.MustRegister(r.policyDecisions, r.cacheLookups, r.lockResolutions, r.bakeDuration)
	return r
}

// Handler returns an HTTP handler exposing this Registry's metrics in
// the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObservePolicyDecision records one policy gate outcome.
func (r *Registry) ObservePolicyDecision(operation, decision string) {
	r.policyDecisions.WithLabelValues(operation, decision).Inc()
}

// CacheResult names the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit      CacheResult = "hit"
	CacheMiss     CacheResult = "miss"
	CacheMismatch CacheResult = "mismatch"
)

// ObserveCacheLookup records one cache lookup outcome.
func (r *Registry) ObserveCacheLookup(result CacheResult) {
	r.cacheLookups.WithLabelValues(string(result)).Inc()
}

// ObserveLockResolution records one external-input resolution outcome.
func (r *Registry) ObserveLockResolution(kind, result string) {
	r.lockResolutions.WithLabelValues(kind, result).Inc()
}

// ObserveBakeDuration records how long baking one profile/target pair took.
func (r *Registry) ObserveBakeDuration(profile, target string, d time.Duration) {
	r.bakeDuration.WithLabelValues(profile, target).Observe(d.Seconds())
}
