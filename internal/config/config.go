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

// Package config holds environment-driven process defaults for the
// cache root, default policy knobs, and the metrics bind address —
// the ambient settings a host program wires up once, separate from
// the per-recipe declarations in pkg/recipe.
package config

import (
	"fmt"
	"os"
	"strconv"

	"tundraforge/internal/policy"
)

// Config is the process-wide configuration a cmd/tundraforge-style
// host program loads once at startup.
type Config struct {
	// CacheRoot is where internal/cache.Store and internal/cache.Index
	// keep the content-addressed build artifact store.
	CacheRoot string

	// DefaultNetworkMode seeds policy.Policy.NetworkMode for any Image
	// that does not override it explicitly.
	DefaultNetworkMode policy.NetworkMode

	// DefaultMutableRefPolicy seeds policy.Policy.MutableRefPolicy.
	DefaultMutableRefPolicy policy.MutableRefPolicy

	// DefaultRequireIntegrity seeds policy.Policy.RequireIntegrity.
	DefaultRequireIntegrity bool

	// MetricsBindAddr is where internal/metrics exposes its
	// /metrics endpoint, when a host program chooses to serve one.
	MetricsBindAddr string
}

// Defaults returns the conservative process defaults.
func Defaults() Config {
	return Config{
		CacheRoot:               "/var/lib/tundraforge/cache",
		DefaultNetworkMode:      policy.NetworkOnline,
		DefaultMutableRefPolicy: policy.MutableRefWarn,
		DefaultRequireIntegrity: true,
		MetricsBindAddr:         "127.0.0.1:9464",
	}
}

// LoadFromEnv returns Defaults() with any of the following
// environment variables overriding their corresponding field:
// TUNDRAFORGE_CACHE_ROOT, TUNDRAFORGE_NETWORK_MODE,
// TUNDRAFORGE_MUTABLE_REF_POLICY, TUNDRAFORGE_REQUIRE_INTEGRITY,
// TUNDRAFORGE_METRICS_ADDR.
func LoadFromEnv() (Config, error) {
	cfg := Defaults()

	if v := os.Getenv("TUNDRAFORGE_CACHE_ROOT"); v != "" {
		cfg.CacheRoot = v
	}

	if v := os.Getenv("TUNDRAFORGE_NETWORK_MODE"); v != "" {
		mode := policy.NetworkMode(v)
		switch mode {
		case policy.NetworkOnline, policy.NetworkOffline, policy.NetworkLocked:
			cfg.DefaultNetworkMode = mode
		default:
			return cfg, fmt.Errorf("invalid TUNDRAFORGE_NETWORK_MODE: %q", v)
		}
	}

	if v := os.Getenv("TUNDRAFORGE_MUTABLE_REF_POLICY"); v != "" {
		p := policy.MutableRefPolicy(v)
		switch p {
		case policy.MutableRefWarn, policy.MutableRefError, policy.MutableRefAllow:
			cfg.DefaultMutableRefPolicy = p
		default:
			return cfg, fmt.Errorf("invalid TUNDRAFORGE_MUTABLE_REF_POLICY: %q", v)
		}
	}

	if v := os.Getenv("TUNDRAFORGE_REQUIRE_INTEGRITY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid TUNDRAFORGE_REQUIRE_INTEGRITY value: %w", err)
		}
		cfg.DefaultRequireIntegrity = b
	}

	if v := os.Getenv("TUNDRAFORGE_METRICS_ADDR"); v != "" {
		cfg.MetricsBindAddr = v
	}

	return cfg, cfg.Validate()
}

// Validate aggregates every field-level constraint this package
// enforces, returning the first violation found.
func (c Config) Validate() error {
	if c.CacheRoot == "" {
		return fmt.Errorf("cache root cannot be empty")
	}
	switch c.DefaultNetworkMode {
	case policy.NetworkOnline, policy.NetworkOffline, policy.NetworkLocked:
	default:
		return fmt.Errorf("invalid default network mode %q", c.DefaultNetworkMode)
	}
	switch c.DefaultMutableRefPolicy {
	case policy.MutableRefWarn, policy.MutableRefError, policy.MutableRefAllow:
	default:
		return fmt.Errorf("invalid default mutable ref policy %q", c.DefaultMutableRefPolicy)
	}
	if c.MetricsBindAddr == "" {
		return fmt.Errorf("metrics bind address cannot be empty")
	}
	return nil
}

// Policy builds a *policy.Policy seeded from this Config's defaults.
func (c Config) Policy() *policy.Policy {
	p := policy.Default()
	p.NetworkMode = c.DefaultNetworkMode
	p.MutableRefPolicy = c.DefaultMutableRefPolicy
	p.RequireIntegrity = c.DefaultRequireIntegrity
	return p
}
