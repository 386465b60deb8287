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

// Package policy is the central gate consulted at every
// side-effecting operation, per spec.md §4.5. It never performs I/O
// itself; it only decides whether an operation may proceed and logs
// why.
package policy

import (
	"log"

	"tundraforge/internal/forgeerr"
	"tundraforge/internal/metrics"
	"tundraforge/pkg/models"
)

// MutableRefPolicy controls how a non-pinned git ref is handled.
type MutableRefPolicy string

const (
	MutableRefWarn  MutableRefPolicy = "warn"
	MutableRefError MutableRefPolicy = "error"
	MutableRefAllow MutableRefPolicy = "allow"
)

// NetworkMode controls whether and how network access is permitted.
type NetworkMode string

const (
	NetworkOnline  NetworkMode = "online"
	NetworkOffline NetworkMode = "offline"
	NetworkLocked  NetworkMode = "locked"
)

// Policy holds every knob spec.md §4.5 describes.
type Policy struct {
	RequireFrozenLock bool
	MutableRefPolicy  MutableRefPolicy
	RequireIntegrity  bool
	NetworkMode       NetworkMode

	Logger  *log.Logger
	Metrics *metrics.Registry

	// LockedURLs is consulted when NetworkMode == NetworkLocked: only
	// URLs present here may be fetched even if a network round-trip
	// is otherwise permitted.
	LockedURLs map[string]bool
}

// Default returns the conservative default policy: frozen locks not
// required, mutable refs warn, integrity required, network online.
func Default() *Policy {
	return &Policy{
		RequireFrozenLock: false,
		MutableRefPolicy:  MutableRefWarn,
		RequireIntegrity:  true,
		NetworkMode:       NetworkOnline,
		Logger:            log.Default(),
		LockedURLs:        make(map[string]bool),
	}
}

func (p *Policy) logDecision(operation, option, decision, reason string) {
	if p.Logger != nil {
		p.Logger.Printf("policy operation=%s option=%s decision=%s reason=%q", operation, option, decision, reason)
	}
	if p.Metrics != nil {
		p.Metrics.ObservePolicyDecision(operation, decision)
	}
}

// CheckBakeFrozen enforces require_frozen_lock: a non-frozen bake is
// rejected outright when the policy demands frozen bakes.
func (p *Policy) CheckBakeFrozen(frozen bool) error {
	if p.RequireFrozenLock && !frozen {
		p.logDecision("bake", "require_frozen_lock", "deny", "policy requires frozen=true")
		return forgeerr.New(forgeerr.CodePolicy, "bake").WithHint("policy requires frozen=true")
	}
	p.logDecision("bake", "require_frozen_lock", "allow", "")
	return nil
}

// CheckFetch validates one Fetch against require_integrity,
// mutable_ref_policy, and network_mode before it is resolved.
func (p *Policy) CheckFetch(f models.Fetch) error {
	if f.Kind == models.FetchHTTP && p.RequireIntegrity && f.Integrity == "" {
		p.logDecision("fetch", "require_integrity", "deny", "http fetch without integrity: "+f.URL)
		return forgeerr.New(forgeerr.CodePolicy, "fetch").WithHint("require_integrity is set; declare Integrity for " + f.URL)
	}

	if f.Kind == models.FetchGit && f.MutableRef() {
		switch p.MutableRefPolicy {
		case MutableRefError:
			p.logDecision("fetch", "mutable_ref_policy", "deny", "mutable ref: "+f.RequestedRef)
			return forgeerr.New(forgeerr.CodePolicy, "fetch").WithHint("mutable_ref_policy=error rejects ref " + f.RequestedRef)
		case MutableRefWarn:
			p.logDecision("fetch", "mutable_ref_policy", "warn", "mutable ref: "+f.RequestedRef)
		case MutableRefAllow:
			p.logDecision("fetch", "mutable_ref_policy", "allow", "mutable ref: "+f.RequestedRef)
		}
	}

	if err := p.CheckNetwork(f.URL); err != nil {
		return err
	}

	p.logDecision("fetch", "network_mode", "allow", f.URL)
	return nil
}

// CheckNetwork validates that fetching url is permitted by
// network_mode.
func (p *Policy) CheckNetwork(url string) error {
	switch p.NetworkMode {
	case NetworkOffline:
		p.logDecision("network", "network_mode", "deny", "offline forbids all network: "+url)
		return forgeerr.New(forgeerr.CodePolicy, "network").WithHint("network_mode=offline forbids fetching " + url)
	case NetworkLocked:
		if !p.LockedURLs[url] {
			p.logDecision("network", "network_mode", "deny", "locked: url not in lockfile: "+url)
			return forgeerr.New(forgeerr.CodePolicy, "network").WithHint("network_mode=locked permits only URLs already in the lockfile; " + url + " is not")
		}
	}
	return nil
}
