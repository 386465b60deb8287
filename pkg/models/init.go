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

package models

// InitScript is one prioritized boot-time step contributed by a
// recipe or a module. The init subsystem composes all of a profile's
// InitScripts, sorted by (Priority, ID), into a single runtime-init
// service.
type InitScript struct {
	ID                   string
	Priority             int
	ExecutablePathInImage string

	// Preconditions are other step IDs that must have already run;
	// IR normalization rejects any that is not a declared step ID (the
	// order of the referenced steps is not checked).
	Preconditions []string

	// ProvidesSecretMaterial marks this step as one that the secrets
	// delivery machinery depends on reaching secrets-ready.target
	// before; see spec.md §4.6.
	ProvidesSecretMaterial bool

	// AfterPhase optionally names the build-time phase whose output
	// this step depends on (e.g. a step that reads a file only the
	// build phase produces). Empty means no phase dependency. Since
	// Boot is the only runtime phase and every init step runs in Boot,
	// AfterPhase must name a strictly earlier phase.
	AfterPhase Phase
}

// SecretsDeliveryMethod selects how the secrets delivery state machine
// decides it has everything it needs.
type SecretsDeliveryMethod string

const (
	// SecretsDeliveryAllRequired transitions to COMPLETE once every
	// required secret has a validated value. When any secret is
	// declared, at least one must be required; a profile that declares
	// no secrets is accepted.
	SecretsDeliveryAllRequired SecretsDeliveryMethod = "all_required"
)

// SecretsDeliveryConfig configures the runtime secrets HTTP endpoint.
type SecretsDeliveryConfig struct {
	Method SecretsDeliveryMethod

	BindAddr       string // default "0.0.0.0:8081"
	Path           string // default "/secrets"
	RejectUnknown  bool
}

// DefaultSecretsDeliveryConfig returns the spec.md §4.6/§6 defaults.
func DefaultSecretsDeliveryConfig() SecretsDeliveryConfig {
	return SecretsDeliveryConfig{
		Method:        SecretsDeliveryAllRequired,
		BindAddr:      "0.0.0.0:8081",
		Path:          "/secrets",
		RejectUnknown: true,
	}
}
