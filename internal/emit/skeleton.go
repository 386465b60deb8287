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

package emit

import (
	"fmt"
	"path/filepath"
	"sort"

	"tundraforge/internal/initsystem"
	"tundraforge/internal/ir"
	"tundraforge/pkg/models"
)

// emitSkeleton writes the runtime-init script, runtime-init.service,
// secrets-ready.target, and one unit file per declared Service into
// mkosi.skeleton, which mkosi overlays onto the image root before
// packages install (spec.md §4.3/§4.6).
func emitSkeleton(profDir string, snap *ir.Snapshot) error {
	skelDir := filepath.Join(profDir, "mkosi.skeleton")

	script, serviceUnit, err := initsystem.Compose(snap.InitScripts)
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(skelDir, "usr", "bin", "runtime-init"), script, 0o755); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(skelDir, "usr", "lib", "systemd", "system", initsystem.RuntimeInitServiceName), serviceUnit, 0o644); err != nil {
		return err
	}

	readyTarget, err := initsystem.SecretsReadyTarget()
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(skelDir, "usr", "lib", "systemd", "system", initsystem.SecretsReadyTargetName), readyTarget, 0o644); err != nil {
		return err
	}

	names := make([]string, 0, len(snap.Services))
	for _, s := range snap.Services {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	byName := make(map[string]models.Service, len(snap.Services))
	for _, s := range snap.Services {
		byName[s.Name] = s
	}

	for _, name := range names {
		svc := byName[name]
		needsSecrets := containsString(svc.After, initsystem.SecretsReadyTargetName) ||
			containsString(svc.Requires, initsystem.SecretsReadyTargetName)
		ordered := initsystem.InjectServiceOrdering(svc, needsSecrets)
		unitBytes, err := initsystem.ServiceUnit(ordered)
		if err != nil {
			return err
		}
		unitName := fmt.Sprintf("%s.service", ordered.Name)
		if err := writeFile(filepath.Join(skelDir, "usr", "lib", "systemd", "system", unitName), unitBytes, 0o644); err != nil {
			return err
		}
	}

	return nil
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
