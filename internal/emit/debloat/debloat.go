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

// Package debloat plans the finalize-phase removal pass that strips
// binaries, systemd units, and paths not needed by a minimal confidential
// VM guest (spec.md §4.3). The built-in allowlists are small and
// conservative; ExtraBinaryWhitelist/ExtraUnitWhitelist only ever grow
// them, and can also be supplied in bulk from a YAML override file.
package debloat

import (
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"tundraforge/internal/forgeerr"
	"tundraforge/pkg/models"
)

// defaultBinaryWhitelist names binaries a minimal TDX guest init needs
// regardless of what the recipe installs (spec.md §4.3).
var defaultBinaryWhitelist = []string{
	"journalctl", "systemctl", "systemd", "systemd-tty-ask-password-agent",
}

// defaultUnitWhitelist names systemd units kept regardless of recipe
// content (spec.md §4.3), plus runtime-init.service and
// secrets-ready.target which this library synthesizes itself and which
// a recipe-agnostic prune pass must never strip.
var defaultUnitWhitelist = []string{
	"basic.target", "local-fs-pre.target", "local-fs.target", "minimal.target",
	"network-online.target", "slices.target", "sockets.target", "sysinit.target",
	"systemd-journald-dev-log.socket", "systemd-journald.service", "systemd-journald.socket",
	"systemd-remount-fs.service", "systemd-sysctl.service",
	"runtime-init.service", "secrets-ready.target",
}

// Plan is the computed set of removals for one profile.
type Plan struct {
	Profile          string
	BinaryWhitelist  []string
	UnitWhitelist    []string
	PathsToRemove    []string
}

// OverrideFile is the optional YAML document a recipe can point
// DebloatConfig at to extend the allowlists in bulk instead of listing
// every entry inline in Go.
type OverrideFile struct {
	ExtraBinaries []string `yaml:"extra_binaries"`
	ExtraUnits    []string `yaml:"extra_units"`
}

// LoadOverrideFile parses path as a debloat OverrideFile.
func LoadOverrideFile(path string) (*OverrideFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, forgeerr.New(forgeerr.CodeValidation, "debloat.override").Wrap(err)
	}
	var of OverrideFile
	if err := yaml.Unmarshal(data, &of); err != nil {
		return nil, forgeerr.New(forgeerr.CodeValidation, "debloat.override").Wrap(err)
	}
	return &of, nil
}

// Compute builds the removal Plan for one profile's DebloatConfig. It
// never removes anything outright when Explain is set — the caller is
// expected to print the plan instead of applying it.
func Compute(profile string, cfg models.DebloatConfig, override *OverrideFile) Plan {
	binaries := unionSorted(defaultBinaryWhitelist, cfg.ExtraBinaryWhitelist)
	units := unionSorted(defaultUnitWhitelist, cfg.ExtraUnitWhitelist)
	if override != nil {
		binaries = unionSorted(binaries, override.ExtraBinaries)
		units = unionSorted(units, override.ExtraUnits)
	}

	paths := append([]string(nil), cfg.ExtraPathsToRemove...)
	sort.Strings(paths)

	return Plan{
		Profile:         profile,
		BinaryWhitelist: binaries,
		UnitWhitelist:   units,
		PathsToRemove:   paths,
	}
}

func unionSorted(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, s := range append(append([]string{}, base...), extra...) {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
