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

package debloat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tundraforge/pkg/models"
)

func TestComputeIncludesBuiltInWhitelists(t *testing.T) {
	plan := Compute("default", models.DebloatConfig{}, nil)
	assert.Contains(t, plan.BinaryWhitelist, "systemd")
	assert.Contains(t, plan.UnitWhitelist, "runtime-init.service")
	assert.Contains(t, plan.UnitWhitelist, "secrets-ready.target")
}

func TestComputeUnionsExtraWhitelistsAndSorts(t *testing.T) {
	cfg := models.DebloatConfig{
		ExtraBinaryWhitelist: []string{"zzz-custom", "aaa-custom"},
	}
	plan := Compute("default", cfg, nil)
	assert.Contains(t, plan.BinaryWhitelist, "zzz-custom")
	assert.Contains(t, plan.BinaryWhitelist, "aaa-custom")
	assert.True(t, sort_IsSorted(plan.BinaryWhitelist))
}

func TestComputeDedupesAcrossDefaultAndExtra(t *testing.T) {
	cfg := models.DebloatConfig{ExtraBinaryWhitelist: []string{"systemd"}}
	plan := Compute("default", cfg, nil)
	count := 0
	for _, b := range plan.BinaryWhitelist {
		if b == "systemd" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestComputeAppliesOverrideFile(t *testing.T) {
	override := &OverrideFile{ExtraUnits: []string{"my-custom.service"}}
	plan := Compute("default", models.DebloatConfig{}, override)
	assert.Contains(t, plan.UnitWhitelist, "my-custom.service")
}

func TestComputeSortsPathsToRemove(t *testing.T) {
	cfg := models.DebloatConfig{ExtraPathsToRemove: []string{"/usr/share/man", "/usr/share/doc"}}
	plan := Compute("default", cfg, nil)
	require.Len(t, plan.PathsToRemove, 2)
	assert.Equal(t, "/usr/share/doc", plan.PathsToRemove[0])
}

func TestLoadOverrideFileParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "override.yaml")
	content := "extra_binaries:\n  - foo\nextra_units:\n  - bar.service\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	of, err := LoadOverrideFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"foo"}, of.ExtraBinaries)
	assert.Equal(t, []string{"bar.service"}, of.ExtraUnits)
}

func TestLoadOverrideFileMissingReturnsError(t *testing.T) {
	_, err := LoadOverrideFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func sort_IsSorted(s []string) bool {
	for i := 1; i < len(s); i++ {
		if s[i-1] > s[i] {
			return false
		}
	}
	return true
}
