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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseCacheKeyInputs() CacheKeyInputs {
	return CacheKeyInputs{
		Builder:           "go1.22",
		SrcTreeHash:       "sha256:abc",
		ToolchainIdentity: "go-toolchain",
		TargetArch:        "x86_64",
		Flags:             []string{"-trimpath"},
		BuildDeps:         []string{"libc6-dev"},
		Env:               map[string]string{"CGO_ENABLED": "0"},
		SDKVersion:        "1.22.0",
	}
}

func TestCacheKeyDeterministic(t *testing.T) {
	in := baseCacheKeyInputs()
	k1, err := in.Key()
	require.NoError(t, err)
	k2, err := in.Key()
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Contains(t, k1, "sha256:")
}

func TestCacheKeyInjectiveOverEachField(t *testing.T) {
	base := baseCacheKeyInputs()
	baseKey, err := base.Key()
	require.NoError(t, err)

	variants := []CacheKeyInputs{
		withBuilder(base, "go1.23"),
		withSrcTreeHash(base, "sha256:def"),
		withToolchainIdentity(base, "other-toolchain"),
		withTargetArch(base, "aarch64"),
		withFlags(base, []string{"-race"}),
		withBuildDeps(base, []string{"musl-dev"}),
		withEnv(base, map[string]string{"CGO_ENABLED": "1"}),
		withSDKVersion(base, "1.23.0"),
	}

	seen := map[string]bool{baseKey: true}
	for i, v := range variants {
		k, err := v.Key()
		require.NoError(t, err)
		assert.False(t, seen[k], "variant %d produced a colliding key", i)
		seen[k] = true
	}
}

func withBuilder(in CacheKeyInputs, v string) CacheKeyInputs           { in.Builder = v; return in }
func withSrcTreeHash(in CacheKeyInputs, v string) CacheKeyInputs       { in.SrcTreeHash = v; return in }
func withToolchainIdentity(in CacheKeyInputs, v string) CacheKeyInputs { in.ToolchainIdentity = v; return in }
func withTargetArch(in CacheKeyInputs, v string) CacheKeyInputs        { in.TargetArch = v; return in }
func withFlags(in CacheKeyInputs, v []string) CacheKeyInputs           { in.Flags = v; return in }
func withBuildDeps(in CacheKeyInputs, v []string) CacheKeyInputs       { in.BuildDeps = v; return in }
func withEnv(in CacheKeyInputs, v map[string]string) CacheKeyInputs    { in.Env = v; return in }
func withSDKVersion(in CacheKeyInputs, v string) CacheKeyInputs        { in.SDKVersion = v; return in }

func TestCacheKeyOrderIndependentAcrossEnvMapKeys(t *testing.T) {
	a := baseCacheKeyInputs()
	a.Env = map[string]string{"A": "1", "B": "2"}
	b := baseCacheKeyInputs()
	b.Env = map[string]string{"B": "2", "A": "1"}

	ka, err := a.Key()
	require.NoError(t, err)
	kb, err := b.Key()
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}
