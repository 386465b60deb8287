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

package stub

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tundraforge/internal/backend"
	"tundraforge/internal/cache"
	"tundraforge/pkg/models"
)

func newTestCacheBuilder(t *testing.T) *cache.Builder {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	return &cache.Builder{Store: store}
}

func newTestRequest(t *testing.T, profile string) backend.BakeRequest {
	t.Helper()
	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "mkosi.conf"), []byte("[Distribution]\n"), 0o644))
	return backend.BakeRequest{
		Profile:    profile,
		ProjectDir: projectDir,
		OutputDir:  filepath.Join(t.TempDir(), "out"),
		Targets:    []models.OutputTarget{models.OutputQEMU},
	}
}

func TestExecuteWithoutPrepareFails(t *testing.T) {
	b := New(newTestCacheBuilder(t))
	req := newTestRequest(t, "default")

	_, err := b.Execute(context.Background(), req)
	assert.Error(t, err)
}

func TestPrepareThenExecuteProducesArtifact(t *testing.T) {
	b := New(newTestCacheBuilder(t))
	req := newTestRequest(t, "default")

	require.NoError(t, b.Prepare(context.Background(), req))
	res, err := b.Execute(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, models.OutputQEMU, res.Artifacts[0].Target)
	assert.Contains(t, res.Artifacts[0].Digest, "sha256:")

	data, err := os.ReadFile(res.Artifacts[0].Path)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestExecuteIsDeterministicForUnchangedTree(t *testing.T) {
	b := New(newTestCacheBuilder(t))
	req := newTestRequest(t, "default")
	require.NoError(t, b.Prepare(context.Background(), req))

	res1, err := b.Execute(context.Background(), req)
	require.NoError(t, err)
	res2, err := b.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, res1.Artifacts[0].Digest, res2.Artifacts[0].Digest)
}

func TestExecuteWithoutCacheFails(t *testing.T) {
	b := New(nil)
	req := newTestRequest(t, "default")
	require.NoError(t, b.Prepare(context.Background(), req))

	_, err := b.Execute(context.Background(), req)
	assert.Error(t, err)
}

func TestConcurrencySafeIsTrue(t *testing.T) {
	b := New(newTestCacheBuilder(t))
	assert.True(t, b.ConcurrencySafe())
}

func TestPrepareRejectsMissingProjectDir(t *testing.T) {
	b := New(newTestCacheBuilder(t))
	req := newTestRequest(t, "default")
	req.ProjectDir = filepath.Join(t.TempDir(), "does-not-exist")

	err := b.Prepare(context.Background(), req)
	assert.Error(t, err)
}
