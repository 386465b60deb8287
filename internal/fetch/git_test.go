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

package fetch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tundraforge/pkg/models"
)

type fakeGitResolver struct {
	commit string
	err    error
}

func (f fakeGitResolver) ResolveRef(ctx context.Context, url, ref string) (string, error) {
	return f.commit, f.err
}

func TestResolveGitPopulatesResolvedRef(t *testing.T) {
	r := fakeGitResolver{commit: "abc123def456"}
	f := models.Fetch{Kind: models.FetchGit, URL: "https://example.invalid/repo.git", RequestedRef: "v1.0.0"}

	resolved, err := ResolveGit(context.Background(), r, f)
	require.NoError(t, err)
	assert.Equal(t, "abc123def456", resolved.ResolvedRef)
	assert.Equal(t, "v1.0.0", resolved.RequestedRef)
}

func TestResolveGitPropagatesResolverError(t *testing.T) {
	r := fakeGitResolver{err: errors.New("ref not found")}
	f := models.Fetch{Kind: models.FetchGit, URL: "https://example.invalid/repo.git", RequestedRef: "missing"}

	_, err := ResolveGit(context.Background(), r, f)
	assert.Error(t, err)
}

func TestResolveGitRejectsNonGitFetchKind(t *testing.T) {
	r := fakeGitResolver{commit: "abc123"}
	f := models.Fetch{Kind: models.FetchHTTP, URL: "https://example.invalid/x.tar.gz"}

	_, err := ResolveGit(context.Background(), r, f)
	assert.Error(t, err)
}
