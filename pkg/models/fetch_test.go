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
)

func TestFetchResolved(t *testing.T) {
	assert.False(t, Fetch{Kind: FetchGit, RequestedRef: "main"}.Resolved())
	assert.True(t, Fetch{Kind: FetchGit, RequestedRef: "main", ResolvedRef: "abc123"}.Resolved())
	assert.False(t, Fetch{Kind: FetchHTTP, URL: "https://example.invalid/x.tar.gz"}.Resolved())
	assert.True(t, Fetch{Kind: FetchHTTP, Integrity: "sha256:deadbeef"}.Resolved())
	assert.True(t, Fetch{Kind: FetchHTTP, CapturedFinalURL: "https://example.invalid/x.tar.gz"}.Resolved())
}

func TestFetchMutableRef(t *testing.T) {
	cases := []struct {
		name string
		f    Fetch
		want bool
	}{
		{"commit sha is immutable", Fetch{Kind: FetchGit, RequestedRef: "abc123def456"}, false},
		{"main is mutable", Fetch{Kind: FetchGit, RequestedRef: "main"}, true},
		{"master is mutable", Fetch{Kind: FetchGit, RequestedRef: "master"}, true},
		{"HEAD is mutable", Fetch{Kind: FetchGit, RequestedRef: "HEAD"}, true},
		{"tag ref is immutable", Fetch{Kind: FetchGit, RequestedRef: "refs/tags/v1.4.0"}, false},
		{"arbitrary branch is mutable", Fetch{Kind: FetchGit, RequestedRef: "feature/x"}, true},
		{"http fetches are never mutable refs", Fetch{Kind: FetchHTTP, RequestedRef: "main"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.f.MutableRef())
		})
	}
}
