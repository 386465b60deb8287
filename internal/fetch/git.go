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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"tundraforge/internal/forgeerr"
	"tundraforge/pkg/models"
)

// GitResolver resolves a git Fetch's RequestedRef to a concrete commit
// SHA. git itself is an external collaborator this library shells out
// to, the same way the mkosi/package-manager contracts are external —
// no Go git implementation is vendored.
type GitResolver interface {
	ResolveRef(ctx context.Context, url, ref string) (commit string, err error)
}

// execGitResolver is the default GitResolver, backed by `git
// ls-remote`.
type execGitResolver struct{}

// DefaultGitResolver returns the exec.Command-backed GitResolver used
// unless a recipe wires a test double.
func DefaultGitResolver() GitResolver { return execGitResolver{} }

func (execGitResolver) ResolveRef(ctx context.Context, url, ref string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-remote", url, ref)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", forgeerr.New(forgeerr.CodeLockfile, "fetch.git").
			WithHint(fmt.Sprintf("git ls-remote %s %s", url, ref)).Wrap(err)
	}

	scanner := bufio.NewScanner(&out)
	if scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) > 0 {
			return fields[0], nil
		}
	}
	return "", forgeerr.New(forgeerr.CodeLockfile, "fetch.git").
		WithHint(fmt.Sprintf("ref %s not found at %s", ref, url))
}

// ResolveGit resolves f (which must have Kind == FetchGit) using r,
// returning a copy of f with ResolvedRef populated. ResolvedTreeHash
// is left for the backend to fill in once it has actually checked the
// tree out, since computing a git tree hash without a local clone
// requires the same network round trip a backend does anyway.
func ResolveGit(ctx context.Context, r GitResolver, f models.Fetch) (models.Fetch, error) {
	if f.Kind != models.FetchGit {
		return f, forgeerr.New(forgeerr.CodeLockfile, "fetch.git").
			WithHint(fmt.Sprintf("resolver invoked on non-git fetch %q", f.Kind))
	}
	commit, err := r.ResolveRef(ctx, f.URL, f.RequestedRef)
	if err != nil {
		return f, err
	}
	out := f
	out.ResolvedRef = commit
	return out, nil
}
