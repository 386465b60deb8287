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

// FetchKind distinguishes a plain HTTP(S) download from a git checkout.
type FetchKind string

const (
	FetchHTTP FetchKind = "http"
	FetchGit  FetchKind = "git"
)

// Fetch names one external input (a tarball, a git tree, a keyring)
// and, once lock() has run, the resolved pin that makes rebuilding it
// deterministic. An unresolved Fetch cannot be emitted into a frozen
// bake.
type Fetch struct {
	Kind FetchKind
	URL  string

	// Integrity pins the content. For Kind == FetchHTTP this is an
	// "<alg>:<hex>" digest (sha256 or blake2b-256). For Kind ==
	// FetchGit it is optional and, if present, must match the
	// resolved tree hash.
	Integrity string

	// RequestedRef is the git ref the caller asked for (branch, tag,
	// or commit SHA). Only meaningful for Kind == FetchGit.
	RequestedRef string

	// Resolved fields are populated by lock(); zero value means
	// unresolved.
	ResolvedRef       string // resolved commit SHA, for git
	ResolvedTreeHash  string // resolved tree hash, for git
	CapturedFinalURL  string // final URL after redirects, for http
}

// Resolved reports whether this Fetch carries a usable pin: a
// resolved commit for git, or any value at all for http (http fetches
// are pinned by Integrity, which is required up front when the policy
// demands it).
func (f Fetch) Resolved() bool {
	switch f.Kind {
	case FetchGit:
		return f.ResolvedRef != ""
	case FetchHTTP:
		return f.CapturedFinalURL != "" || f.Integrity != ""
	default:
		return false
	}
}

// MutableRef reports whether RequestedRef names something other than
// a commit SHA or an annotated/lightweight tag — i.e. a branch,
// "HEAD", "main", or "master" — which the policy engine's
// mutable_ref_policy gates.
func (f Fetch) MutableRef() bool {
	if f.Kind != FetchGit {
		return false
	}
	ref := f.RequestedRef
	if isHexCommit(ref) {
		return false
	}
	switch ref {
	case "HEAD", "main", "master":
		return true
	}
	// Anything else without a resolved commit is treated as a
	// potentially-mutable branch name unless it was already resolved
	// to a specific tag by the caller's tooling; refs/tags/* style
	// names are allowed through as immutable by convention.
	return !hasTagPrefix(ref)
}

func isHexCommit(s string) bool {
	if len(s) < 7 || len(s) > 40 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

func hasTagPrefix(ref string) bool {
	const prefix = "refs/tags/"
	return len(ref) > len(prefix) && ref[:len(prefix)] == prefix
}

// Repository describes one package source the image base pulls from.
type Repository struct {
	URL            string
	Suite          string
	Components     []string
	KeyringSource  string // local path, or a Fetch URL
	KeyringFetch   *Fetch
}
