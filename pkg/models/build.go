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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// BuildKind selects which toolchain-specific fields of a BuildSpec
// apply. BuildSpec is a tagged variant; the emitter dispatches on Kind
// to a per-variant script-fragment generator.
type BuildKind string

const (
	BuildGo     BuildKind = "go"
	BuildRust   BuildKind = "rust"
	BuildDotNet BuildKind = "dotnet"
	BuildC      BuildKind = "c"
	BuildScript BuildKind = "script"
)

// Valid reports whether k is a recognized build kind.
func (k BuildKind) Valid() bool {
	switch k {
	case BuildGo, BuildRust, BuildDotNet, BuildC, BuildScript:
		return true
	default:
		return false
	}
}

// SourceKind distinguishes a local on-disk source tree from one that
// must be resolved through a Fetch before the build can run.
type SourceKind string

const (
	SourceLocal SourceKind = "local"
	SourceFetch SourceKind = "fetch"
)

// Source names where a BuildSpec's source tree comes from.
type Source struct {
	Kind  SourceKind
	Local string // path, when Kind == SourceLocal
	Fetch *Fetch // resolved/unresolved fetch, when Kind == SourceFetch
}

// BuildSpec declares a single build-from-source artifact produced
// during the build phase and installed into the image.
type BuildSpec struct {
	Name             string
	Kind             BuildKind
	Source           Source
	Output           string // install path inside the image
	ToolchainIdentity string
	TargetArch       string
	Flags            []string
	BuildDeps        []string
	Env              map[string]string
	// Artifacts maps a path produced under $BUILDDIR to its install
	// path inside the image (relative to $DESTDIR).
	Artifacts map[string]string

	// Go-specific.
	LDFlags string

	// Rust-specific.
	Features []string

	// .NET-specific.
	SDKVersion     string
	SelfContained  bool
	Project        string
}

// CacheKeyInputs is the subset of a BuildSpec (plus the resolved
// source tree hash and builder identity) that determines its cache
// key, per spec.md §4.4. Field order here is documentation only; the
// actual key is derived from a canonical JSON encoding so it is
// injective over these inputs regardless of struct field order.
type CacheKeyInputs struct {
	Builder           string
	SrcTreeHash       string
	ToolchainIdentity string
	TargetArch        string
	Flags             []string
	BuildDeps         []string
	Env               map[string]string
	SDKVersion        string
}

// Key derives the cache key spec.md §4.4 describes: "sha256:<hex>" over
// the canonical JSON encoding of in's fields. json.Marshal on a Go map
// already iterates Env's keys in sorted order, so the only thing this
// needs to get right is encoding the struct as-is: Flags and BuildDeps
// are left in the caller's declared order since, unlike packages, flag
// order can change what actually gets built. Two CacheKeyInputs values
// that differ in any field produce different keys (spec.md §8 invariant
// 7).
func (in CacheKeyInputs) Key() (string, error) {
	encoded, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
