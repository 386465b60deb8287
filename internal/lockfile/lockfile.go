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

// Package lockfile reads and writes the TOML lockfile (tdx.lock) that
// pins every external input a recipe resolves through lock(): the
// recipe digest it was generated against, resolved HTTP/git fetches,
// and resolved kernel OCI references.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"tundraforge/internal/forgeerr"
	"tundraforge/pkg/models"
)

// Version is the lockfile schema version this package reads and writes.
const Version = 1

// File is the root TOML document.
type File struct {
	Version      int           `toml:"version"`
	RecipeDigest string        `toml:"recipe_digest"`
	HTTP         []HTTPEntry   `toml:"http"`
	Git          []GitEntry    `toml:"git"`
	OCI          []OCIEntry    `toml:"oci"`
}

// HTTPEntry pins one http(s) Fetch.
type HTTPEntry struct {
	URL        string `toml:"url"`
	Integrity  string `toml:"integrity"`
	FinalURL   string `toml:"final_url"`
}

// GitEntry pins one git Fetch.
type GitEntry struct {
	URL          string `toml:"url"`
	RequestedRef string `toml:"requested_ref"`
	ResolvedRef  string `toml:"resolved_ref"`
	TreeHash     string `toml:"tree_hash,omitempty"`
}

// OCIEntry pins one OCI-resolved KernelSpec.
type OCIEntry struct {
	Ref    string `toml:"ref"`
	Digest string `toml:"digest"`
}

// Load parses the lockfile at path. A missing file is reported as a
// plain *PathError so callers (bake --frozen) can distinguish "never
// locked" from "lockfile is corrupt".
func Load(path string) (*File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Write serializes f as TOML and writes it to path atomically
// (temp file in the same directory, then rename).
func Write(path string, f *File) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return forgeerr.New(forgeerr.CodeLockfile, "lockfile.write").Wrap(err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(f); err != nil {
		return forgeerr.New(forgeerr.CodeLockfile, "lockfile.write").Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		return forgeerr.New(forgeerr.CodeLockfile, "lockfile.write").Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return forgeerr.New(forgeerr.CodeLockfile, "lockfile.write").Wrap(err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return forgeerr.New(forgeerr.CodeLockfile, "lockfile.write").Wrap(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return forgeerr.New(forgeerr.CodeLockfile, "lockfile.write").Wrap(err)
	}
	return nil
}

// CheckFrozen verifies that f was generated against recipeDigest and
// that it resolves every Fetch the normalized image declares. It is
// the check `bake(frozen=True)` runs before trusting a lockfile
// instead of re-resolving (spec.md §4.2/§6).
func CheckFrozen(f *File, recipeDigest string, fetches []models.Fetch, kernel *models.KernelSpec) error {
	if f.RecipeDigest != recipeDigest {
		return forgeerr.New(forgeerr.CodeLockfile, "bake").
			WithHint(fmt.Sprintf("lockfile digest %s does not match recipe digest %s; run lock() again", f.RecipeDigest, recipeDigest))
	}

	httpByURL := make(map[string]HTTPEntry, len(f.HTTP))
	for _, e := range f.HTTP {
		httpByURL[e.URL] = e
	}
	gitByURL := make(map[string]GitEntry, len(f.Git))
	for _, e := range f.Git {
		gitByURL[e.URL+"@"+e.RequestedRef] = e
	}

	for _, ft := range fetches {
		switch ft.Kind {
		case models.FetchHTTP:
			e, ok := httpByURL[ft.URL]
			if !ok || e.Integrity == "" {
				return forgeerr.New(forgeerr.CodeLockfile, "bake").
					WithHint("frozen bake requires a resolved lock entry for " + ft.URL)
			}
		case models.FetchGit:
			e, ok := gitByURL[ft.URL+"@"+ft.RequestedRef]
			if !ok || e.ResolvedRef == "" {
				return forgeerr.New(forgeerr.CodeLockfile, "bake").
					WithHint("frozen bake requires a resolved lock entry for " + ft.URL + "@" + ft.RequestedRef)
			}
		}
	}

	if kernel != nil && kernel.SourceKind == models.KernelSourceOCIRef {
		found := false
		for _, e := range f.OCI {
			if e.Ref == kernel.OCIRef && e.Digest != "" {
				found = true
				break
			}
		}
		if !found {
			return forgeerr.New(forgeerr.CodeLockfile, "bake").
				WithHint("frozen bake requires a resolved OCI lock entry for " + kernel.OCIRef)
		}
	}

	return nil
}
