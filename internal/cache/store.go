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

// Package cache implements the content-addressed build artifact store
// of spec.md §4.4: artifacts are keyed by the SHA-256 of their
// BuildSpec cache key inputs, stored atomically on the filesystem, and
// looked up through a derived/rebuildable sqlite index (see index.go)
// that falls back to a filesystem stat when missing or stale.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"tundraforge/internal/forgeerr"
)

// Store is a content-addressed filesystem artifact store: the
// authoritative record of what was built. Mirrors the
// tmp-then-rename, digest-verified, dedup-on-write discipline of the
// OCI blob store this package generalizes from.
type Store struct {
	root string
	mu   sync.Mutex
}

// NewStore roots a Store at dir, creating it and its artifacts/tmp
// subdirectories if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, forgeerr.New(forgeerr.CodeValidation, "cache.store").
			WithHint("store root cannot be empty")
	}
	s := &Store{root: dir}
	for _, sub := range []string{"artifacts", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, forgeerr.New(forgeerr.CodeBackendExec, "cache.store").Wrap(err)
		}
	}
	return s, nil
}

// Path returns the on-disk path an artifact keyed by key would live
// at, without checking whether it exists.
func (s *Store) Path(key string) string {
	return filepath.Join(s.root, "artifacts", key)
}

// Has reports whether an artifact keyed by key is present.
func (s *Store) Has(key string) (bool, error) {
	_, err := os.Stat(s.Path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, forgeerr.New(forgeerr.CodeBackendExec, "cache.store").Wrap(err)
}

// Open opens the artifact keyed by key for reading.
func (s *Store) Open(key string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(key))
	if err != nil {
		return nil, forgeerr.New(forgeerr.CodeBackendExec, "cache.store").
			WithHint("artifact " + key + " not found").Wrap(err)
	}
	return f, nil
}

// Put writes r's contents into the store under key, verifying the
// computed SHA-256 digest equals expectedDigest (empty means
// "compute, don't verify"). Concurrent Puts of the same key are safe:
// the second writer's tmp file loses the race and is discarded rather
// than clobbering the first writer's already-renamed file.
func (s *Store) Put(key string, r io.Reader, expectedDigest string) (digest string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "artifact-*")
	if err != nil {
		return "", forgeerr.New(forgeerr.CodeBackendExec, "cache.store").Wrap(err)
	}
	tmpPath := tmp.Name()
	cleanTmp := true
	defer func() {
		tmp.Close()
		if cleanTmp {
			os.Remove(tmpPath)
		}
	}()

	hash := sha256.New()
	if _, err := io.Copy(tmp, io.TeeReader(r, hash)); err != nil {
		return "", forgeerr.New(forgeerr.CodeBackendExec, "cache.store").Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		return "", forgeerr.New(forgeerr.CodeBackendExec, "cache.store").Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return "", forgeerr.New(forgeerr.CodeBackendExec, "cache.store").Wrap(err)
	}

	actual := "sha256:" + hex.EncodeToString(hash.Sum(nil))
	if expectedDigest != "" && actual != expectedDigest {
		return "", forgeerr.New(forgeerr.CodeReproducibility, "cache.store").
			WithHint(fmt.Sprintf("key %s: expected digest %s, got %s", key, expectedDigest, actual))
	}

	dst := s.Path(key)
	if _, err := os.Stat(dst); err == nil {
		return actual, nil // already present, dedup
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", forgeerr.New(forgeerr.CodeBackendExec, "cache.store").Wrap(err)
	}
	cleanTmp = false
	return actual, nil
}

// Remove deletes the artifact keyed by key, if present.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.Path(key)); err != nil && !os.IsNotExist(err) {
		return forgeerr.New(forgeerr.CodeBackendExec, "cache.store").Wrap(err)
	}
	return nil
}
