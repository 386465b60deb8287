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

// Package stub implements an in-process Backend that never shells out
// to mkosi: it hashes the emitted project tree and writes a placeholder
// artifact per requested target. It exists so the rest of the pipeline
// (lock -> emit -> bake -> policy -> cache) can be exercised end to end
// without a real mkosi/TDX host available, mirroring the teacher's
// "Phase 1 stub" builder that stood in for a real ISO build before the
// real one existed.
package stub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"tundraforge/internal/backend"
	"tundraforge/internal/cache"
	"tundraforge/internal/forgeerr"
	"tundraforge/pkg/models"
)

// Backend is the stub implementation of backend.Backend.
type Backend struct {
	Cache *cache.Builder

	// prepared tracks profiles that completed Prepare, so Execute can
	// refuse to run out of order the way a real backend's preflight
	// probe would.
	mu       sync.Mutex
	prepared map[string]bool
}

// New constructs a stub Backend, optionally backed by a cache.Builder
// so repeated bakes of an unchanged tree are served from cache.
func New(c *cache.Builder) *Backend {
	return &Backend{Cache: c, prepared: make(map[string]bool)}
}

// ConcurrencySafe reports true: every profile's stub bake writes only
// to its own OutputDir and the shared cache's inserts are already
// atomic (cache.Store.Put), satisfying spec.md §5's parallelism
// precondition.
func (b *Backend) ConcurrencySafe() bool { return true }

// Prepare verifies the project tree exists and is readable.
func (b *Backend) Prepare(_ context.Context, req backend.BakeRequest) error {
	info, err := os.Stat(req.ProjectDir)
	if err != nil {
		return forgeerr.New(forgeerr.CodeBackendExec, "stub.prepare").
			WithProfile(req.Profile).Wrap(err)
	}
	if !info.IsDir() {
		return forgeerr.New(forgeerr.CodeBackendExec, "stub.prepare").
			WithProfile(req.Profile).WithHint("project dir is not a directory")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return forgeerr.New(forgeerr.CodeBackendExec, "stub.prepare").
			WithProfile(req.Profile).Wrap(err)
	}
	b.mu.Lock()
	if b.prepared == nil {
		b.prepared = make(map[string]bool)
	}
	b.prepared[req.Profile] = true
	b.mu.Unlock()
	return nil
}

// Execute computes a deterministic digest of the project tree and
// produces one placeholder artifact file per requested target,
// resolved through the cache when one is configured.
func (b *Backend) Execute(ctx context.Context, req backend.BakeRequest) (backend.BakeResult, error) {
	b.mu.Lock()
	ok := b.prepared[req.Profile]
	b.mu.Unlock()
	if !ok {
		return backend.BakeResult{}, forgeerr.New(forgeerr.CodeBackendExec, "stub.execute").
			WithProfile(req.Profile).WithHint("Prepare was not called for this profile")
	}

	treeDigest, err := hashTree(req.ProjectDir)
	if err != nil {
		return backend.BakeResult{}, forgeerr.New(forgeerr.CodeBackendExec, "stub.execute").
			WithProfile(req.Profile).Wrap(err)
	}

	var artifacts []backend.ArtifactResult
	for _, target := range req.Targets {
		key := fmt.Sprintf("%s:%s:%s", req.Profile, target, treeDigest)
		path, digest, err := b.resolveArtifact(ctx, key, treeDigest, target)
		if err != nil {
			return backend.BakeResult{}, err
		}
		dest := filepath.Join(req.OutputDir, string(target))
		if err := copyFile(path, dest); err != nil {
			return backend.BakeResult{}, forgeerr.New(forgeerr.CodeBackendExec, "stub.execute").
				WithProfile(req.Profile).Wrap(err)
		}
		artifacts = append(artifacts, backend.ArtifactResult{Target: target, Path: dest, Digest: digest})
	}

	return backend.BakeResult{
		Profile:    req.Profile,
		Artifacts:  artifacts,
		LogPath:    filepath.Join(req.OutputDir, "build.log"),
		ReportPath: filepath.Join(req.OutputDir, "report.json"),
	}, nil
}

// Cleanup is a no-op: the stub backend leaves no scratch state besides
// what it wrote into OutputDir and the cache.
func (b *Backend) Cleanup(_ context.Context, _ backend.BakeRequest) error { return nil }

func (b *Backend) resolveArtifact(ctx context.Context, key, treeDigest string, target models.OutputTarget) (string, string, error) {
	if b.Cache == nil {
		return "", "", forgeerr.New(forgeerr.CodeBackendExec, "stub.execute").WithHint("stub backend requires a cache.Builder")
	}
	content := []byte(fmt.Sprintf("stub artifact\ntarget=%s\ntree=%s\n", target, treeDigest))
	sum := sha256.Sum256(content)
	digest := "sha256:" + hex.EncodeToString(sum[:])
	path, err := b.Cache.Resolve(ctx, key, func(context.Context) (io.Reader, string, error) {
		return &byteReader{content}, digest, nil
	})
	if err != nil {
		return "", "", err
	}
	return path, digest, nil
}

type byteReader struct{ b []byte }

func (r *byteReader) Read(p []byte) (int, error) {
	n := copy(p, r.b)
	r.b = r.b[n:]
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func hashTree(root string) (string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	h := sha256.New()
	for _, f := range files {
		rel, _ := filepath.Rel(root, f)
		fmt.Fprintf(h, "%s\n", rel)
		data, err := os.ReadFile(f)
		if err != nil {
			return "", err
		}
		h.Write(data)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
