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

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"tundraforge/internal/backend"
	"tundraforge/internal/backend/stub"
	"tundraforge/internal/cache"
	"tundraforge/internal/config"
	"tundraforge/internal/emit"
	"tundraforge/internal/fetch"
	"tundraforge/internal/fetch/kernelsrc"
	"tundraforge/internal/forgeerr"
	"tundraforge/internal/ir"
	"tundraforge/internal/lockfile"
	"tundraforge/internal/metrics"
	"tundraforge/pkg/models"
)

func exitCoder(err error) (int, bool) {
	var fe *forgeerr.Error
	if e, ok := err.(*forgeerr.Error); ok {
		fe = e
	} else {
		return 0, false
	}
	return fe.Code.ExitCode(), true
}

func lockPathFlag() cli.Flag {
	return &cli.StringFlag{Name: "lockfile", Value: "tdx.lock", Usage: "path to the lockfile to read/write"}
}

func lockCmd(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:  "lock",
		Usage: "resolve the example recipe's external inputs into a lockfile",
		Flags: []cli.Flag{lockPathFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			normalized, digest, err := normalizeExample()
			if err != nil {
				return err
			}

			pol := cfg.Policy()
			httpResolver := fetch.NewHTTPResolver(4, 4)
			gitResolver := fetch.DefaultGitResolver()

			var httpEntries []lockfile.HTTPEntry
			var gitEntries []lockfile.GitEntry

			for _, name := range sortedProfileNames(normalized) {
				snap := normalized.Profiles[name]
				for _, b := range snap.Builds {
					if b.Source.Kind != models.SourceFetch || b.Source.Fetch == nil {
						continue
					}
					f := *b.Source.Fetch
					if err := pol.CheckFetch(f); err != nil {
						return err
					}
					switch f.Kind {
					case models.FetchHTTP:
						resolved, _, err := httpResolver.Resolve(ctx, f)
						if err != nil {
							return err
						}
						httpEntries = append(httpEntries, lockfile.HTTPEntry{
							URL: resolved.URL, Integrity: resolved.Integrity, FinalURL: resolved.CapturedFinalURL,
						})
					case models.FetchGit:
						resolved, err := fetch.ResolveGit(ctx, gitResolver, f)
						if err != nil {
							return err
						}
						gitEntries = append(gitEntries, lockfile.GitEntry{
							URL: resolved.URL, RequestedRef: resolved.RequestedRef, ResolvedRef: resolved.ResolvedRef,
						})
					}
				}
			}

			var ociEntries []lockfile.OCIEntry
			if normalized.Kernel != nil && normalized.Kernel.SourceKind == models.KernelSourceOCIRef {
				if err := pol.CheckNetwork(normalized.Kernel.OCIRef); err != nil {
					return err
				}
				destDir := filepath.Join(cfg.CacheRoot, "kernel-oci", path.Base(normalized.Kernel.OCIRef))
				if err := os.MkdirAll(destDir, 0o755); err != nil {
					return forgeerr.New(forgeerr.CodeLockfile, "lock").Wrap(err)
				}
				resolved, err := kernelsrc.Resolver{}.Resolve(ctx, *normalized.Kernel, destDir)
				if err != nil {
					return err
				}
				ociEntries = append(ociEntries, lockfile.OCIEntry{
					Ref: normalized.Kernel.OCIRef, Digest: resolved.ResolvedDigest,
				})
			}

			f := &lockfile.File{
				Version:      lockfile.Version,
				RecipeDigest: digest,
				HTTP:         httpEntries,
				Git:          gitEntries,
				OCI:          ociEntries,
			}
			path := cmd.String("lockfile")
			if err := lockfile.Write(path, f); err != nil {
				return err
			}
			fmt.Printf("wrote %s for recipe digest %s\n", path, digest)
			return nil
		},
	}
}

func emitCmd(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:  "emit",
		Usage: "write the deterministic mkosi project tree for the example recipe",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Value: "./mkosi-tree", Usage: "directory to write the mkosi project tree into"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			normalized, digest, err := normalizeExample()
			if err != nil {
				return err
			}
			out := cmd.String("out")
			if err := emit.Tree(out, normalized); err != nil {
				return err
			}
			fmt.Printf("emitted %s for recipe digest %s\n", out, digest)
			return nil
		},
	}
}

func bakeCmd(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:  "bake",
		Usage: "bake the example recipe's profiles through the in-process stub backend",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "project-dir", Value: "./mkosi-tree", Usage: "directory previously written by emit"},
			&cli.StringFlag{Name: "output-dir", Value: "./bake-output", Usage: "directory to write baked artifacts into"},
			&cli.StringFlag{Name: "lockfile", Value: "tdx.lock", Usage: "lockfile to check when --frozen is set"},
			&cli.BoolFlag{Name: "frozen", Usage: "require the lockfile to already resolve every external input"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			normalized, digest, err := normalizeExample()
			if err != nil {
				return err
			}

			frozen := cmd.Bool("frozen")
			if frozen {
				lf, err := lockfile.Load(cmd.String("lockfile"))
				if err != nil {
					return forgeerr.New(forgeerr.CodeLockfile, "bake").Wrap(err)
				}
				if err := lockfile.CheckFrozen(lf, digest, allFetches(normalized), normalized.Kernel); err != nil {
					return err
				}
			}

			if err := os.MkdirAll(cfg.CacheRoot, 0o755); err != nil {
				return forgeerr.New(forgeerr.CodeBackendExec, "bake").Wrap(err)
			}
			store, err := cache.NewStore(filepath.Join(cfg.CacheRoot, "blobs"))
			if err != nil {
				return err
			}
			idx, err := cache.OpenIndex(filepath.Join(cfg.CacheRoot, "index.db"))
			if err != nil {
				return err
			}
			defer idx.Close()

			reg := metrics.New()
			builder := &cache.Builder{Store: store, Index: idx, Logger: log.Default(), Metrics: reg}
			be := stub.New(builder)

			orch := &backend.Orchestrator{
				Backend: be,
				Policy:  cfg.Policy(),
				Metrics: reg,
				Logger:  log.Default(),
			}

			var reqs []backend.BakeRequest
			for _, name := range sortedProfileNames(normalized) {
				snap := normalized.Profiles[name]
				reqs = append(reqs, backend.BakeRequest{
					Profile:    name,
					ProjectDir: filepath.Join(cmd.String("project-dir"), "mkosi.profiles", name),
					CacheDir:   cfg.CacheRoot,
					OutputDir:  filepath.Join(cmd.String("output-dir"), name),
					Targets:    snap.OutputTargets,
					Frozen:     frozen,
				})
			}

			results, err := orch.BakeAll(ctx, reqs)
			if err != nil {
				return err
			}
			for _, res := range results {
				fmt.Printf("baked profile=%s artifacts=%d\n", res.Profile, len(res.Artifacts))
			}
			return nil
		},
	}
}

// normalizeExample builds, normalizes, and digests the example recipe
// in one step, since every subcommand needs the same normalized IR.
func normalizeExample() (*ir.Image, string, error) {
	img := exampleImage()
	normalized, err := ir.Normalize(img.Model())
	if err != nil {
		return nil, "", err
	}
	digest, err := normalized.Digest()
	if err != nil {
		return nil, "", err
	}
	return normalized, digest, nil
}

func sortedProfileNames(img *ir.Image) []string {
	names := make([]string, 0, len(img.Profiles))
	for name := range img.Profiles {
		names = append(names, name)
	}
	sortStrings(names)
	return names
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
}

// allFetches collects every Fetch a normalized recipe's BuildSpecs
// declare, across every profile, for CheckFrozen's completeness check.
func allFetches(img *ir.Image) []models.Fetch {
	var out []models.Fetch
	for _, name := range sortedProfileNames(img) {
		for _, b := range img.Profiles[name].Builds {
			if b.Source.Kind == models.SourceFetch && b.Source.Fetch != nil {
				out = append(out, *b.Source.Fetch)
			}
		}
	}
	return out
}
