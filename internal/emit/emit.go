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

// Package emit writes a normalized internal/ir.Image out as a
// deterministic mkosi build tree: a root mkosi.conf, one
// mkosi.profiles/<name>/mkosi.conf per profile, mkosi.skeleton/,
// mkosi.extra/, and numbered phase scripts. Determinism notes, per
// spec.md §4.3/§8 invariant 1:
//   - every written file ends with LF line endings, no CRLF
//   - files are written 0o644 and scripts 0o755, except a File or
//     Template with a declared Mode, which is written with that mode
//   - mtimes are not observed; SOURCE_DATE_EPOCH=0 is exported so mkosi
//     itself treats the tree as built at the epoch
//   - file content ordering never depends on map iteration
package emit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"tundraforge/internal/emit/debloat"
	"tundraforge/internal/forgeerr"
	"tundraforge/internal/ir"
	"tundraforge/pkg/models"
)

// seedNamespace is an arbitrary fixed namespace UUID used to derive a
// deterministic Seed= value from a recipe's digest via uuid.NewSHA1.
// Determinism here is load-bearing: spec.md §4.3/§8 invariant 1
// requires emit(R) to produce a byte-identical tree every time, so the
// partition-UUID seed cannot be randomly generated per Tree call —
// it must be a pure function of the recipe's content.
var seedNamespace = uuid.MustParse("6f6e9a7e-6e2f-4f0c-9f0a-3b9f1d9a7c10")

// seedFor derives the deterministic Seed= value for a recipe digest.
func seedFor(digest string) string {
	return uuid.NewSHA1(seedNamespace, []byte(digest)).String()
}

// versionScript renders mkosi.version as the executable mkosi expects
// (mkosi runs it and takes its stdout as $IMAGE_VERSION), producing
// the documented "YYYY-MM-DD.hash[-dirty]" form (spec.md §4.3/§6). The
// date is pinned to the SOURCE_DATE_EPOCH=0 epoch rather than the
// build wall clock, and "hash" is a short prefix of the recipe digest,
// so the script's own output is a pure function of the recipe
// content — never "-dirty", since this tree has no working-copy notion
// to be dirty against.
func versionScript(digest string) []byte {
	short := strings.TrimPrefix(digest, "sha256:")
	if len(short) > 12 {
		short = short[:12]
	}
	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\nset -euo pipefail\n")
	fmt.Fprintf(&b, "echo \"1970-01-01.%s\"\n", short)
	return []byte(b.String())
}

// Tree writes img's entire mkosi build tree rooted at dir. dir is
// created if absent; existing contents are not removed first, since a
// partial rebuild onto a cache-warm tree is a valid use (the backend's
// prepare step is responsible for a clean checkout when one matters).
func Tree(dir string, img *ir.Image) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return forgeerr.New(forgeerr.CodeBackendExec, "emit.tree").Wrap(err)
	}

	digest, err := img.Digest()
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, "mkosi.version"), versionScript(digest), 0o755); err != nil {
		return err
	}

	rootConf, err := renderRootConf(img)
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, "mkosi.conf"), rootConf, 0o644); err != nil {
		return err
	}

	names := make([]string, 0, len(img.Profiles))
	for name := range img.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := emitProfile(dir, name, img.Profiles[name]); err != nil {
			return err
		}
	}

	return nil
}

func renderRootConf(img *ir.Image) ([]byte, error) {
	archStr, err := img.Arch.MkosiArchitecture()
	if err != nil {
		return nil, forgeerr.New(forgeerr.CodeValidation, "emit.tree").Wrap(err)
	}
	digest, err := img.Digest()
	if err != nil {
		return nil, forgeerr.New(forgeerr.CodeReproducibility, "emit.tree").Wrap(err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Distribution]\n")
	fmt.Fprintf(&b, "Distribution=%s\n\n", img.Base)
	fmt.Fprintf(&b, "[Output]\n")
	fmt.Fprintf(&b, "Architecture=%s\n", archStr)
	fmt.Fprintf(&b, "SourceDateEpoch=0\n")
	fmt.Fprintf(&b, "ManifestFormat=json\n")
	fmt.Fprintf(&b, "CompressOutput=zstd\n\n")
	fmt.Fprintf(&b, "[Content]\n")
	fmt.Fprintf(&b, "CleanPackageMetadata=yes\n")
	fmt.Fprintf(&b, "Seed=%s\n", seedFor(digest))
	return []byte(b.String()), nil
}

func emitProfile(root, name string, snap *ir.Snapshot) error {
	profDir := filepath.Join(root, "mkosi.profiles", name)
	if err := os.MkdirAll(profDir, 0o755); err != nil {
		return forgeerr.New(forgeerr.CodeBackendExec, "emit.profile").WithProfile(name).Wrap(err)
	}

	conf := renderProfileConf(snap)
	if err := writeFile(filepath.Join(profDir, "mkosi.conf"), conf, 0o644); err != nil {
		return err
	}

	if err := emitFiles(profDir, snap); err != nil {
		return err
	}

	if err := emitSkeleton(profDir, snap); err != nil {
		return err
	}

	if err := emitScripts(profDir, snap); err != nil {
		return err
	}

	if err := emitPostOutputScripts(profDir, snap.OutputTargets); err != nil {
		return err
	}

	return nil
}

func renderProfileConf(snap *ir.Snapshot) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "[Content]\n")
	if len(snap.Packages) > 0 {
		fmt.Fprintf(&b, "Packages=%s\n", strings.Join(snap.Packages, " "))
	}
	if len(snap.BuildPackages) > 0 {
		fmt.Fprintf(&b, "BuildPackages=%s\n", strings.Join(snap.BuildPackages, " "))
	}
	for _, repo := range snap.Repositories {
		fmt.Fprintf(&b, "\n[Repository]\n")
		fmt.Fprintf(&b, "Url=%s\n", repo.URL)
		if repo.Suite != "" {
			fmt.Fprintf(&b, "Suite=%s\n", repo.Suite)
		}
		if len(repo.Components) > 0 {
			fmt.Fprintf(&b, "Components=%s\n", strings.Join(repo.Components, ","))
		}
	}
	return []byte(b.String())
}

// emitFiles writes every File and Template into mkosi.extra, which
// mkosi overlays onto the built image root verbatim.
func emitFiles(root string, snap *ir.Snapshot) error {
	extraDir := filepath.Join(root, "mkosi.extra")
	for _, f := range snap.Files {
		dst := filepath.Join(extraDir, f.Dest)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return forgeerr.New(forgeerr.CodeBackendExec, "emit.file").WithProfile(snap.Profile).Wrap(err)
		}
		content := f.Content
		if f.Src != "" {
			data, err := os.ReadFile(f.Src)
			if err != nil {
				return forgeerr.New(forgeerr.CodeBackendExec, "emit.file").WithProfile(snap.Profile).Wrap(err)
			}
			content = data
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := writeFile(dst, normalizeLineEndings(content), os.FileMode(mode)); err != nil {
			return err
		}
	}

	for _, t := range snap.Templates {
		dst := filepath.Join(extraDir, t.Dest)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return forgeerr.New(forgeerr.CodeBackendExec, "emit.template").WithProfile(snap.Profile).Wrap(err)
		}
		rendered, err := renderTemplate(t)
		if err != nil {
			return forgeerr.New(forgeerr.CodeValidation, "emit.template").WithProfile(snap.Profile).Wrap(err)
		}
		mode := t.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := writeFile(dst, normalizeLineEndings(rendered), os.FileMode(mode)); err != nil {
			return err
		}
	}
	return nil
}

// renderTemplate performs a minimal deterministic "${KEY}" substitution
// pass: variables are looked up in sorted key order solely so that,
// were the renderer ever extended to report unresolved-key errors in
// bulk, the error ordering would not depend on map iteration.
func renderTemplate(t models.TemplateEntry) ([]byte, error) {
	data, err := os.ReadFile(t.Src)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(t.Vars))
	for k := range t.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := string(data)
	for _, k := range keys {
		out = strings.ReplaceAll(out, "${"+k+"}", t.Vars[k])
	}
	return []byte(out), nil
}

// emitScripts writes one numbered script per phase that has content:
// user-declared Commands in declaration order, plus this package's own
// synthesized lines — BuildSpec fragments in the build phase; useradd/
// systemctl-enable and debloat pruning in postinst; debloat path
// removal in finalize (spec.md §4.3).
func emitScripts(profDir string, snap *ir.Snapshot) error {
	plan := debloat.Compute(snap.Profile, snap.Debloat, nil)
	debloatPostinst, debloatFinalize := emitDebloatCommands(snap.Debloat, plan)

	extraLines := map[models.Phase][]string{
		models.PhaseBuild:    buildPhaseLines(snap.Builds),
		models.PhasePostInst: append(postInstLifecycleLines(snap), debloatPostinst...),
		models.PhaseFinalize: debloatFinalize,
	}

	scriptsDir := filepath.Join(profDir, "scripts")
	for _, phase := range models.ScriptPhases() {
		cmds := snap.PhaseCommands[phase]
		lines := extraLines[phase]
		if len(cmds) == 0 && len(lines) == 0 {
			continue
		}
		name, err := phase.ScriptName()
		if err != nil {
			return forgeerr.New(forgeerr.CodeValidation, "emit.script").WithProfile(snap.Profile).Wrap(err)
		}
		if err := os.MkdirAll(scriptsDir, 0o755); err != nil {
			return forgeerr.New(forgeerr.CodeBackendExec, "emit.script").WithProfile(snap.Profile).Wrap(err)
		}
		if err := writeFile(filepath.Join(scriptsDir, name), renderScript(cmds, lines), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// buildPhaseLines renders every BuildSpec's compiled fragment, in
// declaration order, for the single build-phase script.
func buildPhaseLines(builds []models.BuildSpec) []string {
	var lines []string
	for _, b := range builds {
		lines = append(lines, buildFragment(b)...)
	}
	return lines
}

// postInstLifecycleLines renders user creation then service enablement
// via mkosi-chroot, never a raw chroot invocation (spec.md §4.3).
// User creation precedes service enablement (spec.md §5 ordering
// guarantee).
func postInstLifecycleLines(snap *ir.Snapshot) []string {
	var lines []string
	for _, u := range snap.Users {
		lines = append(lines, userCreateCommand(u))
	}
	for _, s := range snap.Services {
		lines = append(lines, fmt.Sprintf("mkosi-chroot systemctl enable %s.service", models.Quote(s.Name)))
	}
	return lines
}

func userCreateCommand(u models.User) string {
	args := []string{"mkosi-chroot", "useradd"}
	if u.System {
		args = append(args, "--system")
	}
	if u.UID != nil {
		args = append(args, "--uid", fmt.Sprintf("%d", *u.UID))
	}
	if u.Home != "" {
		args = append(args, "--home-dir", u.Home, "--create-home")
	}
	if u.Shell != "" {
		args = append(args, "--shell", u.Shell)
	}
	if len(u.Groups) > 0 {
		args = append(args, "--groups", strings.Join(u.Groups, ","))
	}
	args = append(args, u.Name)
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = models.Quote(a)
	}
	return strings.Join(parts, " ")
}

func renderScript(cmds []models.Command, extra []string) []byte {
	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\nset -euo pipefail\n")
	for _, line := range extra {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for _, c := range cmds {
		prefix := c.EnvPrefix()
		line := c.Render()
		if line == "" {
			continue
		}
		b.WriteString(prefix)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// normalizeLineEndings strips CR so that a Windows-authored source
// file never introduces CRLF into the emitted tree.
func normalizeLineEndings(b []byte) []byte {
	if !strings.ContainsRune(string(b), '\r') {
		return b
	}
	return []byte(strings.ReplaceAll(string(b), "\r\n", "\n"))
}

// writeFile writes an atomic temp-then-rename copy of content to path
// with the given mode.
func writeFile(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return forgeerr.New(forgeerr.CodeBackendExec, "emit.write").Wrap(err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return forgeerr.New(forgeerr.CodeBackendExec, "emit.write").Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		return forgeerr.New(forgeerr.CodeBackendExec, "emit.write").Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return forgeerr.New(forgeerr.CodeBackendExec, "emit.write").Wrap(err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return forgeerr.New(forgeerr.CodeBackendExec, "emit.write").Wrap(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return forgeerr.New(forgeerr.CodeBackendExec, "emit.write").Wrap(err)
	}
	return nil
}
