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

package emit

import (
	"fmt"
	"sort"
	"strings"

	"tundraforge/pkg/models"
)

// buildFragment renders one BuildSpec into the shell lines appended to
// the build-phase script: a cache probe against a previously extracted
// build-id directory under $BUILDDIR, a clone/extract of the source
// tree, a single mkosi-chroot build invocation, then an install of
// each declared artifact (spec.md §4.3).
func buildFragment(b models.BuildSpec) []string {
	workdir := fmt.Sprintf("$BUILDDIR/%s-build", b.Name)

	lines := []string{
		fmt.Sprintf("# build: %s (%s)", b.Name, b.Kind),
		fmt.Sprintf(`if [ ! -d %s ]; then`, models.Quote(workdir)),
	}
	lines = append(lines, indent(sourceFragment(b, workdir))...)
	lines = append(lines, "fi")
	lines = append(lines, buildCommandFragment(b, workdir))
	lines = append(lines, installFragment(b, workdir)...)
	return lines
}

func sourceFragment(b models.BuildSpec, workdir string) []string {
	switch b.Source.Kind {
	case models.SourceLocal:
		return []string{
			fmt.Sprintf("mkdir -p %s", models.Quote(workdir)),
			fmt.Sprintf("cp -a %s %s/", models.Quote("$SRCDIR/"+strings.TrimPrefix(b.Source.Local, "/")+"/."), models.Quote(workdir)),
		}
	case models.SourceFetch:
		if b.Source.Fetch == nil {
			return []string{"# missing fetch source for " + b.Name}
		}
		switch b.Source.Fetch.Kind {
		case models.FetchGit:
			ref := b.Source.Fetch.ResolvedRef
			if ref == "" {
				ref = b.Source.Fetch.RequestedRef
			}
			return []string{
				fmt.Sprintf("git clone --depth=1 -b %s %s %s",
					models.Quote(ref), models.Quote(b.Source.Fetch.URL), models.Quote(workdir)),
			}
		case models.FetchHTTP:
			return []string{
				fmt.Sprintf("mkdir -p %s", models.Quote(workdir)),
				fmt.Sprintf("tar -xf %s -C %s --strip-components=1",
					models.Quote(cacheTarballPath(b)), models.Quote(workdir)),
			}
		}
	}
	return []string{"# unresolved source for " + b.Name}
}

// cacheTarballPath names where the lock-resolved tarball for an http
// Fetch is expected to have been staged by the caching layer before
// the build phase runs; the emitter never resolves it itself.
func cacheTarballPath(b models.BuildSpec) string {
	return "$BUILDDIR/.fetch-cache/" + b.Name + ".tar"
}

func buildCommandFragment(b models.BuildSpec, workdir string) string {
	cmd := toolchainCommand(b)
	envPrefix := envPrefixFor(b.Env)
	return fmt.Sprintf("mkosi-chroot bash -c %s",
		models.Quote(fmt.Sprintf("cd %s && %s%s", workdir, envPrefix, cmd)))
}

func toolchainCommand(b models.BuildSpec) string {
	switch b.Kind {
	case models.BuildGo:
		cmd := "go build"
		if b.LDFlags != "" {
			cmd += fmt.Sprintf(" -ldflags %s", models.Quote(b.LDFlags))
		}
		cmd += fmt.Sprintf(" -o %s ./...", models.Quote(b.Name))
		return cmd
	case models.BuildRust:
		cmd := "cargo build --release"
		if len(b.Features) > 0 {
			cmd += fmt.Sprintf(" --features %s", models.Quote(strings.Join(b.Features, ",")))
		}
		return cmd
	case models.BuildDotNet:
		cmd := "dotnet publish"
		if b.Project != "" {
			cmd += " " + models.Quote(b.Project)
		}
		cmd += " -c Release"
		if b.TargetArch != "" {
			cmd += fmt.Sprintf(" -r %s", models.Quote(b.TargetArch))
		}
		if b.SelfContained {
			cmd += " --self-contained true"
		}
		cmd += " -o out"
		return cmd
	case models.BuildC:
		cmd := "make"
		if len(b.Flags) > 0 {
			cmd += " " + strings.Join(quoteAll(b.Flags), " ")
		}
		return cmd
	case models.BuildScript:
		if len(b.Flags) == 0 {
			return "true"
		}
		return strings.Join(quoteAll(b.Flags), " ")
	default:
		return "true"
	}
}

func envPrefixFor(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(models.Quote(env[k]))
		b.WriteByte(' ')
	}
	return b.String()
}

func installFragment(b models.BuildSpec, workdir string) []string {
	if len(b.Artifacts) == 0 {
		if b.Output == "" {
			return nil
		}
		return []string{fmt.Sprintf("install -D -m 0755 %s %s",
			models.Quote(workdir+"/"+b.Name), models.Quote("$DESTDIR/"+strings.TrimPrefix(b.Output, "/")))}
	}
	srcPaths := make([]string, 0, len(b.Artifacts))
	for src := range b.Artifacts {
		srcPaths = append(srcPaths, src)
	}
	sort.Strings(srcPaths)

	lines := make([]string, 0, len(srcPaths))
	for _, src := range srcPaths {
		dst := b.Artifacts[src]
		lines = append(lines, fmt.Sprintf("install -D -m 0755 %s %s",
			models.Quote(workdir+"/"+strings.TrimPrefix(src, "/")),
			models.Quote("$DESTDIR/"+strings.TrimPrefix(dst, "/"))))
	}
	return lines
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = models.Quote(s)
	}
	return out
}

func indent(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = "  " + l
	}
	return out
}
