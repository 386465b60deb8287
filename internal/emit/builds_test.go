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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"tundraforge/pkg/models"
)

func TestToolchainCommandGoIncludesLDFlagsAndOutputName(t *testing.T) {
	b := models.BuildSpec{Name: "myapp", Kind: models.BuildGo, LDFlags: "-s -w"}
	cmd := toolchainCommand(b)
	assert.Equal(t, `go build -ldflags '-s -w' -o myapp ./...`, cmd)
}

func TestToolchainCommandGoWithoutLDFlags(t *testing.T) {
	b := models.BuildSpec{Name: "myapp", Kind: models.BuildGo}
	cmd := toolchainCommand(b)
	assert.Equal(t, "go build -o myapp ./...", cmd)
}

func TestToolchainCommandRustIncludesFeatures(t *testing.T) {
	b := models.BuildSpec{Name: "myapp", Kind: models.BuildRust, Features: []string{"tls", "json"}}
	cmd := toolchainCommand(b)
	assert.Equal(t, "cargo build --release --features tls,json", cmd)
}

func TestToolchainCommandRustWithoutFeatures(t *testing.T) {
	b := models.BuildSpec{Name: "myapp", Kind: models.BuildRust}
	cmd := toolchainCommand(b)
	assert.Equal(t, "cargo build --release", cmd)
}

func TestToolchainCommandDotNetIncludesProjectArchAndSelfContained(t *testing.T) {
	b := models.BuildSpec{
		Name:          "myapp",
		Kind:          models.BuildDotNet,
		Project:       "src/MyApp.csproj",
		TargetArch:    "linux-x64",
		SelfContained: true,
	}
	cmd := toolchainCommand(b)
	assert.Equal(t, "dotnet publish src/MyApp.csproj -c Release -r linux-x64 --self-contained true -o out", cmd)
}

func TestToolchainCommandDotNetMinimal(t *testing.T) {
	b := models.BuildSpec{Name: "myapp", Kind: models.BuildDotNet}
	cmd := toolchainCommand(b)
	assert.Equal(t, "dotnet publish -c Release -o out", cmd)
}

func TestToolchainCommandCIncludesFlags(t *testing.T) {
	b := models.BuildSpec{Name: "myapp", Kind: models.BuildC, Flags: []string{"CC=clang", "-j4"}}
	cmd := toolchainCommand(b)
	assert.Equal(t, "make CC=clang -j4", cmd)
}

func TestToolchainCommandCWithoutFlags(t *testing.T) {
	b := models.BuildSpec{Name: "myapp", Kind: models.BuildC}
	cmd := toolchainCommand(b)
	assert.Equal(t, "make", cmd)
}

func TestToolchainCommandScriptJoinsFlagsAsCommand(t *testing.T) {
	b := models.BuildSpec{Name: "myapp", Kind: models.BuildScript, Flags: []string{"./build.sh", "--release"}}
	cmd := toolchainCommand(b)
	assert.Equal(t, "./build.sh --release", cmd)
}

func TestToolchainCommandScriptWithoutFlagsIsTrue(t *testing.T) {
	b := models.BuildSpec{Name: "myapp", Kind: models.BuildScript}
	cmd := toolchainCommand(b)
	assert.Equal(t, "true", cmd)
}

func TestToolchainCommandUnknownKindIsTrue(t *testing.T) {
	b := models.BuildSpec{Name: "myapp", Kind: models.BuildKind("unknown")}
	cmd := toolchainCommand(b)
	assert.Equal(t, "true", cmd)
}

func TestEnvPrefixForEmptyIsEmptyString(t *testing.T) {
	assert.Equal(t, "", envPrefixFor(nil))
	assert.Equal(t, "", envPrefixFor(map[string]string{}))
}

func TestEnvPrefixForSortsKeysAndQuotesValues(t *testing.T) {
	prefix := envPrefixFor(map[string]string{"ZVAR": "z", "AVAR": "a b"})
	assert.Equal(t, "AVAR='a b' ZVAR=z ", prefix)
}

func TestBuildCommandFragmentCombinesWorkdirEnvAndCommand(t *testing.T) {
	b := models.BuildSpec{
		Name: "myapp",
		Kind: models.BuildGo,
		Env:  map[string]string{"CGO_ENABLED": "0"},
	}
	line := buildCommandFragment(b, "$BUILDDIR/myapp-build")
	assert.True(t, strings.HasPrefix(line, "mkosi-chroot bash -c "))
	assert.Contains(t, line, "cd $BUILDDIR/myapp-build")
	assert.Contains(t, line, "CGO_ENABLED=0")
	assert.Contains(t, line, "go build")
}

func TestSourceFragmentLocalCopiesFromSrcDir(t *testing.T) {
	b := models.BuildSpec{
		Name:   "myapp",
		Source: models.Source{Kind: models.SourceLocal, Local: "vendor/myapp"},
	}
	lines := sourceFragment(b, "$BUILDDIR/myapp-build")
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "mkdir -p")
	assert.Contains(t, joined, "$SRCDIR/vendor/myapp/")
}

func TestSourceFragmentFetchGitUsesResolvedRefOverRequested(t *testing.T) {
	b := models.BuildSpec{
		Name: "myapp",
		Source: models.Source{
			Kind: models.SourceFetch,
			Fetch: &models.Fetch{
				Kind:         models.FetchGit,
				URL:          "https://example.invalid/repo.git",
				RequestedRef: "main",
				ResolvedRef:  "abc123def456",
			},
		},
	}
	lines := sourceFragment(b, "$BUILDDIR/myapp-build")
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "git clone --depth=1")
	assert.Contains(t, joined, "abc123def456")
	assert.NotContains(t, joined, " main ")
}

func TestSourceFragmentFetchGitFallsBackToRequestedRefWhenUnresolved(t *testing.T) {
	b := models.BuildSpec{
		Name: "myapp",
		Source: models.Source{
			Kind: models.SourceFetch,
			Fetch: &models.Fetch{
				Kind:         models.FetchGit,
				URL:          "https://example.invalid/repo.git",
				RequestedRef: "main",
			},
		},
	}
	lines := sourceFragment(b, "$BUILDDIR/myapp-build")
	assert.Contains(t, strings.Join(lines, "\n"), "main")
}

func TestSourceFragmentFetchHTTPExtractsCachedTarball(t *testing.T) {
	b := models.BuildSpec{
		Name: "myapp",
		Source: models.Source{
			Kind:  models.SourceFetch,
			Fetch: &models.Fetch{Kind: models.FetchHTTP, URL: "https://example.invalid/x.tar.gz"},
		},
	}
	lines := sourceFragment(b, "$BUILDDIR/myapp-build")
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "tar -xf")
	assert.Contains(t, joined, cacheTarballPath(b))
}

func TestSourceFragmentFetchMissingIsCommentedOut(t *testing.T) {
	b := models.BuildSpec{Name: "myapp", Source: models.Source{Kind: models.SourceFetch}}
	lines := sourceFragment(b, "$BUILDDIR/myapp-build")
	assert.Len(t, lines, 1)
	assert.Contains(t, lines[0], "missing fetch source")
}

func TestCacheTarballPathIsKeyedByBuildName(t *testing.T) {
	a := models.BuildSpec{Name: "alpha"}
	b := models.BuildSpec{Name: "beta"}
	assert.NotEqual(t, cacheTarballPath(a), cacheTarballPath(b))
	assert.Contains(t, cacheTarballPath(a), "alpha")
}

func TestInstallFragmentSingleOutputUsesNameAndOutput(t *testing.T) {
	b := models.BuildSpec{Name: "myapp", Output: "/usr/bin/myapp"}
	lines := installFragment(b, "$BUILDDIR/myapp-build")
	assert := assert.New(t)
	assert.Len(lines, 1)
	assert.Contains(lines[0], "$BUILDDIR/myapp-build/myapp")
	assert.Contains(lines[0], "$DESTDIR/usr/bin/myapp")
}

func TestInstallFragmentNoOutputAndNoArtifactsIsEmpty(t *testing.T) {
	b := models.BuildSpec{Name: "myapp"}
	assert.Empty(t, installFragment(b, "$BUILDDIR/myapp-build"))
}

func TestInstallFragmentArtifactsAreSortedBySourcePath(t *testing.T) {
	b := models.BuildSpec{
		Name: "myapp",
		Artifacts: map[string]string{
			"bin/zeta":  "/usr/bin/zeta",
			"bin/alpha": "/usr/bin/alpha",
		},
	}
	lines := installFragment(b, "$BUILDDIR/myapp-build")
	require := assert.New(t)
	require.Len(lines, 2)
	require.Contains(lines[0], "bin/alpha")
	require.Contains(lines[1], "bin/zeta")
}

func TestQuoteAllAppliesModelsQuoteToEachElement(t *testing.T) {
	out := quoteAll([]string{"a b", "c"})
	assert.Equal(t, []string{"'a b'", "c"}, out)
}

func TestIndentPrependsTwoSpacesToEachLine(t *testing.T) {
	out := indent([]string{"a", "b"})
	assert.Equal(t, []string{"  a", "  b"}, out)
}

func TestBuildFragmentWrapsSourceInCacheProbe(t *testing.T) {
	b := models.BuildSpec{
		Name:   "myapp",
		Kind:   models.BuildGo,
		Output: "/usr/bin/myapp",
		Source: models.Source{Kind: models.SourceLocal, Local: "vendor/myapp"},
	}
	lines := buildFragment(b)
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "if [ ! -d '$BUILDDIR/myapp-build' ]; then")
	assert.Contains(t, joined, "fi")
	assert.Contains(t, joined, "mkosi-chroot bash -c")
	assert.Contains(t, joined, "install -D -m 0755")
}
