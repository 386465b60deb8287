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

package ir

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tundraforge/internal/forgeerr"
	"tundraforge/pkg/models"
)

func minimalImage() *models.Image {
	return models.NewImage("debian/bookworm", models.ArchX86_64, "default")
}

func TestNormalizeRejectsUnknownArch(t *testing.T) {
	img := minimalImage()
	img.Arch = "sparc"
	_, err := Normalize(img)
	require.Error(t, err)
	assert.True(t, errors.Is(err, forgeerr.New(forgeerr.CodeValidation, "")))
}

func TestNormalizeRejectsMissingDefaultProfile(t *testing.T) {
	img := minimalImage()
	img.DefaultProfile = "ghost"
	_, err := Normalize(img)
	require.Error(t, err)
}

func TestNormalizePackagesDedupedAndSorted(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.Packages = []string{"systemd", "curl", "curl"}

	out, err := Normalize(img)
	require.NoError(t, err)
	assert.Equal(t, []string{"curl", "systemd"}, out.Profiles["default"].Packages)
}

// TestDigestOrderIndependent is spec.md §8 invariant 2: install("a","b")
// and install("b","a") must normalize (and therefore digest) identically.
func TestDigestOrderIndependent(t *testing.T) {
	imgA := minimalImage()
	imgA.Profile("default").Packages = []string{"a", "b"}
	imgB := minimalImage()
	imgB.Profile("default").Packages = []string{"b", "a"}

	outA, err := Normalize(imgA)
	require.NoError(t, err)
	outB, err := Normalize(imgB)
	require.NoError(t, err)

	digestA, err := outA.Digest()
	require.NoError(t, err)
	digestB, err := outB.Digest()
	require.NoError(t, err)
	assert.Equal(t, digestA, digestB)
}

func TestDigestDeterministicAcrossCalls(t *testing.T) {
	img := minimalImage()
	img.Profile("default").Packages = []string{"curl", "systemd"}
	out, err := Normalize(img)
	require.NoError(t, err)

	d1, err := out.Digest()
	require.NoError(t, err)
	d2, err := out.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestDigestChangesWithContent(t *testing.T) {
	img := minimalImage()
	img.Profile("default").Packages = []string{"curl"}
	out, err := Normalize(img)
	require.NoError(t, err)
	d1, err := out.Digest()
	require.NoError(t, err)

	img.Profile("default").Packages = []string{"curl", "wget"}
	out2, err := Normalize(img)
	require.NoError(t, err)
	d2, err := out2.Digest()
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
}

func TestMergeRepositoriesUnionsComponentsAndDetectsConflict(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.Repositories = []models.Repository{
		{URL: "http://example.com/repo", Suite: "bookworm", Components: []string{"main"}},
		{URL: "http://example.com/repo", Suite: "bookworm", Components: []string{"contrib"}},
	}
	out, err := Normalize(img)
	require.NoError(t, err)
	require.Len(t, out.Profiles["default"].Repositories, 1)
	assert.Equal(t, []string{"contrib", "main"}, out.Profiles["default"].Repositories[0].Components)

	p.Repositories = append(p.Repositories, models.Repository{URL: "http://example.com/repo", Suite: "bullseye"})
	_, err = Normalize(img)
	assert.Error(t, err)
}

func TestResolveFilesRejectsConflictWithoutAllowOverwrite(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.Files = []models.FileEntry{
		{Dest: "/etc/motd", Content: []byte("hi\n")},
		{Dest: "/etc/motd", Content: []byte("bye\n")},
	}
	_, err := Normalize(img)
	require.Error(t, err)
	assert.True(t, errors.Is(err, forgeerr.New(forgeerr.CodeValidation, "")))
}

func TestResolveFilesAllowsIdenticalRedeclaration(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.Files = []models.FileEntry{
		{Dest: "/etc/motd", Content: []byte("hi\n")},
		{Dest: "/etc/motd", Content: []byte("hi\n")},
	}
	out, err := Normalize(img)
	require.NoError(t, err)
	assert.Len(t, out.Profiles["default"].Files, 1)
}

func TestResolveFilesAllowOverwriteLastWins(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.Files = []models.FileEntry{
		{Dest: "/etc/motd", Content: []byte("hi\n")},
		{Dest: "/etc/motd", Content: []byte("bye\n"), AllowOverwrite: true},
	}
	out, err := Normalize(img)
	require.NoError(t, err)
	require.Len(t, out.Profiles["default"].Files, 1)
	assert.Equal(t, []byte("bye\n"), out.Profiles["default"].Files[0].Content)
}

func TestResolveFilesRejectsDestClaimedByFileAndTemplate(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.Files = []models.FileEntry{{Dest: "/etc/x", Content: []byte("a")}}
	p.Templates = []models.TemplateEntry{{Dest: "/etc/x", Src: "/tmp/x.tmpl"}}
	_, err := Normalize(img)
	assert.Error(t, err)
}

// TestServiceUserMustExistInSameProfile is spec.md §8 invariant 4.
func TestServiceUserMustExistInSameProfile(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.Services = []models.Service{{Name: "guest-agent", User: "ghost"}}
	_, err := Normalize(img)
	require.Error(t, err)

	p.Users = []models.User{{Name: "ghost"}}
	_, err = Normalize(img)
	assert.NoError(t, err)
}

func TestServiceDependencyCycleRejected(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.Services = []models.Service{
		{Name: "a", After: []string{"b"}},
		{Name: "b", After: []string{"a"}},
	}
	_, err := Normalize(img)
	assert.Error(t, err)
}

func TestServiceAfterWellKnownTargetIsAllowed(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.Services = []models.Service{
		{Name: "a", After: []string{"network-online.target"}},
	}
	_, err := Normalize(img)
	assert.NoError(t, err)
}

func TestServiceAfterUnknownTargetIsRejected(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.Services = []models.Service{
		{Name: "a", After: []string{"some-made-up.target"}},
	}
	_, err := Normalize(img)
	assert.Error(t, err)
}

func TestServiceWantsDeclaredServiceIsAllowed(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.Services = []models.Service{
		{Name: "a", Wants: []string{"b"}},
		{Name: "b"},
	}
	_, err := Normalize(img)
	assert.NoError(t, err)
}

// TestPhaseOrderingViolation is spec.md §8 end-to-end scenario 3: a
// prepare command referencing a build-phase BuildSpec's output must
// fail with E_PHASE_ORDER_INVALID.
func TestPhaseOrderingViolation(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.Builds = []models.BuildSpec{{Name: "myprog", Kind: models.BuildGo, Output: "/usr/bin/myprog"}}
	p.PhaseCommands = map[models.Phase][]models.Command{
		models.PhasePrepare: {{Argv: []string{"test", "-x", "$DESTDIR/usr/bin/myprog"}}},
	}
	_, err := Normalize(img)
	require.Error(t, err)
	assert.True(t, errors.Is(err, forgeerr.New(forgeerr.CodePhaseOrder, "")))
}

func TestPhaseOrderingAllowsReferenceFromBuildPhaseOnward(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.Builds = []models.BuildSpec{{Name: "myprog", Kind: models.BuildGo, Output: "/usr/bin/myprog"}}
	p.PhaseCommands = map[models.Phase][]models.Command{
		models.PhasePostInst: {{Argv: []string{"test", "-x", "$DESTDIR/usr/bin/myprog"}}},
	}
	_, err := Normalize(img)
	assert.NoError(t, err)
}

func TestValidateInitScriptsRejectsDuplicateID(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.InitScripts = []models.InitScript{
		{ID: "a", Priority: 1, ExecutablePathInImage: "/usr/bin/a"},
		{ID: "a", Priority: 2, ExecutablePathInImage: "/usr/bin/a2"},
	}
	_, err := Normalize(img)
	assert.Error(t, err)
}

func TestValidateInitScriptsRejectsUndeclaredPrecondition(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.InitScripts = []models.InitScript{
		{ID: "a", Priority: 1, ExecutablePathInImage: "/usr/bin/a", Preconditions: []string{"ghost"}},
	}
	_, err := Normalize(img)
	assert.Error(t, err)
}

func TestValidateInitScriptsRejectsAfterPhaseNotBeforeBoot(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.InitScripts = []models.InitScript{
		{ID: "a", Priority: 1, ExecutablePathInImage: "/usr/bin/a", AfterPhase: models.PhaseBoot},
	}
	_, err := Normalize(img)
	assert.Error(t, err)
}

func TestValidateInitScriptsAcceptsEarlierPhase(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.InitScripts = []models.InitScript{
		{ID: "a", Priority: 1, ExecutablePathInImage: "/usr/bin/a", AfterPhase: models.PhaseBuild},
	}
	_, err := Normalize(img)
	assert.NoError(t, err)
}

func TestValidateSecretsDeliveryRejectsAllRequiredWithoutRequiredSecret(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.SecretsDelivery = models.SecretsDeliveryConfig{Method: models.SecretsDeliveryAllRequired}
	p.Secrets = []models.Secret{{Name: "OPTIONAL_TOKEN", Required: false}}
	_, err := Normalize(img)
	assert.Error(t, err)
}

func TestValidateSecretsDeliveryAllowsAllRequiredWithRequiredSecret(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.SecretsDelivery = models.SecretsDeliveryConfig{Method: models.SecretsDeliveryAllRequired}
	p.Secrets = []models.Secret{{Name: "JWT_SECRET", Required: true}}
	_, err := Normalize(img)
	assert.NoError(t, err)
}

func TestValidateSecretsDeliveryAllowsAllRequiredWithNoSecretsDeclared(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.SecretsDelivery = models.SecretsDeliveryConfig{Method: models.SecretsDeliveryAllRequired}
	_, err := Normalize(img)
	assert.NoError(t, err)
}

func TestValidateOutputTargetsRejectsUnrecognizedTarget(t *testing.T) {
	img := minimalImage()
	p := img.Profile("default")
	p.OutputTargets = []models.OutputTarget{"floppy"}
	_, err := Normalize(img)
	assert.Error(t, err)
}

func TestNormalizeProfileInheritsImageLevelOutputTargets(t *testing.T) {
	img := minimalImage()
	img.OutputTargets = []models.OutputTarget{models.OutputQEMU}
	out, err := Normalize(img)
	require.NoError(t, err)
	assert.Equal(t, []models.OutputTarget{models.OutputQEMU}, out.Profiles["default"].OutputTargets)
}

func TestNormalizeProfileOutputTargetsOverrideImageLevel(t *testing.T) {
	img := minimalImage()
	img.OutputTargets = []models.OutputTarget{models.OutputQEMU}
	img.Profile("default").OutputTargets = []models.OutputTarget{models.OutputAzure}
	out, err := Normalize(img)
	require.NoError(t, err)
	assert.Equal(t, []models.OutputTarget{models.OutputAzure}, out.Profiles["default"].OutputTargets)
}
