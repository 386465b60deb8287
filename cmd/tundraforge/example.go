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
	"tundraforge/pkg/models"
	"tundraforge/pkg/recipe"
)

// exampleImage builds a small but representative recipe exercising
// most of the declarative surface: a guest agent built from source, a
// runtime-init step, a systemd service gated on delivered secrets, and
// both a cloud and a local output target. This is the recipe
// lock/emit/bake run against (the CLI has no flag for loading another
// recipe); a real host program would replace this with its own recipe
// construction.
func exampleImage() *recipe.Image {
	img := recipe.New("ubuntu-24.04", models.ArchX86_64, "default")
	img.OutputTargets(models.OutputQEMU, models.OutputAzure)
	img.Kernel(models.KernelSpec{
		SourceKind: models.KernelSourceOCIRef,
		OCIRef:     "registry.example.invalid/tundraforge/tdx-kernel:6.8-tdx",
		VersionPin: "6.8-tdx",
	})

	img.Install("systemd", "ca-certificates", "curl")
	img.BuildInstall("build-essential")

	img.Build(models.BuildSpec{
		Name: "guest-agent",
		Kind: models.BuildGo,
		Source: models.Source{
			Kind: models.SourceFetch,
			Fetch: &models.Fetch{
				Kind:         models.FetchGit,
				URL:          "https://example.invalid/tundraforge/guest-agent.git",
				RequestedRef: "v1.4.0",
			},
		},
		Output: "/usr/lib/tundraforge/guest-agent",
	})

	_ = img.User(models.User{
		Name:   "tundraforge",
		System: true,
		Home:   "/var/lib/tundraforge",
	})

	_ = img.Service(models.Service{
		Name:     "guest-agent",
		ExecArgv: []string{"/usr/lib/tundraforge/guest-agent", "--config", "/etc/tundraforge/agent.toml"},
		User:     "tundraforge",
		Restart:  models.RestartOnFailure,
		After:    []string{"network-online.target", "secrets-ready.target"},
		Requires: []string{"network-online.target"},
	})

	img.Secret(models.Secret{
		Name:     "attestation-key",
		Required: true,
		Schema:   models.SecretSchema{Kind: models.SecretKindHex, MinLen: 64, MaxLen: 64},
		Targets: []models.SecretTarget{
			{Kind: models.SecretTargetFile, Dest: "/etc/tundraforge/attestation.key", Mode: 0o600},
		},
	})

	img.AddInitScript(models.InitScript{
		ID:                     "fetch-attestation-key",
		Priority:               10,
		ExecutablePathInImage:  "/usr/lib/tundraforge/guest-agent",
		ProvidesSecretMaterial: true,
	})

	img.Debloat(models.DebloatConfig{Enabled: true})

	return img
}
