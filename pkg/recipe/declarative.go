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

package recipe

import (
	"tundraforge/internal/forgeerr"
	"tundraforge/pkg/models"
)

// Install records packages to be installed in the image. Dedup and
// sort happen at emit time (IR normalization), so install("a","b")
// and install("b","a") produce the same digest per spec.md §8
// invariant 2.
func (img *Image) Install(pkgs ...string) {
	img.forEachActive(func(p *models.Profile) {
		p.Packages = append(p.Packages, pkgs...)
	})
}

// BuildInstall records build-time-only packages.
func (img *Image) BuildInstall(pkgs ...string) {
	img.forEachActive(func(p *models.Profile) {
		p.BuildPackages = append(p.BuildPackages, pkgs...)
	})
}

// Repository appends one package repository, in declaration order.
func (img *Image) Repository(r models.Repository) {
	img.forEachActive(func(p *models.Profile) {
		p.Repositories = append(p.Repositories, r)
	})
}

// FileOpts are the optional knobs for File.
type FileOpts struct {
	Mode           uint32
	Owner          string
	Group          string
	AllowOverwrite bool
}

// File declares one file written into the image from inline content
// or from a local source path (mutually exclusive — exactly one of
// content/src must be non-empty). A second declaration at the same
// Dest within the same profile is rejected unless AllowOverwrite is
// set on it.
func (img *Image) File(dest string, content []byte, src string, opts FileOpts) error {
	if (len(content) == 0) == (src == "") {
		return forgeerr.New(forgeerr.CodeValidation, "file").
			WithHint("exactly one of content or src must be set for " + dest)
	}
	entry := models.FileEntry{
		Dest:           dest,
		Content:        content,
		Src:            src,
		Mode:           opts.Mode,
		Owner:          opts.Owner,
		Group:          opts.Group,
		AllowOverwrite: opts.AllowOverwrite,
	}
	if entry.Mode == 0 {
		entry.Mode = 0o644
	}

	var failErr error
	img.forEachActive(func(p *models.Profile) {
		if failErr != nil {
			return
		}
		for _, existing := range p.Files {
			if existing.Dest != dest {
				continue
			}
			if !entry.AllowOverwrite {
				failErr = forgeerr.New(forgeerr.CodeValidation, "file").
					WithProfile(p.Name).
					WithHint("duplicate file at " + dest + "; set AllowOverwrite to replace it")
				return
			}
		}
		p.Files = append(p.Files, entry)
	})
	return failErr
}

// Template declares one template render: src is rendered through the
// deterministic renderer (block-trim on, key-sorted vars, LF endings,
// no autoescape) and written to dest.
func (img *Image) Template(t models.TemplateEntry) {
	if t.Mode == 0 {
		t.Mode = 0o644
	}
	img.forEachActive(func(p *models.Profile) {
		p.Templates = append(p.Templates, t)
	})
}

// User declares one account created during postinst. Names must be
// unique per profile.
func (img *Image) User(u models.User) error {
	var failErr error
	img.forEachActive(func(p *models.Profile) {
		if failErr != nil {
			return
		}
		for _, existing := range p.Users {
			if existing.Name == u.Name {
				failErr = forgeerr.New(forgeerr.CodeValidation, "user").
					WithProfile(p.Name).
					WithHint("duplicate user " + u.Name)
				return
			}
		}
		p.Users = append(p.Users, u)
	})
	return failErr
}

// Service declares one systemd unit enabled during postinst. Names
// must be unique per profile; deep cross-field validation (user
// existence, After/Requires targets) happens at IR normalization,
// since it needs the whole profile's state.
func (img *Image) Service(s models.Service) error {
	var failErr error
	img.forEachActive(func(p *models.Profile) {
		if failErr != nil {
			return
		}
		for _, existing := range p.Services {
			if existing.Name == s.Name {
				failErr = forgeerr.New(forgeerr.CodeValidation, "service").
					WithProfile(p.Name).
					WithHint("duplicate service " + s.Name)
				return
			}
		}
		p.Services = append(p.Services, s)
	})
	return failErr
}

// Secret records one secret declaration. Only the name and schema are
// ever recorded — never a value, since recipe construction has no
// concept of a secret value at all.
func (img *Image) Secret(s models.Secret) {
	img.forEachActive(func(p *models.Profile) {
		p.Secrets = append(p.Secrets, s)
	})
}

// Build records one or more BuildSpecs.
func (img *Image) Build(specs ...models.BuildSpec) {
	img.forEachActive(func(p *models.Profile) {
		p.Builds = append(p.Builds, specs...)
	})
}

// Debloat sets the profile's debloat configuration.
func (img *Image) Debloat(cfg models.DebloatConfig) {
	img.forEachActive(func(p *models.Profile) {
		p.Debloat = cfg
	})
}

// ProfileOutputTargets overrides the image-level default output
// targets for the active profile(s).
func (img *Image) ProfileOutputTargets(targets ...models.OutputTarget) {
	img.forEachActive(func(p *models.Profile) {
		p.OutputTargets = append([]models.OutputTarget(nil), targets...)
	})
}

// AddInitScript records one boot-time init step contributed by the
// recipe or a module (spec.md §4.6).
func (img *Image) AddInitScript(s models.InitScript) {
	img.forEachActive(func(p *models.Profile) {
		p.InitScripts = append(p.InitScripts, s)
	})
}

// SecretsDelivery sets the profile's secrets delivery configuration.
func (img *Image) SecretsDelivery(cfg models.SecretsDeliveryConfig) {
	img.forEachActive(func(p *models.Profile) {
		p.SecretsDelivery = cfg
	})
}

// phaseCommand appends cmd to phase's command list for every active profile.
func (img *Image) phaseCommand(phase models.Phase, cmd models.Command) {
	img.forEachActive(func(p *models.Profile) {
		p.PhaseCommands[phase] = append(p.PhaseCommands[phase], cmd)
	})
}

// Sync appends a sync-phase command.
func (img *Image) Sync(cmd models.Command) { img.phaseCommand(models.PhaseSync, cmd) }

// Prepare appends a prepare-phase command.
func (img *Image) Prepare(cmd models.Command) { img.phaseCommand(models.PhasePrepare, cmd) }

// Run appends a build-phase command (the "run the build" hook).
func (img *Image) Run(cmd models.Command) { img.phaseCommand(models.PhaseBuild, cmd) }

// Finalize appends a finalize-phase command.
func (img *Image) Finalize(cmd models.Command) { img.phaseCommand(models.PhaseFinalize, cmd) }

// PostOutput appends a postoutput-phase command.
func (img *Image) PostOutput(cmd models.Command) { img.phaseCommand(models.PhasePostOutput, cmd) }

// Clean appends a clean-phase command.
func (img *Image) Clean(cmd models.Command) { img.phaseCommand(models.PhaseClean, cmd) }

// PostInst appends a postinst-phase command.
func (img *Image) PostInst(cmd models.Command) { img.phaseCommand(models.PhasePostInst, cmd) }

// Skeleton appends a skeleton-phase command.
func (img *Image) Skeleton(cmd models.Command) { img.phaseCommand(models.PhaseSkeleton, cmd) }
