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

// Package ir normalizes a recipe's in-memory models.Image into a
// validated, deterministic intermediate representation: one Snapshot
// per profile, with packages deduped and sorted, file/template
// conflicts resolved, and the user/service/target graph checked for
// cycles and dangling references. Normalize is the single choke point
// every side-effecting operation (lock, emit, bake) runs a recipe
// through before it touches a filesystem or network.
package ir

import (
	"fmt"
	"sort"
	"strings"

	"tundraforge/internal/forgeerr"
	"tundraforge/pkg/models"
)

// Snapshot is one profile's normalized, validated IR.
type Snapshot struct {
	Profile string

	Packages      []string
	BuildPackages []string
	Repositories  []models.Repository

	Files     []models.FileEntry
	Templates []models.TemplateEntry

	Users    []models.User
	Services []models.Service

	Secrets []models.Secret
	Builds  []models.BuildSpec

	PhaseCommands map[models.Phase][]models.Command

	OutputTargets []models.OutputTarget

	InitScripts     []models.InitScript
	SecretsDelivery models.SecretsDeliveryConfig
	Debloat         models.DebloatConfig
}

// Image is the normalized whole-recipe IR: a Snapshot per profile plus
// the image-level fields that do not vary by profile.
type Image struct {
	Base           string
	Arch           models.Arch
	DefaultProfile string
	Kernel         *models.KernelSpec

	Profiles map[string]*Snapshot
}

// Normalize validates img and produces its IR. It never touches the
// filesystem or network; every check here is pure data validation, so
// the same recipe always normalizes to the same IR (spec.md §8
// invariant 2).
func Normalize(img *models.Image) (*Image, error) {
	if !img.Arch.Valid() {
		return nil, forgeerr.New(forgeerr.CodeValidation, "normalize").
			WithHint(fmt.Sprintf("unsupported architecture %q", img.Arch))
	}
	if _, ok := img.Profiles[img.DefaultProfile]; !ok {
		return nil, forgeerr.New(forgeerr.CodeValidation, "normalize").
			WithHint("default profile " + img.DefaultProfile + " is not declared")
	}

	out := &Image{
		Base:           img.Base,
		Arch:           img.Arch,
		DefaultProfile: img.DefaultProfile,
		Kernel:         img.Kernel,
		Profiles:       make(map[string]*Snapshot, len(img.Profiles)),
	}

	names := img.ProfileNames()
	for _, name := range names {
		snap, err := normalizeProfile(img.Profiles[name], img.OutputTargets)
		if err != nil {
			return nil, err
		}
		out.Profiles[name] = snap
	}
	return out, nil
}

func normalizeProfile(p *models.Profile, imageOutputTargets []models.OutputTarget) (*Snapshot, error) {
	snap := &Snapshot{
		Profile:         p.Name,
		BuildPackages:   dedupeSorted(p.BuildPackages),
		Packages:        dedupeSorted(p.Packages),
		Users:           p.Users,
		Services:        p.Services,
		Secrets:         p.Secrets,
		Builds:          p.Builds,
		OutputTargets:   p.EffectiveOutputTargets(imageOutputTargets),
		InitScripts:     p.InitScripts,
		SecretsDelivery: p.SecretsDelivery,
		Debloat:         p.Debloat,
		PhaseCommands:   p.PhaseCommands,
	}

	repos, err := mergeRepositories(p.Repositories)
	if err != nil {
		return nil, forgeerr.New(forgeerr.CodeValidation, "normalize").
			WithProfile(p.Name).Wrap(err)
	}
	snap.Repositories = repos

	files, templates, err := resolveFiles(p.Files, p.Templates)
	if err != nil {
		return nil, forgeerr.New(forgeerr.CodeValidation, "normalize").
			WithProfile(p.Name).Wrap(err)
	}
	snap.Files = files
	snap.Templates = templates

	if err := validateUsersAndServices(p); err != nil {
		return nil, forgeerr.New(forgeerr.CodeValidation, "normalize").
			WithProfile(p.Name).Wrap(err)
	}

	if err := validatePhaseOrder(p); err != nil {
		return nil, forgeerr.New(forgeerr.CodePhaseOrder, "normalize").
			WithProfile(p.Name).Wrap(err)
	}

	if err := validateBuildOutputOrdering(p); err != nil {
		return nil, forgeerr.New(forgeerr.CodePhaseOrder, "normalize").
			WithProfile(p.Name).Wrap(err)
	}

	if err := validateInitScripts(p.InitScripts); err != nil {
		return nil, forgeerr.New(forgeerr.CodeValidation, "normalize").
			WithProfile(p.Name).Wrap(err)
	}

	if err := validateSecretsDelivery(p); err != nil {
		return nil, forgeerr.New(forgeerr.CodeValidation, "normalize").
			WithProfile(p.Name).Wrap(err)
	}

	if err := validateOutputTargets(p); err != nil {
		return nil, forgeerr.New(forgeerr.CodeValidation, "normalize").
			WithProfile(p.Name).Wrap(err)
	}

	return snap, nil
}

// dedupeSorted returns ss deduplicated and sorted, so that declaration
// order and repetition never affect the resulting IR or its digest.
func dedupeSorted(ss []string) []string {
	if len(ss) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// mergeRepositories unions Components across repeated declarations of
// the same URL and requires Suite/KeyringSource to agree across them;
// a conflict there is a hard validation failure (spec.md §4.2 leaves
// "last wins on conflicting fields" ambiguous for repositories, so
// this package resolves it as union-then-verify rather than
// silently preferring the last declaration — see DESIGN.md).
func mergeRepositories(repos []models.Repository) ([]models.Repository, error) {
	if len(repos) == 0 {
		return nil, nil
	}
	order := make([]string, 0, len(repos))
	byURL := make(map[string]*models.Repository, len(repos))
	for _, r := range repos {
		existing, ok := byURL[r.URL]
		if !ok {
			cp := r
			cp.Components = append([]string(nil), r.Components...)
			byURL[r.URL] = &cp
			order = append(order, r.URL)
			continue
		}
		if existing.Suite != r.Suite {
			return nil, fmt.Errorf("repository %s: conflicting suite %q vs %q", r.URL, existing.Suite, r.Suite)
		}
		if existing.KeyringSource != r.KeyringSource {
			return nil, fmt.Errorf("repository %s: conflicting keyring_source", r.URL)
		}
		for _, c := range r.Components {
			if !containsString(existing.Components, c) {
				existing.Components = append(existing.Components, c)
			}
		}
	}
	out := make([]models.Repository, 0, len(order))
	for _, u := range order {
		r := *byURL[u]
		sort.Strings(r.Components)
		out = append(out, r)
	}
	return out, nil
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// resolveFiles applies spec.md §4.1/§8 invariant 3 to repeated
// declarations at the same Dest: a single declaration always wins; two
// or more declarations at the same Dest are only valid if every
// declaration after the first is byte-identical to the first, or has
// AllowOverwrite set (last one standing wins in that case). Templates
// are resolved the same way, keyed by Dest, and a Dest may not be
// claimed by both a File and a Template.
func resolveFiles(files []models.FileEntry, templates []models.TemplateEntry) ([]models.FileEntry, []models.TemplateEntry, error) {
	fileOrder := make([]string, 0, len(files))
	byDest := make(map[string]models.FileEntry, len(files))
	for _, f := range files {
		prev, ok := byDest[f.Dest]
		if !ok {
			byDest[f.Dest] = f
			fileOrder = append(fileOrder, f.Dest)
			continue
		}
		if identicalFile(prev, f) {
			byDest[f.Dest] = f
			continue
		}
		if !f.AllowOverwrite {
			return nil, nil, fmt.Errorf("file %s: conflicting declarations without allow_overwrite", f.Dest)
		}
		byDest[f.Dest] = f
	}

	tplOrder := make([]string, 0, len(templates))
	tplByDest := make(map[string]models.TemplateEntry, len(templates))
	for _, t := range templates {
		if _, ok := byDest[t.Dest]; ok {
			return nil, nil, fmt.Errorf("dest %s: claimed by both a file and a template", t.Dest)
		}
		prev, ok := tplByDest[t.Dest]
		if !ok {
			tplByDest[t.Dest] = t
			tplOrder = append(tplOrder, t.Dest)
			continue
		}
		if identicalTemplate(prev, t) {
			tplByDest[t.Dest] = t
			continue
		}
		if !t.AllowOverwrite {
			return nil, nil, fmt.Errorf("template %s: conflicting declarations without allow_overwrite", t.Dest)
		}
		tplByDest[t.Dest] = t
	}

	outFiles := make([]models.FileEntry, 0, len(fileOrder))
	for _, d := range fileOrder {
		outFiles = append(outFiles, byDest[d])
	}
	sort.Slice(outFiles, func(i, j int) bool { return outFiles[i].Dest < outFiles[j].Dest })

	outTemplates := make([]models.TemplateEntry, 0, len(tplOrder))
	for _, d := range tplOrder {
		outTemplates = append(outTemplates, tplByDest[d])
	}
	sort.Slice(outTemplates, func(i, j int) bool { return outTemplates[i].Dest < outTemplates[j].Dest })

	return outFiles, outTemplates, nil
}

func identicalFile(a, b models.FileEntry) bool {
	if a.Dest != b.Dest || a.Src != b.Src || a.Mode != b.Mode || a.Owner != b.Owner || a.Group != b.Group {
		return false
	}
	if len(a.Content) != len(b.Content) {
		return false
	}
	for i := range a.Content {
		if a.Content[i] != b.Content[i] {
			return false
		}
	}
	return true
}

func identicalTemplate(a, b models.TemplateEntry) bool {
	if a.Dest != b.Dest || a.Src != b.Src || a.Mode != b.Mode || a.Owner != b.Owner || a.Group != b.Group {
		return false
	}
	if len(a.Vars) != len(b.Vars) {
		return false
	}
	for k, v := range a.Vars {
		if b.Vars[k] != v {
			return false
		}
	}
	return true
}

// wellKnownTargets names the systemd targets/units spec.md §3 allows a
// Service's After/Requires/Wants to reference without that name being
// a declared Service in the same profile: the two synthesized by
// internal/initsystem, plus a conservative set of standard systemd
// target units any base distro image carries.
var wellKnownTargets = map[string]bool{
	"network-online.target": true,
	"secrets-ready.target":  true,
	"runtime-init.service":  true,
	"basic.target":          true,
	"multi-user.target":     true,
	"local-fs.target":       true,
	"sysinit.target":        true,
	"graphical.target":      true,
	"shutdown.target":       true,
	"cloud-init.target":     true,
}

// validateUsersAndServices checks that every Service.User references a
// declared User and that every After/Requires/Wants entry names either
// a declared Service in the same profile or a well-known systemd
// target (spec.md §3), rejecting cycles in the After/Requires graph
// among declared services.
func validateUsersAndServices(p *models.Profile) error {
	userNames := make(map[string]bool, len(p.Users))
	for _, u := range p.Users {
		userNames[u.Name] = true
	}

	svcNames := make(map[string]bool, len(p.Services))
	for _, s := range p.Services {
		svcNames[s.Name] = true
	}

	edges := make(map[string][]string, len(p.Services))
	for _, s := range p.Services {
		if s.User != "" && !userNames[s.User] {
			return fmt.Errorf("service %s: references undeclared user %s", s.Name, s.User)
		}
		for _, dep := range append(append(append([]string{}, s.After...), s.Requires...), s.Wants...) {
			if svcNames[dep] {
				edges[s.Name] = append(edges[s.Name], dep)
				continue
			}
			if !wellKnownTargets[dep] {
				return fmt.Errorf("service %s: After/Requires/Wants references %q, which is neither a declared service nor a well-known target", s.Name, dep)
			}
		}
	}

	return checkAcyclic(edges)
}

// checkAcyclic runs a recursive DFS with a recursion-stack marker over
// edges, returning an error naming the first cycle found.
func checkAcyclic(edges map[string][]string) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)

	var visit func(node string, path []string) error
	visit = func(node string, path []string) error {
		color[node] = gray
		for _, dep := range edges[node] {
			switch color[dep] {
			case gray:
				return fmt.Errorf("service dependency cycle: %v -> %s", append(path, dep), dep)
			case white:
				if err := visit(dep, append(path, dep)); err != nil {
					return err
				}
			}
		}
		color[node] = black
		return nil
	}

	nodes := make([]string, 0, len(edges))
	for n := range edges {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if color[n] == white {
			if err := visit(n, []string{n}); err != nil {
				return err
			}
		}
	}
	return nil
}

// validatePhaseOrder rejects any command recorded against a phase not
// in the fixed pipeline order; declaration into Phase by construction
// always uses a constant from pkg/models, so this mainly guards
// against a Phase value built by hand outside this module (e.g. a
// future JSON-driven recipe loader).
func validatePhaseOrder(p *models.Profile) error {
	for phase := range p.PhaseCommands {
		if !phase.Valid() {
			return fmt.Errorf("phase %q is not a recognized pipeline phase", phase)
		}
	}
	return nil
}

// validateInitScripts rejects duplicate IDs, preconditions that
// reference an undeclared step ID, and an AfterPhase that does not
// name a phase strictly before models.PhaseBoot (every init step runs
// in Boot, so "reference earlier phases" means "earlier than Boot").
func validateInitScripts(scripts []models.InitScript) error {
	ids := make(map[string]bool, len(scripts))
	for _, s := range scripts {
		if ids[s.ID] {
			return fmt.Errorf("init script %s: duplicate id", s.ID)
		}
		ids[s.ID] = true
	}
	for _, s := range scripts {
		for _, pre := range s.Preconditions {
			if !ids[pre] {
				return fmt.Errorf("init script %s: precondition %s is not declared", s.ID, pre)
			}
		}
		if s.AfterPhase != "" {
			if !s.AfterPhase.Valid() {
				return fmt.Errorf("init script %s: after_phase %q is not a recognized phase", s.ID, s.AfterPhase)
			}
			if !s.AfterPhase.Before(models.PhaseBoot) {
				return fmt.Errorf("init script %s: after_phase %q must be strictly before boot", s.ID, s.AfterPhase)
			}
		}
	}
	return nil
}

// validateBuildOutputOrdering rejects a prepare-phase command whose
// argv references $DESTDIR/<output> or $BUILDROOT/<output> (also in
// their ${...} forms) where that output is produced by a
// build-phase BuildSpec — prepare runs strictly before build, so that
// path cannot exist yet (spec.md §4.2, E2E scenario 3).
func validateBuildOutputOrdering(p *models.Profile) error {
	buildOutputs := make(map[string]bool)
	for _, b := range p.Builds {
		if b.Output == "" {
			continue
		}
		buildOutputs[strings.TrimPrefix(b.Output, "/")] = true
	}
	if len(buildOutputs) == 0 {
		return nil
	}

	for phase, cmds := range p.PhaseCommands {
		if !phase.Before(models.PhaseBuild) {
			continue
		}
		for _, cmd := range cmds {
			for _, arg := range cmd.Argv {
				ref := destRefSuffix(arg)
				if ref == "" {
					continue
				}
				if buildOutputs[ref] {
					return fmt.Errorf("phase %s: command references %q, which is only produced by a build-phase BuildSpec", phase, arg)
				}
			}
		}
	}
	return nil
}

// destRefSuffix extracts the path suffix after a $DESTDIR (or
// $BUILDROOT) token, e.g. "$DESTDIR/usr/bin/myprog" -> "usr/bin/myprog".
// Returns "" for args that are not such a reference.
func destRefSuffix(arg string) string {
	for _, token := range []string{"$DESTDIR/", "${DESTDIR}/", "$BUILDROOT/", "${BUILDROOT}/"} {
		if idx := strings.Index(arg, token); idx >= 0 {
			return arg[idx+len(token):]
		}
	}
	return ""
}

// validateSecretsDelivery confirms the profile's
// SecretsDelivery.Method is consistent with its declared secrets:
// when any secret is declared, all_required requires at least one of
// them to be required; a profile that declares no secrets passes
// (spec.md §4.2).
func validateSecretsDelivery(p *models.Profile) error {
	if p.SecretsDelivery.Method != models.SecretsDeliveryAllRequired {
		return nil
	}
	for _, s := range p.Secrets {
		if s.Required {
			return nil
		}
	}
	if len(p.Secrets) == 0 {
		// No secrets declared at all: the delivery method is moot,
		// not inconsistent — nothing will ever be delivered.
		return nil
	}
	return fmt.Errorf("secrets_delivery.method=all_required requires at least one required secret")
}

// validateOutputTargets confirms the profile's own OutputTargets
// declarations name only recognized output targets, so an
// unrecognized target string never reaches the emitter. Phase
// commands are not inspected.
func validateOutputTargets(p *models.Profile) error {
	for _, t := range p.OutputTargets {
		if !t.Valid() {
			return fmt.Errorf("output target %q is not recognized", t)
		}
	}
	return nil
}
