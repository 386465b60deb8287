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

// Package recipe is the declarative Recipe API host code uses to
// describe a TDX image: an Image aggregate, a stack of active
// profiles, and methods that only ever append to or merge into the
// IR state of the currently active profile(s) (spec.md §4.1).
//
// No method in this package touches the filesystem or the network —
// that invariant is what makes an Image safe to mutate freely between
// explicit output operations (lock, emit, bake, measure, deploy),
// which alone take a consistent snapshot and perform side effects.
package recipe

import (
	"log"

	"tundraforge/internal/policy"
	"tundraforge/pkg/models"
)

// Image is the host-code handle for a recipe. It wraps the pure data
// model in pkg/models and adds the profile context stack and
// declarative mutation methods.
type Image struct {
	m *models.Image

	// stack holds the profile-selection frames pushed by Profiles/
	// AllProfiles; it is strictly LIFO and unwound even on panic by
	// Profiles/AllProfiles below. An empty stack means "the default
	// profile is active".
	stack [][]string

	Policy *policy.Policy
	Logger *log.Logger
}

// New constructs an Image with its default profile present.
func New(base string, arch models.Arch, defaultProfile string) *Image {
	return &Image{
		m:      models.NewImage(base, arch, defaultProfile),
		Policy: policy.Default(),
		Logger: log.Default(),
	}
}

// Model returns the underlying mutable data model. Exposed for
// internal/ir and tests; host recipes should prefer the declarative
// methods below.
func (img *Image) Model() *models.Image { return img.m }

// OutputTargets sets the image-level default output targets.
func (img *Image) OutputTargets(targets ...models.OutputTarget) {
	img.m.OutputTargets = append([]models.OutputTarget(nil), targets...)
}

// Kernel pins the image's guest kernel.
func (img *Image) Kernel(k models.KernelSpec) {
	kk := k
	img.m.Kernel = &kk
}

// activeProfileNames returns the profile names the next declarative
// call should mutate: the top of the context stack, or the image's
// default profile when the stack is empty.
func (img *Image) activeProfileNames() []string {
	if len(img.stack) == 0 {
		return []string{img.m.DefaultProfile}
	}
	return img.stack[len(img.stack)-1]
}

// forEachActive applies fn to every currently active profile. This is
// the single broadcast point every declarative method below funnels
// through: a single-profile context calls fn once, a multi-profile
// context calls fn once per selected profile, each getting the same
// record.
func (img *Image) forEachActive(fn func(p *models.Profile)) {
	for _, name := range img.activeProfileNames() {
		fn(img.m.Profile(name))
	}
}

// Profiles pushes a multi-profile (or single-profile, when len(names)
// == 1) selection frame, runs fn with it active, and guarantees the
// frame is popped afterward — including when fn panics — restoring
// whatever selection was active before. Declarative calls made inside
// fn broadcast to every named profile; bake/measure executed inside
// fn iterate the set.
func (img *Image) Profiles(names []string, fn func()) {
	img.push(names)
	defer img.pop()
	fn()
}

// AllProfiles behaves like Profiles but selects every profile the
// Image currently knows about (evaluated at entry, not continuously).
func (img *Image) AllProfiles(fn func()) {
	img.Profiles(img.m.ProfileNames(), fn)
}

func (img *Image) push(names []string) {
	cp := append([]string(nil), names...)
	img.stack = append(img.stack, cp)
}

func (img *Image) pop() {
	if len(img.stack) == 0 {
		return
	}
	img.stack = img.stack[:len(img.stack)-1]
}

// ActiveProfiles exposes the currently active selection, e.g. for a
// bake/measure call made at top level with no Profiles(...) wrapper.
func (img *Image) ActiveProfiles() []string {
	return append([]string(nil), img.activeProfileNames()...)
}
