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
	"os/exec"

	"tundraforge/internal/forgeerr"
)

// Module is a reusable bundle of recipe declarations (spec.md §4.7): a
// named unit of Install/File/Service/... calls a recipe can pull in
// with Use instead of repeating inline.
type Module interface {
	// Name identifies the module in error messages and logs.
	Name() string
}

// HostCommandChecker is implemented by modules that require a command
// to be present on the host machine building the image (not the guest
// image itself) — e.g. a module that shells out to a vendor tool to
// generate a file at recipe-construction time.
type HostCommandChecker interface {
	Module
	RequiredHostCommands() []string
}

// Applier is implemented by every module: Apply receives the Image
// with the caller's profile context already active and makes whatever
// declarative calls the module needs.
type Applier interface {
	Module
	Apply(img *Image) error
}

// lookPath is overridable in tests so module application can be
// exercised without touching the real $PATH.
var lookPath = exec.LookPath

// Use applies one or more modules against the currently active
// profile context. Before invoking Apply, Use verifies every host
// command a HostCommandChecker module declares is resolvable, failing
// fast with E_VALIDATION rather than letting a missing tool surface
// later as an opaque backend failure.
func (img *Image) Use(modules ...Applier) error {
	for _, m := range modules {
		if checker, ok := m.(HostCommandChecker); ok {
			for _, cmd := range checker.RequiredHostCommands() {
				if _, err := lookPath(cmd); err != nil {
					return forgeerr.New(forgeerr.CodeValidation, "use").
						WithHint("module " + m.Name() + " requires host command " + cmd + ": " + err.Error())
				}
			}
		}
		if err := m.Apply(img); err != nil {
			return forgeerr.New(forgeerr.CodeValidation, "use").
				WithHint("module " + m.Name() + " failed to apply").
				Wrap(err)
		}
	}
	return nil
}
