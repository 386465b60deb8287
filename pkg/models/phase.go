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

// Package models holds the immutable typed records that make up a
// recipe: packages, files, users, services, secrets, builds, fetches,
// and phases. Mutation lives in pkg/recipe; these types are plain data.
package models

import "fmt"

// Phase is a closed enum naming a slot in the mkosi build pipeline.
// Ordering is fixed; Boot is runtime-only and synthesized by the init
// subsystem rather than emitted as a numbered mkosi script.
type Phase string

const (
	PhaseSync       Phase = "sync"
	PhaseSkeleton   Phase = "skeleton"
	PhasePrepare    Phase = "prepare"
	PhaseBuild      Phase = "build"
	PhaseExtra      Phase = "extra"
	PhasePostInst   Phase = "postinst"
	PhaseFinalize   Phase = "finalize"
	PhasePostOutput Phase = "postoutput"
	PhaseClean      Phase = "clean"
	PhaseRepart     Phase = "repart"
	PhaseBoot       Phase = "boot"
)

// Phases lists every phase in the fixed pipeline order, including the
// runtime-only Boot phase. ScriptPhases returns the subset that is
// emitted as a numbered mkosi script.
var phaseOrder = []Phase{
	PhaseSync, PhaseSkeleton, PhasePrepare, PhaseBuild, PhaseExtra,
	PhasePostInst, PhaseFinalize, PhasePostOutput, PhaseClean, PhaseRepart,
	PhaseBoot,
}

// Phases returns the fixed phase ordering.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// ScriptPhases returns phases that are emitted as mkosi scripts,
// i.e. every phase except the runtime-only Boot phase.
func ScriptPhases() []Phase {
	out := make([]Phase, 0, len(phaseOrder)-1)
	for _, p := range phaseOrder {
		if p != PhaseBoot {
			out = append(out, p)
		}
	}
	return out
}

// Index returns the position of p in the fixed phase order, or -1 if p
// is not a recognized phase.
func (p Phase) Index() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is one of the recognized phases.
func (p Phase) Valid() bool { return p.Index() >= 0 }

// Before reports whether p occurs strictly before other in the fixed
// phase order. Both phases must be valid.
func (p Phase) Before(other Phase) bool {
	pi, oi := p.Index(), other.Index()
	return pi >= 0 && oi >= 0 && pi < oi
}

// String implements fmt.Stringer.
func (p Phase) String() string { return string(p) }

// ScriptName returns the numbered script filename mkosi expects for a
// script-emitting phase, e.g. "02-prepare.sh".
func (p Phase) ScriptName() (string, error) {
	for i, candidate := range ScriptPhases() {
		if candidate == p {
			return fmt.Sprintf("%02d-%s.sh", i, p), nil
		}
	}
	return "", fmt.Errorf("models: phase %q has no emitted script", p)
}

// Arch is a supported guest CPU architecture.
type Arch string

const (
	ArchX86_64  Arch = "x86_64"
	ArchAArch64 Arch = "aarch64"
)

// Valid reports whether a is a supported architecture.
func (a Arch) Valid() bool {
	switch a {
	case ArchX86_64, ArchAArch64:
		return true
	default:
		return false
	}
}

// MkosiArchitecture maps the recipe-level arch name to the value mkosi
// expects in its Architecture= config key.
func (a Arch) MkosiArchitecture() (string, error) {
	switch a {
	case ArchX86_64:
		return "x86-64", nil
	case ArchAArch64:
		return "arm64", nil
	default:
		return "", fmt.Errorf("models: unsupported arch %q", a)
	}
}

// OutputTarget names a cloud or local output format.
type OutputTarget string

const (
	OutputQEMU  OutputTarget = "qemu"
	OutputAzure OutputTarget = "azure"
	OutputGCP   OutputTarget = "gcp"
)

// Valid reports whether t is a recognized output target.
func (t OutputTarget) Valid() bool {
	switch t {
	case OutputQEMU, OutputAzure, OutputGCP:
		return true
	default:
		return false
	}
}
