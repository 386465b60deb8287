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

package models

// FileEntry describes one file written into the image, either from
// inline Content or from a local Src path. Content and Src are
// mutually exclusive.
type FileEntry struct {
	Dest          string
	Content       []byte
	Src           string
	Mode          uint32 // default 0o644
	Owner         string
	Group         string
	AllowOverwrite bool
}

// TemplateEntry renders Src through the recipe's template engine with
// Vars and writes the result to Dest. Rendering is deterministic:
// block-trim on, key-sorted variable iteration, LF line endings, no
// autoescape (spec.md §4.1).
type TemplateEntry struct {
	Src            string
	Dest           string
	Vars           map[string]string
	Mode           uint32
	Owner          string
	Group          string
	AllowOverwrite bool
}

// User declares one user account to create during postinst.
type User struct {
	Name   string
	UID    *int
	System bool
	Home   string
	Shell  string
	Groups []string
}

// RestartPolicy mirrors systemd's Restart= values this library
// supports.
type RestartPolicy string

const (
	RestartNo        RestartPolicy = "no"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// Service declares one systemd unit installed and enabled during
// postinst.
type Service struct {
	Name            string
	ExecArgv        []string
	User            string // must reference a User declared in the same profile
	After           []string
	Requires        []string
	Wants           []string
	Restart         RestartPolicy
	SecurityProfile string            // e.g. a hardening preset name
	ExtraUnit       map[string]string // section.key -> value, merged verbatim
}

// DebloatConfig controls the optional binary/unit pruning pass.
type DebloatConfig struct {
	Enabled bool

	// ExtraBinaryWhitelist and ExtraUnitWhitelist extend (never
	// shrink) the built-in allowlists in internal/emit/debloat.
	ExtraBinaryWhitelist []string
	ExtraUnitWhitelist   []string

	// ExtraPathsToRemove are additional finalize-phase path removals.
	ExtraPathsToRemove []string

	// Explain, when true, makes debloat planning return the removal
	// set without writing it (spec.md §4.3).
	Explain bool
}

// KernelSourceKind distinguishes a locally vendored kernel from one
// distributed as an OCI artifact.
type KernelSourceKind string

const (
	KernelSourceLocalPath KernelSourceKind = "local_path"
	KernelSourceOCIRef    KernelSourceKind = "oci_ref"
)

// KernelSpec optionally pins the guest kernel used by the image base.
type KernelSpec struct {
	SourceKind    KernelSourceKind
	LocalPath     string
	OCIRef        string
	VersionPin    string
	CmdlineExtra  []string

	// Populated by lock() when SourceKind == KernelSourceOCIRef.
	ResolvedDigest string
}

// Profile is a named, scoped bundle of declarations. A single Image
// may hold several profiles; declarative recipe calls append into
// whichever profile(s) are currently active on the profile context
// stack (see pkg/recipe).
type Profile struct {
	Name string

	Packages      []string
	BuildPackages []string
	Repositories  []Repository

	// Files is append-only in declaration order; the same Dest may
	// appear more than once. IR normalization (internal/ir) resolves
	// conflicts per spec.md §4.1/§4.2/§8 invariant 3.
	Files     []FileEntry
	Templates []TemplateEntry

	Users    []User
	Services []Service

	Secrets []Secret
	Builds  []BuildSpec

	PhaseCommands map[Phase][]Command

	OutputTargets []OutputTarget // nil means "inherit Image.OutputTargets"

	InitScripts      []InitScript
	SecretsDelivery  SecretsDeliveryConfig
	Debloat          DebloatConfig
}

// NewProfile returns an empty, ready-to-mutate Profile.
func NewProfile(name string) *Profile {
	return &Profile{
		Name:            name,
		PhaseCommands:   make(map[Phase][]Command),
		SecretsDelivery: DefaultSecretsDeliveryConfig(),
	}
}

// EffectiveOutputTargets returns p.OutputTargets if set, else the
// Image-level default.
func (p *Profile) EffectiveOutputTargets(imageDefault []OutputTarget) []OutputTarget {
	if len(p.OutputTargets) > 0 {
		return p.OutputTargets
	}
	return imageDefault
}

// Image is the root aggregate of a recipe: a base distro/release, an
// architecture, a default profile, and a named map of every Profile
// the recipe declares.
type Image struct {
	Base            string
	Arch            Arch
	DefaultProfile  string
	OutputTargets   []OutputTarget
	Reproducible    bool
	Kernel          *KernelSpec

	Profiles map[string]*Profile
}

// NewImage constructs an Image with its default profile already
// present, satisfying the invariant that DefaultProfile always names
// a present Profile.
func NewImage(base string, arch Arch, defaultProfile string) *Image {
	img := &Image{
		Base:           base,
		Arch:           arch,
		DefaultProfile: defaultProfile,
		Reproducible:   true,
		Profiles:       make(map[string]*Profile),
	}
	img.Profiles[defaultProfile] = NewProfile(defaultProfile)
	return img
}

// Profile returns the named profile, creating it on first reference.
func (img *Image) Profile(name string) *Profile {
	if p, ok := img.Profiles[name]; ok {
		return p
	}
	p := NewProfile(name)
	img.Profiles[name] = p
	return p
}

// ProfileNames returns every declared profile name, sorted.
func (img *Image) ProfileNames() []string {
	names := make([]string, 0, len(img.Profiles))
	for name := range img.Profiles {
		names = append(names, name)
	}
	sortStrings(names)
	return names
}
