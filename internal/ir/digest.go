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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// digestInput is the subset of Image that feeds the recipe digest.
// Kernel and Profiles are already normalized (sorted/deduped slices,
// map keys iterated in sorted order by json.Marshal), so two
// semantically-identical recipes always produce the same digest
// regardless of declaration order (spec.md §8 invariant 2).
type digestInput struct {
	Base           string
	Arch           string
	DefaultProfile string
	Kernel         *digestKernel          `json:",omitempty"`
	Profiles       map[string]*Snapshot
}

type digestKernel struct {
	SourceKind   string
	LocalPath    string `json:",omitempty"`
	OCIRef       string `json:",omitempty"`
	VersionPin   string `json:",omitempty"`
	CmdlineExtra []string
}

// Digest returns the recipe's content digest: "sha256:<hex>" over the
// canonical JSON encoding of the normalized IR. json.Marshal on Go
// maps already iterates keys in sorted order, which is what makes this
// canonical without a bespoke encoder.
func (img *Image) Digest() (string, error) {
	in := digestInput{
		Base:           img.Base,
		Arch:           string(img.Arch),
		DefaultProfile: img.DefaultProfile,
		Profiles:       img.Profiles,
	}
	if img.Kernel != nil {
		in.Kernel = &digestKernel{
			SourceKind:   string(img.Kernel.SourceKind),
			LocalPath:    img.Kernel.LocalPath,
			OCIRef:       img.Kernel.OCIRef,
			VersionPin:   img.Kernel.VersionPin,
			CmdlineExtra: img.Kernel.CmdlineExtra,
		}
	}

	encoded, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
