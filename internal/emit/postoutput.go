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
	"fmt"
	"path/filepath"

	"tundraforge/internal/emit/debloat"
	"tundraforge/pkg/models"
)

// outputTargetScript names the output-conversion script the
// corresponding cloud/local target needs, and its body, per spec.md
// §4.3's "output target conversions become the appropriate postoutput
// script". qemu needs no conversion (raw/UKI is mkosi's native
// output), so it contributes no extra script.
func outputTargetScript(target models.OutputTarget) (name string, body []byte, ok bool) {
	switch target {
	case models.OutputAzure:
		return "azure-postoutput.sh", []byte(
			"#!/usr/bin/env bash\nset -euo pipefail\n" +
				`qemu-img convert -f raw -O vpc -o subformat=fixed,force_size "$OUTPUTDIR/image.raw" "$OUTPUTDIR/image.vhd"` + "\n",
		), true
	case models.OutputGCP:
		return "gcp-postoutput.sh", []byte(
			"#!/usr/bin/env bash\nset -euo pipefail\n" +
				`cp "$OUTPUTDIR/image.raw" "$OUTPUTDIR/disk.raw"` + "\n" +
				`tar -C "$OUTPUTDIR" --owner=0 --group=0 -S -czf "$OUTPUTDIR/image.tar.gz" disk.raw` + "\n",
		), true
	default:
		return "", nil, false
	}
}

// emitPostOutputScripts writes one script per output target declared
// for this profile that needs a conversion step.
func emitPostOutputScripts(profDir string, targets []models.OutputTarget) error {
	for _, t := range targets {
		name, body, ok := outputTargetScript(t)
		if !ok {
			continue
		}
		if err := writeFile(filepath.Join(profDir, name), body, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// emitDebloatCommands returns the postinst and finalize debloat
// commands, when debloat is enabled and not in Explain mode. For each
// allowlisted binary, postinst gets a dpkg-query listing of the systemd
// package's files with that binary's lines filtered out; these lines
// only print and remove nothing, and the unit allowlist is not
// consulted. The changes applied are the default.target symlink to
// minimal.target and the finalize removal of plan.PathsToRemove.
func emitDebloatCommands(cfg models.DebloatConfig, plan debloat.Plan) (postinst, finalize []string) {
	if !cfg.Enabled || cfg.Explain {
		return nil, nil
	}

	postinst = append(postinst, "# debloat: list systemd package files per allowlisted binary (nothing is removed)")
	for _, bin := range plan.BinaryWhitelist {
		postinst = append(postinst, fmt.Sprintf(
			"mkosi-chroot bash -c %s",
			models.Quote(fmt.Sprintf("dpkg-query -L systemd | grep -v -F %s || true", bin)),
		))
	}
	postinst = append(postinst, "mkosi-chroot ln -sf minimal.target /usr/lib/systemd/system/default.target")

	for _, p := range plan.PathsToRemove {
		finalize = append(finalize, fmt.Sprintf("rm -rf %s", models.Quote("$BUILDROOT/"+trimLeadingSlash(p))))
	}
	return postinst, finalize
}

func trimLeadingSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}
