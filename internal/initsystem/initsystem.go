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

// Package initsystem composes a profile's InitScripts into a single
// runtime-init.service unit run at first boot, and generates the
// secrets-ready.target that the secrets delivery state machine (see
// Deliverer in secrets.go) activates once every required secret has
// arrived (spec.md §4.6).
package initsystem

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"

	"tundraforge/internal/forgeerr"
	"tundraforge/pkg/models"
)

// RuntimeInitServiceName is the unit name every declared Service
// waiting on boot-time init should order itself After=.
const RuntimeInitServiceName = "runtime-init.service"

// RuntimeInitPathInImage is where the composed init script is
// installed in the guest image, matched by runtime-init.service's
// ExecStart= (spec.md §4.6 item 2).
const RuntimeInitPathInImage = "/usr/bin/runtime-init"

// SecretsReadyTargetName is the unit name a Service depending on
// delivered secret material should order itself After=.
const SecretsReadyTargetName = "secrets-ready.target"

// Compose sorts scripts by (Priority, ID) and returns the shell script
// that runs them in that order, plus the runtime-init.service unit
// file that invokes it. The script halts on first failure; a later
// step never runs after an earlier one failed, so failure ordering is
// deterministic.
func Compose(scripts []models.InitScript) (script []byte, serviceUnit []byte, err error) {
	ordered := append([]models.InitScript(nil), scripts...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\nset -euo pipefail\n")
	for _, s := range ordered {
		fmt.Fprintf(&b, "logger -t runtime-init %q\n", fmt.Sprintf("running %s (priority %d)", s.ID, s.Priority))
		fmt.Fprintf(&b, "%s\n", s.ExecutablePathInImage)
	}

	needsSecretsBefore := false
	for _, s := range ordered {
		if s.ProvidesSecretMaterial {
			needsSecretsBefore = true
			break
		}
	}

	unitFile, uerr := runtimeInitUnit(needsSecretsBefore)
	if uerr != nil {
		return nil, nil, uerr
	}
	return []byte(b.String()), unitFile, nil
}

func runtimeInitUnit(needsSecretsBefore bool) ([]byte, error) {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "TundraForge composed runtime init"),
		unit.NewUnitOption("Unit", "DefaultDependencies", "no"),
		unit.NewUnitOption("Unit", "After", "local-fs.target"),
	}
	if needsSecretsBefore {
		opts = append(opts, unit.NewUnitOption("Unit", "Before", SecretsReadyTargetName))
	}
	opts = append(opts,
		unit.NewUnitOption("Service", "Type", "oneshot"),
		unit.NewUnitOption("Service", "RemainAfterExit", "yes"),
		unit.NewUnitOption("Service", "ExecStart", RuntimeInitPathInImage),
		unit.NewUnitOption("Install", "WantedBy", "multi-user.target"),
	)
	return serialize(opts)
}

// SecretsReadyTarget returns the secrets-ready.target unit file
// content. It carries no ExecStart of its own; Deliverer activates it
// once the delivery state machine reaches COMPLETE.
func SecretsReadyTarget() ([]byte, error) {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "All required secrets have been delivered"),
		unit.NewUnitOption("Unit", "DefaultDependencies", "no"),
	}
	return serialize(opts)
}

// InjectServiceOrdering returns a copy of svc with After/Requires
// extended to include RuntimeInitServiceName and, when the service
// declares it depends on delivered secrets, SecretsReadyTargetName.
func InjectServiceOrdering(svc models.Service, needsSecrets bool) models.Service {
	out := svc
	out.After = appendUnique(svc.After, RuntimeInitServiceName)
	if needsSecrets {
		out.After = appendUnique(out.After, SecretsReadyTargetName)
		out.Requires = appendUnique(out.Requires, SecretsReadyTargetName)
	}
	return out
}

func appendUnique(ss []string, s string) []string {
	for _, x := range ss {
		if x == s {
			return ss
		}
	}
	return append(ss, s)
}

// ServiceUnit renders svc as a systemd unit file. ExecArgv becomes a
// single ExecStart= line (each argument passed through models.Quote so
// systemd's own argv splitting matches shell quoting rules); After/
// Requires/Wants are emitted in declaration order, already extended by
// InjectServiceOrdering before this is called. ExtraUnit entries are
// merged in verbatim as "section.key" -> value pairs, sorted for
// determinism.
func ServiceUnit(svc models.Service) ([]byte, error) {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "TundraForge-managed service "+svc.Name),
	}
	for _, dep := range svc.After {
		opts = append(opts, unit.NewUnitOption("Unit", "After", dep))
	}
	for _, dep := range svc.Requires {
		opts = append(opts, unit.NewUnitOption("Unit", "Requires", dep))
	}
	for _, dep := range svc.Wants {
		opts = append(opts, unit.NewUnitOption("Unit", "Wants", dep))
	}

	opts = append(opts, unit.NewUnitOption("Service", "ExecStart", quoteArgv(svc.ExecArgv)))
	if svc.User != "" {
		opts = append(opts, unit.NewUnitOption("Service", "User", svc.User))
	}
	if svc.Restart != "" {
		opts = append(opts, unit.NewUnitOption("Service", "Restart", string(svc.Restart)))
	}

	opts = append(opts, extraUnitOptions(svc.ExtraUnit)...)
	opts = append(opts, unit.NewUnitOption("Install", "WantedBy", "multi-user.target"))

	return serialize(opts)
}

func quoteArgv(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = models.Quote(a)
	}
	return strings.Join(parts, " ")
}

// extraUnitOptions turns a "section.key" -> value map into
// UnitOptions, sorted by key so output never depends on map order.
func extraUnitOptions(extra map[string]string) []*unit.UnitOption {
	if len(extra) == 0 {
		return nil
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*unit.UnitOption, 0, len(keys))
	for _, k := range keys {
		section, name, ok := strings.Cut(k, ".")
		if !ok {
			continue
		}
		out = append(out, unit.NewUnitOption(section, name, extra[k]))
	}
	return out
}

func serialize(opts []*unit.UnitOption) ([]byte, error) {
	r := unit.Serialize(opts)
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, forgeerr.New(forgeerr.CodeBackendExec, "initsystem.serialize").Wrap(err)
	}
	return buf.Bytes(), nil
}
