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

import "strings"

// Command is a single shell step appended to a phase script. Argv is
// the safe form; Shell opts into raw shell-string execution and is
// only honored when explicitly set.
type Command struct {
	Argv  []string
	Env   map[string]string
	Cwd   string
	Shell bool
}

// Render returns the shell-ready line for this command: the raw Shell
// string verbatim when Shell is set, otherwise each Argv element
// quoted and space-joined. It never substitutes $BUILDROOT,
// $BUILDDIR, $OUTPUTDIR, $DESTDIR, or any other mkosi-provided token —
// those are consumed by mkosi at runtime, not by the emitter.
func (c Command) Render() string {
	if c.Shell {
		if len(c.Argv) == 0 {
			return ""
		}
		return c.Argv[0]
	}
	parts := make([]string, 0, len(c.Argv))
	for _, a := range c.Argv {
		parts = append(parts, Quote(a))
	}
	return strings.Join(parts, " ")
}

// EnvPrefix renders Env as a sequence of "KEY=VALUE " shell assignment
// prefixes in sorted key order, for deterministic output.
func (c Command) EnvPrefix() string {
	if len(c.Env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sortStrings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(Quote(c.Env[k]))
		b.WriteByte(' ')
	}
	return b.String()
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Quote returns arg surrounded by single quotes if it contains shell
// metacharacters, otherwise arg unchanged.
func Quote(arg string) string {
	if arg == "" {
		return "''"
	}
	if strings.IndexFunc(arg, isShellMeta) == -1 {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", "'\\''") + "'"
}

func isShellMeta(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\'', '"', '$', '`', '\\', '|', '&', ';', '<', '>', '(', ')':
		return true
	default:
		return false
	}
}
