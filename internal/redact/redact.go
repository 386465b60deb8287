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

// Package redact upholds the secrets anti-leak contract of spec.md
// §4.6/§7: a secret's value must never reach a log line, an error
// message, or any emitted artifact. Only its name may appear.
package redact

import "fmt"

// Value always returns a fixed-width placeholder regardless of the
// input, so call sites can never accidentally interpolate a secret
// value by forgetting to redact it — there is no "short secret" case
// that leaks length or a partial value the way a teacher-style
// first/last-N-chars redaction would.
func Value(string) string { return "[REDACTED]" }

// NamedSecretForLog formats a secret name for a log line. It does no
// checking of its own: callers pass the name, never a value. The name
// itself is not sensitive per spec.md §4.6.
func NamedSecretForLog(name string) string {
	return fmt.Sprintf("secret(name=%s)", name)
}

// EnvLine renders a "NAME=[REDACTED]" line suitable for logging an
// attempted env-target materialization without exposing the value.
func EnvLine(name string) string {
	return name + "=[REDACTED]"
}
