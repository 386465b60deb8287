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

// Package forgeerr implements the typed error taxonomy of spec.md §7:
// every error surfaced by a side-effecting operation carries a
// machine-readable Code plus {profile, phase, operation} context.
package forgeerr

import "fmt"

// Code is a machine-readable error classification.
type Code string

const (
	CodeValidation      Code = "E_VALIDATION"
	CodePhaseOrder      Code = "E_PHASE_ORDER_INVALID"
	CodeLockfile        Code = "E_LOCKFILE"
	CodePolicy          Code = "E_POLICY"
	CodeReproducibility Code = "E_REPRODUCIBILITY"
	CodeBackendExec     Code = "E_BACKEND_EXECUTION"
	CodeMeasurement     Code = "E_MEASUREMENT"
	CodeDeployment      Code = "E_DEPLOYMENT"
)

// ExitCode returns the non-normative wrapper exit code for c, per
// spec.md §6.
func (c Code) ExitCode() int {
	switch c {
	case CodeValidation, CodePhaseOrder:
		return 2
	case CodeLockfile:
		return 3
	case CodePolicy:
		return 4
	case CodeBackendExec:
		return 5
	case CodeMeasurement:
		return 6
	case CodeDeployment:
		return 7
	default:
		return 1
	}
}

// Error is the single error type used across the module for any
// side-effecting-operation failure.
type Error struct {
	Code    Code
	Op      string
	Profile string
	Phase   string
	Hint    string
	Err     error
}

// New constructs an Error with the given code and operation name.
func New(code Code, op string) *Error {
	return &Error{Code: code, Op: op}
}

// WithProfile sets the Profile context field and returns e for chaining.
func (e *Error) WithProfile(profile string) *Error {
	e.Profile = profile
	return e
}

// WithPhase sets the Phase context field and returns e for chaining.
func (e *Error) WithPhase(phase string) *Error {
	e.Phase = phase
	return e
}

// WithHint sets a human-readable remediation hint and returns e for chaining.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// Wrap sets the underlying cause and returns e for chaining.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Op)
	if e.Profile != "" {
		msg += fmt.Sprintf(" profile=%s", e.Profile)
	}
	if e.Phase != "" {
		msg += fmt.Sprintf(" phase=%s", e.Phase)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	if e.Hint != "" {
		msg += fmt.Sprintf(" (hint: %s)", e.Hint)
	}
	return msg
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Code, so that
// errors.Is(err, forgeerr.New(forgeerr.CodeValidation, "")) style
// sentinel checks work without matching Op/Profile/Phase/Hint.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}
