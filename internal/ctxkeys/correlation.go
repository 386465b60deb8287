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

// Package ctxkeys provides helpers to attach a correlation ID to a
// context.Context and read it back. The CLI commands do not set one,
// and backend.BakeResult carries no correlation ID.
package ctxkeys

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}

// WithNewCorrelationID returns a child context carrying a freshly
// generated correlation ID.
func WithNewCorrelationID(ctx context.Context) context.Context {
	return WithCorrelationID(ctx, uuid.NewString())
}

// WithCorrelationID returns a child context carrying id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation ID stamped on ctx, or "" if
// none was set.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
