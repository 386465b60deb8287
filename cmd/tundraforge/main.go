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

// Command tundraforge is a thin demonstration CLI over the library:
// lock() resolves the example recipe's external inputs into tdx.lock,
// emit() writes a deterministic mkosi project tree, and bake() drives
// it through the in-process stub backend. None of this is a production
// image-build pipeline; it exists to exercise pkg/recipe through
// internal/ir, internal/lockfile, internal/emit, internal/cache, and
// internal/backend end to end against one recipe.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"tundraforge/internal/config"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tundraforge: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	app := &cli.Command{
		Name:  "tundraforge",
		Usage: "compile a declarative TDX confidential-VM image recipe",
		Commands: []*cli.Command{
			lockCmd(cfg),
			emitCmd(cfg),
			bakeCmd(cfg),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "tundraforge:", err)
		if exitErr, ok := exitCoder(err); ok {
			os.Exit(exitErr)
		}
		os.Exit(1)
	}
}
