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

// Package backend declares the narrow contract a concrete image
// builder implements (spec.md §4.7): prepare/execute/cleanup against a
// BakeRequest. Concrete backends (mkosi, a VM runtime) are out of
// scope; this package only defines the contract and an orchestrator
// that runs several profiles' bakes concurrently when a backend
// opts in.
package backend

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"tundraforge/internal/forgeerr"
	"tundraforge/internal/metrics"
	"tundraforge/internal/policy"
	"tundraforge/pkg/models"
)

// BakeRequest carries everything a backend needs to build one
// profile's output.
type BakeRequest struct {
	Profile     string
	ProjectDir  string // the emitted mkosi tree
	CacheDir    string
	OutputDir   string
	Targets     []models.OutputTarget
	Frozen      bool
	Env         map[string]string
}

// ArtifactResult names one produced output artifact and its digest.
type ArtifactResult struct {
	Target models.OutputTarget
	Path   string
	Digest string
}

// BakeResult is what a successful execute() returns for one profile.
type BakeResult struct {
	Profile    string
	Artifacts  []ArtifactResult
	LogPath    string
	ReportPath string
}

// Backend is the narrow contract a concrete image builder implements.
// ConcurrencySafe reports whether Execute may run concurrently with
// other profiles' Execute calls on the same Backend value — true only
// when the backend guarantees isolated per-profile output paths and
// an atomic-insert cache (spec.md §5).
type Backend interface {
	Prepare(ctx context.Context, req BakeRequest) error
	Execute(ctx context.Context, req BakeRequest) (BakeResult, error)
	Cleanup(ctx context.Context, req BakeRequest) error
	ConcurrencySafe() bool
}

// Orchestrator drives one or more profile bakes against a Backend,
// enforcing policy.CheckBakeFrozen before any of them start and
// recording bake duration per profile/target.
type Orchestrator struct {
	Backend Backend
	Policy  *policy.Policy
	Metrics *metrics.Registry
	Logger  *log.Logger
}

// BakeAll runs one BakeRequest per entry in reqs. When the backend
// reports ConcurrencySafe, requests run concurrently (bounded by
// errgroup, which here simply runs every goroutine — reqs is already
// the bounded set, one per profile); otherwise they run sequentially,
// matching the single-threaded-by-default model of spec.md §5. The
// first error cancels the group's context and is returned; the other
// in-flight bakes still complete (errgroup does not kill goroutines),
// but their results are discarded.
func (o *Orchestrator) BakeAll(ctx context.Context, reqs []BakeRequest) ([]BakeResult, error) {
	for _, req := range reqs {
		if err := o.Policy.CheckBakeFrozen(req.Frozen); err != nil {
			return nil, err
		}
	}

	results := make([]BakeResult, len(reqs))
	if !o.Backend.ConcurrencySafe() {
		for i, req := range reqs {
			res, err := o.bakeOne(ctx, req)
			if err != nil {
				return nil, err
			}
			results[i] = res
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := o.bakeOne(gctx, req)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) bakeOne(ctx context.Context, req BakeRequest) (BakeResult, error) {
	if err := o.Backend.Prepare(ctx, req); err != nil {
		return BakeResult{}, forgeerr.New(forgeerr.CodeBackendExec, "bake.prepare").
			WithProfile(req.Profile).Wrap(err)
	}
	defer func() {
		if err := o.Backend.Cleanup(ctx, req); err != nil && o.Logger != nil {
			o.Logger.Printf("bake: cleanup for profile=%s failed: %v", req.Profile, err)
		}
	}()

	start := time.Now()
	res, err := o.Backend.Execute(ctx, req)
	if err != nil {
		return BakeResult{}, forgeerr.New(forgeerr.CodeBackendExec, "bake.execute").
			WithProfile(req.Profile).Wrap(err)
	}

	if o.Metrics != nil {
		for _, t := range req.Targets {
			o.Metrics.ObserveBakeDuration(req.Profile, string(t), time.Since(start))
		}
	}
	return res, nil
}
