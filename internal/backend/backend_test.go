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

package backend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tundraforge/internal/policy"
)

// fakeBackend is a minimal in-memory Backend double used to exercise
// Orchestrator's sequencing and error-handling without a real build.
type fakeBackend struct {
	mu             sync.Mutex
	concurrent     bool
	executeErr     error
	prepareCalls   int32
	executeCalls   int32
	cleanupCalls   int32
	maxInFlight    int32
	curInFlight    int32
}

func (f *fakeBackend) ConcurrencySafe() bool { return f.concurrent }

func (f *fakeBackend) Prepare(ctx context.Context, req BakeRequest) error {
	atomic.AddInt32(&f.prepareCalls, 1)
	return nil
}

func (f *fakeBackend) Execute(ctx context.Context, req BakeRequest) (BakeResult, error) {
	atomic.AddInt32(&f.executeCalls, 1)
	cur := atomic.AddInt32(&f.curInFlight, 1)
	defer atomic.AddInt32(&f.curInFlight, -1)

	f.mu.Lock()
	if cur > f.maxInFlight {
		f.maxInFlight = cur
	}
	f.mu.Unlock()

	if f.executeErr != nil {
		return BakeResult{}, f.executeErr
	}
	return BakeResult{Profile: req.Profile}, nil
}

func (f *fakeBackend) Cleanup(ctx context.Context, req BakeRequest) error {
	atomic.AddInt32(&f.cleanupCalls, 1)
	return nil
}

func TestBakeAllSequentialWhenNotConcurrencySafe(t *testing.T) {
	be := &fakeBackend{concurrent: false}
	o := &Orchestrator{Backend: be, Policy: policy.Default()}

	reqs := []BakeRequest{{Profile: "a"}, {Profile: "b"}, {Profile: "c"}}
	results, err := o.BakeAll(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, int32(1), be.maxInFlight)
}

func TestBakeAllRejectsFrozenMismatch(t *testing.T) {
	be := &fakeBackend{concurrent: true}
	p := policy.Default()
	p.RequireFrozenLock = true
	o := &Orchestrator{Backend: be, Policy: p}

	_, err := o.BakeAll(context.Background(), []BakeRequest{{Profile: "a", Frozen: false}})
	assert.Error(t, err)
	assert.Equal(t, int32(0), be.executeCalls, "policy must be checked before any bake starts")
}

func TestBakeAllPropagatesExecuteError(t *testing.T) {
	be := &fakeBackend{concurrent: false, executeErr: errors.New("boom")}
	o := &Orchestrator{Backend: be, Policy: policy.Default()}

	_, err := o.BakeAll(context.Background(), []BakeRequest{{Profile: "a"}})
	assert.Error(t, err)
}

func TestBakeAllCallsCleanupEvenOnExecuteError(t *testing.T) {
	be := &fakeBackend{concurrent: false, executeErr: errors.New("boom")}
	o := &Orchestrator{Backend: be, Policy: policy.Default()}

	_, _ = o.BakeAll(context.Background(), []BakeRequest{{Profile: "a"}})
	assert.Equal(t, int32(1), be.cleanupCalls)
}

func TestBakeAllRunsConcurrentlyWhenBackendOptsIn(t *testing.T) {
	be := &fakeBackend{concurrent: true}
	o := &Orchestrator{Backend: be, Policy: policy.Default()}

	reqs := []BakeRequest{{Profile: "a"}, {Profile: "b"}, {Profile: "c"}}
	results, err := o.BakeAll(context.Background(), reqs)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}
