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

package cache

import (
	"context"
	"io"
	"log"

	"golang.org/x/sync/singleflight"

	"tundraforge/internal/metrics"
)

// Builder resolves one BuildSpec's cache key to its artifact,
// executing build only on a genuine miss. A singleflight.Group
// collapses concurrent requests for the same key (e.g. two profiles
// in the same bake sharing a BuildSpec) into a single build instead
// of racing the store on the same tmp+rename key.
type Builder struct {
	Store   *Store
	Index   *Index
	Logger  *log.Logger
	Metrics *metrics.Registry

	group singleflight.Group
}

// BuildFunc performs the actual build (invoking a Backend) and returns
// the artifact bytes plus its digest, on a cache miss.
type BuildFunc func(ctx context.Context) (artifact io.Reader, digest string, err error)

// Resolve returns the cached artifact for key if present; otherwise it
// invokes build exactly once even under concurrent callers, stores the
// result, and records it in the index.
func (b *Builder) Resolve(ctx context.Context, key string, build BuildFunc) (path string, err error) {
	if hit, found, lookupErr := b.tryIndex(key); lookupErr == nil && found {
		b.observe(metrics.CacheHit)
		return hit, nil
	}

	result, err, shared := b.group.Do(key, func() (interface{}, error) {
		if ok, statErr := b.Store.Has(key); statErr == nil && ok {
			b.observe(metrics.CacheHit)
			return b.Store.Path(key), nil
		}

		b.observe(metrics.CacheMiss)
		artifact, digest, buildErr := build(ctx)
		if buildErr != nil {
			return "", buildErr
		}
		if _, putErr := b.Store.Put(key, artifact, ""); putErr != nil {
			return "", putErr
		}
		if b.Index != nil {
			_ = b.Index.Record(key, digest, 0)
		}
		return b.Store.Path(key), nil
	})
	if err != nil {
		return "", err
	}
	if shared && b.Logger != nil {
		b.Logger.Printf("cache: build for key=%s shared with a concurrent caller", key)
	}
	return result.(string), nil
}

func (b *Builder) tryIndex(key string) (string, bool, error) {
	if b.Index == nil {
		return "", false, nil
	}
	digest, found, err := b.Index.Lookup(key)
	if err != nil || !found {
		return "", false, err
	}
	if ok, statErr := b.Store.Has(key); statErr != nil || !ok {
		// index says hit, filesystem disagrees: trust the filesystem
		// and let the caller fall through to a rebuild.
		return "", false, nil
	}
	_ = digest
	return b.Store.Path(key), true, nil
}

func (b *Builder) observe(result metrics.CacheResult) {
	if b.Metrics != nil {
		b.Metrics.ObserveCacheLookup(result)
	}
}
