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
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"tundraforge/internal/forgeerr"
)

// Index is a derived, rebuildable accelerator over Store: a sqlite
// table mapping cache key -> (digest, artifact size, last-used time).
// It exists purely to avoid an os.Stat-per-candidate-key linear scan
// on a large cache; a missing or corrupt index file is never fatal —
// Rebuild regenerates it from Store, the authoritative source.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if absent) the sqlite index file at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, forgeerr.New(forgeerr.CodeBackendExec, "cache.index").Wrap(err)
	}
	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	digest TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	last_used_unix INTEGER NOT NULL
);`
	if _, err := idx.db.Exec(ddl); err != nil {
		return forgeerr.New(forgeerr.CodeBackendExec, "cache.index").Wrap(err)
	}
	return nil
}

// Close releases the underlying sqlite connection.
func (idx *Index) Close() error { return idx.db.Close() }

// Record upserts one cache entry, stamping last-used to now.
func (idx *Index) Record(key, digest string, sizeBytes int64) error {
	const stmt = `
INSERT INTO cache_entries (key, digest, size_bytes, last_used_unix)
VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET digest = excluded.digest, size_bytes = excluded.size_bytes, last_used_unix = excluded.last_used_unix;`
	if _, err := idx.db.Exec(stmt, key, digest, sizeBytes, time.Now().Unix()); err != nil {
		return forgeerr.New(forgeerr.CodeBackendExec, "cache.index").Wrap(err)
	}
	return nil
}

// Lookup returns the recorded digest for key, and whether it was found.
func (idx *Index) Lookup(key string) (digest string, found bool, err error) {
	row := idx.db.QueryRow(`SELECT digest FROM cache_entries WHERE key = ?`, key)
	if scanErr := row.Scan(&digest); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, forgeerr.New(forgeerr.CodeBackendExec, "cache.index").Wrap(scanErr)
	}
	// touch last-used on read so LRU eviction (not yet wired to a
	// scheduled GC pass) has accurate data to act on.
	_, _ = idx.db.Exec(`UPDATE cache_entries SET last_used_unix = ? WHERE key = ?`, time.Now().Unix(), key)
	return digest, true, nil
}

// Forget removes key from the index. It does not touch Store; callers
// evicting a Store entry should call both Store.Remove and this.
func (idx *Index) Forget(key string) error {
	if _, err := idx.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return forgeerr.New(forgeerr.CodeBackendExec, "cache.index").Wrap(err)
	}
	return nil
}

// Rebuild truncates the index and asks walk to repopulate it by
// visiting every artifact Store actually holds. Used when the index
// file is missing, corrupt, or simply stale relative to Store.
func (idx *Index) Rebuild(walk func(add func(key, digest string, sizeBytes int64) error) error) error {
	if _, err := idx.db.Exec(`DELETE FROM cache_entries`); err != nil {
		return forgeerr.New(forgeerr.CodeBackendExec, "cache.index").Wrap(err)
	}
	return walk(idx.Record)
}
