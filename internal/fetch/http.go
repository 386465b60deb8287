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

// Package fetch resolves the external inputs a recipe names — HTTP
// downloads, git trees, and OCI-distributed kernels (see the
// kernelsrc subpackage) — into the pinned, integrity-verified form the
// lockfile records. Nothing in this package runs during recipe
// construction; it is only invoked by lock().
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"tundraforge/internal/forgeerr"
	"tundraforge/pkg/models"
)

// HTTPResolver downloads and integrity-verifies a single http(s) Fetch.
// A shared rate.Limiter throttles outbound requests across every Fetch
// resolved through the same HTTPResolver, so a recipe with many http
// fetches does not hammer a package mirror.
type HTTPResolver struct {
	Client  *http.Client
	Limiter *rate.Limiter
}

// NewHTTPResolver returns a resolver allowing up to rps requests per
// second, bursting up to burst.
func NewHTTPResolver(rps float64, burst int) *HTTPResolver {
	return &HTTPResolver{
		Client:  &http.Client{Timeout: 5 * time.Minute},
		Limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Resolve downloads f.URL, verifies its digest against f.Integrity
// when one is declared, and returns a copy of f with CapturedFinalURL
// populated (and Integrity set to the computed digest when none was
// declared) plus the downloaded bytes. It does not write anything to
// disk; internal/cache is responsible for persisting the result.
func (r *HTTPResolver) Resolve(ctx context.Context, f models.Fetch) (models.Fetch, []byte, error) {
	if f.Kind != models.FetchHTTP {
		return f, nil, forgeerr.New(forgeerr.CodeLockfile, "fetch.http").
			WithHint(fmt.Sprintf("resolver invoked on non-http fetch %q", f.Kind))
	}

	if err := r.Limiter.Wait(ctx); err != nil {
		return f, nil, forgeerr.New(forgeerr.CodeLockfile, "fetch.http").Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return f, nil, forgeerr.New(forgeerr.CodeLockfile, "fetch.http").Wrap(err)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return f, nil, forgeerr.New(forgeerr.CodeLockfile, "fetch.http").Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return f, nil, forgeerr.New(forgeerr.CodeLockfile, "fetch.http").
			WithHint(fmt.Sprintf("%s: unexpected status %d", f.URL, resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return f, nil, forgeerr.New(forgeerr.CodeLockfile, "fetch.http").Wrap(err)
	}

	actual, err := Digest(body, integrityAlg(f.Integrity))
	if err != nil {
		return f, nil, forgeerr.New(forgeerr.CodeLockfile, "fetch.http").Wrap(err)
	}

	if f.Integrity != "" && f.Integrity != actual {
		return f, nil, forgeerr.New(forgeerr.CodeReproducibility, "fetch.http").
			WithHint(fmt.Sprintf("%s: integrity mismatch: expected %s, got %s", f.URL, f.Integrity, actual))
	}

	out := f
	out.CapturedFinalURL = resp.Request.URL.String()
	if out.Integrity == "" {
		out.Integrity = actual
	}
	return out, body, nil
}

// integrityAlg extracts the "<alg>:" prefix of an integrity string,
// defaulting to sha256 when none is declared yet (first resolution).
func integrityAlg(integrity string) string {
	for i := 0; i < len(integrity); i++ {
		if integrity[i] == ':' {
			return integrity[:i]
		}
	}
	return "sha256"
}

// Digest computes a "<alg>:<hex>" content digest using alg ("sha256"
// or "blake2b-256").
func Digest(data []byte, alg string) (string, error) {
	switch alg {
	case "sha256":
		sum := sha256.Sum256(data)
		return "sha256:" + hex.EncodeToString(sum[:]), nil
	case "blake2b-256":
		sum := blake2b.Sum256(data)
		return "blake2b-256:" + hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("fetch: unsupported integrity algorithm %q", alg)
	}
}
