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

// Package kernelsrc resolves a models.KernelSpec whose SourceKind is
// KernelSourceOCIRef: the guest kernel is distributed as an OCI
// artifact rather than vendored under a local path. This is a
// dedicated resolution path rather than a third Fetch.Kind, since
// Fetch is fixed to {http, git}; a kernel published to a registry
// pulls in a different client stack (ORAS) entirely.
package kernelsrc

import (
	"context"
	"fmt"

	"github.com/distribution/reference"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	oras "oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/file"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"

	"tundraforge/internal/forgeerr"
	"tundraforge/pkg/models"
)

// Resolver pulls a kernel OCI artifact into a local content store and
// reports the manifest digest that pins it.
type Resolver struct {
	// PlainHTTP disables TLS, for resolving against a local test registry.
	PlainHTTP bool
}

// Resolve pulls spec.OCIRef into destDir (used as an oras file store,
// which writes the pulled files into it) and returns a copy of spec with
// ResolvedDigest populated.
func (r Resolver) Resolve(ctx context.Context, spec models.KernelSpec, destDir string) (models.KernelSpec, error) {
	if spec.SourceKind != models.KernelSourceOCIRef {
		return spec, forgeerr.New(forgeerr.CodeLockfile, "kernelsrc").
			WithHint(fmt.Sprintf("resolver invoked on source kind %q", spec.SourceKind))
	}

	named, err := reference.ParseNormalizedNamed(spec.OCIRef)
	if err != nil {
		return spec, forgeerr.New(forgeerr.CodeValidation, "kernelsrc").
			WithHint("invalid kernel OCI reference " + spec.OCIRef).Wrap(err)
	}
	tagOrDigest := "latest"
	if tagged, ok := named.(reference.Tagged); ok {
		tagOrDigest = tagged.Tag()
	}
	if digested, ok := named.(reference.Digested); ok {
		tagOrDigest = digested.Digest().String()
	}

	dst, err := file.New(destDir)
	if err != nil {
		return spec, forgeerr.New(forgeerr.CodeLockfile, "kernelsrc").Wrap(err)
	}
	defer dst.Close()

	repo, err := remote.NewRepository(fmt.Sprintf("%s/%s", reference.Domain(named), reference.Path(named)))
	if err != nil {
		return spec, forgeerr.New(forgeerr.CodeLockfile, "kernelsrc").Wrap(err)
	}
	repo.PlainHTTP = r.PlainHTTP
	repo.Client = authClient()

	desc, err := oras.Copy(ctx, repo, tagOrDigest, dst, tagOrDigest, oras.DefaultCopyOptions)
	if err != nil {
		return spec, forgeerr.New(forgeerr.CodeLockfile, "kernelsrc").
			WithHint("pulling " + spec.OCIRef).Wrap(err)
	}

	out := spec
	out.ResolvedDigest = desc.Digest.String()
	return out, nil
}

// authClient wires Docker-style credential resolution the same way a
// registry push would, so a private kernel registry configured via
// `docker login` works for pulls too.
func authClient() *auth.Client {
	credStore, _ := credentials.NewStoreFromDocker(credentials.StoreOptions{})
	return &auth.Client{
		Cache:      auth.NewCache(),
		Credential: credentials.Credential(credStore),
	}
}

// mediaTypeKernelLayer is the media type this library expects a
// kernel artifact's single layer to carry.
const mediaTypeKernelLayer = ociv1.MediaTypeImageLayerGzip
