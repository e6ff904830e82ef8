// Package content defines the descriptor and manifest model shared by
// every storage backend in ociclient, plus the digest and graph-traversal
// helpers built on top of it.
package content

import (
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Descriptor is the content identity triple (media type, digest, size)
// plus optional metadata. It is an alias of ocispec.Descriptor so callers
// can pass descriptors to/from any image-spec-based tooling without
// conversion.
type Descriptor = ocispec.Descriptor

// Manifest describes a single artifact: a config blob, an ordered list of
// layer blobs, and optional subject/artifactType/annotations.
type Manifest = ocispec.Manifest

// Index describes a collection of manifests, optionally itself a
// referrer via Subject.
type Index = ocispec.Index

// Platform describes the architecture/OS a manifest targets.
type Platform = ocispec.Platform

// OCIEmptyJSON is the well-known descriptor for the empty JSON object,
// used as a placeholder config by artifact manifests that carry no
// meaningful configuration.
// Reference: https://github.com/opencontainers/image-spec/blob/main/manifest.md#guidance-for-an-empty-descriptor
var OCIEmptyJSON = ocispec.Descriptor{
	MediaType: ocispec.MediaTypeEmptyJSON,
	Digest:    "sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a",
	Size:      2,
	Data:      []byte("{}"),
}

// Equal reports whether two descriptors are content-equal: their
// mediaType, digest, and size match. Annotations, urls, and other
// metadata are not part of content identity.
func Equal(a, b ocispec.Descriptor) bool {
	return a.MediaType == b.MediaType && a.Digest == b.Digest && a.Size == b.Size
}

// basicKey is the map key used by in-memory stores and the predecessor
// index: the content-identity triple, with nothing else.
type basicKey struct {
	mediaType string
	digest    string
	size      int64
}

// BasicKey reduces a descriptor to its content-identity triple so it can
// be used as a map key.
func BasicKey(desc ocispec.Descriptor) any {
	return basicKey{
		mediaType: desc.MediaType,
		digest:    desc.Digest.String(),
		size:      desc.Size,
	}
}

// ToBasic strips everything from a descriptor except mediaType, digest,
// and size, matching spec's "basic descriptor" concept.
func ToBasic(desc ocispec.Descriptor) ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType: desc.MediaType,
		Digest:    desc.Digest,
		Size:      desc.Size,
	}
}
