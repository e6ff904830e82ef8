package registry

import (
	"context"
	"io"

	"github.com/rancher/ociclient/content"
)

// BlobStore is the capability set a repository's blob half exposes: plain
// content.Storage plus deletion. Blobs are fetched, pushed, and
// existence-checked by digest only, never tagged.
type BlobStore interface {
	content.Storage
	content.Deletable
}

// ManifestStore is the capability set a repository's manifest half
// exposes: content.Storage plus tag/reference resolution and listing, the
// one-round-trip tagged push/fetch pair, and referrer discovery.
type ManifestStore interface {
	content.Storage
	content.Deletable
	content.Resolvable
	content.Taggable
	content.TagListable
	content.ReferenceFetchable
	content.ReferencePushable
	content.ReferrerListable
}

// Repository is the capability a remote OCI repository (registry/remote)
// or any other split blob/manifest backend presents to the copy engine and
// packer: content.Target plus separately addressable blob and manifest
// halves, following the split the retrieved oras-go
// registry/remote/repository.go fragment uses (Repository.Blobs(),
// Repository.Manifests()).
type Repository interface {
	content.Target
	content.TagListable
	content.ReferenceFetchable
	content.ReferencePushable
	content.ReferrerListable

	// Blobs returns the capability set for content addressed only by
	// digest: layers and config blobs.
	Blobs() BlobStore
	// Manifests returns the capability set for content that may also be
	// addressed by tag: image manifests and indices.
	Manifests() ManifestStore
}

// Mounter is implemented by blob stores that can cross-mount a blob from
// another repository on the same registry, avoiding a re-upload. A copy
// destination that itself implements Mounter gets mount support from
// content/copy automatically.
type Mounter interface {
	// Mount makes the blob identified by desc available in this
	// repository by referencing fromRepository rather than uploading it.
	// getContent is called by implementations that must fall back to a
	// normal push if the registry does not support (or rejects) the
	// mount, and may be nil if the caller has no content to offer.
	Mount(ctx context.Context, desc content.Descriptor, fromRepository string, getContent func() (io.ReadCloser, error)) error
}
