package content

import (
	"context"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Storage is the content-addressed core: every ociclient target composes
// at least this capability.
type Storage interface {
	Fetcher
	Pusher
	Existable
}

// Fetcher fetches content identified by a descriptor.
type Fetcher interface {
	// Fetch returns the content identified by target. It returns a
	// wrapped errdef.ErrNotFound if the content is absent.
	Fetch(ctx context.Context, target ocispec.Descriptor) (io.ReadCloser, error)
}

// Pusher pushes content matching an expected descriptor.
type Pusher interface {
	// Push streams exactly expected.Size bytes from content, verifying
	// the digest inline. It returns a wrapped errdef.ErrAlreadyExists if
	// content with this digest is already present; callers should treat
	// that as success.
	Push(ctx context.Context, expected ocispec.Descriptor, content io.Reader) error
}

// Existable reports content presence.
type Existable interface {
	// Exists reports whether content identified by target is present.
	Exists(ctx context.Context, target ocispec.Descriptor) (bool, error)
}

// Deletable removes content. Implementations that cannot support
// deletion simply do not implement this interface; callers should type-
// assert for it.
type Deletable interface {
	Delete(ctx context.Context, target ocispec.Descriptor) error
}

// Resolvable resolves a string reference (tag or digest) to a descriptor.
type Resolvable interface {
	// Resolve returns a wrapped errdef.ErrNotFound if reference is absent.
	Resolve(ctx context.Context, reference string) (ocispec.Descriptor, error)
}

// Taggable attaches a mutable string reference to a descriptor. The
// descriptor must already exist; Tag overwrites any previous value.
type Taggable interface {
	Tag(ctx context.Context, desc ocispec.Descriptor, reference string) error
}

// PredecessorFindable returns the nodes directly pointing at a given
// node of the content DAG — the "parents" of the descriptor.
type PredecessorFindable interface {
	Predecessors(ctx context.Context, node ocispec.Descriptor) ([]ocispec.Descriptor, error)
}

// TagListable enumerates the tags known to a target, delivered in pages
// through fn. Implementations that paginate over the network call fn
// once per page; in-memory implementations may call it once.
type TagListable interface {
	Tags(ctx context.Context, last string, fn func(tags []string) error) error
}

// ReferrerListable enumerates the referrers (manifests whose Subject
// points at node), optionally filtered by artifactType, delivered in
// pages through fn.
type ReferrerListable interface {
	Referrers(ctx context.Context, node ocispec.Descriptor, artifactType string, fn func(referrers []ocispec.Descriptor) error) error
}

// ReferenceFetchable fetches a manifest/index by tag or digest,
// returning its resolved descriptor alongside the content.
type ReferenceFetchable interface {
	FetchReference(ctx context.Context, reference string) (ocispec.Descriptor, io.ReadCloser, error)
}

// ReferencePushable pushes a manifest/index under a tag in one round
// trip, equivalent to Push followed by Tag but potentially cheaper.
type ReferencePushable interface {
	PushReference(ctx context.Context, expected ocispec.Descriptor, content io.Reader, reference string) error
}

// Target is the minimal capability set the copy engine (content/copy)
// and packer (content/pack) operate against: Storage plus tagging.
// Those packages use only these methods; ReferenceFetchable and
// ReferencePushable are not consulted.
type Target interface {
	Storage
	Resolvable
	Taggable
}

// ReadOnlyTarget is the read half of Target: enough to resolve a
// reference and walk a graph out of a source without being able to
// mutate it.
type ReadOnlyTarget interface {
	Fetcher
	Existable
	Resolvable
}

// GraphStorage is a Storage that also exposes its predecessor index,
// the capability ExtendedCopyGraph needs to discover roots.
type GraphStorage interface {
	Storage
	PredecessorFindable
}

// ReadOnlyStorage is the read half of Storage, used by code (such as the
// copy engine's manifest cache proxy) that only ever fetches.
type ReadOnlyStorage interface {
	Fetcher
	Existable
}

// FetchAll reads the entirety of a descriptor's content into memory.
// Intended for manifests/indices/configs; the content/copy proxy caps
// the manifests it reads this way at MaxMetadataBytes.
func FetchAll(ctx context.Context, fetcher Fetcher, desc ocispec.Descriptor) ([]byte, error) {
	rc, err := fetcher.Fetch(ctx, desc)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, desc.Size))
}
