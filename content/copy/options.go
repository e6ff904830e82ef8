package copy

import (
	"context"
	"errors"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/rancher/ociclient/content"
)

const (
	// defaultConcurrency is the worker-pool size used when
	// CopyGraphOptions.Concurrency is zero.
	defaultConcurrency = 5

	// defaultMaxMetadataBytes caps the size of any single manifest or
	// index cached by the copy proxy when MaxMetadataBytes is zero.
	defaultMaxMetadataBytes = 4 * 1024 * 1024
)

// SkipNode is returned by a PreCopy callback to signal that the current
// node (but not its successors, which have already been copied) should
// not be fetched and pushed.
var SkipNode = errors.New("skip node")

// CopyGraphOptions configures CopyGraph.
type CopyGraphOptions struct {
	// Concurrency bounds the number of nodes processed at once. Defaults
	// to 5.
	Concurrency int

	// MaxMetadataBytes caps the size of any single manifest or index the
	// copy proxy will cache. Defaults to 4 MiB.
	MaxMetadataBytes int64

	// PreCopy runs before a node is fetched from the source. Returning
	// SkipNode skips the node; any other error aborts the copy.
	PreCopy func(ctx context.Context, desc ocispec.Descriptor) error

	// PostCopy runs after a node has been pushed to the destination.
	PostCopy func(ctx context.Context, desc ocispec.Descriptor) error

	// OnCopySkipped runs when a node is found to already exist in the
	// destination.
	OnCopySkipped func(ctx context.Context, desc ocispec.Descriptor) error

	// MountFrom returns the repositories a blob may be cross-repo mounted
	// from instead of being re-uploaded. Only consulted for non-manifest
	// content when the destination supports mounting.
	MountFrom func(ctx context.Context, desc ocispec.Descriptor) ([]string, error)

	// OnMounted runs after a successful cross-repo mount, in place of
	// PostCopy for that node.
	OnMounted func(ctx context.Context, desc ocispec.Descriptor) error

	// FindSuccessors overrides successor discovery. Defaults to
	// content.Successors.
	FindSuccessors func(ctx context.Context, fetcher content.Fetcher, desc ocispec.Descriptor) ([]ocispec.Descriptor, error)
}

func (o CopyGraphOptions) withDefaults() CopyGraphOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.MaxMetadataBytes <= 0 {
		o.MaxMetadataBytes = defaultMaxMetadataBytes
	}
	if o.FindSuccessors == nil {
		o.FindSuccessors = content.Successors
	}
	return o
}

// CopyOptions configures Copy.
type CopyOptions struct {
	CopyGraphOptions

	// MapRoot transforms the resolved root descriptor before the graph
	// walk, e.g. to select a platform-specific manifest out of an index.
	MapRoot func(ctx context.Context, src content.ReadOnlyStorage, root ocispec.Descriptor) (ocispec.Descriptor, error)
}

// ExtendedCopyGraphOptions configures ExtendedCopyGraph.
type ExtendedCopyGraphOptions struct {
	CopyGraphOptions

	// Depth bounds how many predecessor levels are walked when
	// discovering roots. 0 means unlimited.
	Depth int

	// FindPredecessors overrides predecessor discovery. Defaults to
	// src.Predecessors.
	FindPredecessors func(ctx context.Context, src content.PredecessorFindable, desc ocispec.Descriptor) ([]ocispec.Descriptor, error)
}
