package memorystore

import (
	"context"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/rancher/ociclient/content"
	"github.com/rancher/ociclient/errdef"
)

// LimitedStore wraps any content.Storage and rejects pushes whose declared
// size exceeds Limit. content/filestore uses it as the default fallback
// for unnamed content (4 MiB cap).
type LimitedStore struct {
	content.Storage
	Limit int64
}

// NewLimited wraps store so that Push rejects anything larger than limit.
func NewLimited(store content.Storage, limit int64) *LimitedStore {
	return &LimitedStore{Storage: store, Limit: limit}
}

// Push rejects content whose declared size exceeds Limit before
// delegating to the wrapped store.
func (l *LimitedStore) Push(ctx context.Context, expected ocispec.Descriptor, r io.Reader) error {
	if expected.Size > l.Limit {
		return fmt.Errorf("content size %d exceeds size limit %d: %w", expected.Size, l.Limit, errdef.ErrSizeExceedsLimit)
	}
	return l.Storage.Push(ctx, expected, r)
}

var _ content.Storage = (*LimitedStore)(nil)
