package copy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/rancher/ociclient/content"
	"github.com/rancher/ociclient/content/memorystore"
	"github.com/rancher/ociclient/errdef"
)

// proxy is a read-through decorator over the copy source: manifest and
// index fetches are cached in a size-limited memory CAS so that
// FindSuccessors and the eventual push read the bytes only once from the
// source. Non-manifest content always passes through.
type proxy struct {
	source content.ReadOnlyStorage
	cache  *memorystore.LimitedStore
}

func newProxy(source content.ReadOnlyStorage, maxMetadataBytes int64) *proxy {
	return &proxy{
		source: source,
		cache:  memorystore.NewLimited(memorystore.New(), maxMetadataBytes),
	}
}

// Fetch returns target's content, from the cache when target is a
// manifest or index that was fetched before.
func (p *proxy) Fetch(ctx context.Context, target ocispec.Descriptor) (io.ReadCloser, error) {
	if !content.IsManifestMediaType(target.MediaType) {
		return p.source.Fetch(ctx, target)
	}

	if rc, err := p.cache.Fetch(ctx, target); err == nil {
		return rc, nil
	} else if !errors.Is(err, errdef.ErrNotFound) {
		return nil, err
	}

	rc, err := p.source.Fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if target.Size > p.cache.Limit {
		return nil, fmt.Errorf("manifest %s size %d: %w", target.Digest, target.Size, errdef.ErrSizeExceedsLimit)
	}
	b, err := io.ReadAll(io.LimitReader(rc, target.Size))
	if err != nil {
		return nil, err
	}
	if err := p.cache.Push(ctx, target, bytes.NewReader(b)); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// Exists reports presence in the cache or the source.
func (p *proxy) Exists(ctx context.Context, target ocispec.Descriptor) (bool, error) {
	if ok, err := p.cache.Exists(ctx, target); err == nil && ok {
		return true, nil
	}
	return p.source.Exists(ctx, target)
}

var _ content.ReadOnlyStorage = (*proxy)(nil)
