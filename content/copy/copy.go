// Package copy implements the graph copy engine: bounded-concurrency
// traversal of a descriptor DAG from a source storage into a destination,
// with manifest caching, deduplication, cross-repo blob mounting, and
// pre/post/skip callbacks.
package copy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rancher/ociclient/content"
	"github.com/rancher/ociclient/errdef"
	"github.com/rancher/ociclient/internal/log"
	"github.com/rancher/ociclient/registry"
)

// Copy resolves srcRef against src, copies the transitive graph rooted at
// the resolved descriptor into dst, and tags the root on dst under dstRef
// (defaulting to srcRef). It returns the root descriptor.
func Copy(ctx context.Context, src content.ReadOnlyTarget, srcRef string, dst content.Target, dstRef string, opts CopyOptions) (ocispec.Descriptor, error) {
	if src == nil {
		return ocispec.Descriptor{}, errors.New("nil source target")
	}
	if dst == nil {
		return ocispec.Descriptor{}, errors.New("nil destination target")
	}
	if dstRef == "" {
		dstRef = srcRef
	}

	root, err := src.Resolve(ctx, srcRef)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	if opts.MapRoot != nil {
		proxied := newProxy(src, opts.withDefaults().MaxMetadataBytes)
		root, err = opts.MapRoot(ctx, proxied, root)
		if err != nil {
			return ocispec.Descriptor{}, err
		}
	}

	if err := CopyGraph(ctx, src, dst, root, opts.CopyGraphOptions); err != nil {
		return ocispec.Descriptor{}, err
	}
	if err := dst.Tag(ctx, root, dstRef); err != nil {
		return ocispec.Descriptor{}, err
	}
	return root, nil
}

// CopyGraph copies the graph rooted at root from src into dst. Successors
// of a node always complete before the node itself is pushed, so the
// destination never observes a dangling manifest. The first error from
// any worker cancels the remaining tasks and is the one surfaced.
func CopyGraph(ctx context.Context, src content.ReadOnlyStorage, dst content.Storage, root ocispec.Descriptor, opts CopyGraphOptions) error {
	opts = opts.withDefaults()
	c := &copier{
		src:     newProxy(src, opts.MaxMetadataBytes),
		dst:     dst,
		opts:    opts,
		limiter: semaphore.NewWeighted(int64(opts.Concurrency)),
		status:  make(map[any]*nodeStatus),
	}
	return c.copyNode(ctx, root)
}

type copier struct {
	src     *proxy
	dst     content.Storage
	opts    CopyGraphOptions
	limiter *semaphore.Weighted

	mu     sync.Mutex
	status map[any]*nodeStatus
}

// nodeStatus tracks a claimed node: done closes once the claiming worker
// finished, err holds its outcome for any waiter that deduplicated
// against it.
type nodeStatus struct {
	done chan struct{}
	err  error
}

// claim registers node as in flight. If another worker already claimed
// it, claim returns that worker's status and false.
func (c *copier) claim(node ocispec.Descriptor) (*nodeStatus, bool) {
	key := content.BasicKey(node)
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.status[key]; ok {
		return st, false
	}
	st := &nodeStatus{done: make(chan struct{})}
	c.status[key] = st
	return st, true
}

// copyNode copies a single node after all of its successors. The limiter
// slot is released while successor tasks run so that fan-out beyond the
// concurrency limit cannot deadlock the pool.
func (c *copier) copyNode(ctx context.Context, node ocispec.Descriptor) (err error) {
	st, claimed := c.claim(node)
	if !claimed {
		select {
		case <-st.done:
			return st.err
		case <-ctx.Done():
			return cancelled(ctx)
		}
	}
	defer func() {
		st.err = err
		close(st.done)
	}()

	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return cancelled(ctx)
	}
	exists, err := c.dst.Exists(ctx, node)
	if err != nil {
		c.limiter.Release(1)
		return err
	}
	if exists {
		c.limiter.Release(1)
		if c.opts.OnCopySkipped != nil {
			return c.opts.OnCopySkipped(ctx, node)
		}
		return nil
	}
	successors, err := c.opts.FindSuccessors(ctx, c.src, node)
	c.limiter.Release(1)
	if err != nil {
		return err
	}

	if len(successors) > 0 {
		eg, egCtx := errgroup.WithContext(ctx)
		for _, successor := range successors {
			successor := successor
			eg.Go(func() error {
				return c.copyNode(egCtx, successor)
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}

	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return cancelled(ctx)
	}
	defer c.limiter.Release(1)

	if mounted, err := c.tryMount(ctx, node); err != nil {
		return err
	} else if mounted {
		return nil
	}

	if c.opts.PreCopy != nil {
		if err := c.opts.PreCopy(ctx, node); err != nil {
			if errors.Is(err, SkipNode) {
				return nil
			}
			return err
		}
	}
	if err := c.doCopy(ctx, node); err != nil {
		return err
	}
	if c.opts.PostCopy != nil {
		return c.opts.PostCopy(ctx, node)
	}
	return nil
}

// tryMount attempts a cross-repo mount for blobs when the destination
// supports it and MountFrom offers candidate repositories. Mount failure
// is not fatal; the caller falls back to a regular fetch+push.
func (c *copier) tryMount(ctx context.Context, node ocispec.Descriptor) (bool, error) {
	if c.opts.MountFrom == nil || content.IsManifestMediaType(node.MediaType) {
		return false, nil
	}
	mounter, ok := c.dst.(registry.Mounter)
	if !ok {
		return false, nil
	}
	repos, err := c.opts.MountFrom(ctx, node)
	if err != nil {
		return false, err
	}
	for _, repo := range repos {
		err := mounter.Mount(ctx, node, repo, func() (io.ReadCloser, error) {
			return c.src.Fetch(ctx, node)
		})
		if err != nil {
			log.Log(ctx, slog.LevelDebug, "cross-repo mount failed, trying next candidate",
				slog.String("digest", node.Digest.String()), slog.String("from", repo), log.Err(err))
			continue
		}
		if c.opts.OnMounted != nil {
			if err := c.opts.OnMounted(ctx, node); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return false, nil
}

// doCopy streams node from the source proxy into the destination,
// verifying the digest alongside the destination's own checks. A
// duplicate push is success.
func (c *copier) doCopy(ctx context.Context, node ocispec.Descriptor) error {
	rc, err := c.src.Fetch(ctx, node)
	if err != nil {
		return err
	}
	defer rc.Close()

	verified, err := content.NewVerifyReader(io.LimitReader(rc, node.Size), node.Digest)
	if err != nil {
		return err
	}
	if err := c.dst.Push(ctx, node, verified); err != nil {
		if errors.Is(err, errdef.ErrAlreadyExists) {
			return nil
		}
		return err
	}
	if !verified.Verified() {
		return fmt.Errorf("%s: %w", node.Digest, errdef.ErrDigestMismatch)
	}
	return nil
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%v: %w", err, errdef.ErrCancelled)
	}
	return nil
}
