package filestore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rancher/ociclient/content"
	"github.com/rancher/ociclient/errdef"
)

func namedDesc(b []byte, name string) ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType: "application/octet-stream",
		Digest:    content.FromBytes(b),
		Size:      int64(len(b)),
		Annotations: map[string]string{
			ocispec.AnnotationTitle: name,
		},
	}
}

func Test_Store_namedPushFetch(t *testing.T) {
	root := t.TempDir()
	s := New(root, DefaultOptions())
	defer s.Close()
	ctx := context.Background()

	blob := []byte("hello world")
	desc := namedDesc(blob, "hello.txt")

	require.NoError(t, s.Push(ctx, desc, bytes.NewReader(blob)))

	// named content lands at its declared name on disk
	onDisk, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, blob, onDisk)

	ok, err := s.Exists(ctx, desc)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Fetch(ctx, desc)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, blob, got)
}

func Test_Store_duplicateName(t *testing.T) {
	s := New(t.TempDir(), DefaultOptions())
	defer s.Close()
	ctx := context.Background()

	blob := []byte("content")
	desc := namedDesc(blob, "a.txt")
	require.NoError(t, s.Push(ctx, desc, bytes.NewReader(blob)))

	other := namedDesc([]byte("other"), "a.txt")
	err := s.Push(ctx, other, bytes.NewReader([]byte("other")))
	assert.ErrorIs(t, err, errdef.ErrDuplicateName)
}

func Test_Store_unnamedContentUsesFallback(t *testing.T) {
	root := t.TempDir()
	s := New(root, DefaultOptions())
	defer s.Close()
	ctx := context.Background()

	blob := []byte(`{"config":true}`)
	desc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageConfig,
		Digest:    content.FromBytes(blob),
		Size:      int64(len(blob)),
	}
	require.NoError(t, s.Push(ctx, desc, bytes.NewReader(blob)))

	rc, err := s.Fetch(ctx, desc)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, blob, got)

	// nothing was written to disk for unnamed content
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func Test_Store_fallbackSizeLimit(t *testing.T) {
	s := New(t.TempDir(), DefaultOptions())
	defer s.Close()

	big := bytes.Repeat([]byte("x"), 10)
	desc := ocispec.Descriptor{
		MediaType: "application/octet-stream",
		Digest:    content.FromBytes(big),
		Size:      5 * 1024 * 1024,
	}
	err := s.Push(context.Background(), desc, bytes.NewReader(big))
	assert.ErrorIs(t, err, errdef.ErrSizeExceedsLimit)
}

func Test_Store_pathTraversalDisallowed(t *testing.T) {
	s := New(t.TempDir(), DefaultOptions())
	defer s.Close()

	blob := []byte("escape")
	desc := namedDesc(blob, "../escape.txt")
	err := s.Push(context.Background(), desc, bytes.NewReader(blob))
	assert.ErrorIs(t, err, errdef.ErrPathTraversalDisallowed)
}

func Test_Store_overwriteDisallowed(t *testing.T) {
	root := t.TempDir()
	opts := DefaultOptions()
	opts.DisableOverwrite = true
	s := New(root, opts)
	defer s.Close()

	require.NoError(t, os.WriteFile(filepath.Join(root, "taken.txt"), []byte("old"), 0o644))

	blob := []byte("new")
	desc := namedDesc(blob, "taken.txt")
	err := s.Push(context.Background(), desc, bytes.NewReader(blob))
	assert.ErrorIs(t, err, errdef.ErrOverwriteDisallowed)
}

func Test_Store_closed(t *testing.T) {
	s := New(t.TempDir(), DefaultOptions())
	require.NoError(t, s.Close())

	blob := []byte("late")
	desc := namedDesc(blob, "late.txt")
	err := s.Push(context.Background(), desc, bytes.NewReader(blob))
	assert.ErrorIs(t, err, errdef.ErrStoreClosed)

	_, err = s.Resolve(context.Background(), "v1")
	assert.ErrorIs(t, err, errdef.ErrStoreClosed)
}

func Test_Store_tagResolve(t *testing.T) {
	s := New(t.TempDir(), DefaultOptions())
	defer s.Close()
	ctx := context.Background()

	blob := []byte("tagged")
	desc := namedDesc(blob, "tagged.txt")
	require.NoError(t, s.Push(ctx, desc, bytes.NewReader(blob)))

	require.NoError(t, s.Tag(ctx, desc, "v1"))
	got, err := s.Resolve(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, desc.Digest, got.Digest)

	// tagging unknown content fails
	missing := namedDesc([]byte("missing"), "missing.txt")
	assert.ErrorIs(t, s.Tag(ctx, missing, "v2"), errdef.ErrNotFound)
}

func Test_Store_addFile(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(src, []byte("file content"), 0o644))

	s := New(root, DefaultOptions())
	defer s.Close()
	ctx := context.Background()

	desc, err := s.Add(ctx, "input.txt", "", src)
	require.NoError(t, err)
	assert.Equal(t, content.FromBytes([]byte("file content")), desc.Digest)
	assert.Equal(t, "input.txt", desc.Annotations[ocispec.AnnotationTitle])

	rc, err := s.Fetch(ctx, desc)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, []byte("file content"), got)
}

func Test_Store_addDirPacksAndUnpacks(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "sub", "b.txt"), []byte("beta"), 0o644))

	srcStore := New(t.TempDir(), DefaultOptions())
	defer srcStore.Close()
	ctx := context.Background()

	desc, err := srcStore.Add(ctx, "bundle", "", srcDir)
	require.NoError(t, err)
	assert.Equal(t, "true", desc.Annotations[AnnotationUnpack])
	assert.NotEmpty(t, desc.Annotations[AnnotationDigest])

	// pushing the archive into a second store unpacks it at the name
	dstRoot := t.TempDir()
	dstStore := New(dstRoot, DefaultOptions())
	defer dstStore.Close()

	rc, err := srcStore.Fetch(ctx, desc)
	require.NoError(t, err)
	require.NoError(t, dstStore.Push(ctx, desc, rc))
	rc.Close()

	a, err := os.ReadFile(filepath.Join(dstRoot, "bundle", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), a)
	b, err := os.ReadFile(filepath.Join(dstRoot, "bundle", "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("beta"), b)
}

func Test_Store_addDirUnsupportedWhenPackingDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.AllowDirectoryPacking = false
	s := New(t.TempDir(), opts)
	defer s.Close()

	_, err := s.Add(context.Background(), "dir", "", t.TempDir())
	assert.ErrorIs(t, err, errdef.ErrUnsupported)
}
