package memorystore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rancher/ociclient/content"
	"github.com/rancher/ociclient/errdef"
)

func descFor(b []byte, mediaType string) ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    content.FromBytes(b),
		Size:      int64(len(b)),
	}
}

func Test_Store_PushFetchRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	blob := []byte("hello world")
	desc := descFor(blob, "application/octet-stream")

	require.NoError(t, s.Push(ctx, desc, bytes.NewReader(blob)))

	ok, err := s.Exists(ctx, desc)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Fetch(ctx, desc)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func Test_Store_Push_duplicateIsNoop(t *testing.T) {
	s := New()
	ctx := context.Background()

	blob := []byte("hello world")
	desc := descFor(blob, "application/octet-stream")

	require.NoError(t, s.Push(ctx, desc, bytes.NewReader(blob)))
	err := s.Push(ctx, desc, bytes.NewReader(blob))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdef.ErrAlreadyExists)

	ok, err := s.Exists(ctx, desc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func Test_Store_Push_digestMismatch(t *testing.T) {
	s := New()
	ctx := context.Background()

	blob := []byte("hello world")
	desc := descFor(blob, "application/octet-stream")
	desc.Digest = content.FromBytes([]byte("something else"))

	err := s.Push(ctx, desc, bytes.NewReader(blob))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdef.ErrDigestMismatch)
}

func Test_Store_Push_sizeMismatch(t *testing.T) {
	s := New()
	ctx := context.Background()

	blob := []byte("hello world")
	desc := descFor(blob, "application/octet-stream")
	desc.Size = int64(len(blob)) + 1

	err := s.Push(ctx, desc, bytes.NewReader(blob))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdef.ErrSizeMismatch)
}

func Test_Store_Fetch_notFound(t *testing.T) {
	s := New()
	_, err := s.Fetch(context.Background(), ocispec.Descriptor{Digest: "sha256:aaaa", Size: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdef.ErrNotFound)
}

func Test_Store_Tag(t *testing.T) {
	s := New()
	ctx := context.Background()

	blob1 := []byte("v1")
	desc1 := descFor(blob1, ocispec.MediaTypeImageManifest)
	require.NoError(t, s.Push(ctx, desc1, bytes.NewReader(blob1)))
	require.NoError(t, s.Tag(ctx, desc1, "latest"))

	resolved, err := s.Resolve(ctx, "latest")
	require.NoError(t, err)
	assert.Equal(t, desc1, resolved)

	blob2 := []byte("v2")
	desc2 := descFor(blob2, ocispec.MediaTypeImageManifest)
	require.NoError(t, s.Push(ctx, desc2, bytes.NewReader(blob2)))
	require.NoError(t, s.Tag(ctx, desc2, "latest"))

	resolved, err = s.Resolve(ctx, "latest")
	require.NoError(t, err)
	assert.Equal(t, desc2, resolved)
}

func Test_Store_Tag_requiresExistingContent(t *testing.T) {
	s := New()
	err := s.Tag(context.Background(), ocispec.Descriptor{Digest: "sha256:aaaa", Size: 1}, "latest")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdef.ErrNotFound)
}

func Test_Store_Resolve_notFound(t *testing.T) {
	s := New()
	_, err := s.Resolve(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdef.ErrNotFound)
}

func Test_Store_Predecessors(t *testing.T) {
	s := New()
	ctx := context.Background()

	configBlob := []byte(`{}`)
	configDesc := descFor(configBlob, ocispec.MediaTypeImageConfig)
	require.NoError(t, s.Push(ctx, configDesc, bytes.NewReader(configBlob)))

	layerBlob := []byte("layer")
	layerDesc := descFor(layerBlob, ocispec.MediaTypeImageLayerGzip)
	require.NoError(t, s.Push(ctx, layerDesc, bytes.NewReader(layerBlob)))

	manifest := ocispec.Manifest{
		Config: configDesc,
		Layers: []ocispec.Descriptor{layerDesc},
	}
	manifestBlob, err := json.Marshal(manifest)
	require.NoError(t, err)
	manifestDesc := descFor(manifestBlob, ocispec.MediaTypeImageManifest)
	require.NoError(t, s.Push(ctx, manifestDesc, bytes.NewReader(manifestBlob)))

	preds, err := s.Predecessors(ctx, configDesc)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.True(t, content.Equal(manifestDesc, preds[0]))

	preds, err = s.Predecessors(ctx, layerDesc)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.True(t, content.Equal(manifestDesc, preds[0]))
}

func Test_Store_Tags_pagesSortedAndFiltered(t *testing.T) {
	s := New()
	ctx := context.Background()

	blob := []byte("x")
	desc := descFor(blob, "application/octet-stream")
	require.NoError(t, s.Push(ctx, desc, bytes.NewReader(blob)))

	for _, tag := range []string{"v3", "v1", "v2"} {
		require.NoError(t, s.Tag(ctx, desc, tag))
	}

	var got []string
	require.NoError(t, s.Tags(ctx, "", func(tags []string) error {
		got = append(got, tags...)
		return nil
	}))
	assert.Equal(t, []string{"v1", "v2", "v3"}, got)

	got = nil
	require.NoError(t, s.Tags(ctx, "v1", func(tags []string) error {
		got = append(got, tags...)
		return nil
	}))
	assert.Equal(t, []string{"v2", "v3"}, got)
}

func Test_LimitedStore_rejectsOversizedPush(t *testing.T) {
	limited := NewLimited(New(), 4)
	blob := []byte("hello world")
	desc := descFor(blob, "application/octet-stream")

	err := limited.Push(context.Background(), desc, bytes.NewReader(blob))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdef.ErrSizeExceedsLimit)
}

func Test_LimitedStore_allowsPushWithinLimit(t *testing.T) {
	limited := NewLimited(New(), 1024)
	blob := []byte("hello world")
	desc := descFor(blob, "application/octet-stream")

	require.NoError(t, limited.Push(context.Background(), desc, bytes.NewReader(blob)))
	ok, err := limited.Exists(context.Background(), desc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func Test_Store_Delete(t *testing.T) {
	s := New()
	ctx := context.Background()

	blob := []byte("hello world")
	desc := descFor(blob, "application/octet-stream")
	require.NoError(t, s.Push(ctx, desc, bytes.NewReader(blob)))

	require.NoError(t, s.Delete(ctx, desc))

	ok, err := s.Exists(ctx, desc)
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.Delete(ctx, desc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdef.ErrNotFound))
}
