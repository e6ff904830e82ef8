package content

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

type fetcherFunc func(ctx context.Context, target ocispec.Descriptor) (io.ReadCloser, error)

func (f fetcherFunc) Fetch(ctx context.Context, target ocispec.Descriptor) (io.ReadCloser, error) {
	return f(ctx, target)
}

func Test_Successors_manifest(t *testing.T) {
	config := ocispec.Descriptor{MediaType: ocispec.MediaTypeImageConfig, Digest: "sha256:c", Size: 3}
	layer := ocispec.Descriptor{MediaType: ocispec.MediaTypeImageLayerGzip, Digest: "sha256:l", Size: 5}
	subject := ocispec.Descriptor{MediaType: ocispec.MediaTypeImageManifest, Digest: "sha256:s", Size: 7}

	manifest := ocispec.Manifest{
		Config:  config,
		Layers:  []ocispec.Descriptor{layer},
		Subject: &subject,
	}
	body, err := json.Marshal(manifest)
	require.NoError(t, err)

	node := ocispec.Descriptor{MediaType: ocispec.MediaTypeImageManifest, Digest: "sha256:m", Size: int64(len(body))}
	fetch := fetcherFunc(func(ctx context.Context, target ocispec.Descriptor) (io.ReadCloser, error) {
		require.Equal(t, node, target)
		return io.NopCloser(bytes.NewReader(body)), nil
	})

	successors, err := Successors(context.Background(), fetch, node)
	require.NoError(t, err)
	require.Equal(t, []ocispec.Descriptor{config, layer, subject}, successors)
}

func Test_Successors_index(t *testing.T) {
	m1 := ocispec.Descriptor{MediaType: ocispec.MediaTypeImageManifest, Digest: "sha256:1", Size: 1}
	m2 := ocispec.Descriptor{MediaType: ocispec.MediaTypeImageManifest, Digest: "sha256:2", Size: 2}

	index := ocispec.Index{Manifests: []ocispec.Descriptor{m1, m2}}
	body, err := json.Marshal(index)
	require.NoError(t, err)

	node := ocispec.Descriptor{MediaType: ocispec.MediaTypeImageIndex, Digest: "sha256:i", Size: int64(len(body))}
	fetch := fetcherFunc(func(ctx context.Context, target ocispec.Descriptor) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	})

	successors, err := Successors(context.Background(), fetch, node)
	require.NoError(t, err)
	require.Equal(t, []ocispec.Descriptor{m1, m2}, successors)
}

func Test_Successors_blob_has_none(t *testing.T) {
	node := ocispec.Descriptor{MediaType: "application/octet-stream", Digest: "sha256:b", Size: 1}
	fetch := fetcherFunc(func(ctx context.Context, target ocispec.Descriptor) (io.ReadCloser, error) {
		t.Fatal("blob successors must not fetch")
		return nil, nil
	})

	successors, err := Successors(context.Background(), fetch, node)
	require.NoError(t, err)
	require.Nil(t, successors)
}
