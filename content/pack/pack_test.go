package pack

import (
	"context"
	"encoding/json"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rancher/ociclient/content"
	"github.com/rancher/ociclient/content/memorystore"
	"github.com/rancher/ociclient/errdef"
)

func fetchManifest(t *testing.T, s content.Fetcher, desc ocispec.Descriptor) ocispec.Manifest {
	t.Helper()
	b, err := content.FetchAll(context.Background(), s, desc)
	require.NoError(t, err)
	var m ocispec.Manifest
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func Test_PackManifest_v11_defaults(t *testing.T) {
	ctx := context.Background()
	s := memorystore.New()

	desc, err := PackManifest(ctx, s, PackManifestVersion1_1, "application/vnd.example+type", PackManifestOptions{})
	require.NoError(t, err)

	assert.Equal(t, ocispec.MediaTypeImageManifest, desc.MediaType)
	assert.Equal(t, "application/vnd.example+type", desc.ArtifactType)

	m := fetchManifest(t, s, desc)
	assert.Equal(t, 2, m.SchemaVersion)
	assert.Equal(t, "application/vnd.example+type", m.ArtifactType)
	// config and the placeholder layer are both the empty JSON blob,
	// pushed alongside the manifest
	assert.True(t, content.Equal(content.OCIEmptyJSON, m.Config))
	require.Len(t, m.Layers, 1)
	assert.True(t, content.Equal(content.OCIEmptyJSON, m.Layers[0]))
	ok, err := s.Exists(ctx, content.OCIEmptyJSON)
	require.NoError(t, err)
	assert.True(t, ok)
	// pack time is stamped in
	assert.NotEmpty(t, m.Annotations[ocispec.AnnotationCreated])

	// round-trip: the fetched bytes hash to the returned digest
	b, err := content.FetchAll(ctx, s, desc)
	require.NoError(t, err)
	assert.Equal(t, desc.Digest, content.FromBytes(b))
}

func Test_PackManifest_v11_subjectAndLayers(t *testing.T) {
	ctx := context.Background()
	s := memorystore.New()

	layer := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageLayer,
		Digest:    content.FromBytes([]byte("data")),
		Size:      4,
	}
	subject := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    content.FromBytes([]byte("subject")),
		Size:      7,
	}
	desc, err := PackManifest(ctx, s, PackManifestVersion1_1, "application/vnd.example+type", PackManifestOptions{
		Layers:  []ocispec.Descriptor{layer},
		Subject: &subject,
	})
	require.NoError(t, err)

	m := fetchManifest(t, s, desc)
	require.NotNil(t, m.Subject)
	assert.True(t, content.Equal(subject, *m.Subject))
	require.Len(t, m.Layers, 1)
	assert.True(t, content.Equal(layer, m.Layers[0]))
}

func Test_PackManifest_v11_missingArtifactType(t *testing.T) {
	_, err := PackManifest(context.Background(), memorystore.New(), PackManifestVersion1_1, "", PackManifestOptions{})
	assert.ErrorIs(t, err, errdef.ErrInvalidMediaType)
}

func Test_PackManifest_v10(t *testing.T) {
	ctx := context.Background()
	s := memorystore.New()

	desc, err := PackManifest(ctx, s, PackManifestVersion1_0, "application/vnd.example.config+json", PackManifestOptions{})
	require.NoError(t, err)

	m := fetchManifest(t, s, desc)
	// v1.0 carries the artifact type as the config media type
	assert.Equal(t, "application/vnd.example.config+json", m.Config.MediaType)
	assert.Empty(t, m.ArtifactType)
	assert.NotNil(t, m.Layers)
	assert.Empty(t, m.Layers)
}

func Test_PackManifest_v10_defaultConfigMediaType(t *testing.T) {
	ctx := context.Background()
	s := memorystore.New()

	desc, err := PackManifest(ctx, s, PackManifestVersion1_0, "", PackManifestOptions{})
	require.NoError(t, err)

	m := fetchManifest(t, s, desc)
	assert.Equal(t, MediaTypeUnknownConfig, m.Config.MediaType)
}

func Test_PackManifest_v10_subjectUnsupported(t *testing.T) {
	subject := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    content.FromBytes([]byte("subject")),
		Size:      7,
	}
	_, err := PackManifest(context.Background(), memorystore.New(), PackManifestVersion1_0, "", PackManifestOptions{Subject: &subject})
	assert.ErrorIs(t, err, errdef.ErrUnsupported)
}

func Test_PackManifest_invalidArtifactType(t *testing.T) {
	_, err := PackManifest(context.Background(), memorystore.New(), PackManifestVersion1_1, "not a media type", PackManifestOptions{})
	assert.ErrorIs(t, err, errdef.ErrInvalidMediaType)
}

func Test_PackManifest_createdAnnotation(t *testing.T) {
	ctx := context.Background()
	s := memorystore.New()

	desc, err := PackManifest(ctx, s, PackManifestVersion1_1, "application/vnd.example+type", PackManifestOptions{
		ManifestAnnotations: map[string]string{ocispec.AnnotationCreated: "2023-01-02T03:04:05Z"},
	})
	require.NoError(t, err)
	m := fetchManifest(t, s, desc)
	assert.Equal(t, "2023-01-02T03:04:05Z", m.Annotations[ocispec.AnnotationCreated])

	_, err = PackManifest(ctx, s, PackManifestVersion1_1, "application/vnd.example+type", PackManifestOptions{
		ManifestAnnotations: map[string]string{ocispec.AnnotationCreated: "yesterday"},
	})
	assert.ErrorIs(t, err, errdef.ErrInvalidDatetimeFormat)
}
