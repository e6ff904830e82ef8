package content

import (
	"context"
	"encoding/json"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Successors returns the nodes directly pointed to by node: for an image
// manifest, its config and layers plus an optional subject; for an
// index, its manifests plus an optional subject; for anything else, none.
func Successors(ctx context.Context, fetcher Fetcher, node ocispec.Descriptor) ([]ocispec.Descriptor, error) {
	if !IsManifestMediaType(node.MediaType) {
		return nil, nil
	}
	b, err := FetchAll(ctx, fetcher, node)
	if err != nil {
		return nil, err
	}
	return SuccessorsFromBytes(node.MediaType, b)
}

// SuccessorsFromBytes decodes the successors of already-fetched manifest or
// index content, without a round trip through a Fetcher. CAS
// implementations that have the pushed bytes in hand (content/memorystore)
// use this directly to maintain the predecessor index.
func SuccessorsFromBytes(mediaType string, data []byte) ([]ocispec.Descriptor, error) {
	switch {
	case mediaType == ocispec.MediaTypeImageManifest || mediaType == MediaTypeDockerManifest:
		var manifest ocispec.Manifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, err
		}
		successors := append([]ocispec.Descriptor{manifest.Config}, manifest.Layers...)
		if manifest.Subject != nil {
			successors = append(successors, *manifest.Subject)
		}
		return successors, nil

	case IsImageIndexMediaType(mediaType):
		var index ocispec.Index
		if err := json.Unmarshal(data, &index); err != nil {
			return nil, err
		}
		successors := append([]ocispec.Descriptor{}, index.Manifests...)
		if index.Subject != nil {
			successors = append(successors, *index.Subject)
		}
		return successors, nil

	default:
		return nil, nil
	}
}
