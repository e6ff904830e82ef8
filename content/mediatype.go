package content

import ocispec "github.com/opencontainers/image-spec/specs-go/v1"

// Docker media types, not defined by image-spec but still required on
// the wire for registries that have not migrated to OCI types.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerConfig       = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerForeignLayer = "application/vnd.docker.image.rootfs.foreign.diff.tar.gzip"
)

// DefaultManifestMediaTypes is the default Accept list used when
// resolving or fetching a manifest by reference.
var DefaultManifestMediaTypes = []string{
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
	MediaTypeDockerManifestList,
	MediaTypeDockerManifest,
}

// IsManifestMediaType reports whether mediaType denotes a manifest or
// index, as opposed to an opaque blob.
func IsManifestMediaType(mediaType string) bool {
	switch mediaType {
	case ocispec.MediaTypeImageManifest, ocispec.MediaTypeImageIndex,
		MediaTypeDockerManifest, MediaTypeDockerManifestList:
		return true
	default:
		return false
	}
}

// IsImageIndexMediaType reports whether mediaType is an index rather
// than a single manifest.
func IsImageIndexMediaType(mediaType string) bool {
	return mediaType == ocispec.MediaTypeImageIndex || mediaType == MediaTypeDockerManifestList
}
