// Package pack assembles OCI image manifests and pushes them, together
// with any generated config, into a target storage. It supports both the
// OCI image-spec v1.0 layout (artifact type carried by the config media
// type) and the v1.1 layout (explicit artifactType field, empty-JSON
// config, subject support).
package pack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/rancher/ociclient/content"
	"github.com/rancher/ociclient/errdef"
)

// ManifestVersion selects which OCI image-spec layout PackManifest emits.
type ManifestVersion int

const (
	// PackManifestVersion1_0 packs an image manifest per image-spec
	// v1.0.2: no subject, artifact type carried by the config media type.
	PackManifestVersion1_0 ManifestVersion = 1

	// PackManifestVersion1_1 packs an image manifest per image-spec
	// v1.1.1: explicit artifactType, empty-JSON config by default,
	// optional subject.
	PackManifestVersion1_1 ManifestVersion = 2
)

// MediaTypeUnknownConfig is the config media type used by v1.0 manifests
// whose caller declared no artifact type.
const MediaTypeUnknownConfig = "application/vnd.unknown.config.v1+json"

// mediaTypeRegexp matches the RFC 6838 type/subtype grammar image-spec
// requires of artifactType values.
var mediaTypeRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9!#$&\-^_.+]{0,126}/[A-Za-z0-9][A-Za-z0-9!#$&\-^_.+]{0,126}$`)

// PackManifestOptions configures PackManifest.
type PackManifestOptions struct {
	// Config is the config descriptor. When nil, a config appropriate to
	// the manifest version is generated and pushed.
	Config *ocispec.Descriptor

	// Layers are the layer descriptors, in order. A v1.1 manifest with no
	// layers gets the empty-JSON descriptor as its single layer, since
	// image-spec requires layers to be non-empty.
	Layers []ocispec.Descriptor

	// Subject marks the packed manifest as a referrer of another
	// manifest. Only valid for v1.1.
	Subject *ocispec.Descriptor

	// ManifestAnnotations are attached to the manifest. If the
	// org.opencontainers.image.created key is absent it is injected with
	// the pack time; if present it must be RFC 3339.
	ManifestAnnotations map[string]string

	// ConfigAnnotations are attached to a generated config descriptor.
	// Ignored when Config is set.
	ConfigAnnotations map[string]string
}

// PackManifest assembles a manifest for artifactType per version, pushes
// any generated config and the manifest itself into pusher, and returns
// the manifest descriptor.
func PackManifest(ctx context.Context, pusher content.Pusher, version ManifestVersion, artifactType string, opts PackManifestOptions) (ocispec.Descriptor, error) {
	switch version {
	case PackManifestVersion1_0:
		return packV1_0(ctx, pusher, artifactType, opts)
	case PackManifestVersion1_1:
		return packV1_1(ctx, pusher, artifactType, opts)
	default:
		return ocispec.Descriptor{}, fmt.Errorf("manifest version %d: %w", version, errdef.ErrUnsupported)
	}
}

func packV1_0(ctx context.Context, pusher content.Pusher, artifactType string, opts PackManifestOptions) (ocispec.Descriptor, error) {
	if opts.Subject != nil {
		return ocispec.Descriptor{}, fmt.Errorf("subject is not supported by manifest version 1.0: %w", errdef.ErrUnsupported)
	}

	var configDesc ocispec.Descriptor
	if opts.Config != nil {
		if err := validateMediaType(opts.Config.MediaType); err != nil {
			return ocispec.Descriptor{}, err
		}
		configDesc = *opts.Config
	} else {
		// v1.0 carries the artifact type as the config media type.
		if artifactType == "" {
			artifactType = MediaTypeUnknownConfig
		}
		if err := validateMediaType(artifactType); err != nil {
			return ocispec.Descriptor{}, err
		}
		var err error
		configDesc, err = pushCustomEmptyConfig(ctx, pusher, artifactType, opts.ConfigAnnotations)
		if err != nil {
			return ocispec.Descriptor{}, err
		}
	}

	annotations, err := ensureAnnotationCreated(opts.ManifestAnnotations)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifest := ocispec.Manifest{
		Versioned:   specs.Versioned{SchemaVersion: 2},
		MediaType:   ocispec.MediaTypeImageManifest,
		Config:      configDesc,
		Layers:      layersOrEmpty(opts.Layers),
		Annotations: annotations,
	}
	return pushManifest(ctx, pusher, manifest, configDesc.MediaType)
}

func packV1_1(ctx context.Context, pusher content.Pusher, artifactType string, opts PackManifestOptions) (ocispec.Descriptor, error) {
	if artifactType == "" && (opts.Config == nil || opts.Config.MediaType == ocispec.MediaTypeEmptyJSON) {
		// artifactType is required when the config carries no meaning.
		return ocispec.Descriptor{}, fmt.Errorf("missing artifact type: %w", errdef.ErrInvalidMediaType)
	}
	if artifactType != "" {
		if err := validateMediaType(artifactType); err != nil {
			return ocispec.Descriptor{}, err
		}
	}

	var configDesc ocispec.Descriptor
	if opts.Config != nil {
		configDesc = *opts.Config
	} else {
		configDesc = content.OCIEmptyJSON
		configDesc.Annotations = opts.ConfigAnnotations
		if err := pushIgnoreExists(ctx, pusher, configDesc, configDesc.Data); err != nil {
			return ocispec.Descriptor{}, err
		}
	}

	layers := opts.Layers
	if len(layers) == 0 {
		// image-spec v1.1 requires a non-empty layers list.
		if err := pushIgnoreExists(ctx, pusher, content.OCIEmptyJSON, content.OCIEmptyJSON.Data); err != nil {
			return ocispec.Descriptor{}, err
		}
		layers = []ocispec.Descriptor{content.OCIEmptyJSON}
	}

	annotations, err := ensureAnnotationCreated(opts.ManifestAnnotations)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifest := ocispec.Manifest{
		Versioned:    specs.Versioned{SchemaVersion: 2},
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: artifactType,
		Config:       configDesc,
		Layers:       layers,
		Subject:      opts.Subject,
		Annotations:  annotations,
	}
	return pushManifest(ctx, pusher, manifest, artifactType)
}

// pushManifest serializes and pushes manifest, returning its descriptor.
func pushManifest(ctx context.Context, pusher content.Pusher, manifest ocispec.Manifest, artifactType string) (ocispec.Descriptor, error) {
	b, err := json.Marshal(manifest)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc := ocispec.Descriptor{
		MediaType:    manifest.MediaType,
		Digest:       content.FromBytes(b),
		Size:         int64(len(b)),
		ArtifactType: artifactType,
		Annotations:  manifest.Annotations,
	}
	if err := pushIgnoreExists(ctx, pusher, desc, b); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// pushCustomEmptyConfig pushes an empty JSON object typed as mediaType
// for v1.0 manifests, which cannot express the artifact type elsewhere.
func pushCustomEmptyConfig(ctx context.Context, pusher content.Pusher, mediaType string, annotations map[string]string) (ocispec.Descriptor, error) {
	b := []byte("{}")
	desc := ocispec.Descriptor{
		MediaType:   mediaType,
		Digest:      content.FromBytes(b),
		Size:        int64(len(b)),
		Annotations: annotations,
	}
	if err := pushIgnoreExists(ctx, pusher, desc, b); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

func pushIgnoreExists(ctx context.Context, pusher content.Pusher, desc ocispec.Descriptor, b []byte) error {
	err := pusher.Push(ctx, desc, bytes.NewReader(b))
	if err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return err
	}
	return nil
}

func layersOrEmpty(layers []ocispec.Descriptor) []ocispec.Descriptor {
	if layers == nil {
		// The field is required; null is not a valid value on the wire.
		return []ocispec.Descriptor{}
	}
	return layers
}

func validateMediaType(mediaType string) error {
	if !mediaTypeRegexp.MatchString(mediaType) {
		return fmt.Errorf("%q: %w", mediaType, errdef.ErrInvalidMediaType)
	}
	return nil
}

// ensureAnnotationCreated returns annotations with the image-spec
// created timestamp injected (pack time, second precision) when absent,
// validating any caller-supplied value as RFC 3339.
func ensureAnnotationCreated(annotations map[string]string) (map[string]string, error) {
	if created, ok := annotations[ocispec.AnnotationCreated]; ok {
		if _, err := time.Parse(time.RFC3339, created); err != nil {
			return nil, fmt.Errorf("%q: %w", created, errdef.ErrInvalidDatetimeFormat)
		}
		return annotations, nil
	}
	out := make(map[string]string, len(annotations)+1)
	for k, v := range annotations {
		out[k] = v
	}
	out[ocispec.AnnotationCreated] = time.Now().UTC().Format(time.RFC3339)
	return out, nil
}
