package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/rancher/ociclient/errdef"
	"github.com/rancher/ociclient/internal/log"
	"github.com/rancher/ociclient/registry/remote/auth"
)

// ociFiltersAppliedHeader acknowledges which referrers filters the
// registry applied server-side.
// Reference: https://github.com/opencontainers/distribution-spec/blob/main/spec.md#listing-referrers
const ociFiltersAppliedHeader = "OCI-Filters-Applied"

var indexSchemaVersion2 = specs.Versioned{SchemaVersion: 2}

// referrersTag renders the referrers tag schema string for desc:
// "<digest-algorithm>-<hex>".
// Reference: https://github.com/opencontainers/distribution-spec/blob/main/spec.md#referrers-tag-schema
func referrersTag(desc ocispec.Descriptor) string {
	return desc.Digest.Algorithm().String() + "-" + desc.Digest.Encoded()
}

// Referrers lists the manifests whose subject is desc, optionally
// filtered by artifactType, delivering each page to fn. The referrers
// API is used when the registry supports it; a 404 switches the
// repository to the tag schema fallback for its remaining lifetime.
func (r *Repository) Referrers(ctx context.Context, desc ocispec.Descriptor, artifactType string, fn func(referrers []ocispec.Descriptor) error) error {
	state := r.loadReferrersState()
	if state == referrersStateUnsupported {
		return r.referrersByTagSchema(ctx, desc, artifactType, fn)
	}

	err := r.referrersByAPI(ctx, desc, artifactType, fn)
	if state == referrersStateUnknown && errors.Is(err, errdef.ErrUnsupported) {
		if err := r.SetReferrersCapability(false); err != nil {
			return err
		}
		log.Log(ctx, slog.LevelDebug, "referrers API unsupported, falling back to tag schema",
			slog.String("repository", r.Reference.Repository))
		return r.referrersByTagSchema(ctx, desc, artifactType, fn)
	}
	return err
}

// referrersByAPI lists referrers through the referrers API, following
// Link pagination.
func (r *Repository) referrersByAPI(ctx context.Context, desc ocispec.Descriptor, artifactType string, fn func(referrers []ocispec.Descriptor) error) error {
	ref := r.Reference
	ref.Reference = desc.Digest.String()
	ctx = withScopeHint(ctx, ref, auth.ActionPull)
	url := buildReferrersURL(r.PlainHTTP, ref, artifactType)
	var err error
	for err == nil {
		url, err = r.referrersPageByAPI(ctx, artifactType, fn, url)
	}
	if !errors.Is(err, errNoLink) {
		return err
	}
	return nil
}

// referrersPageByAPI fetches one page of the referrers API and returns
// the next link. A 404 means the registry has no referrers API.
func (r *Repository) referrersPageByAPI(ctx context.Context, artifactType string, fn func(referrers []ocispec.Descriptor) error, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// proceed
	case http.StatusNotFound:
		return "", fmt.Errorf("referrers API not available on %s: %w", r.Reference.Registry, errdef.ErrUnsupported)
	default:
		return "", parseErrorResponse(resp)
	}

	// The response of the referrers API is an image index.
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != ocispec.MediaTypeImageIndex {
		return "", fmt.Errorf("referrers response Content-Type %q is not an image index: %w", resp.Header.Get("Content-Type"), errdef.ErrUnsupported)
	}
	if err := r.SetReferrersCapability(true); err != nil {
		return "", err
	}

	var index ocispec.Index
	if err := decodeJSON(resp, r.maxMetadataBytes(), &index); err != nil {
		return "", err
	}

	referrers := index.Manifests
	if artifactType != "" && !filtersApplied(resp, "artifactType") {
		// the registry did not acknowledge the filter; apply it here
		referrers = filterReferrers(referrers, artifactType)
	}
	if len(referrers) > 0 {
		if err := fn(referrers); err != nil {
			return "", err
		}
	}
	return parseLink(resp)
}

// referrersByTagSchema lists referrers from the index manifest tagged
// with the subject's referrers tag. An absent tag means no referrers.
func (r *Repository) referrersByTagSchema(ctx context.Context, desc ocispec.Descriptor, artifactType string, fn func(referrers []ocispec.Descriptor) error) error {
	_, rc, err := r.FetchReference(ctx, referrersTag(desc))
	if err != nil {
		if errors.Is(err, errdef.ErrNotFound) {
			return nil
		}
		return err
	}
	defer rc.Close()

	var index ocispec.Index
	if err := json.NewDecoder(io.LimitReader(rc, r.maxMetadataBytes())).Decode(&index); err != nil {
		return err
	}
	referrers := filterReferrers(index.Manifests, artifactType)
	if len(referrers) == 0 {
		return nil
	}
	return fn(referrers)
}

// filtersApplied reports whether the registry acknowledged applying the
// named filter via the OCI-Filters-Applied header.
func filtersApplied(resp *http.Response, filter string) bool {
	for _, applied := range strings.Split(resp.Header.Get(ociFiltersAppliedHeader), ",") {
		if strings.TrimSpace(applied) == filter {
			return true
		}
	}
	return false
}

// filterReferrers filters referrers by artifactType in place.
func filterReferrers(referrers []ocispec.Descriptor, artifactType string) []ocispec.Descriptor {
	if artifactType == "" {
		return referrers
	}
	var j int
	for i, referrer := range referrers {
		if referrer.ArtifactType == artifactType {
			if i != j {
				referrers[j] = referrer
			}
			j++
		}
	}
	return referrers[:j]
}
