package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/rancher/ociclient/content"
	"github.com/rancher/ociclient/errdef"
	"github.com/rancher/ociclient/internal/log"
	"github.com/rancher/ociclient/registry"
	"github.com/rancher/ociclient/registry/remote/auth"
)

// ociSubjectHeader is set by registries that support the referrers API
// on responses to pushes of manifests carrying a subject.
// Reference: https://github.com/opencontainers/distribution-spec/blob/main/spec.md#pushing-manifests-with-subject
const ociSubjectHeader = "OCI-Subject"

// manifestStore accesses the tag-addressable half of a repository.
type manifestStore struct {
	repo *Repository
}

// Fetch returns the manifest identified by target, verifying media type,
// size, and digest against the descriptor.
func (s *manifestStore) Fetch(ctx context.Context, target ocispec.Descriptor) (rc io.ReadCloser, err error) {
	ref := s.repo.Reference
	ref.Reference = target.Digest.String()
	ctx = withScopeHint(ctx, ref, auth.ActionPull)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildRepositoryManifestURL(s.repo.PlainHTTP, ref), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", target.MediaType)

	resp, err := s.repo.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			resp.Body.Close()
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		// proceed to verification
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", target.Digest, errdef.ErrNotFound)
	default:
		return nil, parseErrorResponse(resp)
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%s %q: invalid response Content-Type: %w", resp.Request.Method, resp.Request.URL, err)
	}
	if mediaType != target.MediaType {
		return nil, fmt.Errorf("%s %q: response Content-Type %q, expected %q: %w", resp.Request.Method, resp.Request.URL, mediaType, target.MediaType, errdef.ErrInvalidMediaType)
	}
	if size := resp.ContentLength; size != -1 && size != target.Size {
		return nil, fmt.Errorf("%s %q: Content-Length %d, expected %d: %w", resp.Request.Method, resp.Request.URL, size, target.Size, errdef.ErrSizeMismatch)
	}
	if err := verifyContentDigest(resp, target.Digest); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Push pushes the manifest content matching expected, addressed by
// digest.
func (s *manifestStore) Push(ctx context.Context, expected ocispec.Descriptor, body io.Reader) error {
	return s.push(ctx, expected, body, expected.Digest.String())
}

// PushReference pushes the manifest under a tag in a single round trip.
func (s *manifestStore) PushReference(ctx context.Context, expected ocispec.Descriptor, body io.Reader, reference string) error {
	ref, err := s.repo.ParseReference(reference)
	if err != nil {
		return err
	}
	return s.push(ctx, expected, body, ref.Reference)
}

// Exists reports whether the manifest identified by target exists.
func (s *manifestStore) Exists(ctx context.Context, target ocispec.Descriptor) (bool, error) {
	_, err := s.Resolve(ctx, target.Digest.String())
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Delete removes the manifest identified by target. Registries that do
// not permit manifest deletion answer 405, surfaced as a wrapped
// errdef.ErrUnsupported.
func (s *manifestStore) Delete(ctx context.Context, target ocispec.Descriptor) error {
	ref := s.repo.Reference
	ref.Reference = target.Digest.String()
	ctx = withScopeHint(ctx, ref, auth.ActionDelete)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, buildRepositoryManifestURL(s.repo.PlainHTTP, ref), nil)
	if err != nil {
		return err
	}
	resp, err := s.repo.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return verifyContentDigest(resp, target.Digest)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", target.Digest, errdef.ErrNotFound)
	case http.StatusMethodNotAllowed:
		return fmt.Errorf("delete manifest %s: %w", target.Digest, errdef.ErrUnsupported)
	default:
		return parseErrorResponse(resp)
	}
}

// Resolve resolves a tag or digest reference to a manifest descriptor
// via HEAD, using the configured Accept list.
func (s *manifestStore) Resolve(ctx context.Context, reference string) (ocispec.Descriptor, error) {
	ref, err := s.repo.ParseReference(reference)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	ctx = withScopeHint(ctx, ref, auth.ActionPull)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, buildRepositoryManifestURL(s.repo.PlainHTTP, ref), nil)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	req.Header.Set("Accept", manifestAcceptHeader(s.repo.manifestMediaTypes()))

	resp, err := s.repo.client().Do(req)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return s.generateDescriptor(resp, ref, req.Method)
	case http.StatusNotFound:
		return ocispec.Descriptor{}, fmt.Errorf("%s: %w", ref, errdef.ErrNotFound)
	default:
		return ocispec.Descriptor{}, parseErrorResponse(resp)
	}
}

// FetchReference fetches the manifest identified by a tag or digest
// reference, returning its resolved descriptor alongside the content.
func (s *manifestStore) FetchReference(ctx context.Context, reference string) (desc ocispec.Descriptor, rc io.ReadCloser, err error) {
	ref, err := s.repo.ParseReference(reference)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	ctx = withScopeHint(ctx, ref, auth.ActionPull)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildRepositoryManifestURL(s.repo.PlainHTTP, ref), nil)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	req.Header.Set("Accept", manifestAcceptHeader(s.repo.manifestMediaTypes()))

	resp, err := s.repo.client().Do(req)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	defer func() {
		if err != nil {
			resp.Body.Close()
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		desc, err = s.generateDescriptor(resp, ref, req.Method)
		if err != nil {
			return ocispec.Descriptor{}, nil, err
		}
		return desc, resp.Body, nil
	case http.StatusNotFound:
		return ocispec.Descriptor{}, nil, fmt.Errorf("%s: %w", ref.Reference, errdef.ErrNotFound)
	default:
		return ocispec.Descriptor{}, nil, parseErrorResponse(resp)
	}
}

// Tag tags desc with reference by re-pushing the manifest's bytes under
// the tag, the only tagging primitive the distribution API offers.
func (s *manifestStore) Tag(ctx context.Context, desc ocispec.Descriptor, reference string) error {
	ref, err := s.repo.ParseReference(reference)
	if err != nil {
		return err
	}
	ctx = withScopeHint(ctx, ref, auth.ActionPull, auth.ActionPush)
	rc, err := s.Fetch(ctx, desc)
	if err != nil {
		return err
	}
	defer rc.Close()
	return s.push(ctx, desc, rc, ref.Reference)
}

// push PUTs the manifest content under reference (a tag or digest).
// Manifest-typed content within the metadata cap is buffered so the
// request can be replayed after an auth challenge, and so a subject can
// be detected for referrers bookkeeping.
func (s *manifestStore) push(ctx context.Context, expected ocispec.Descriptor, body io.Reader, reference string) error {
	ref := s.repo.Reference
	ref.Reference = reference
	// pushing usually requires both pull and push actions
	ctx = withScopeHint(ctx, ref, auth.ActionPull, auth.ActionPush)

	var buffered []byte
	if content.IsManifestMediaType(expected.MediaType) && expected.Size <= s.repo.maxMetadataBytes() {
		var err error
		buffered, err = io.ReadAll(io.LimitReader(body, expected.Size))
		if err != nil {
			return err
		}
		if int64(len(buffered)) != expected.Size {
			return fmt.Errorf("got %d bytes, expected %d: %w", len(buffered), expected.Size, errdef.ErrSizeMismatch)
		}
		body = bytes.NewReader(buffered)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, buildRepositoryManifestURL(s.repo.PlainHTTP, ref), body)
	if err != nil {
		return err
	}
	if buffered != nil {
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buffered)), nil
		}
	}
	if req.GetBody != nil && req.ContentLength != expected.Size {
		return fmt.Errorf("content length %d, expected %d: %w", req.ContentLength, expected.Size, errdef.ErrSizeMismatch)
	}
	req.ContentLength = expected.Size
	req.Header.Set("Content-Type", expected.MediaType)

	resp, err := s.repo.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return parseErrorResponse(resp)
	}
	if err := verifyContentDigest(resp, expected.Digest); err != nil {
		return err
	}
	return s.indexReferrers(ctx, expected, buffered, resp)
}

// indexReferrers keeps the referrers tag schema up to date for
// registries without native referrers support: when the pushed manifest
// carries a subject and the registry did not acknowledge it via the
// OCI-Subject header, the subject's referrers index is fetched, the new
// referrer appended, and the index pushed back under the subject's
// referrers tag.
func (s *manifestStore) indexReferrers(ctx context.Context, pushed ocispec.Descriptor, manifestBytes []byte, resp *http.Response) error {
	if manifestBytes == nil {
		return nil
	}
	var manifest struct {
		ArtifactType string              `json:"artifactType"`
		Config       *ocispec.Descriptor `json:"config"`
		Subject      *ocispec.Descriptor `json:"subject"`
		Annotations  map[string]string   `json:"annotations"`
	}
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil || manifest.Subject == nil {
		// not a referrer; nothing to index
		return nil
	}

	switch s.repo.loadReferrersState() {
	case referrersStateSupported:
		return nil
	case referrersStateUnknown:
		if resp.Header.Get(ociSubjectHeader) != "" {
			// the registry tracked the subject itself
			return s.repo.SetReferrersCapability(true)
		}
		if err := s.repo.SetReferrersCapability(false); err != nil {
			return err
		}
	}

	referrer := content.ToBasic(pushed)
	referrer.ArtifactType = manifest.ArtifactType
	if referrer.ArtifactType == "" && manifest.Config != nil {
		referrer.ArtifactType = manifest.Config.MediaType
	}
	referrer.Annotations = manifest.Annotations
	return s.updateReferrersIndex(ctx, *manifest.Subject, referrer)
}

// updateReferrersIndex appends referrer to subject's referrers index
// under the tag schema, creating the index when absent. The update runs
// after the referrer itself was pushed, so a reader following the index
// never sees a dangling entry.
func (s *manifestStore) updateReferrersIndex(ctx context.Context, subject, referrer ocispec.Descriptor) error {
	tag := referrersTag(subject)

	var index ocispec.Index
	_, rc, err := s.FetchReference(ctx, tag)
	switch {
	case err == nil:
		decodeErr := json.NewDecoder(io.LimitReader(rc, s.repo.maxMetadataBytes())).Decode(&index)
		rc.Close()
		if decodeErr != nil {
			return decodeErr
		}
	case errors.Is(err, errdef.ErrNotFound):
		index = ocispec.Index{
			Versioned: indexSchemaVersion2,
			MediaType: ocispec.MediaTypeImageIndex,
		}
	default:
		return err
	}

	for _, m := range index.Manifests {
		if m.Digest == referrer.Digest {
			return nil
		}
	}
	index.Manifests = append(index.Manifests, referrer)

	b, err := json.Marshal(index)
	if err != nil {
		return err
	}
	desc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageIndex,
		Digest:    content.FromBytes(b),
		Size:      int64(len(b)),
	}
	log.Log(ctx, slog.LevelDebug, "updating referrers index by tag schema",
		slog.String("subject", subject.Digest.String()), slog.String("tag", tag))
	return s.push(ctx, desc, bytes.NewReader(b), tag)
}

// generateDescriptor builds a manifest descriptor from a HEAD/GET
// response, reconciling the client-supplied digest (if the reference was
// a digest), the Docker-Content-Digest header, and — for GETs with
// neither — the digest of the body itself.
func (s *manifestStore) generateDescriptor(resp *http.Response, ref registry.Reference, httpMethod string) (ocispec.Descriptor, error) {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%s %q: invalid response Content-Type: %w", resp.Request.Method, resp.Request.URL, err)
	}
	if resp.ContentLength == -1 {
		return ocispec.Descriptor{}, fmt.Errorf("%s %q: unknown response Content-Length", resp.Request.Method, resp.Request.URL)
	}

	var refDigest digest.Digest
	if d, err := ref.Digest(); err == nil {
		refDigest = d
	}

	var serverDigest digest.Digest
	if serverDigestStr := resp.Header.Get(dockerContentDigestHeader); serverDigestStr != "" {
		if serverDigest, err = digest.Parse(serverDigestStr); err != nil {
			return ocispec.Descriptor{}, fmt.Errorf("%s %q: invalid response header %q: %q", resp.Request.Method, resp.Request.URL, dockerContentDigestHeader, serverDigestStr)
		}
	}

	contentDigest := serverDigest
	if contentDigest == "" {
		if httpMethod == http.MethodHead {
			if refDigest == "" {
				// a HEAD has no body to hash; the digest must come from
				// somewhere
				return ocispec.Descriptor{}, fmt.Errorf("%s %q: missing required header %q", httpMethod, resp.Request.URL, dockerContentDigestHeader)
			}
			contentDigest = refDigest
		} else {
			contentDigest, err = calculateDigestFromResponse(resp, s.repo.maxMetadataBytes())
			if err != nil {
				return ocispec.Descriptor{}, err
			}
		}
	}
	if refDigest != "" && refDigest != contentDigest {
		return ocispec.Descriptor{}, fmt.Errorf("%s %q: %s %s, expected %s: %w", resp.Request.Method, resp.Request.URL, dockerContentDigestHeader, contentDigest, refDigest, errdef.ErrDigestMismatch)
	}

	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    contentDigest,
		Size:      resp.ContentLength,
	}, nil
}

// calculateDigestFromResponse hashes the response body without
// destroying it: the bytes are buffered and handed back on resp.Body.
func calculateDigestFromResponse(resp *http.Response, maxMetadataBytes int64) (digest.Digest, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return "", fmt.Errorf("%s %q: failed to read response body: %w", resp.Request.Method, resp.Request.URL, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(b))
	return content.FromBytes(b), nil
}

// Tags delegates to the owning repository's tag listing.
func (s *manifestStore) Tags(ctx context.Context, last string, fn func(tags []string) error) error {
	return s.repo.Tags(ctx, last, fn)
}

// Referrers delegates to the owning repository's referrer listing.
func (s *manifestStore) Referrers(ctx context.Context, node ocispec.Descriptor, artifactType string, fn func(referrers []ocispec.Descriptor) error) error {
	return s.repo.Referrers(ctx, node, artifactType, fn)
}

// manifestAcceptHeader renders the Accept list for manifest requests.
func manifestAcceptHeader(mediaTypes []string) string {
	return strings.Join(mediaTypes, ", ")
}

var _ registry.ManifestStore = (*manifestStore)(nil)
