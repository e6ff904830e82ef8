package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/rancher/ociclient/errdef"
	"github.com/rancher/ociclient/internal/log"
	"github.com/rancher/ociclient/registry"
	"github.com/rancher/ociclient/registry/remote/auth"
)

// blobStore accesses the digest-addressed half of a repository.
type blobStore struct {
	repo *Repository
}

// Fetch returns the blob identified by target.
func (s *blobStore) Fetch(ctx context.Context, target ocispec.Descriptor) (rc io.ReadCloser, err error) {
	ref := s.repo.Reference
	ref.Reference = target.Digest.String()
	ctx = withScopeHint(ctx, ref, auth.ActionPull)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildRepositoryBlobURL(s.repo.PlainHTTP, ref), nil)
	if err != nil {
		return nil, err
	}

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
		if size := resp.ContentLength; size != -1 && size != target.Size {
			return nil, fmt.Errorf("%s %q: Content-Length %d, expected %d: %w", resp.Request.Method, resp.Request.URL, size, target.Size, errdef.ErrSizeMismatch)
		}
		if err := verifyContentDigest(resp, target.Digest); err != nil {
			return nil, err
		}
		return resp.Body, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", target.Digest, errdef.ErrNotFound)
	default:
		return nil, parseErrorResponse(resp)
	}
}

// Push uploads the blob monolithically: a POST starting an upload
// session, then a PUT of the whole body against the returned location
// with the digest attached as a query parameter.
func (s *blobStore) Push(ctx context.Context, expected ocispec.Descriptor, body io.Reader) error {
	// pushing usually requires both pull and push actions
	ctx = withScopeHint(ctx, s.repo.Reference, auth.ActionPull, auth.ActionPush)
	url := buildRepositoryBlobUploadURL(s.repo.PlainHTTP, s.repo.Reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.repo.client().Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusAccepted {
		defer resp.Body.Close()
		return parseErrorResponse(resp)
	}
	resp.Body.Close()

	return s.completeUpload(ctx, expected, resp, body)
}

// completeUpload finishes an upload session opened by a POST (plain or
// mount-fallback): a PUT of the content against the session's location.
// The session is abandoned on any failure; callers retry from the start.
func (s *blobStore) completeUpload(ctx context.Context, expected ocispec.Descriptor, postResp *http.Response, body io.Reader) error {
	location, err := postResp.Location()
	if err != nil {
		return err
	}
	// Some registries strip an explicit :443 from the Location host,
	// which would force a second auth handshake on the "new" host. Put
	// it back.
	reqURL := postResp.Request.URL
	if reqURL.Port() == "443" && location.Hostname() == reqURL.Hostname() && location.Port() == "" {
		location.Host = location.Hostname() + ":" + reqURL.Port()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, location.String(), body)
	if err != nil {
		return err
	}
	if req.GetBody != nil && req.ContentLength != expected.Size {
		return fmt.Errorf("content length %d, expected %d: %w", req.ContentLength, expected.Size, errdef.ErrSizeMismatch)
	}
	req.ContentLength = expected.Size
	req.Header.Set("Content-Type", "application/octet-stream")
	q := req.URL.Query()
	q.Set("digest", expected.Digest.String())
	req.URL.RawQuery = q.Encode()

	// reuse the credential negotiated for the POST
	if authHeader := postResp.Request.Header.Get("Authorization"); authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	resp, err := s.repo.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return parseErrorResponse(resp)
	}
	return nil
}

// Exists reports whether the blob identified by target exists.
func (s *blobStore) Exists(ctx context.Context, target ocispec.Descriptor) (bool, error) {
	_, err := s.Resolve(ctx, target.Digest.String())
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Delete removes the blob identified by target. Registries without blob
// deletion answer 405, surfaced as a wrapped errdef.ErrUnsupported.
func (s *blobStore) Delete(ctx context.Context, target ocispec.Descriptor) error {
	ref := s.repo.Reference
	ref.Reference = target.Digest.String()
	ctx = withScopeHint(ctx, ref, auth.ActionDelete)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, buildRepositoryBlobURL(s.repo.PlainHTTP, ref), nil)
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
		return fmt.Errorf("delete blob %s: %w", target.Digest, errdef.ErrUnsupported)
	default:
		return parseErrorResponse(resp)
	}
}

// Resolve resolves a digest reference to a blob descriptor via HEAD.
func (s *blobStore) Resolve(ctx context.Context, reference string) (ocispec.Descriptor, error) {
	ref, err := s.repo.ParseReference(reference)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	refDigest, err := ref.Digest()
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	ctx = withScopeHint(ctx, ref, auth.ActionPull)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, buildRepositoryBlobURL(s.repo.PlainHTTP, ref), nil)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	resp, err := s.repo.client().Do(req)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return generateBlobDescriptor(resp, refDigest)
	case http.StatusNotFound:
		return ocispec.Descriptor{}, fmt.Errorf("%s: %w", ref, errdef.ErrNotFound)
	default:
		return ocispec.Descriptor{}, parseErrorResponse(resp)
	}
}

// FetchReference fetches the blob identified by a digest reference,
// returning its descriptor alongside the content.
func (s *blobStore) FetchReference(ctx context.Context, reference string) (desc ocispec.Descriptor, rc io.ReadCloser, err error) {
	ref, err := s.repo.ParseReference(reference)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	refDigest, err := ref.Digest()
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	ctx = withScopeHint(ctx, ref, auth.ActionPull)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildRepositoryBlobURL(s.repo.PlainHTTP, ref), nil)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
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
		desc, err = generateBlobDescriptor(resp, refDigest)
		if err != nil {
			return ocispec.Descriptor{}, nil, err
		}
		return desc, resp.Body, nil
	case http.StatusNotFound:
		return ocispec.Descriptor{}, nil, fmt.Errorf("%s: %w", ref, errdef.ErrNotFound)
	default:
		return ocispec.Descriptor{}, nil, parseErrorResponse(resp)
	}
}

// Mount makes the blob desc available in this repository by referencing
// fromRepository, falling back to an upload through getContent when the
// registry declines the mount by opening a plain upload session instead.
func (s *blobStore) Mount(ctx context.Context, desc ocispec.Descriptor, fromRepository string, getContent func() (io.ReadCloser, error)) error {
	// mounting requires pull access on the source repository on top of
	// the usual pull+push on the destination
	ctx = withScopeHint(ctx, s.repo.Reference, auth.ActionPull, auth.ActionPush)
	ctx = auth.AppendScopes(ctx, auth.ScopeRepository(fromRepository, auth.ActionPull))

	url := buildRepositoryBlobUploadURL(s.repo.PlainHTTP, s.repo.Reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("mount", desc.Digest.String())
	q.Set("from", fromRepository)
	req.URL.RawQuery = q.Encode()

	resp, err := s.repo.client().Do(req)
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusCreated:
		resp.Body.Close()
		log.Log(ctx, slog.LevelDebug, "blob mounted",
			slog.String("digest", desc.Digest.String()), slog.String("from", fromRepository))
		return nil
	case http.StatusAccepted:
		// mount declined; the registry opened an upload session instead
	default:
		defer resp.Body.Close()
		return parseErrorResponse(resp)
	}
	resp.Body.Close()

	if getContent == nil {
		return fmt.Errorf("mount of %s fell back to upload with no content source: %w", desc.Digest, errdef.ErrNotFound)
	}
	rc, err := getContent()
	if err != nil {
		return err
	}
	defer rc.Close()
	return s.completeUpload(ctx, desc, resp, rc)
}

// GetBlobLocation reports where the blob's bytes are actually served
// from: registries backed by external storage answer blob GETs with a
// redirect. The underlying transport must not follow redirects for the
// Location to be observable; with a redirect-following client the
// returned URL is empty. An empty URL with a nil error means the
// registry serves the blob itself.
func (s *blobStore) GetBlobLocation(ctx context.Context, target ocispec.Descriptor) (string, error) {
	ref := s.repo.Reference
	ref.Reference = target.Digest.String()
	ctx = withScopeHint(ctx, ref, auth.ActionPull)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildRepositoryBlobURL(s.repo.PlainHTTP, ref), nil)
	if err != nil {
		return "", err
	}
	resp, err := s.repo.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		location, err := resp.Location()
		if err != nil {
			return "", err
		}
		return location.String(), nil
	case http.StatusOK:
		return "", nil
	case http.StatusNotFound:
		return "", fmt.Errorf("%s: %w", target.Digest, errdef.ErrNotFound)
	default:
		return "", parseErrorResponse(resp)
	}
}

// generateBlobDescriptor builds a descriptor from a blob response,
// verifying any declared content digest against the requested one.
func generateBlobDescriptor(resp *http.Response, refDigest digest.Digest) (ocispec.Descriptor, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	size := resp.ContentLength
	if size == -1 {
		return ocispec.Descriptor{}, fmt.Errorf("%s %q: unknown response Content-Length", resp.Request.Method, resp.Request.URL)
	}
	if err := verifyContentDigest(resp, refDigest); err != nil {
		return ocispec.Descriptor{}, err
	}
	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    refDigest,
		Size:      size,
	}, nil
}

// verifyContentDigest checks the Docker-Content-Digest header, when
// present, against the digest the caller expects.
func verifyContentDigest(resp *http.Response, expected digest.Digest) error {
	digestStr := resp.Header.Get(dockerContentDigestHeader)
	if digestStr == "" {
		return nil
	}
	contentDigest, err := digest.Parse(digestStr)
	if err != nil {
		return fmt.Errorf("%s %q: invalid response header %q: %q", resp.Request.Method, resp.Request.URL, dockerContentDigestHeader, digestStr)
	}
	if contentDigest != expected {
		return fmt.Errorf("%s %q: %s %s, expected %s: %w", resp.Request.Method, resp.Request.URL, dockerContentDigestHeader, contentDigest, expected, errdef.ErrDigestMismatch)
	}
	return nil
}

var (
	_ registry.BlobStore = (*blobStore)(nil)
	_ registry.Mounter   = (*blobStore)(nil)
)
