// Package remote implements the client side of the OCI Distribution API:
// repositories split into blob and manifest stores, tag and catalog
// listing, the referrers API with its tag-schema fallback, cross-repo
// blob mounting, and content-digest verification on every read and write.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/rancher/ociclient/content"
	"github.com/rancher/ociclient/errdef"
	"github.com/rancher/ociclient/registry"
	"github.com/rancher/ociclient/registry/remote/auth"
)

// dockerContentDigestHeader carries the canonical digest of the returned
// content on registry responses.
// Reference: https://github.com/opencontainers/distribution-spec/blob/main/spec.md#pull
const dockerContentDigestHeader = "Docker-Content-Digest"

// defaultMaxMetadataBytes caps metadata responses (manifests, tag lists,
// referrers pages) when MaxMetadataBytes is unset.
const defaultMaxMetadataBytes = 4 * 1024 * 1024

// Referrers-API support discovered at runtime. The state moves from
// unknown to exactly one of the other two, once.
const (
	referrersStateUnknown int32 = iota
	referrersStateSupported
	referrersStateUnsupported
)

// Client is the HTTP surface the repository talks through. An
// *auth.Client satisfies it; so does any middleware wrapping one.
type Client interface {
	// Do sends an HTTP request and returns an HTTP response. Unlike
	// http.RoundTripper, Do may interpret the response and handle
	// higher-level protocol details such as redirects and
	// authentication.
	Do(*http.Request) (*http.Response, error)
}

// Repository is an HTTP client to a single remote repository.
type Repository struct {
	// Client is the underlying HTTP client. If nil, auth.DefaultClient
	// is used (or a tenant-partitioned equivalent when TenantID is set).
	Client Client

	// Reference identifies the remote repository.
	Reference registry.Reference

	// PlainHTTP accesses the registry via HTTP instead of HTTPS.
	PlainHTTP bool

	// ManifestMediaTypes is the Accept list used when resolving
	// manifests from references, and classifies descriptors as manifests
	// vs. blobs. Defaults to content.DefaultManifestMediaTypes.
	ManifestMediaTypes []string

	// TagListPageSize is the page size requested from the tag list API.
	// 0 leaves the page size to the registry.
	TagListPageSize int

	// MaxMetadataBytes caps metadata responses. Defaults to 4 MiB.
	MaxMetadataBytes int64

	// TenantID partitions the default client's token cache. Only
	// consulted when Client is nil.
	TenantID string

	// referrersState records whether the registry supports the
	// referrers API; accessed atomically.
	referrersState int32
}

// RepositoryOptions is an alias of Repository to avoid confusion between
// a configured set of options and a live client.
type RepositoryOptions Repository

// NewRepository returns a client to the remote repository identified by
// reference, e.g. "localhost:5000/hello-world".
func NewRepository(reference string) (*Repository, error) {
	ref, err := registry.ParseReference(reference)
	if err != nil {
		return nil, err
	}
	if err := ref.ValidateRepository(); err != nil {
		return nil, err
	}
	return &Repository{Reference: ref}, nil
}

// tenantClients holds one default auth client per tenant so that every
// repository configured with the same TenantID shares a token cache.
var tenantClients sync.Map // tenant id -> *auth.Client

func (r *Repository) client() Client {
	if r.Client != nil {
		return r.Client
	}
	if r.TenantID == "" {
		return auth.DefaultClient
	}
	if c, ok := tenantClients.Load(r.TenantID); ok {
		return c.(Client)
	}
	c, _ := tenantClients.LoadOrStore(r.TenantID, &auth.Client{Cache: auth.NewCacheWithTenant(r.TenantID)})
	return c.(Client)
}

func (r *Repository) maxMetadataBytes() int64 {
	if r.MaxMetadataBytes > 0 {
		return r.MaxMetadataBytes
	}
	return defaultMaxMetadataBytes
}

func (r *Repository) manifestMediaTypes() []string {
	if len(r.ManifestMediaTypes) > 0 {
		return r.ManifestMediaTypes
	}
	return content.DefaultManifestMediaTypes
}

// isManifest classifies desc by the configured manifest media types.
func (r *Repository) isManifest(desc ocispec.Descriptor) bool {
	for _, mt := range r.manifestMediaTypes() {
		if desc.MediaType == mt {
			return true
		}
	}
	return false
}

// store picks the CAS half serving the given descriptor.
func (r *Repository) store(desc ocispec.Descriptor) registry.BlobStore {
	if r.isManifest(desc) {
		return r.Manifests()
	}
	return r.Blobs()
}

// Blobs returns the half of the repository addressing content by digest
// only: layers, configs, and other generic blobs.
func (r *Repository) Blobs() registry.BlobStore {
	return &blobStore{repo: r}
}

// Manifests returns the half of the repository whose content may also be
// addressed by tag: image manifests and indices.
func (r *Repository) Manifests() registry.ManifestStore {
	return &manifestStore{repo: r}
}

// Fetch fetches the content identified by target.
func (r *Repository) Fetch(ctx context.Context, target ocispec.Descriptor) (io.ReadCloser, error) {
	return r.store(target).Fetch(ctx, target)
}

// Push pushes content matching expected.
func (r *Repository) Push(ctx context.Context, expected ocispec.Descriptor, body io.Reader) error {
	return r.store(expected).Push(ctx, expected, body)
}

// Exists reports whether the content identified by target exists.
func (r *Repository) Exists(ctx context.Context, target ocispec.Descriptor) (bool, error) {
	return r.store(target).Exists(ctx, target)
}

// Delete removes the content identified by target.
func (r *Repository) Delete(ctx context.Context, target ocispec.Descriptor) error {
	return r.store(target).Delete(ctx, target)
}

// Resolve resolves a tag or digest reference to a manifest descriptor.
func (r *Repository) Resolve(ctx context.Context, reference string) (ocispec.Descriptor, error) {
	return r.Manifests().Resolve(ctx, reference)
}

// Tag tags the manifest desc with reference.
func (r *Repository) Tag(ctx context.Context, desc ocispec.Descriptor, reference string) error {
	return r.Manifests().Tag(ctx, desc, reference)
}

// FetchReference fetches the manifest identified by a tag or digest
// reference, returning its resolved descriptor alongside the content.
func (r *Repository) FetchReference(ctx context.Context, reference string) (ocispec.Descriptor, io.ReadCloser, error) {
	return r.Manifests().FetchReference(ctx, reference)
}

// PushReference pushes the manifest under a tag in a single round trip.
func (r *Repository) PushReference(ctx context.Context, expected ocispec.Descriptor, body io.Reader, reference string) error {
	return r.Manifests().PushReference(ctx, expected, body, reference)
}

// GetBlobLocation reports the URL the blob's bytes are served from when
// the registry redirects blob GETs to external storage; see
// blobStore.GetBlobLocation.
func (r *Repository) GetBlobLocation(ctx context.Context, target ocispec.Descriptor) (string, error) {
	return r.Blobs().(*blobStore).GetBlobLocation(ctx, target)
}

// Mount cross-repo mounts the blob desc from fromRepository, making the
// copy engine's mount fast path available on a Repository destination.
func (r *Repository) Mount(ctx context.Context, desc ocispec.Descriptor, fromRepository string, getContent func() (io.ReadCloser, error)) error {
	return r.Blobs().(registry.Mounter).Mount(ctx, desc, fromRepository, getContent)
}

// ParseReference resolves a tag or digest reference (or a fully
// qualified reference string) against r.Reference. A fully qualified
// reference naming a different registry or repository is rejected with a
// wrapped errdef.ErrInvalidReference.
func (r *Repository) ParseReference(reference string) (registry.Reference, error) {
	ref, err := registry.ParseReference(reference)
	if err != nil || ref.Repository == "" {
		// not fully qualified; treat as a bare tag or digest
		if i := strings.IndexByte(reference, '@'); i != -1 {
			// drop the tag when a digest is present
			reference = reference[i+1:]
		}
		ref = registry.Reference{
			Registry:   r.Reference.Registry,
			Repository: r.Reference.Repository,
			Reference:  reference,
		}
		if err := ref.ValidateReference(); err != nil {
			return registry.Reference{}, err
		}
		return ref, nil
	}
	if ref.Registry != r.Reference.Registry || ref.Repository != r.Reference.Repository {
		return registry.Reference{}, fmt.Errorf("%w %q: expect %q", errdef.ErrInvalidReference, ref, r.Reference)
	}
	if ref.Reference == "" {
		return registry.Reference{}, fmt.Errorf("%w %q: empty tag or digest", errdef.ErrInvalidReference, ref)
	}
	return ref, nil
}

// Tags lists the repository's tags, delivering each page to fn in order.
// If last is non-empty the listing starts after that tag.
func (r *Repository) Tags(ctx context.Context, last string, fn func(tags []string) error) error {
	ctx = withScopeHint(ctx, r.Reference, auth.ActionPull)
	url := buildRepositoryTagListURL(r.PlainHTTP, r.Reference)
	var err error
	for err == nil {
		url, err = r.tags(ctx, last, fn, url)
		// only the first page carries the caller's starting point
		last = ""
	}
	if !errors.Is(err, errNoLink) {
		return err
	}
	return nil
}

// tags fetches a single page of the tag list and returns the next link.
func (r *Repository) tags(ctx context.Context, last string, fn func(tags []string) error, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	if r.TagListPageSize > 0 || last != "" {
		q := req.URL.Query()
		if r.TagListPageSize > 0 {
			q.Set("n", strconv.Itoa(r.TagListPageSize))
		}
		if last != "" {
			q.Set("last", last)
		}
		req.URL.RawQuery = q.Encode()
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", parseErrorResponse(resp)
	}
	var page struct {
		Tags []string `json:"tags"`
	}
	if err := decodeJSON(resp, r.maxMetadataBytes(), &page); err != nil {
		return "", err
	}
	if err := fn(page.Tags); err != nil {
		return "", err
	}
	return parseLink(resp)
}

// Predecessors returns the manifests directly referring to desc via
// their subject field, using Referrers underneath. It satisfies
// content.PredecessorFindable so ExtendedCopyGraph can walk a remote
// repository.
func (r *Repository) Predecessors(ctx context.Context, desc ocispec.Descriptor) ([]ocispec.Descriptor, error) {
	var out []ocispec.Descriptor
	if err := r.Referrers(ctx, desc, "", func(referrers []ocispec.Descriptor) error {
		out = append(out, referrers...)
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// SetReferrersCapability declares whether the remote registry supports
// the referrers API, skipping runtime detection. The state can be set
// once; a conflicting second value fails with a wrapped
// errdef.ErrReferrersStateAlreadySet.
func (r *Repository) SetReferrersCapability(capable bool) error {
	target := referrersStateUnsupported
	if capable {
		target = referrersStateSupported
	}
	if atomic.CompareAndSwapInt32(&r.referrersState, referrersStateUnknown, target) {
		return nil
	}
	if atomic.LoadInt32(&r.referrersState) != target {
		return fmt.Errorf("current capability %v, new %v: %w",
			atomic.LoadInt32(&r.referrersState) == referrersStateSupported, capable, errdef.ErrReferrersStateAlreadySet)
	}
	return nil
}

func (r *Repository) loadReferrersState() int32 {
	return atomic.LoadInt32(&r.referrersState)
}

// withScopeHint attaches the auth scope implied by an operation on ref
// to the context, so the auth client requests a sufficiently broad token
// up front.
func withScopeHint(ctx context.Context, ref registry.Reference, actions ...string) context.Context {
	return auth.AppendScopes(ctx, auth.ScopeRepository(ref.Repository, actions...))
}

// decodeJSON decodes at most limit bytes of the response body into v.
func decodeJSON(resp *http.Response, limit int64, v any) error {
	lr := io.LimitReader(resp.Body, limit)
	if err := json.NewDecoder(lr).Decode(v); err != nil {
		return fmt.Errorf("%s %q: failed to decode response: %w", resp.Request.Method, resp.Request.URL, err)
	}
	return nil
}

var (
	_ registry.Repository         = (*Repository)(nil)
	_ registry.Mounter            = (*Repository)(nil)
	_ content.PredecessorFindable = (*Repository)(nil)
)
