package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rancher/ociclient/errdef"
	"github.com/rancher/ociclient/registry"
	"github.com/rancher/ociclient/registry/remote/auth"
)

// Registry is an HTTP client to a remote registry as a whole: the base
// v2 endpoint and the repository catalog.
type Registry struct {
	// RepositoryOptions configures every Repository the registry hands
	// out; its Reference carries only the registry host here.
	RepositoryOptions
}

// NewRegistry returns a client to the remote registry at host, e.g.
// "localhost:5000".
func NewRegistry(host string) (*Registry, error) {
	ref, err := registry.ParseReference(host)
	if err != nil {
		return nil, err
	}
	return &Registry{
		RepositoryOptions: RepositoryOptions{Reference: registry.Reference{Registry: ref.Registry}},
	}, nil
}

func (r *Registry) client() Client {
	if r.Client != nil {
		return r.Client
	}
	return auth.DefaultClient
}

// Ping checks whether the registry speaks the Distribution API and the
// configured credentials can reach it.
func (r *Registry) Ping(ctx context.Context) error {
	url := buildRegistryBaseURL(r.PlainHTTP, r.Reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", r.Reference.Registry, errdef.ErrNotFound)
	default:
		return parseErrorResponse(resp)
	}
}

// Repositories lists the registry's repository catalog, delivering each
// page to fn in order. If last is non-empty the listing starts after
// that repository name.
func (r *Registry) Repositories(ctx context.Context, last string, fn func(repos []string) error) error {
	ctx = auth.AppendScopes(ctx, auth.ScopeRegistryCatalog)
	url := buildRegistryCatalogURL(r.PlainHTTP, r.Reference)
	var err error
	for err == nil {
		url, err = r.repositories(ctx, last, fn, url)
		// only the first page carries the caller's starting point
		last = ""
	}
	if !errors.Is(err, errNoLink) {
		return err
	}
	return nil
}

func (r *Registry) repositories(ctx context.Context, last string, fn func(repos []string) error, url string) (string, error) {
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
	limit := r.MaxMetadataBytes
	if limit <= 0 {
		limit = defaultMaxMetadataBytes
	}
	var page struct {
		Repositories []string `json:"repositories"`
	}
	if err := decodeJSON(resp, limit, &page); err != nil {
		return "", err
	}
	if err := fn(page.Repositories); err != nil {
		return "", err
	}
	return parseLink(resp)
}

// Repository returns a client to the named repository on this registry,
// inheriting the registry's options.
func (r *Registry) Repository(ctx context.Context, name string) (*Repository, error) {
	ref := registry.Reference{
		Registry:   r.Reference.Registry,
		Repository: name,
	}
	if err := ref.ValidateRepository(); err != nil {
		return nil, err
	}
	repo := Repository(r.RepositoryOptions)
	repo.Reference = ref
	return &repo, nil
}
