// Package registry defines reference parsing and the repository-level
// capability interfaces that sit above content.Storage: tagged push/fetch,
// tag listing, and referrer discovery.
package registry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opencontainers/go-digest"

	"github.com/rancher/ociclient/errdef"
)

// dockerHub is the user-facing Docker Hub hostname; registryOne is the
// host actually serving the v2 API.
const (
	dockerHub   = "docker.io"
	registryOne = "registry-1.docker.io"
)

var (
	repositoryRegexp = regexp.MustCompile(`^[a-z0-9]+(([._]|__|-*)[a-z0-9]+)*(/[a-z0-9]+(([._]|__|-*)[a-z0-9]+)*)*$`)
	tagRegexp        = regexp.MustCompile(`^[\w][\w.-]{0,127}$`)
)

// Reference identifies a repository, and optionally a tag or digest
// within it, on a registry.
type Reference struct {
	// Registry is the DNS-like authority, e.g. "registry-1.docker.io" or
	// "localhost:5000".
	Registry string
	// Repository is the path within the registry, e.g. "library/alpine".
	Repository string
	// Reference is empty, a tag, or a digest.
	Reference string
}

// String renders the reference back to "registry/repository[:tag|@digest]".
func (r Reference) String() string {
	s := r.Registry
	if r.Repository != "" {
		s += "/" + r.Repository
	}
	if r.Reference == "" {
		return s
	}
	if isDigest(r.Reference) {
		return s + "@" + r.Reference
	}
	return s + ":" + r.Reference
}

// IsTag reports whether Reference is a tag (as opposed to a digest or
// empty).
func (r Reference) IsTag() bool {
	return r.Reference != "" && !isDigest(r.Reference)
}

// ValidateRepository checks Repository against the repository grammar.
func (r Reference) ValidateRepository() error {
	return validateRepository(r.Repository)
}

// ValidateReference checks the Reference field, which must be a tag or
// digest (not empty).
func (r Reference) ValidateReference() error {
	if r.Reference == "" {
		return fmt.Errorf("%w: empty reference", errdef.ErrMissingReference)
	}
	if isDigest(r.Reference) {
		if err := digest.Digest(r.Reference).Validate(); err != nil {
			return fmt.Errorf("%w %q: %v", errdef.ErrInvalidReference, r.Reference, err)
		}
		return nil
	}
	if !tagRegexp.MatchString(r.Reference) {
		return fmt.Errorf("%w %q: invalid tag", errdef.ErrInvalidReference, r.Reference)
	}
	return nil
}

// Digest returns the Reference field as a validated digest, failing when
// it holds a tag or nothing.
func (r Reference) Digest() (digest.Digest, error) {
	if !isDigest(r.Reference) {
		return "", fmt.Errorf("%w %q: not a digest", errdef.ErrInvalidReference, r.Reference)
	}
	d := digest.Digest(r.Reference)
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("%w %q: %v", errdef.ErrInvalidReference, r.Reference, err)
	}
	return d, nil
}

func isDigest(s string) bool {
	return strings.Contains(s, ":")
}

func validateRepository(repo string) error {
	if repo == "" {
		return fmt.Errorf("%w: empty repository", errdef.ErrInvalidReference)
	}
	if !repositoryRegexp.MatchString(repo) {
		return fmt.Errorf("%w %q: invalid repository", errdef.ErrInvalidReference, repo)
	}
	// Layer go-containerregistry's own repository grammar on top as a
	// secondary check: it additionally enforces length limits on the
	// repository name that the simpler regexp above does not check.
	if _, err := name.NewRepository("placeholder.invalid/"+repo, name.StrictValidation); err != nil {
		return fmt.Errorf("%w %q: %v", errdef.ErrInvalidReference, repo, err)
	}
	return nil
}

// ParseReference parses raw in the form
// "registry[/repository][:tag|@digest]".
// Absent content references are valid; the empty string for Reference
// means "registry/repository" with no tag or digest attached.
func ParseReference(raw string) (Reference, error) {
	if raw == "" {
		return Reference{}, fmt.Errorf("%w: empty reference", errdef.ErrInvalidReference)
	}

	registryAndPath := raw
	var contentRef string

	// A digest reference contains '@'; everything after belongs to the
	// digest, and a ':' before '@' (e.g. a port number) must not be
	// confused with the tag separator.
	if idx := strings.LastIndex(raw, "@"); idx != -1 {
		registryAndPath = raw[:idx]
		contentRef = raw[idx+1:]
	} else if idx := lastTagSeparator(raw); idx != -1 {
		registryAndPath = raw[:idx]
		contentRef = raw[idx+1:]
	}

	parts := strings.SplitN(registryAndPath, "/", 2)
	registryHost := parts[0]
	if registryHost == "" {
		return Reference{}, fmt.Errorf("%w %q: empty registry", errdef.ErrInvalidReference, raw)
	}
	var repo string
	if len(parts) == 2 {
		repo = parts[1]
	}

	ref := Reference{
		Registry:   normalizeHost(registryHost),
		Repository: repo,
		Reference:  contentRef,
	}
	if repo != "" {
		if err := ref.ValidateRepository(); err != nil {
			return Reference{}, err
		}
	}
	if contentRef != "" {
		if err := ref.ValidateReference(); err != nil {
			return Reference{}, err
		}
	}
	return ref, nil
}

// lastTagSeparator finds the ':' that introduces a tag, ignoring any ':'
// that is part of a port number in the registry host (i.e. one that
// occurs before the first '/').
func lastTagSeparator(raw string) int {
	slash := strings.IndexByte(raw, '/')
	if slash == -1 {
		// no repository present; any ':' here is a host:port, not a tag
		return -1
	}
	idx := strings.LastIndexByte(raw, ':')
	if idx == -1 || idx < slash {
		return -1
	}
	return idx
}

// normalizeHost aliases the user-facing Docker Hub hostname to the host
// that actually serves the v2 API.
func normalizeHost(host string) string {
	if host == dockerHub {
		return registryOne
	}
	return host
}
