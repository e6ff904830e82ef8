// Package memorystore provides an in-memory, concurrency-safe
// content-addressed store keyed by digest, a tag store, and the
// reverse-predecessor index used for referrer and garbage discovery.
package memorystore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/rancher/ociclient/content"
	"github.com/rancher/ociclient/errdef"
)

// Store is a concurrent-safe in-memory CAS: a byte map keyed by the
// (media type, digest, size) triple, a tag-to-descriptor map, and a
// predecessor index.
type Store struct {
	mu sync.RWMutex

	descriptors map[any]ocispec.Descriptor
	blobs       map[any][]byte
	tags        map[string]ocispec.Descriptor
	// predecessors maps a successor's basic key to the set of descriptors
	// (keyed again by basic key to dedupe) that point at it.
	predecessors map[any]map[any]ocispec.Descriptor
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		descriptors:  make(map[any]ocispec.Descriptor),
		blobs:        make(map[any][]byte),
		tags:         make(map[string]ocispec.Descriptor),
		predecessors: make(map[any]map[any]ocispec.Descriptor),
	}
}

// Fetch returns the content identified by target.
func (s *Store) Fetch(ctx context.Context, target ocispec.Descriptor) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[content.BasicKey(target)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", target.Digest, errdef.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// Push stores content under expected, verifying size and digest inline.
// A duplicate push of identical content is a no-op and returns
// errdef.ErrAlreadyExists.
func (s *Store) Push(ctx context.Context, expected ocispec.Descriptor, r io.Reader) error {
	key := content.BasicKey(expected)

	s.mu.RLock()
	_, exists := s.blobs[key]
	s.mu.RUnlock()
	if exists {
		return fmt.Errorf("%s: %w", expected.Digest, errdef.ErrAlreadyExists)
	}

	verifier, err := content.NewVerifyReader(r, expected.Digest)
	if err != nil {
		return err
	}
	b, err := io.ReadAll(io.LimitReader(verifier, expected.Size+1))
	if err != nil {
		return err
	}
	if int64(len(b)) != expected.Size {
		return fmt.Errorf("got %d bytes, expected %d: %w", len(b), expected.Size, errdef.ErrSizeMismatch)
	}
	if !verifier.Verified() {
		return fmt.Errorf("%s: %w", expected.Digest, errdef.ErrDigestMismatch)
	}

	// Content that does not parse as a manifest/index is stored as-is and
	// contributes no predecessor edges.
	successors, err := content.SuccessorsFromBytes(expected.MediaType, b)
	if err != nil {
		successors = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[key]; exists {
		return fmt.Errorf("%s: %w", expected.Digest, errdef.ErrAlreadyExists)
	}
	s.blobs[key] = b
	s.descriptors[key] = expected
	for _, succ := range successors {
		succKey := content.BasicKey(succ)
		if s.predecessors[succKey] == nil {
			s.predecessors[succKey] = make(map[any]ocispec.Descriptor)
		}
		s.predecessors[succKey][key] = expected
	}
	return nil
}

// Exists reports whether content identified by target is present.
func (s *Store) Exists(ctx context.Context, target ocispec.Descriptor) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[content.BasicKey(target)]
	return ok, nil
}

// Delete removes content and any predecessor edges it contributed.
func (s *Store) Delete(ctx context.Context, target ocispec.Descriptor) error {
	key := content.BasicKey(target)

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return fmt.Errorf("%s: %w", target.Digest, errdef.ErrNotFound)
	}
	successors, err := content.SuccessorsFromBytes(target.MediaType, b)
	if err != nil {
		successors = nil
	}
	for _, succ := range successors {
		succKey := content.BasicKey(succ)
		delete(s.predecessors[succKey], key)
		if len(s.predecessors[succKey]) == 0 {
			delete(s.predecessors, succKey)
		}
	}
	delete(s.blobs, key)
	delete(s.descriptors, key)
	delete(s.predecessors, key)
	return nil
}

// Resolve returns the descriptor tagged by reference.
func (s *Store) Resolve(ctx context.Context, reference string) (ocispec.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	desc, ok := s.tags[reference]
	if !ok {
		return ocispec.Descriptor{}, fmt.Errorf("%s: %w", reference, errdef.ErrNotFound)
	}
	return desc, nil
}

// Tag attaches reference to desc, overwriting any previous value. The
// descriptor must already exist in the store.
func (s *Store) Tag(ctx context.Context, desc ocispec.Descriptor, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[content.BasicKey(desc)]; !ok {
		return fmt.Errorf("%s: %w", desc.Digest, errdef.ErrNotFound)
	}
	s.tags[reference] = desc
	return nil
}

// Tags delivers every known tag, sorted, in a single page.
func (s *Store) Tags(ctx context.Context, last string, fn func(tags []string) error) error {
	s.mu.RLock()
	names := make([]string, 0, len(s.tags))
	for t := range s.tags {
		if t > last {
			names = append(names, t)
		}
	}
	s.mu.RUnlock()

	sort.Strings(names)
	if len(names) == 0 {
		return nil
	}
	return fn(names)
}

// Predecessors returns the nodes that point directly at node.
func (s *Store) Predecessors(ctx context.Context, node ocispec.Descriptor) ([]ocispec.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	preds := s.predecessors[content.BasicKey(node)]
	if len(preds) == 0 {
		return nil, nil
	}
	out := make([]ocispec.Descriptor, 0, len(preds))
	for _, d := range preds {
		out = append(out, d)
	}
	return out, nil
}

var (
	_ content.Storage             = (*Store)(nil)
	_ content.Deletable           = (*Store)(nil)
	_ content.Resolvable          = (*Store)(nil)
	_ content.Taggable            = (*Store)(nil)
	_ content.TagListable         = (*Store)(nil)
	_ content.PredecessorFindable = (*Store)(nil)
)
