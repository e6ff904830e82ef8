// Package filestore provides a name-addressed file store mapped into a
// virtual CAS, backed by a billy.Filesystem, with a size-limited memory
// fallback for unnamed content and optional tar+gzip packing of
// directories.
package filestore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/rancher/ociclient/content"
	"github.com/rancher/ociclient/content/memorystore"
	"github.com/rancher/ociclient/errdef"
	"github.com/rancher/ociclient/internal/log"
)

// Annotation keys used to mark packed directory content, matching the
// legacy oras content-store convention this module's retrieved reference
// fragments use.
const (
	AnnotationUnpack = "io.deis.oras.content.unpack"
	AnnotationDigest = "io.deis.oras.content.digest"
)

// defaultFallbackLimit is the size cap applied to the default memory
// fallback store for unnamed content.
const defaultFallbackLimit = 4 * 1024 * 1024

// Options configures a Store. The zero value is usable but disables
// directory packing; callers wanting the documented default should start
// from DefaultOptions().
type Options struct {
	// AllowPathTraversalOnWrite permits named content to resolve outside
	// the store's working directory. Off by default.
	AllowPathTraversalOnWrite bool
	// DisableOverwrite fails Push when the destination file already
	// exists instead of truncating it. Add writes no files and does not
	// consult it.
	DisableOverwrite bool
	// AllowDirectoryPacking enables tar+gzip packing in Add and unpacking
	// in Push when the pushed descriptor carries AnnotationUnpack.
	AllowDirectoryPacking bool
	// Fallback stores unnamed content. Defaults to a memory CAS capped at
	// 4 MiB.
	Fallback content.Storage
	// TempDir is where directory packing stages its tar+gzip archive
	// before it is pushed. Defaults to the OS temp directory.
	TempDir string
}

// DefaultOptions returns the documented default Options, namely
// directory packing enabled and a 4 MiB memory fallback.
func DefaultOptions() Options {
	return Options{
		AllowDirectoryPacking: true,
		Fallback:              memorystore.NewLimited(memorystore.New(), defaultFallbackLimit),
	}
}

type nameEntry struct {
	mu     sync.Mutex
	exists bool
}

// contentRecord locates a named content's bytes: a path within the
// store's filesystem, or an external absolute path (a source file mapped
// in by Add, or a staged directory archive).
type contentRecord struct {
	path     string
	external bool
}

// Store is a file-backed content store rooted at a billy.Filesystem. Named
// content (content carrying the org.opencontainers.image.title
// annotation) is written at its declared name; unnamed content is
// delegated to Fallback. No metadata is persisted to disk: digestToPath,
// the tag map, and the name registry live only for the lifetime of the
// process, so a store cannot be restored from disk alone.
type Store struct {
	fs   billy.Filesystem
	opts Options

	mu           sync.Mutex
	digestToPath map[digest.Digest]contentRecord
	names        map[string]*nameEntry
	tags         map[string]ocispec.Descriptor
	tmpFiles     []string
	closed       bool
}

// New returns a Store rooted at root on the local filesystem, using opts.
func New(root string, opts Options) *Store {
	return NewWithFS(osfs.New(root), opts)
}

// NewWithFS returns a Store rooted at fs, allowing callers to substitute
// any billy.Filesystem (e.g. an in-memory one in tests).
func NewWithFS(fs billy.Filesystem, opts Options) *Store {
	if opts.Fallback == nil {
		opts.Fallback = memorystore.NewLimited(memorystore.New(), defaultFallbackLimit)
	}
	return &Store{
		fs:           fs,
		opts:         opts,
		digestToPath: make(map[digest.Digest]contentRecord),
		names:        make(map[string]*nameEntry),
		tags:         make(map[string]ocispec.Descriptor),
	}
}

func (s *Store) checkClosed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errdef.ErrStoreClosed
	}
	return nil
}

// resolvePath validates and returns the filesystem path for name.
func (s *Store) resolvePath(name string) (string, error) {
	target := filepath.Join(s.fs.Root(), name)
	if s.opts.AllowPathTraversalOnWrite {
		return target, nil
	}
	root := filepath.Clean(s.fs.Root()) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(target)+string(os.PathSeparator), root) {
		return "", fmt.Errorf("%s: %w", name, errdef.ErrPathTraversalDisallowed)
	}
	return target, nil
}

func (s *Store) lockName(name string) (*nameEntry, func()) {
	s.mu.Lock()
	entry, ok := s.names[name]
	if !ok {
		entry = &nameEntry{}
		s.names[name] = entry
	}
	s.mu.Unlock()

	entry.mu.Lock()
	return entry, entry.mu.Unlock
}

// Fetch returns the content identified by target: from its named path if
// registered, otherwise from the fallback store.
func (s *Store) Fetch(ctx context.Context, target ocispec.Descriptor) (io.ReadCloser, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	record, named := s.digestToPath[target.Digest]
	s.mu.Unlock()
	if !named {
		return s.opts.Fallback.Fetch(ctx, target)
	}
	var f io.ReadCloser
	var err error
	if record.external {
		f, err = os.Open(record.path)
	} else {
		f, err = s.fs.Open(record.path)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", target.Digest, errdef.ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

// Exists reports whether content identified by target is present, either
// as named content or in the fallback store.
func (s *Store) Exists(ctx context.Context, target ocispec.Descriptor) (bool, error) {
	if err := s.checkClosed(); err != nil {
		return false, err
	}
	s.mu.Lock()
	_, named := s.digestToPath[target.Digest]
	s.mu.Unlock()
	if named {
		return true, nil
	}
	return s.opts.Fallback.Exists(ctx, target)
}

// Push stores content matching expected. Content carrying
// ocispec.AnnotationTitle is written at that name (tar+gzip unpacked in
// place when AnnotationUnpack is set and AllowDirectoryPacking is
// enabled); content with no name is delegated to the fallback store.
func (s *Store) Push(ctx context.Context, expected ocispec.Descriptor, r io.Reader) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	name := expected.Annotations[ocispec.AnnotationTitle]
	if name == "" {
		return s.opts.Fallback.Push(ctx, expected, r)
	}

	entry, unlock := s.lockName(name)
	defer unlock()
	if entry.exists {
		return fmt.Errorf("%s: %w", name, errdef.ErrDuplicateName)
	}

	path, err := s.resolvePath(name)
	if err != nil {
		return err
	}
	relPath, err := filepath.Rel(s.fs.Root(), path)
	if err != nil {
		relPath = name
	}

	if s.opts.DisableOverwrite {
		if _, err := s.fs.Stat(relPath); err == nil {
			return fmt.Errorf("%s: %w", name, errdef.ErrOverwriteDisallowed)
		}
	}

	verified, err := content.NewVerifyReader(r, expected.Digest)
	if err != nil {
		return err
	}

	if s.opts.AllowDirectoryPacking && expected.Annotations[AnnotationUnpack] == "true" {
		if err := s.unpackTarGzip(relPath, verified, expected.Size, expected.Annotations[AnnotationDigest]); err != nil {
			return err
		}
	} else {
		if err := s.writeFile(relPath, verified, expected.Size); err != nil {
			return err
		}
	}
	if !verified.Verified() {
		return fmt.Errorf("%s: %w", expected.Digest, errdef.ErrDigestMismatch)
	}

	s.mu.Lock()
	s.digestToPath[expected.Digest] = contentRecord{path: relPath}
	s.mu.Unlock()
	entry.exists = true

	log.Log(ctx, slog.LevelDebug, "pushed named content", slog.String("name", name), slog.String("path", relPath))
	return nil
}

func (s *Store) writeFile(relPath string, r io.Reader, size int64) error {
	if err := s.fs.MkdirAll(filepath.Dir(relPath), os.ModePerm); err != nil {
		return err
	}
	f, err := s.fs.Create(relPath)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := io.Copy(f, io.LimitReader(r, size+1))
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("wrote %d bytes, expected %d: %w", n, size, errdef.ErrSizeMismatch)
	}
	return nil
}

// Tag attaches reference to desc. Tags are in-memory only; no on-disk
// metadata is written.
func (s *Store) Tag(ctx context.Context, desc ocispec.Descriptor, reference string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	ok, err := s.Exists(ctx, desc)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", desc.Digest, errdef.ErrNotFound)
	}
	s.mu.Lock()
	s.tags[reference] = desc
	s.mu.Unlock()
	return nil
}

// Resolve returns the descriptor tagged by reference.
func (s *Store) Resolve(ctx context.Context, reference string) (ocispec.Descriptor, error) {
	if err := s.checkClosed(); err != nil {
		return ocispec.Descriptor{}, err
	}
	s.mu.Lock()
	desc, ok := s.tags[reference]
	s.mu.Unlock()
	if !ok {
		return ocispec.Descriptor{}, fmt.Errorf("%s: %w", reference, errdef.ErrNotFound)
	}
	return desc, nil
}

// Tags delivers every known tag, sorted, in a single page.
func (s *Store) Tags(ctx context.Context, last string, fn func(tags []string) error) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	s.mu.Lock()
	names := make([]string, 0, len(s.tags))
	for t := range s.tags {
		if t > last {
			names = append(names, t)
		}
	}
	s.mu.Unlock()

	sort.Strings(names)
	if len(names) == 0 {
		return nil
	}
	return fn(names)
}

// Close deletes every temporary file the store staged (directory packing
// archives) and marks the store closed; further operations fail with
// errdef.ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	tmp := s.tmpFiles
	s.tmpFiles = nil
	s.closed = true
	s.mu.Unlock()

	var firstErr error
	for _, path := range tmp {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ content.Storage    = (*Store)(nil)
	_ content.Resolvable = (*Store)(nil)
	_ content.Taggable   = (*Store)(nil)
)
