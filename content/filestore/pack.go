package filestore

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/rancher/ociclient/content"
	"github.com/rancher/ociclient/errdef"
)

// Add registers the file or directory at diskPath under name, returning
// its descriptor. The bytes are not copied: the path is mapped into the
// store and served on Fetch. Directories are tar+gzipped to a staged
// temporary file first; the gzip stream is the content, while the tar
// digest (the "inner" digest, computed in the same pass) is recorded in
// AnnotationDigest alongside AnnotationUnpack=true. Add requires
// AllowDirectoryPacking for directories; a plain file is always
// supported.
func (s *Store) Add(ctx context.Context, name, mediaType, diskPath string) (ocispec.Descriptor, error) {
	if err := s.checkClosed(); err != nil {
		return ocispec.Descriptor{}, err
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	info, err := os.Stat(diskPath)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	if !info.IsDir() {
		return s.addFile(ctx, name, mediaType, diskPath)
	}
	if !s.opts.AllowDirectoryPacking {
		return ocispec.Descriptor{}, fmt.Errorf("packing directory %s: %w", diskPath, errdef.ErrUnsupported)
	}
	return s.addDir(ctx, name, mediaType, diskPath)
}

func (s *Store) addFile(ctx context.Context, name, mediaType, diskPath string) (ocispec.Descriptor, error) {
	f, err := os.Open(diskPath)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer f.Close()

	digester := content.NewDigester()
	size, err := io.Copy(digester.Hash(), f)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digester.Digest(),
		Size:      size,
		Annotations: map[string]string{
			ocispec.AnnotationTitle: name,
		},
	}
	if err := s.register(name, desc, diskPath); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// register maps name to the content at absPath without copying the
// bytes; the path is served directly on Fetch. A name may be registered
// once.
func (s *Store) register(name string, desc ocispec.Descriptor, absPath string) error {
	entry, unlock := s.lockName(name)
	defer unlock()
	if entry.exists {
		return fmt.Errorf("%s: %w", name, errdef.ErrDuplicateName)
	}
	abs, err := filepath.Abs(absPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.digestToPath[desc.Digest] = contentRecord{path: abs, external: true}
	s.mu.Unlock()
	entry.exists = true
	return nil
}

// addDir stages a tar+gzip archive of diskPath to a temporary file,
// computing the outer (gzip) and inner (tar) digests in one pass, then
// registers the archive under name with the unpack annotations set.
func (s *Store) addDir(ctx context.Context, name, mediaType, diskPath string) (ocispec.Descriptor, error) {
	tmp, err := os.CreateTemp(s.opts.TempDir, "ociclient-filestore-*.tar.gz")
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	tmpPath := tmp.Name()
	s.mu.Lock()
	s.tmpFiles = append(s.tmpFiles, tmpPath)
	s.mu.Unlock()
	defer tmp.Close()

	outerDigester := content.NewDigester()
	innerDigester := content.NewDigester()

	gz := gzip.NewWriter(io.MultiWriter(tmp, outerDigester.Hash()))
	tw := tar.NewWriter(io.MultiWriter(gz, innerDigester.Hash()))

	if err := tarDirectory(tw, diskPath); err != nil {
		return ocispec.Descriptor{}, err
	}
	if err := tw.Close(); err != nil {
		return ocispec.Descriptor{}, err
	}
	if err := gz.Close(); err != nil {
		return ocispec.Descriptor{}, err
	}

	outerSize, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    outerDigester.Digest(),
		Size:      outerSize,
		Annotations: map[string]string{
			ocispec.AnnotationTitle: name,
			AnnotationUnpack:        "true",
			AnnotationDigest:        innerDigester.Digest().String(),
		},
	}

	if err := s.register(name, desc, tmpPath); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

func tarDirectory(tw *tar.Writer, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		header, err := tar.FileInfoHeader(info, info.Name())
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// unpackTarGzip streams the gzipped tar in r (up to size bytes) and
// unpacks its entries at relPath, which is treated as a directory root.
// The decompressed tar stream is hashed in the same pass; when
// innerDigest (the AnnotationDigest value recorded at Add time) is
// non-empty, a mismatch fails the push.
func (s *Store) unpackTarGzip(relPath string, r io.Reader, size int64, innerDigest string) error {
	if err := s.fs.MkdirAll(relPath, os.ModePerm); err != nil {
		return err
	}

	limited := io.LimitReader(r, size)
	gz, err := gzip.NewReader(limited)
	if err != nil {
		return err
	}
	defer gz.Close()

	innerDigester := content.NewDigester()
	tr := tar.NewReader(io.TeeReader(gz, innerDigester.Hash()))

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		entryPath := filepath.Join(relPath, filepath.FromSlash(header.Name))
		switch header.Typeflag {
		case tar.TypeDir:
			if err := s.fs.MkdirAll(entryPath, os.FileMode(header.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := s.fs.MkdirAll(filepath.Dir(entryPath), os.ModePerm); err != nil {
				return err
			}
			f, err := s.fs.Create(entryPath)
			if err != nil {
				return err
			}
			if _, err := io.CopyN(f, tr, header.Size); err != nil && err != io.EOF {
				f.Close()
				return err
			}
			f.Close()
		}
	}

	// Drain the tar trailer and anything left so the outer gzip/limited
	// reader is fully consumed for the caller's digest verification.
	if _, err := io.Copy(io.Discard, io.TeeReader(gz, innerDigester.Hash())); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, limited)

	if innerDigest != "" && innerDigester.Digest().String() != innerDigest {
		return fmt.Errorf("tar content %s, expected %s: %w", innerDigester.Digest(), innerDigest, errdef.ErrDigestMismatch)
	}
	return nil
}
