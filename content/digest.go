package content

import (
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// VerifyReader wraps r so that the bytes read through it are hashed with
// the algorithm declared by expected; Verified reports whether the
// computed digest matches. Used to verify content on Fetch and on Push.
type VerifyReader struct {
	io.Reader
	verifier digest.Verifier
}

// NewVerifyReader returns a VerifyReader that hashes everything read
// through it against the algorithm of expected.
func NewVerifyReader(r io.Reader, expected digest.Digest) (*VerifyReader, error) {
	if err := expected.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", expected, err)
	}
	verifier := expected.Verifier()
	return &VerifyReader{
		Reader:   io.TeeReader(r, verifier),
		verifier: verifier,
	}, nil
}

// Verified reports whether the content streamed so far hashes to the
// expected digest. Call only after the underlying reader is fully drained.
func (v *VerifyReader) Verified() bool {
	return v.verifier.Verified()
}

// Digester is a streaming hasher for the canonical (SHA-256) algorithm.
type Digester struct {
	digester digest.Digester
}

// NewDigester returns a Digester using the canonical digest algorithm.
func NewDigester() *Digester {
	return &Digester{digester: digest.Canonical.Digester()}
}

// Hash returns the io.Writer that content should be streamed through.
func (d *Digester) Hash() io.Writer {
	return d.digester.Hash()
}

// Digest returns the digest of everything written through Hash so far.
func (d *Digester) Digest() digest.Digest {
	return d.digester.Digest()
}

// FromBytes computes the canonical digest of b.
func FromBytes(b []byte) digest.Digest {
	return digest.FromBytes(b)
}

// ValidateDigest checks that d is a well-formed "algorithm:hex" digest.
func ValidateDigest(d string) error {
	return digest.Digest(d).Validate()
}
