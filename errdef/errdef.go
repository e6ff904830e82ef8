// Package errdef holds the sentinel errors shared by every ociclient
// package. Callers should match them with errors.Is / errors.As rather
// than string comparison.
package errdef

import "errors"

var (
	// ErrNotFound is returned when resolving a tag, fetching a descriptor,
	// or deleting content that does not exist in the target.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by Push when the content is already
	// present. Copy treats this as success.
	ErrAlreadyExists = errors.New("already exists")

	// ErrDigestMismatch is returned when the digest computed while
	// streaming content differs from the descriptor's declared digest.
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrSizeMismatch is returned when the number of bytes streamed
	// differs from the descriptor's declared size.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrSizeExceedsLimit is returned by a size-limited store when a push
	// declares a size larger than the configured cap.
	ErrSizeExceedsLimit = errors.New("size exceeds limit")

	// ErrInvalidReference is returned when a reference string fails to
	// parse per the registry/repository/tag-or-digest grammar.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrInvalidMediaType is returned when a descriptor's media type is
	// empty or malformed.
	ErrInvalidMediaType = errors.New("invalid media type")

	// ErrInvalidDatetimeFormat is returned when a manifest annotation
	// that is supposed to hold an RFC 3339 timestamp cannot be parsed.
	ErrInvalidDatetimeFormat = errors.New("invalid date-time format")

	// ErrDuplicateName is returned by the file store when a name is
	// registered twice.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrMissingName is returned when an operation that requires a
	// registered name annotation is given content with none.
	ErrMissingName = errors.New("missing name")

	// ErrMissingReference is returned when a reference string is empty
	// where a tag or digest was required.
	ErrMissingReference = errors.New("missing reference")

	// ErrPathTraversalDisallowed is returned by the file store when a
	// resolved path would escape the working directory and
	// AllowPathTraversalOnWrite was not set.
	ErrPathTraversalDisallowed = errors.New("path traversal disallowed")

	// ErrOverwriteDisallowed is returned by the file store when
	// DisableOverwrite is set and the destination file already exists.
	ErrOverwriteDisallowed = errors.New("overwrite disallowed")

	// ErrStoreClosed is returned by any file store operation performed
	// after Close.
	ErrStoreClosed = errors.New("store closed")

	// ErrUnsupported is returned when a backend or registry does not
	// implement a requested operation.
	ErrUnsupported = errors.New("unsupported")

	// ErrAuthenticationFailed is returned when the auth client could not
	// acquire a token by any available flow.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrMissingCredentials is returned when the Basic auth flow, or the
	// OAuth2 flow without a refresh token, has no username/password to
	// offer.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrMissingAuthParameter is returned when a Bearer challenge lacks a
	// required parameter such as realm or service.
	ErrMissingAuthParameter = errors.New("missing auth parameter")

	// ErrReferrersStateAlreadySet is returned when code attempts to flip
	// a repository's referrers-API support state after it was already
	// set to a different value.
	ErrReferrersStateAlreadySet = errors.New("referrers state already set")

	// ErrCancelled is returned when a context is cancelled mid-operation,
	// distinct from other failures.
	ErrCancelled = errors.New("cancelled")
)
