package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrBlobUnknown is returned when a blob is not found in a backend.
	ErrBlobUnknown = errors.New("blob unknown to registry")

	// ErrManifestUnknown is returned when no manifest is stored under the
	// requested reference, including dangling tag pointers.
	ErrManifestUnknown = errors.New("manifest unknown to registry")

	// ErrRepositoryUnknown is returned when a repository holds no
	// manifests or tags.
	ErrRepositoryUnknown = errors.New("repository name not known to registry")

	// ErrUploadUnknown is returned when an upload staging area does not
	// exist.
	ErrUploadUnknown = errors.New("blob upload unknown")

	// ErrDigestMismatch is returned when stored content does not hash to
	// the digest it is addressed by.
	ErrDigestMismatch = errors.New("content does not match digest")
)

// InvalidOffsetError is returned when an upload chunk does not begin at the
// current staged offset.
type InvalidOffsetError struct {
	UploadID string
	Offset   int64
}

func (err InvalidOffsetError) Error() string {
	return fmt.Sprintf("invalid offset %d for upload %s", err.Offset, err.UploadID)
}

// ErrInvalidOffset reports whether err is an InvalidOffsetError.
func ErrInvalidOffset(err error) bool {
	var ioe InvalidOffsetError
	return errors.As(err, &ioe)
}
