// Package storage defines the backend contract shared by every storage
// implementation. A Backend exposes a uniform, content-addressed surface over
// blobs, manifests and upload staging areas so that the distribution
// handlers, the upload session manager and the garbage collector behave
// identically regardless of where the bytes live.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
)

// BlobMetadata describes a stored blob without touching its content.
type BlobMetadata struct {
	// Size is the length of the blob in bytes.
	Size int64

	// CreatedAt is the time the blob was committed. Garbage collection
	// compares this against the grace period before sweeping.
	CreatedAt time.Time
}

// ManifestMetadata describes a stored manifest revision.
type ManifestMetadata struct {
	Size      int64
	CreatedAt time.Time
}

// UploadMetadata describes an in-progress upload staging area.
type UploadMetadata struct {
	// Offset is the number of contiguous bytes accepted so far.
	Offset int64

	// UpdatedAt is the last time the staging area was written. The TTL
	// reaper uses this to expire idle uploads.
	UpdatedAt time.Time
}

// Backend is the single polymorphic seam of the registry. A successful write
// must be visible to subsequent reads before the call returns. Listing
// operations return results in lexicographic order but may be eventually
// consistent on object-store implementations; callers that cannot tolerate
// missed entries must shield themselves with a grace period.
type Backend interface {
	BlobStore
	ManifestStore
	UploadStore

	// ListRepositories returns the names of all repositories holding at
	// least one manifest, in lexicographic order.
	ListRepositories(ctx context.Context) ([]string, error)
}

// BlobStore holds repository-agnostic, content-addressed blobs.
type BlobStore interface {
	// PutBlob stores data under dgst. The caller is responsible for having
	// verified that the digest matches the content. Rewriting an existing
	// digest is an idempotent success.
	PutBlob(ctx context.Context, dgst digest.Digest, data []byte) error

	// GetBlob returns a reader over the full blob content. Returns
	// ErrBlobUnknown if no blob is stored under dgst.
	GetBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error)

	// GetBlobRange returns a reader over [offset, offset+length). A
	// negative length reads through the end of the blob.
	GetBlobRange(ctx context.Context, dgst digest.Digest, offset, length int64) (io.ReadCloser, error)

	// DeleteBlob removes the blob. Deleting an absent blob is a success.
	DeleteBlob(ctx context.Context, dgst digest.Digest) error

	// BlobExists reports whether a blob is stored under dgst.
	BlobExists(ctx context.Context, dgst digest.Digest) (bool, error)

	// StatBlob returns size and creation time for the blob.
	StatBlob(ctx context.Context, dgst digest.Digest) (BlobMetadata, error)

	// ListBlobs enumerates every stored blob digest, in lexicographic
	// order of the serialized digest.
	ListBlobs(ctx context.Context) ([]digest.Digest, error)
}

// ManifestStore holds manifests addressed by (repository, reference) where
// the reference is a tag or a digest. Storing a manifest through a tag
// reference writes both the digest-addressed revision and the tag pointer,
// so that reads through either form return the same bytes.
type ManifestStore interface {
	// PutManifest stores data under (repo, reference). For a tag
	// reference, the manifest is stored at its content digest and the tag
	// pointer is updated to resolve to that digest. For a digest
	// reference, the bytes must hash to that digest.
	PutManifest(ctx context.Context, repo, reference string, data []byte) error

	// GetManifest returns the manifest bytes for a tag or digest
	// reference. Returns ErrManifestUnknown when absent, including the
	// case of a dangling tag pointer.
	GetManifest(ctx context.Context, repo, reference string) ([]byte, error)

	// DeleteManifest removes a tag pointer (tag reference) or a manifest
	// revision (digest reference). Tags pointing at a removed revision are
	// left dangling.
	DeleteManifest(ctx context.Context, repo, reference string) error

	// GetManifestDigest resolves a tag to the digest it points at.
	GetManifestDigest(ctx context.Context, repo, tag string) (digest.Digest, error)

	// StatManifest returns metadata for the digest-addressed revision.
	StatManifest(ctx context.Context, repo string, dgst digest.Digest) (ManifestMetadata, error)

	// ListTags returns the tags in repo, in lexicographic order.
	ListTags(ctx context.Context, repo string) ([]string, error)

	// ListManifests enumerates the digest-addressed revisions in repo.
	ListManifests(ctx context.Context, repo string) ([]digest.Digest, error)
}

// UploadStore manages staging areas for resumable blob uploads. Staging data
// is not content-addressed until committed. Callers serialize operations per
// upload id; concurrent writers to one id are undefined.
type UploadStore interface {
	// StartUpload allocates a staging area for id.
	StartUpload(ctx context.Context, id string) error

	// PutUploadChunk appends data to the staging area at offset, which
	// must equal the current staged size. Returns the number of bytes
	// written. A mismatched offset returns ErrInvalidOffset.
	PutUploadChunk(ctx context.Context, id string, offset int64, data io.Reader) (int64, error)

	// StatUpload returns the current offset and last activity time of an
	// upload. Returns ErrUploadUnknown for absent ids.
	StatUpload(ctx context.Context, id string) (UploadMetadata, error)

	// CompleteUpload atomically publishes the staged bytes as the blob
	// dgst and releases the staging area. The caller must have verified
	// that the staged content hashes to dgst.
	CompleteUpload(ctx context.Context, id string, dgst digest.Digest) error

	// CancelUpload discards the staging area. Cancelling an unknown
	// upload is a success.
	CancelUpload(ctx context.Context, id string) error

	// ListUploads enumerates staging area ids, for the TTL reaper.
	ListUploads(ctx context.Context) ([]string, error)
}
