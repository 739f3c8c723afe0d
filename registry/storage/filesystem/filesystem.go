// Package filesystem provides a local-disk storage backend. Blobs are
// sharded into 256 directories by the first two hex characters of their
// digest, manifests live under a per-repository directory and uploads are
// staged as append-only files that are renamed into the blob tree on commit.
// Rename is atomic on POSIX filesystems, so a blob is either fully present or
// absent and readers never observe partial content.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/driftlabs/drift/internal/uuid"
	"github.com/driftlabs/drift/registry/storage"
)

const (
	blobsDir     = "blobs"
	manifestsDir = "manifests"
	uploadsDir   = "uploads"
)

// Driver is a storage.Backend rooted at a single directory.
type Driver struct {
	root string
}

var _ storage.Backend = &Driver{}

// New constructs a filesystem backend rooted at root, creating the top-level
// directory structure if it does not exist.
func New(root string) (*Driver, error) {
	if root == "" {
		return nil, errors.New("filesystem: root directory must not be empty")
	}
	for _, dir := range []string{blobsDir, manifestsDir, uploadsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("filesystem: creating %s: %w", dir, err)
		}
	}
	return &Driver{root: root}, nil
}

// blobPath shards blobs by the first two characters of the hex digest so that
// no single directory accumulates millions of entries.
func (d *Driver) blobPath(dgst digest.Digest) string {
	hex := dgst.Hex()
	return filepath.Join(d.root, blobsDir, hex[:2], dgst.String())
}

func (d *Driver) manifestPath(repo, reference string) string {
	return filepath.Join(d.root, manifestsDir, filepath.FromSlash(repo), reference)
}

func (d *Driver) uploadPath(id string) string {
	return filepath.Join(d.root, uploadsDir, id)
}

// writeFileAtomic writes data to path through a temporary sibling and renames
// it into place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (d *Driver) PutBlob(ctx context.Context, dgst digest.Digest, data []byte) error {
	return writeFileAtomic(d.blobPath(dgst), data)
}

func (d *Driver) GetBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(d.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrBlobUnknown
		}
		return nil, err
	}
	return f, nil
}

func (d *Driver) GetBlobRange(ctx context.Context, dgst digest.Digest, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(d.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrBlobUnknown
		}
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	if length < 0 {
		return f, nil
	}
	return &limitedFileReader{Reader: io.LimitReader(f, length), f: f}, nil
}

type limitedFileReader struct {
	io.Reader
	f *os.File
}

func (lr *limitedFileReader) Close() error {
	return lr.f.Close()
}

func (d *Driver) DeleteBlob(ctx context.Context, dgst digest.Digest) error {
	err := os.Remove(d.blobPath(dgst))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *Driver) BlobExists(ctx context.Context, dgst digest.Digest) (bool, error) {
	_, err := os.Stat(d.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *Driver) StatBlob(ctx context.Context, dgst digest.Digest) (storage.BlobMetadata, error) {
	fi, err := os.Stat(d.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return storage.BlobMetadata{}, storage.ErrBlobUnknown
		}
		return storage.BlobMetadata{}, err
	}
	return storage.BlobMetadata{Size: fi.Size(), CreatedAt: fi.ModTime()}, nil
}

func (d *Driver) ListBlobs(ctx context.Context) ([]digest.Digest, error) {
	shards, err := os.ReadDir(filepath.Join(d.root, blobsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var digests []digest.Digest
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(d.root, blobsDir, shard.Name()))
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			dgst, err := digest.Parse(entry.Name())
			if err != nil {
				// Temp files and stray entries are not blobs.
				continue
			}
			digests = append(digests, dgst)
		}
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i] < digests[j] })
	return digests, nil
}

func (d *Driver) PutManifest(ctx context.Context, repo, reference string, data []byte) error {
	dgst := digest.FromBytes(data)

	if refDgst, err := digest.Parse(reference); err == nil {
		if refDgst != dgst {
			return storage.ErrDigestMismatch
		}
		return writeFileAtomic(d.manifestPath(repo, dgst.String()), data)
	}

	// Tag reference. Write the digest-addressed revision first so the tag
	// pointer never resolves to missing content.
	if err := writeFileAtomic(d.manifestPath(repo, dgst.String()), data); err != nil {
		return err
	}
	return writeFileAtomic(d.manifestPath(repo, reference), []byte(dgst.String()))
}

func (d *Driver) GetManifest(ctx context.Context, repo, reference string) ([]byte, error) {
	if _, err := digest.Parse(reference); err == nil {
		data, err := os.ReadFile(d.manifestPath(repo, reference))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, storage.ErrManifestUnknown
			}
			return nil, err
		}
		return data, nil
	}

	dgst, err := d.GetManifestDigest(ctx, repo, reference)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.manifestPath(repo, dgst.String()))
	if err != nil {
		if os.IsNotExist(err) {
			// Dangling tag pointer.
			return nil, storage.ErrManifestUnknown
		}
		return nil, err
	}
	return data, nil
}

func (d *Driver) GetManifestDigest(ctx context.Context, repo, tag string) (digest.Digest, error) {
	link, err := os.ReadFile(d.manifestPath(repo, tag))
	if err != nil {
		if os.IsNotExist(err) {
			return "", storage.ErrManifestUnknown
		}
		return "", err
	}
	dgst, err := digest.Parse(strings.TrimSpace(string(link)))
	if err != nil {
		return "", fmt.Errorf("filesystem: corrupt tag pointer %s/%s: %w", repo, tag, err)
	}
	return dgst, nil
}

func (d *Driver) DeleteManifest(ctx context.Context, repo, reference string) error {
	err := os.Remove(d.manifestPath(repo, reference))
	if err != nil {
		if os.IsNotExist(err) {
			return storage.ErrManifestUnknown
		}
		return err
	}
	return nil
}

func (d *Driver) StatManifest(ctx context.Context, repo string, dgst digest.Digest) (storage.ManifestMetadata, error) {
	fi, err := os.Stat(d.manifestPath(repo, dgst.String()))
	if err != nil {
		if os.IsNotExist(err) {
			return storage.ManifestMetadata{}, storage.ErrManifestUnknown
		}
		return storage.ManifestMetadata{}, err
	}
	return storage.ManifestMetadata{Size: fi.Size(), CreatedAt: fi.ModTime()}, nil
}

func (d *Driver) ListTags(ctx context.Context, repo string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.root, manifestsDir, filepath.FromSlash(repo)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrRepositoryUnknown
		}
		return nil, err
	}

	tags := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, err := digest.Parse(entry.Name()); err == nil {
			continue
		}
		tags = append(tags, entry.Name())
	}
	sort.Strings(tags)
	return tags, nil
}

func (d *Driver) ListManifests(ctx context.Context, repo string) ([]digest.Digest, error) {
	entries, err := os.ReadDir(filepath.Join(d.root, manifestsDir, filepath.FromSlash(repo)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var digests []digest.Digest
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if dgst, err := digest.Parse(entry.Name()); err == nil {
			digests = append(digests, dgst)
		}
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i] < digests[j] })
	return digests, nil
}

func (d *Driver) ListRepositories(ctx context.Context) ([]string, error) {
	base := filepath.Join(d.root, manifestsDir)
	seen := map[string]struct{}{}

	err := filepath.WalkDir(base, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, filepath.Dir(path))
		if err != nil || rel == "." {
			return err
		}
		seen[filepath.ToSlash(rel)] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	repos := make([]string, 0, len(seen))
	for repo := range seen {
		repos = append(repos, repo)
	}
	sort.Strings(repos)
	return repos, nil
}

func (d *Driver) StartUpload(ctx context.Context, id string) error {
	f, err := os.OpenFile(d.uploadPath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (d *Driver) PutUploadChunk(ctx context.Context, id string, offset int64, data io.Reader) (int64, error) {
	f, err := os.OpenFile(d.uploadPath(id), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, storage.ErrUploadUnknown
		}
		return 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if fi.Size() != offset {
		return 0, storage.InvalidOffsetError{UploadID: id, Offset: offset}
	}

	n, err := io.Copy(f, data)
	if err != nil {
		return n, err
	}
	return n, f.Sync()
}

func (d *Driver) StatUpload(ctx context.Context, id string) (storage.UploadMetadata, error) {
	fi, err := os.Stat(d.uploadPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return storage.UploadMetadata{}, storage.ErrUploadUnknown
		}
		return storage.UploadMetadata{}, err
	}
	return storage.UploadMetadata{Offset: fi.Size(), UpdatedAt: fi.ModTime()}, nil
}

func (d *Driver) CompleteUpload(ctx context.Context, id string, dgst digest.Digest) error {
	src := d.uploadPath(id)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrUploadUnknown
		}
		return err
	}

	dst := d.blobPath(dgst)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

func (d *Driver) CancelUpload(ctx context.Context, id string) error {
	err := os.Remove(d.uploadPath(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *Driver) ListUploads(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.root, uploadsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}
