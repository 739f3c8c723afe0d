// Package inmemory provides a map-backed storage backend. It is intended for
// development servers and tests; nothing survives a process restart.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"

	"github.com/driftlabs/drift/registry/storage"
)

type blobEntry struct {
	data      []byte
	createdAt time.Time
}

type uploadEntry struct {
	data      []byte
	updatedAt time.Time
}

// Driver is a storage.Backend held entirely in process memory.
type Driver struct {
	mu        sync.RWMutex
	clock     clock.Clock
	blobs     map[digest.Digest]blobEntry
	manifests map[string]map[digest.Digest]blobEntry // repo -> revision
	tags      map[string]map[string]digest.Digest    // repo -> tag -> digest
	uploads   map[string]*uploadEntry
}

var _ storage.Backend = &Driver{}

// New constructs an empty in-memory backend using the wall clock.
func New() *Driver {
	return NewWithClock(clock.New())
}

// NewWithClock constructs an empty in-memory backend whose creation
// timestamps come from clk. Tests use a mock clock to exercise grace-period
// and expiry behavior.
func NewWithClock(clk clock.Clock) *Driver {
	return &Driver{
		clock:     clk,
		blobs:     map[digest.Digest]blobEntry{},
		manifests: map[string]map[digest.Digest]blobEntry{},
		tags:      map[string]map[string]digest.Digest{},
		uploads:   map[string]*uploadEntry{},
	}
}

func (d *Driver) PutBlob(ctx context.Context, dgst digest.Digest, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blobs[dgst] = blobEntry{data: append([]byte(nil), data...), createdAt: d.clock.Now()}
	return nil
}

func (d *Driver) GetBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.blobs[dgst]
	if !ok {
		return nil, storage.ErrBlobUnknown
	}
	return io.NopCloser(bytes.NewReader(entry.data)), nil
}

func (d *Driver) GetBlobRange(ctx context.Context, dgst digest.Digest, offset, length int64) (io.ReadCloser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.blobs[dgst]
	if !ok {
		return nil, storage.ErrBlobUnknown
	}
	if offset > int64(len(entry.data)) {
		offset = int64(len(entry.data))
	}
	data := entry.data[offset:]
	if length >= 0 && length < int64(len(data)) {
		data = data[:length]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (d *Driver) DeleteBlob(ctx context.Context, dgst digest.Digest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.blobs, dgst)
	return nil
}

func (d *Driver) BlobExists(ctx context.Context, dgst digest.Digest) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.blobs[dgst]
	return ok, nil
}

func (d *Driver) StatBlob(ctx context.Context, dgst digest.Digest) (storage.BlobMetadata, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.blobs[dgst]
	if !ok {
		return storage.BlobMetadata{}, storage.ErrBlobUnknown
	}
	return storage.BlobMetadata{Size: int64(len(entry.data)), CreatedAt: entry.createdAt}, nil
}

func (d *Driver) ListBlobs(ctx context.Context) ([]digest.Digest, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	digests := make([]digest.Digest, 0, len(d.blobs))
	for dgst := range d.blobs {
		digests = append(digests, dgst)
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i] < digests[j] })
	return digests, nil
}

func (d *Driver) PutManifest(ctx context.Context, repo, reference string, data []byte) error {
	dgst := digest.FromBytes(data)

	d.mu.Lock()
	defer d.mu.Unlock()

	if refDgst, err := digest.Parse(reference); err == nil {
		if refDgst != dgst {
			return storage.ErrDigestMismatch
		}
	}

	revisions, ok := d.manifests[repo]
	if !ok {
		revisions = map[digest.Digest]blobEntry{}
		d.manifests[repo] = revisions
	}
	revisions[dgst] = blobEntry{data: append([]byte(nil), data...), createdAt: d.clock.Now()}

	if _, err := digest.Parse(reference); err != nil {
		tags, ok := d.tags[repo]
		if !ok {
			tags = map[string]digest.Digest{}
			d.tags[repo] = tags
		}
		tags[reference] = dgst
	}
	return nil
}

func (d *Driver) GetManifest(ctx context.Context, repo, reference string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dgst, err := digest.Parse(reference)
	if err != nil {
		var ok bool
		dgst, ok = d.tags[repo][reference]
		if !ok {
			return nil, storage.ErrManifestUnknown
		}
	}

	entry, ok := d.manifests[repo][dgst]
	if !ok {
		return nil, storage.ErrManifestUnknown
	}
	return append([]byte(nil), entry.data...), nil
}

func (d *Driver) GetManifestDigest(ctx context.Context, repo, tag string) (digest.Digest, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dgst, ok := d.tags[repo][tag]
	if !ok {
		return "", storage.ErrManifestUnknown
	}
	return dgst, nil
}

func (d *Driver) DeleteManifest(ctx context.Context, repo, reference string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if dgst, err := digest.Parse(reference); err == nil {
		if _, ok := d.manifests[repo][dgst]; !ok {
			return storage.ErrManifestUnknown
		}
		delete(d.manifests[repo], dgst)
		return nil
	}

	if _, ok := d.tags[repo][reference]; !ok {
		return storage.ErrManifestUnknown
	}
	delete(d.tags[repo], reference)
	return nil
}

func (d *Driver) StatManifest(ctx context.Context, repo string, dgst digest.Digest) (storage.ManifestMetadata, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.manifests[repo][dgst]
	if !ok {
		return storage.ManifestMetadata{}, storage.ErrManifestUnknown
	}
	return storage.ManifestMetadata{Size: int64(len(entry.data)), CreatedAt: entry.createdAt}, nil
}

func (d *Driver) ListTags(ctx context.Context, repo string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, ok := d.manifests[repo]; !ok {
		if _, ok := d.tags[repo]; !ok {
			return nil, storage.ErrRepositoryUnknown
		}
	}
	tags := make([]string, 0, len(d.tags[repo]))
	for tag := range d.tags[repo] {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

func (d *Driver) ListManifests(ctx context.Context, repo string) ([]digest.Digest, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	digests := make([]digest.Digest, 0, len(d.manifests[repo]))
	for dgst := range d.manifests[repo] {
		digests = append(digests, dgst)
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i] < digests[j] })
	return digests, nil
}

func (d *Driver) ListRepositories(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := map[string]struct{}{}
	for repo, revisions := range d.manifests {
		if len(revisions) > 0 {
			seen[repo] = struct{}{}
		}
	}
	for repo, tags := range d.tags {
		if len(tags) > 0 {
			seen[repo] = struct{}{}
		}
	}
	repos := make([]string, 0, len(seen))
	for repo := range seen {
		repos = append(repos, repo)
	}
	sort.Strings(repos)
	return repos, nil
}

func (d *Driver) StartUpload(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uploads[id] = &uploadEntry{updatedAt: d.clock.Now()}
	return nil
}

func (d *Driver) PutUploadChunk(ctx context.Context, id string, offset int64, data io.Reader) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.uploads[id]
	if !ok {
		return 0, storage.ErrUploadUnknown
	}
	if int64(len(entry.data)) != offset {
		return 0, storage.InvalidOffsetError{UploadID: id, Offset: offset}
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, data)
	if err != nil {
		return 0, err
	}
	entry.data = append(entry.data, buf.Bytes()...)
	entry.updatedAt = d.clock.Now()
	return n, nil
}

func (d *Driver) StatUpload(ctx context.Context, id string) (storage.UploadMetadata, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.uploads[id]
	if !ok {
		return storage.UploadMetadata{}, storage.ErrUploadUnknown
	}
	return storage.UploadMetadata{Offset: int64(len(entry.data)), UpdatedAt: entry.updatedAt}, nil
}

func (d *Driver) CompleteUpload(ctx context.Context, id string, dgst digest.Digest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.uploads[id]
	if !ok {
		return storage.ErrUploadUnknown
	}
	d.blobs[dgst] = blobEntry{data: entry.data, createdAt: d.clock.Now()}
	delete(d.uploads, id)
	return nil
}

func (d *Driver) CancelUpload(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.uploads, id)
	return nil
}

func (d *Driver) ListUploads(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.uploads))
	for id := range d.uploads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// String helps debugging sessions print the backend contents compactly.
func (d *Driver) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fmt.Sprintf("inmemory{blobs=%d repos=%d uploads=%d}", len(d.blobs), len(d.manifests), len(d.uploads))
}
