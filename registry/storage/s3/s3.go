// Package s3 provides a storage backend on an S3-compatible object store.
// The key layout mirrors the filesystem backend so an operator can reason
// about both the same way. Uploads are staged through S3 multipart uploads
// with part state held in process; a restart abandons in-flight uploads,
// which the TTL reaper and AbortMultipartUpload lifecycle rules clean up.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"

	"github.com/driftlabs/drift/registry/storage"
)

// minPartSize is the smallest part S3 accepts in a multipart upload, apart
// from the final part.
const minPartSize = 5 << 20

// DriverParameters holds the connection settings for an S3 backend.
type DriverParameters struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	// PathStyle forces path-style addressing, required by MinIO and most
	// other S3-compatible stores.
	PathStyle bool

	// Prefix is prepended to every key, with a trailing slash.
	Prefix string
}

type uploadState struct {
	s3UploadID string
	parts      []*s3.CompletedPart
	buf        []byte
	offset     int64
	updatedAt  time.Time
}

// Driver is a storage.Backend on a single S3 bucket.
type Driver struct {
	S3     s3iface.S3API
	bucket string
	prefix string

	clock   clock.Clock
	mu      sync.Mutex
	uploads map[string]*uploadState
}

var _ storage.Backend = &Driver{}

// New constructs an S3 backend from params.
func New(params DriverParameters) (*Driver, error) {
	if params.Bucket == "" {
		return nil, errors.New("s3: bucket must not be empty")
	}

	awsConfig := aws.NewConfig().WithRegion(params.Region)
	if params.AccessKey != "" && params.SecretKey != "" {
		awsConfig.WithCredentials(credentials.NewStaticCredentials(params.AccessKey, params.SecretKey, ""))
	}
	if params.Endpoint != "" {
		awsConfig.WithEndpoint(params.Endpoint)
	}
	awsConfig.WithS3ForcePathStyle(params.PathStyle)

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("s3: creating session: %w", err)
	}

	return NewWithClient(s3.New(sess), params.Bucket, params.Prefix), nil
}

// NewWithClient constructs a backend over an existing client. Tests inject a
// fake s3iface implementation through this.
func NewWithClient(client s3iface.S3API, bucket, prefix string) *Driver {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Driver{
		S3:      client,
		bucket:  bucket,
		prefix:  prefix,
		clock:   clock.New(),
		uploads: map[string]*uploadState{},
	}
}

func (d *Driver) blobKey(dgst digest.Digest) string {
	hex := dgst.Hex()
	return d.prefix + path.Join("blobs", hex[:2], dgst.String())
}

func (d *Driver) manifestKey(repo, reference string) string {
	return d.prefix + path.Join("manifests", repo, reference)
}

func (d *Driver) uploadKey(id string) string {
	return d.prefix + path.Join("uploads", id)
}

func isNotFound(err error) bool {
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

func (d *Driver) putObject(ctx context.Context, key string, data []byte) error {
	_, err := d.S3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (d *Driver) getObject(ctx context.Context, key string) ([]byte, error) {
	resp, err := d.S3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (d *Driver) deleteObject(ctx context.Context, key string) error {
	_, err := d.S3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (d *Driver) PutBlob(ctx context.Context, dgst digest.Digest, data []byte) error {
	return d.putObject(ctx, d.blobKey(dgst), data)
}

func (d *Driver) GetBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	resp, err := d.S3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.blobKey(dgst)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrBlobUnknown
		}
		return nil, err
	}
	return resp.Body, nil
}

func (d *Driver) GetBlobRange(ctx context.Context, dgst digest.Digest, offset, length int64) (io.ReadCloser, error) {
	rng := "bytes=" + strconv.FormatInt(offset, 10) + "-"
	if length >= 0 {
		rng += strconv.FormatInt(offset+length-1, 10)
	}
	resp, err := d.S3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.blobKey(dgst)),
		Range:  aws.String(rng),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrBlobUnknown
		}
		var awsErr awserr.Error
		if errors.As(err, &awsErr) && awsErr.Code() == "InvalidRange" {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		return nil, err
	}
	return resp.Body, nil
}

func (d *Driver) DeleteBlob(ctx context.Context, dgst digest.Digest) error {
	return d.deleteObject(ctx, d.blobKey(dgst))
}

func (d *Driver) BlobExists(ctx context.Context, dgst digest.Digest) (bool, error) {
	_, err := d.StatBlob(ctx, dgst)
	if err != nil {
		if errors.Is(err, storage.ErrBlobUnknown) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *Driver) StatBlob(ctx context.Context, dgst digest.Digest) (storage.BlobMetadata, error) {
	resp, err := d.S3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.blobKey(dgst)),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.BlobMetadata{}, storage.ErrBlobUnknown
		}
		return storage.BlobMetadata{}, err
	}
	return storage.BlobMetadata{
		Size:      aws.Int64Value(resp.ContentLength),
		CreatedAt: aws.TimeValue(resp.LastModified),
	}, nil
}

func (d *Driver) ListBlobs(ctx context.Context) ([]digest.Digest, error) {
	var digests []digest.Digest
	err := d.S3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(d.prefix + "blobs/"),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			dgst, err := digest.Parse(path.Base(aws.StringValue(obj.Key)))
			if err != nil {
				continue
			}
			digests = append(digests, dgst)
		}
		return true
	})
	if err != nil {
		return nil, err
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
		return d.putObject(ctx, d.manifestKey(repo, dgst.String()), data)
	}

	if err := d.putObject(ctx, d.manifestKey(repo, dgst.String()), data); err != nil {
		return err
	}
	return d.putObject(ctx, d.manifestKey(repo, reference), []byte(dgst.String()))
}

func (d *Driver) GetManifest(ctx context.Context, repo, reference string) ([]byte, error) {
	if _, err := digest.Parse(reference); err != nil {
		dgst, err := d.GetManifestDigest(ctx, repo, reference)
		if err != nil {
			return nil, err
		}
		reference = dgst.String()
	}

	data, err := d.getObject(ctx, d.manifestKey(repo, reference))
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrManifestUnknown
		}
		return nil, err
	}
	return data, nil
}

func (d *Driver) GetManifestDigest(ctx context.Context, repo, tag string) (digest.Digest, error) {
	link, err := d.getObject(ctx, d.manifestKey(repo, tag))
	if err != nil {
		if isNotFound(err) {
			return "", storage.ErrManifestUnknown
		}
		return "", err
	}
	dgst, err := digest.Parse(strings.TrimSpace(string(link)))
	if err != nil {
		return "", fmt.Errorf("s3: corrupt tag pointer %s/%s: %w", repo, tag, err)
	}
	return dgst, nil
}

func (d *Driver) DeleteManifest(ctx context.Context, repo, reference string) error {
	key := d.manifestKey(repo, reference)

	// DeleteObject succeeds for absent keys, so probe first to surface
	// unknown references.
	_, err := d.S3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrManifestUnknown
		}
		return err
	}
	return d.deleteObject(ctx, key)
}

func (d *Driver) StatManifest(ctx context.Context, repo string, dgst digest.Digest) (storage.ManifestMetadata, error) {
	resp, err := d.S3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.manifestKey(repo, dgst.String())),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.ManifestMetadata{}, storage.ErrManifestUnknown
		}
		return storage.ManifestMetadata{}, err
	}
	return storage.ManifestMetadata{
		Size:      aws.Int64Value(resp.ContentLength),
		CreatedAt: aws.TimeValue(resp.LastModified),
	}, nil
}

func (d *Driver) ListTags(ctx context.Context, repo string) ([]string, error) {
	prefix := d.prefix + "manifests/" + repo + "/"

	tags := []string{}
	found := false
	err := d.S3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			found = true
			name := path.Base(aws.StringValue(obj.Key))
			if _, err := digest.Parse(name); err == nil {
				continue
			}
			tags = append(tags, name)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, storage.ErrRepositoryUnknown
	}
	sort.Strings(tags)
	return tags, nil
}

func (d *Driver) ListManifests(ctx context.Context, repo string) ([]digest.Digest, error) {
	prefix := d.prefix + "manifests/" + repo + "/"

	var digests []digest.Digest
	err := d.S3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if dgst, err := digest.Parse(path.Base(aws.StringValue(obj.Key))); err == nil {
				digests = append(digests, dgst)
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i] < digests[j] })
	return digests, nil
}

func (d *Driver) ListRepositories(ctx context.Context) ([]string, error) {
	prefix := d.prefix + "manifests/"

	seen := map[string]struct{}{}
	err := d.S3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.StringValue(obj.Key), prefix)
			if repo := path.Dir(key); repo != "." && repo != "/" {
				seen[repo] = struct{}{}
			}
		}
		return true
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
	resp, err := d.S3.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.uploadKey(id)),
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.uploads[id] = &uploadState{
		s3UploadID: aws.StringValue(resp.UploadId),
		updatedAt:  d.clock.Now(),
	}
	d.mu.Unlock()
	return nil
}

func (d *Driver) PutUploadChunk(ctx context.Context, id string, offset int64, data io.Reader) (int64, error) {
	d.mu.Lock()
	state, ok := d.uploads[id]
	d.mu.Unlock()
	if !ok {
		return 0, storage.ErrUploadUnknown
	}
	if state.offset != offset {
		return 0, storage.InvalidOffsetError{UploadID: id, Offset: offset}
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, data)
	if err != nil {
		return 0, err
	}
	state.buf = append(state.buf, buf.Bytes()...)
	state.offset += n
	state.updatedAt = d.clock.Now()

	// Flush full parts, keeping any tail under the S3 minimum buffered for
	// the next chunk or the final part.
	for int64(len(state.buf)) >= minPartSize {
		if err := d.uploadPart(ctx, id, state, state.buf[:minPartSize]); err != nil {
			return n, err
		}
		state.buf = state.buf[minPartSize:]
	}
	return n, nil
}

func (d *Driver) uploadPart(ctx context.Context, id string, state *uploadState, part []byte) error {
	partNumber := int64(len(state.parts) + 1)
	resp, err := d.S3.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(d.uploadKey(id)),
		UploadId:   aws.String(state.s3UploadID),
		PartNumber: aws.Int64(partNumber),
		Body:       bytes.NewReader(part),
	})
	if err != nil {
		return err
	}
	state.parts = append(state.parts, &s3.CompletedPart{
		ETag:       resp.ETag,
		PartNumber: aws.Int64(partNumber),
	})
	return nil
}

func (d *Driver) StatUpload(ctx context.Context, id string) (storage.UploadMetadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.uploads[id]
	if !ok {
		return storage.UploadMetadata{}, storage.ErrUploadUnknown
	}
	return storage.UploadMetadata{Offset: state.offset, UpdatedAt: state.updatedAt}, nil
}

func (d *Driver) CompleteUpload(ctx context.Context, id string, dgst digest.Digest) error {
	d.mu.Lock()
	state, ok := d.uploads[id]
	d.mu.Unlock()
	if !ok {
		return storage.ErrUploadUnknown
	}

	stagingKey := d.uploadKey(id)

	if len(state.parts) == 0 {
		// Everything fit in the buffer. Abort the multipart upload and
		// write the blob directly.
		d.abortMultipart(ctx, stagingKey, state.s3UploadID)
		if err := d.putObject(ctx, d.blobKey(dgst), state.buf); err != nil {
			return err
		}
		d.forget(id)
		return nil
	}

	if len(state.buf) > 0 {
		if err := d.uploadPart(ctx, id, state, state.buf); err != nil {
			return err
		}
		state.buf = nil
	}

	_, err := d.S3.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(stagingKey),
		UploadId: aws.String(state.s3UploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{
			Parts: state.parts,
		},
	})
	if err != nil {
		return err
	}

	_, err = d.S3.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(d.blobKey(dgst)),
		CopySource: aws.String(d.bucket + "/" + stagingKey),
	})
	if err != nil {
		return err
	}

	if err := d.deleteObject(ctx, stagingKey); err != nil {
		return err
	}
	d.forget(id)
	return nil
}

func (d *Driver) CancelUpload(ctx context.Context, id string) error {
	d.mu.Lock()
	state, ok := d.uploads[id]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	d.abortMultipart(ctx, d.uploadKey(id), state.s3UploadID)
	d.forget(id)
	return nil
}

func (d *Driver) ListUploads(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.uploads))
	for id := range d.uploads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *Driver) abortMultipart(ctx context.Context, key, uploadID string) {
	// Best effort. An orphaned multipart upload costs storage until a
	// bucket lifecycle rule reaps it, but never affects correctness.
	d.S3.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
}

func (d *Driver) forget(id string) {
	d.mu.Lock()
	delete(d.uploads, id)
	d.mu.Unlock()
}
