package inmemory

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/drift/registry/storage"
)

func TestBlobTimestampsUseClock(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	d := NewWithClock(clk)

	dgst := digest.FromString("content")
	require.NoError(t, d.PutBlob(ctx, dgst, []byte("content")))

	clk.Add(time.Hour)
	later := digest.FromString("later")
	require.NoError(t, d.PutBlob(ctx, later, []byte("later")))

	first, err := d.StatBlob(ctx, dgst)
	require.NoError(t, err)
	second, err := d.StatBlob(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, second.CreatedAt.Sub(first.CreatedAt))
}

func TestPutBlobCopiesData(t *testing.T) {
	ctx := context.Background()
	d := New()

	data := []byte("mutable")
	dgst := digest.FromBytes(data)
	require.NoError(t, d.PutBlob(ctx, dgst, data))
	data[0] = 'X'

	rc, err := d.GetBlob(ctx, dgst)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("mutable"), got)
}

func TestManifestTagSemantics(t *testing.T) {
	ctx := context.Background()
	d := New()

	manifest := []byte(`{"schemaVersion":2}`)
	dgst := digest.FromBytes(manifest)
	require.NoError(t, d.PutManifest(ctx, "app", "latest", manifest))

	resolved, err := d.GetManifestDigest(ctx, "app", "latest")
	require.NoError(t, err)
	assert.Equal(t, dgst, resolved)

	// Deleting the tag keeps the revision.
	require.NoError(t, d.DeleteManifest(ctx, "app", "latest"))
	_, err = d.GetManifest(ctx, "app", "latest")
	assert.ErrorIs(t, err, storage.ErrManifestUnknown)
	_, err = d.GetManifest(ctx, "app", dgst.String())
	assert.NoError(t, err)

	// Deleting by digest removes the revision.
	require.NoError(t, d.DeleteManifest(ctx, "app", dgst.String()))
	_, err = d.GetManifest(ctx, "app", dgst.String())
	assert.ErrorIs(t, err, storage.ErrManifestUnknown)

	assert.ErrorIs(t, d.DeleteManifest(ctx, "app", dgst.String()), storage.ErrManifestUnknown)
}

func TestPutManifestByDigestMismatch(t *testing.T) {
	ctx := context.Background()
	d := New()

	wrong := digest.FromString("other")
	err := d.PutManifest(ctx, "app", wrong.String(), []byte(`{"schemaVersion":2}`))
	assert.ErrorIs(t, err, storage.ErrDigestMismatch)
}

func TestUploadOffsets(t *testing.T) {
	ctx := context.Background()
	d := New()

	require.NoError(t, d.StartUpload(ctx, "u1"))

	n, err := d.PutUploadChunk(ctx, "u1", 0, strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = d.PutUploadChunk(ctx, "u1", 5, strings.NewReader("def"))
	assert.True(t, storage.ErrInvalidOffset(err))

	meta, err := d.StatUpload(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.Offset)

	dgst := digest.FromString("abc")
	require.NoError(t, d.CompleteUpload(ctx, "u1", dgst))

	exists, err := d.BlobExists(ctx, dgst)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = d.StatUpload(ctx, "u1")
	assert.ErrorIs(t, err, storage.ErrUploadUnknown)
}

func TestListRepositories(t *testing.T) {
	ctx := context.Background()
	d := New()

	require.NoError(t, d.PutManifest(ctx, "b/repo", "v1", []byte(`{"a":1}`)))
	require.NoError(t, d.PutManifest(ctx, "a/repo", "v1", []byte(`{"b":2}`)))

	repos, err := d.ListRepositories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/repo", "b/repo"}, repos)

	_, err = d.ListTags(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrRepositoryUnknown)
}
