package gc

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/drift/registry/storage"
	"github.com/driftlabs/drift/registry/storage/inmemory"
)

type gcFixture struct {
	backend *inmemory.Driver
	clock   *clock.Mock
}

func newFixture(t *testing.T) *gcFixture {
	t.Helper()
	clk := clock.NewMock()
	return &gcFixture{backend: inmemory.NewWithClock(clk), clock: clk}
}

func (f *gcFixture) collector(opts Options) *Collector {
	return New(f.backend, f.clock, opts, true, time.Hour)
}

// putImage stores a config blob, a layer blob and a manifest referencing
// both, tagged with tag. Returns the manifest digest.
func (f *gcFixture) putImage(t *testing.T, repo, tag string, seed int) digest.Digest {
	t.Helper()
	ctx := context.Background()

	config := []byte(fmt.Sprintf(`{"os":"linux","seed":%d}`, seed))
	layer := []byte(fmt.Sprintf("layer-data-%d", seed))
	configDgst := digest.FromBytes(config)
	layerDgst := digest.FromBytes(layer)
	require.NoError(t, f.backend.PutBlob(ctx, configDgst, config))
	require.NoError(t, f.backend.PutBlob(ctx, layerDgst, layer))

	manifest, err := json.Marshal(map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.oci.image.manifest.v1+json",
		"config":        map[string]interface{}{"digest": configDgst.String()},
		"layers": []map[string]interface{}{
			{"digest": layerDgst.String()},
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.backend.PutManifest(ctx, repo, tag, manifest))
	return digest.FromBytes(manifest)
}

func (f *gcFixture) putOrphanBlob(t *testing.T, seed int) digest.Digest {
	t.Helper()
	data := []byte(fmt.Sprintf("orphan-%d", seed))
	dgst := digest.FromBytes(data)
	require.NoError(t, f.backend.PutBlob(context.Background(), dgst, data))
	return dgst
}

func TestRunSweepsOrphanedBlobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.putImage(t, "library/app", "latest", 1)
	orphan := f.putOrphanBlob(t, 1)

	c := f.collector(Options{GracePeriod: time.Hour})
	f.clock.Add(2 * time.Hour)

	result, err := c.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrphanedBlobsFound)
	assert.Equal(t, 1, result.BlobsDeleted)
	assert.Equal(t, int64(len("orphan-1")), result.BytesFreed)
	assert.False(t, result.DryRun)

	exists, err := f.backend.BlobExists(ctx, orphan)
	require.NoError(t, err)
	assert.False(t, exists)

	// Referenced content is untouched.
	blobs, err := f.backend.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Len(t, blobs, 2)
}

func TestGracePeriodProtectsYoungBlobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	orphan := f.putOrphanBlob(t, 1)

	c := f.collector(Options{GracePeriod: time.Hour})
	f.clock.Add(30 * time.Minute)

	// A fresh orphan is reported but the grace period protects it.
	result, err := c.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrphanedBlobsFound)
	assert.Zero(t, result.BlobsDeleted)

	exists, err := f.backend.BlobExists(ctx, orphan)
	require.NoError(t, err)
	assert.True(t, exists)

	// The same blob falls to the sweep once it ages past the grace period.
	f.clock.Add(time.Hour)
	result, err = c.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrphanedBlobsFound)
	assert.Equal(t, 1, result.BlobsDeleted)
}

func TestDryRunDeletesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	orphan := f.putOrphanBlob(t, 1)
	c := f.collector(Options{GracePeriod: time.Hour, DryRun: true})
	f.clock.Add(2 * time.Hour)

	result, err := c.Run(ctx, nil)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 1, result.OrphanedBlobsFound)
	assert.Equal(t, 1, result.BlobsDeleted)
	assert.Equal(t, int64(len("orphan-1")), result.BytesFreed)

	exists, err := f.backend.BlobExists(ctx, orphan)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDryRunOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	orphan := f.putOrphanBlob(t, 1)
	c := f.collector(Options{GracePeriod: time.Hour, DryRun: true})
	f.clock.Add(2 * time.Hour)

	// The per-run override beats the configured dry run.
	override := false
	result, err := c.Run(ctx, &override)
	require.NoError(t, err)
	assert.False(t, result.DryRun)

	exists, err := f.backend.BlobExists(ctx, orphan)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMaxBlobsPerRunBoundsDeletions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		f.putOrphanBlob(t, i)
	}

	c := f.collector(Options{GracePeriod: time.Hour, MaxBlobsPerRun: 2})
	f.clock.Add(2 * time.Hour)

	result, err := c.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, result.OrphanedBlobsFound)
	assert.Equal(t, 2, result.BlobsDeleted)

	blobs, err := f.backend.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Len(t, blobs, 3)
}

func TestOrphanManifestProtectsBlobsForOneRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	manifestDgst := f.putImage(t, "library/app", "latest", 1)

	// Deleting the tag leaves the manifest revision and its blobs orphaned.
	require.NoError(t, f.backend.DeleteManifest(ctx, "library/app", "latest"))

	c := f.collector(Options{GracePeriod: time.Hour})
	f.clock.Add(2 * time.Hour)

	result, err := c.Run(ctx, nil)
	require.NoError(t, err)
	// The untagged manifest is swept, but it still marked its blobs on the
	// same run.
	assert.Equal(t, 1, result.ManifestsDeleted)
	assert.Zero(t, result.BlobsDeleted)

	_, err = f.backend.StatManifest(ctx, "library/app", manifestDgst)
	assert.ErrorIs(t, err, storage.ErrManifestUnknown)

	// The next run finds the now-unreferenced blobs.
	result, err = c.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.BlobsDeleted)
}

func TestTaggedManifestIsKept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	manifestDgst := f.putImage(t, "library/app", "latest", 1)

	c := f.collector(Options{GracePeriod: time.Hour})
	f.clock.Add(2 * time.Hour)

	result, err := c.Run(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, result.ManifestsDeleted)
	assert.Zero(t, result.BlobsDeleted)

	_, err = f.backend.StatManifest(ctx, "library/app", manifestDgst)
	assert.NoError(t, err)
}

func TestIndexReferencesAreMarked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	childDgst := f.putImage(t, "library/app", "amd64", 1)

	index, err := json.Marshal(map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.oci.image.index.v1+json",
		"manifests": []map[string]interface{}{
			{"digest": childDgst.String()},
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.backend.PutManifest(ctx, "library/app", "latest", index))

	c := f.collector(Options{GracePeriod: time.Hour})
	f.clock.Add(2 * time.Hour)

	result, err := c.Run(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, result.BlobsDeleted)
	// The child manifest is tagged "amd64" so nothing is orphaned.
	assert.Zero(t, result.ManifestsDeleted)
}

func TestRunSingleFlight(t *testing.T) {
	f := newFixture(t)
	c := f.collector(Options{GracePeriod: time.Hour})

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	_, err := c.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStatusReflectsLastRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.collector(Options{GracePeriod: time.Hour})

	status := c.Status()
	assert.True(t, status.Enabled)
	assert.Equal(t, "1h0m0s", status.Interval)
	assert.Equal(t, "1h0m0s", status.GracePeriod)
	assert.False(t, status.Running)
	assert.Nil(t, status.LastRunAt)
	assert.Nil(t, status.LastRun)

	f.putOrphanBlob(t, 1)
	f.clock.Add(2 * time.Hour)
	_, err := c.Run(ctx, nil)
	require.NoError(t, err)

	status = c.Status()
	require.NotNil(t, status.LastRunAt)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, 1, status.LastRun.BlobsDeleted)
}

func TestUnparseableManifestIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// A manifest that is not valid JSON must not abort the run.
	require.NoError(t, f.backend.PutManifest(ctx, "app", "broken", []byte("not-json")))
	orphan := f.putOrphanBlob(t, 1)

	c := f.collector(Options{GracePeriod: time.Hour})
	f.clock.Add(2 * time.Hour)

	result, err := c.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.BlobsDeleted)

	exists, err := f.backend.BlobExists(ctx, orphan)
	require.NoError(t, err)
	assert.False(t, exists)
}
