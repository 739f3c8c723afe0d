package uploads

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/drift/registry/storage"
	"github.com/driftlabs/drift/registry/storage/inmemory"
)

func newTestManager(t *testing.T, ttl time.Duration, maxSize int64) (*Manager, *inmemory.Driver, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	backend := inmemory.NewWithClock(clk)
	return NewManager(backend, clk, ttl, maxSize), backend, clk
}

func TestSessionCommit(t *testing.T) {
	ctx := context.Background()
	m, backend, _ := newTestManager(t, time.Hour, 0)

	session, err := m.Start(ctx, "library/app")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, session.State())
	assert.Equal(t, "library/app", session.Repo)

	offset, err := session.Append(ctx, 0, strings.NewReader("hello "))
	require.NoError(t, err)
	assert.Equal(t, int64(6), offset)
	assert.Equal(t, StateReceiving, session.State())

	offset, err = session.Append(ctx, 6, strings.NewReader("world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), offset)

	dgst := digest.FromString("hello world")
	require.NoError(t, session.Commit(ctx, dgst))
	assert.Equal(t, StateCommitted, session.State())

	exists, err := backend.BlobExists(ctx, dgst)
	require.NoError(t, err)
	assert.True(t, exists)

	// Committed sessions are forgotten.
	_, err = m.Get(session.ID)
	assert.ErrorIs(t, err, storage.ErrUploadUnknown)
	assert.Zero(t, m.Len())
}

func TestSessionAppendInvalidOffset(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, time.Hour, 0)

	session, err := m.Start(ctx, "app")
	require.NoError(t, err)

	_, err = session.Append(ctx, 0, strings.NewReader("abc"))
	require.NoError(t, err)

	offset, err := session.Append(ctx, 7, strings.NewReader("def"))
	assert.True(t, storage.ErrInvalidOffset(err))
	assert.Equal(t, int64(3), offset)

	// The session is still usable at the real offset.
	offset, err = session.Append(ctx, 3, strings.NewReader("def"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), offset)
}

func TestSessionCommitDigestMismatchResumable(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, time.Hour, 0)

	session, err := m.Start(ctx, "app")
	require.NoError(t, err)
	_, err = session.Append(ctx, 0, strings.NewReader("content"))
	require.NoError(t, err)

	err = session.Commit(ctx, digest.FromString("something else"))
	assert.ErrorIs(t, err, storage.ErrDigestMismatch)
	assert.Equal(t, StateReceiving, session.State())

	// The session survives the failed commit and accepts the right digest.
	got, err := m.Get(session.ID)
	require.NoError(t, err)
	require.NoError(t, got.Commit(ctx, digest.FromString("content")))
}

func TestSessionSizeLimit(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, time.Hour, 10)

	session, err := m.Start(ctx, "app")
	require.NoError(t, err)

	_, err = session.Append(ctx, 0, strings.NewReader("0123456789X"))
	var sizeErr SizeLimitError
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, int64(10), sizeErr.Limit)
}

func TestSessionCancel(t *testing.T) {
	ctx := context.Background()
	m, backend, _ := newTestManager(t, time.Hour, 0)

	session, err := m.Start(ctx, "app")
	require.NoError(t, err)
	_, err = session.Append(ctx, 0, strings.NewReader("abc"))
	require.NoError(t, err)

	require.NoError(t, session.Cancel(ctx))
	assert.Equal(t, StateCancelled, session.State())

	_, err = m.Get(session.ID)
	assert.ErrorIs(t, err, storage.ErrUploadUnknown)

	ids, err := backend.ListUploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Terminal sessions reject further writes.
	_, err = session.Append(ctx, 3, strings.NewReader("def"))
	assert.ErrorIs(t, err, storage.ErrUploadUnknown)
}

func TestReapIdleExpiresSessions(t *testing.T) {
	ctx := context.Background()
	m, backend, clk := newTestManager(t, time.Hour, 0)

	idle, err := m.Start(ctx, "app")
	require.NoError(t, err)

	clk.Add(30 * time.Minute)

	active, err := m.Start(ctx, "app")
	require.NoError(t, err)

	clk.Add(45 * time.Minute)

	n, err := m.ReapIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, StateExpired, idle.State())
	_, err = m.Get(idle.ID)
	assert.ErrorIs(t, err, storage.ErrUploadUnknown)

	_, err = m.Get(active.ID)
	assert.NoError(t, err)

	ids, err := backend.ListUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{active.ID}, ids)
}

func TestReapIdleRemovesOrphanedStaging(t *testing.T) {
	ctx := context.Background()
	m, backend, clk := newTestManager(t, time.Hour, 0)

	// A staging area with no live session, as left behind by a previous
	// process.
	require.NoError(t, backend.StartUpload(ctx, "orphan"))

	clk.Add(2 * time.Hour)

	n, err := m.ReapIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := backend.ListUploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReapIdleDisabled(t *testing.T) {
	ctx := context.Background()
	m, _, clk := newTestManager(t, 0, 0)

	_, err := m.Start(ctx, "app")
	require.NoError(t, err)
	clk.Add(24 * time.Hour)

	n, err := m.ReapIdle(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, m.Len())
}

func TestAppendTouchesLastActive(t *testing.T) {
	ctx := context.Background()
	m, _, clk := newTestManager(t, time.Hour, 0)

	session, err := m.Start(ctx, "app")
	require.NoError(t, err)

	// Keep writing just inside the ttl; the session must survive.
	for i := 0; i < 3; i++ {
		clk.Add(45 * time.Minute)
		_, err = session.Append(ctx, int64(i), strings.NewReader("x"))
		require.NoError(t, err)

		n, err := m.ReapIdle(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "receiving", StateReceiving.String())
	assert.Equal(t, "committed", StateCommitted.String())
	assert.Equal(t, "cancelled", StateCancelled.String())
	assert.Equal(t, "expired", StateExpired.String())
}
