// Package uploads manages resumable blob upload sessions. A session tracks
// the byte offset and a running sha256 state for one upload id, serializes
// concurrent requests against that id, and enforces the configured size
// limit. Hash state lives in process, so a session cannot be resumed across a
// restart; the reaper removes staging areas the process no longer knows
// about.
package uploads

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opencontainers/go-digest"

	"github.com/driftlabs/drift/internal/dcontext"
	"github.com/driftlabs/drift/internal/uuid"
	"github.com/driftlabs/drift/registry/storage"
)

// State enumerates the lifecycle of an upload session.
type State int

const (
	// StateOpen is a session that has been created but received no data.
	StateOpen State = iota

	// StateReceiving is a session with at least one accepted chunk.
	StateReceiving

	// StateCommitted is a terminal state; the staged bytes became a blob.
	StateCommitted

	// StateCancelled is a terminal state reached through explicit abort.
	StateCancelled

	// StateExpired is a terminal state reached through the idle reaper.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateReceiving:
		return "receiving"
	case StateCommitted:
		return "committed"
	case StateCancelled:
		return "cancelled"
	case StateExpired:
		return "expired"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SizeLimitError is returned when an upload exceeds the configured maximum.
type SizeLimitError struct {
	Limit int64
}

func (err SizeLimitError) Error() string {
	return fmt.Sprintf("upload exceeds configured size limit of %d bytes", err.Limit)
}

// Session is one in-progress upload. Methods serialize through an internal
// mutex, so concurrent requests against the same upload id are safe but
// ordered arbitrarily.
type Session struct {
	ID   string
	Repo string

	manager *Manager

	mu         sync.Mutex
	state      State
	offset     int64
	digester   digest.Digester
	startedAt  time.Time
	lastActive time.Time
}

// Manager owns all live upload sessions for one registry instance.
type Manager struct {
	backend storage.UploadStore
	clock   clock.Clock

	// ttl is how long an idle session survives before the reaper expires
	// it. maxSize of zero means unlimited.
	ttl     time.Duration
	maxSize int64

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs a Manager over backend. A ttl of zero disables
// expiry.
func NewManager(backend storage.UploadStore, clk clock.Clock, ttl time.Duration, maxSize int64) *Manager {
	return &Manager{
		backend:  backend,
		clock:    clk,
		ttl:      ttl,
		maxSize:  maxSize,
		sessions: map[string]*Session{},
	}
}

// Start allocates a new session bound to repo and creates its staging area.
func (m *Manager) Start(ctx context.Context, repo string) (*Session, error) {
	id := uuid.NewString()
	if err := m.backend.StartUpload(ctx, id); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	session := &Session{
		ID:         id,
		Repo:       repo,
		manager:    m,
		state:      StateOpen,
		digester:   digest.Canonical.Digester(),
		startedAt:  now,
		lastActive: now,
	}

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()
	return session, nil
}

// Get returns the live session for id, or storage.ErrUploadUnknown. Sessions
// in a terminal state are unknown.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, storage.ErrUploadUnknown
	}
	return session, nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Append accepts a chunk beginning at offset. The chunk must start exactly at
// the current offset; anything else returns storage.InvalidOffsetError and
// leaves the session untouched. Returns the new offset.
func (s *Session) Append(ctx context.Context, offset int64, r io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen && s.state != StateReceiving {
		return s.offset, storage.ErrUploadUnknown
	}
	if offset != s.offset {
		return s.offset, storage.InvalidOffsetError{UploadID: s.ID, Offset: offset}
	}

	if s.manager.maxSize > 0 {
		// Cap the read so an oversized chunk fails before the backend
		// stores the excess.
		r = io.LimitReader(r, s.manager.maxSize-s.offset+1)
	}

	tee := io.TeeReader(r, s.digester.Hash())
	n, err := s.manager.backend.PutUploadChunk(ctx, s.ID, offset, tee)
	if err != nil {
		return s.offset, err
	}

	s.offset += n
	s.state = StateReceiving
	s.lastActive = s.manager.clock.Now()

	if s.manager.maxSize > 0 && s.offset > s.manager.maxSize {
		return s.offset, SizeLimitError{Limit: s.manager.maxSize}
	}
	return s.offset, nil
}

// Offset returns the number of contiguous bytes accepted so far.
func (s *Session) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartedAt returns the session creation time.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Commit verifies the staged content against dgst and publishes it as a
// blob. On digest mismatch the session remains resumable so a client can
// retry the commit with the correct digest.
func (s *Session) Commit(ctx context.Context, dgst digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen && s.state != StateReceiving {
		return storage.ErrUploadUnknown
	}

	if s.digester.Digest() != dgst {
		return storage.ErrDigestMismatch
	}

	if err := s.manager.backend.CompleteUpload(ctx, s.ID, dgst); err != nil {
		return err
	}
	s.state = StateCommitted
	s.manager.forget(s.ID)
	return nil
}

// Cancel discards the session and its staging area.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCommitted || s.state == StateCancelled || s.state == StateExpired {
		return nil
	}
	if err := s.manager.backend.CancelUpload(ctx, s.ID); err != nil {
		return err
	}
	s.state = StateCancelled
	s.manager.forget(s.ID)
	return nil
}

// expire moves the session to StateExpired and discards its staging area.
func (s *Session) expire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen && s.state != StateReceiving {
		return nil
	}
	if err := s.manager.backend.CancelUpload(ctx, s.ID); err != nil {
		return err
	}
	s.state = StateExpired
	s.manager.forget(s.ID)
	return nil
}

// ReapIdle expires sessions idle longer than the configured ttl and removes
// orphaned staging areas the manager has no session for. Returns the number
// of uploads removed.
func (m *Manager) ReapIdle(ctx context.Context) (int, error) {
	if m.ttl <= 0 {
		return 0, nil
	}
	log := dcontext.GetLogger(ctx)
	cutoff := m.clock.Now().Add(-m.ttl)
	reaped := 0

	m.mu.Lock()
	stale := make([]*Session, 0)
	for _, session := range m.sessions {
		session.mu.Lock()
		idle := session.lastActive.Before(cutoff)
		session.mu.Unlock()
		if idle {
			stale = append(stale, session)
		}
	}
	m.mu.Unlock()

	for _, session := range stale {
		if err := session.expire(ctx); err != nil {
			log.WithError(err).WithField("upload.id", session.ID).Warn("failed to expire idle upload")
			continue
		}
		reaped++
	}

	// Staging areas with no live session cannot be resumed; their hash
	// state died with a previous process.
	ids, err := m.backend.ListUploads(ctx)
	if err != nil {
		return reaped, err
	}
	for _, id := range ids {
		if _, err := m.Get(id); err == nil {
			continue
		}
		meta, err := m.backend.StatUpload(ctx, id)
		if err != nil {
			continue
		}
		if meta.UpdatedAt.After(cutoff) {
			continue
		}
		if err := m.backend.CancelUpload(ctx, id); err != nil {
			log.WithError(err).WithField("upload.id", id).Warn("failed to remove orphaned upload")
			continue
		}
		reaped++
	}
	return reaped, nil
}

// RunReaper expires idle sessions on the given interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if m.ttl <= 0 || interval <= 0 {
		return
	}
	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.ReapIdle(ctx)
			if err != nil {
				dcontext.GetLogger(ctx).WithError(err).Warn("upload reaper pass failed")
			} else if n > 0 {
				dcontext.GetLoggerWithField(ctx, "reaped", n).Info("expired idle uploads")
			}
		}
	}
}
