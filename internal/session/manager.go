package session

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/harunnryd/genkan/internal/concurrency"
	"github.com/harunnryd/genkan/internal/errors"
	"github.com/harunnryd/genkan/internal/store"

	"github.com/oklog/ulid/v2"
)

// Store is the persistence surface the manager needs.
type Store interface {
	GetSession(ctx context.Context, userID int64, workdir string) (*store.SessionRecord, error)
	SaveSession(ctx context.Context, rec *store.SessionRecord) error
	DeleteSession(ctx context.Context, userID int64, workdir string) error
}

// Manager resolves, promotes, and invalidates sessions keyed by
// (user, workdir), and tracks which keys have a call in flight.
type Manager struct {
	store  Store
	locks  *concurrency.KeyedLockManager
	logger *slog.Logger
}

func NewManager(st Store) *Manager {
	return &Manager{
		store:  st,
		locks:  concurrency.NewKeyedLockManager(),
		logger: slog.Default().With("component", "session"),
	}
}

// Resolve finds the resumable session for (userID, workdir) or mints a
// fresh placeholder. Invalidated and missing rows both yield a placeholder.
func (m *Manager) Resolve(ctx context.Context, userID int64, workdir string) (*Session, error) {
	rec, err := m.store.GetSession(ctx, userID, workdir)
	if err != nil {
		if errors.IsCategory(err, errors.ErrNotFound) {
			return m.mint(ctx, userID, workdir)
		}
		return nil, errors.Wrap(err, "resolving session")
	}

	if rec.State == store.SessionInvalidated {
		return m.mint(ctx, userID, workdir)
	}

	return &Session{
		UserID:    rec.UserID,
		Workdir:   rec.Workdir,
		Token:     rec.Token,
		State:     rec.State,
		CreatedAt: rec.CreatedAt,
		LastUsed:  rec.LastUsed,
	}, nil
}

func (m *Manager) mint(ctx context.Context, userID int64, workdir string) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		UserID:    userID,
		Workdir:   workdir,
		Token:     TempPrefix + ulid.MustNew(ulid.Timestamp(now), rand.New(rand.NewSource(now.UnixNano()))).String(),
		State:     store.SessionTemporary,
		CreatedAt: now,
		LastUsed:  now,
	}
	if err := m.store.SaveSession(ctx, m.record(s)); err != nil {
		return nil, errors.Wrap(err, "persisting placeholder session")
	}
	m.logger.Debug("Session placeholder minted", "user_id", userID, "workdir", workdir)
	return s, nil
}

// Promote commits a backend-issued token, making the session resumable.
// Only called after a clean completion. The commit is conditional on the
// stored row still matching the session the run started from; a reset or
// invalidation that raced the run wins, and the token is discarded.
func (m *Manager) Promote(ctx context.Context, s *Session, backendToken string) error {
	if backendToken == "" {
		return errors.InvalidInput("backend token is empty")
	}

	rec, err := m.store.GetSession(ctx, s.UserID, s.Workdir)
	if err != nil {
		if errors.IsCategory(err, errors.ErrNotFound) {
			m.logger.Info("Session reset during run, token discarded",
				"user_id", s.UserID, "workdir", s.Workdir)
			return nil
		}
		return errors.Wrap(err, "loading session for promotion")
	}
	if rec.Token != s.Token || rec.State == store.SessionInvalidated {
		m.logger.Info("Stored session changed during run, token discarded",
			"user_id", s.UserID, "workdir", s.Workdir)
		return nil
	}

	s.Token = backendToken
	s.State = store.SessionResumable
	s.LastUsed = time.Now().UTC()
	if err := m.store.SaveSession(ctx, m.record(s)); err != nil {
		return errors.Wrap(err, "promoting session")
	}
	m.logger.Info("Session promoted", "user_id", s.UserID, "workdir", s.Workdir)
	return nil
}

// Touch refreshes last-used without changing token or state.
func (m *Manager) Touch(ctx context.Context, s *Session) error {
	s.LastUsed = time.Now().UTC()
	return m.store.SaveSession(ctx, m.record(s))
}

// Invalidate marks the stored session unusable. The next Resolve mints a
// fresh placeholder.
func (m *Manager) Invalidate(ctx context.Context, userID int64, workdir, reason string) error {
	rec, err := m.store.GetSession(ctx, userID, workdir)
	if err != nil {
		if errors.IsCategory(err, errors.ErrNotFound) {
			return nil
		}
		return errors.Wrap(err, "loading session for invalidation")
	}
	rec.State = store.SessionInvalidated
	rec.LastUsed = time.Now().UTC()
	if err := m.store.SaveSession(ctx, rec); err != nil {
		return errors.Wrap(err, "invalidating session")
	}
	m.logger.Info("Session invalidated", "user_id", userID, "workdir", workdir, "reason", reason)
	return nil
}

// Reset deletes the stored session entirely.
func (m *Manager) Reset(ctx context.Context, userID int64, workdir string) error {
	if err := m.store.DeleteSession(ctx, userID, workdir); err != nil {
		return errors.Wrap(err, "resetting session")
	}
	m.logger.Info("Session reset", "user_id", userID, "workdir", workdir)
	return nil
}

// Acquire marks (userID, workdir) busy. A second caller gets ErrSessionBusy
// immediately; calls are never queued behind one another.
func (m *Manager) Acquire(userID int64, workdir string) error {
	if !m.locks.TryAcquire(Key(userID, workdir)) {
		return errors.SessionBusy("another request is already in flight")
	}
	return nil
}

// Release frees the busy marker for (userID, workdir).
func (m *Manager) Release(userID int64, workdir string) {
	m.locks.Release(Key(userID, workdir))
}

// Busy reports whether a call is in flight for (userID, workdir).
func (m *Manager) Busy(userID int64, workdir string) bool {
	return m.locks.IsHeld(Key(userID, workdir))
}

func (m *Manager) record(s *Session) *store.SessionRecord {
	return &store.SessionRecord{
		UserID:    s.UserID,
		Workdir:   s.Workdir,
		Token:     s.Token,
		State:     s.State,
		CreatedAt: s.CreatedAt,
		LastUsed:  s.LastUsed,
	}
}
