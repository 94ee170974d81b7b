package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/astromechza/notesync/pkg/metrics"
)

var errStoreClosed = errors.New("store is closed")

type storeEntry struct {
	ready   chan struct{}
	session *Session
	err     error
}

// Store is the registry of live sessions, one per note. It is constructed explicitly and shared
// by reference; there is no package level instance.
type Store struct {
	revisions Revisions
	scheduler *Scheduler
	cfg       Config
	log       *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[NoteID]*storeEntry
	closed   bool
}

func NewStore(revisions Revisions, scheduler *Scheduler, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		revisions: revisions,
		scheduler: scheduler,
		cfg:       cfg,
		log:       logger,
		now:       time.Now,
		sessions:  make(map[NoteID]*storeEntry),
	}
}

// GetOrCreate returns the live session of note, creating it from the latest revision if needed.
// Concurrent callers for the same note share a single creation.
func (s *Store) GetOrCreate(ctx context.Context, note NoteID) (*Session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, newError(CodeSessionCreationFailure, "get session", note, errStoreClosed)
	}
	e, ok := s.sessions[note]
	if !ok {
		e = &storeEntry{ready: make(chan struct{})}
		s.sessions[note] = e
		s.mu.Unlock()
		s.create(ctx, note, e)
		return e.session, e.err
	}
	s.mu.Unlock()

	select {
	case <-e.ready:
		return e.session, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) create(ctx context.Context, note NoteID, e *storeEntry) {
	defer close(e.ready)

	// Waiters share this load, so it must not die with the first caller's context.
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FlushTimeout)
	defer cancel()

	fail := func(err error) {
		s.mu.Lock()
		delete(s.sessions, note)
		s.mu.Unlock()
		e.err = err
		s.log.Warn("failed to create session", "note", note, "err", err)
	}

	seed, err := s.revisions.LoadLatest(loadCtx, note)
	if err != nil {
		if errors.Is(err, ErrNoteNotFound) {
			fail(newError(CodeNoteNotFound, "load note", note, err))
		} else {
			fail(newError(CodeSessionCreationFailure, "load note", note, err))
		}
		return
	}
	doc, err := NewDocument(seed)
	if err != nil {
		fail(newError(CodeSessionCreationFailure, "seed document", note, err))
		return
	}

	session := newSession(note, doc, s.cfg, s.log, s.now, s.scheduler.Schedule)
	go session.run()
	e.session = session
	metrics.Sessions.Inc()
	s.log.Info("created session", "note", note, "version", doc.Version().String())
	// A creator that never joins must not keep the session alive.
	s.armTeardown(session)
}

// Lookup returns the live session of note without creating one.
func (s *Store) Lookup(note NoteID) (*Session, bool) {
	s.mu.Lock()
	e, ok := s.sessions[note]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.session, e.session != nil
	default:
		return nil, false
	}
}

// Release removes sub from its session. When the session becomes empty a teardown is armed for
// after the grace period.
func (s *Store) Release(sub *Subscriber) {
	session := sub.session
	if session == nil {
		return
	}
	var removed bool
	var remaining int
	if err := session.do(context.Background(), func() { removed, remaining = session.remove(sub) }); err != nil {
		return
	}
	if removed && remaining == 0 {
		s.armTeardown(session)
	}
}

func (s *Store) armTeardown(session *Session) {
	time.AfterFunc(s.cfg.GracePeriod, func() {
		s.teardown(session)
	})
}

// teardown destroys an idle session after a final flush. A session that was rejoined, or whose
// final flush failed, is left in place.
func (s *Store) teardown(session *Session) {
	ctx := context.Background()
	var idle bool
	if err := session.do(ctx, func() { idle = session.idle() }); err != nil || !idle {
		return
	}

	if err := s.scheduler.FlushNow(ctx, session); err != nil {
		s.log.Error("final flush failed, keeping session", "note", session.note, "err", err)
		s.armTeardown(session)
		return
	}

	s.mu.Lock()
	e, ok := s.sessions[session.note]
	if !ok || e.session != session {
		s.mu.Unlock()
		return
	}
	var closing bool
	err := session.do(ctx, func() {
		closing = session.idle() && !session.dirty()
		if closing {
			session.closing = true
		}
	})
	if err != nil || !closing {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, session.note)
	s.mu.Unlock()

	s.scheduler.Forget(session)
	session.stop()
	metrics.Sessions.Dec()
	s.log.Info("removed idle session", "note", session.note)
}

// List describes every live session, ordered by note.
func (s *Store) List(ctx context.Context) []SessionInfo {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		select {
		case <-e.ready:
			if e.session != nil {
				sessions = append(sessions, e.session)
			}
		default:
		}
	}
	s.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		var info SessionInfo
		if err := session.do(ctx, func() { info = session.info() }); err == nil {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Note < out[j].Note })
	return out
}

// Close disconnects every subscriber, flushes every session and stops them. The store refuses new
// sessions afterwards.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	entries := make([]*storeEntry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var errs []error
	for _, e := range entries {
		select {
		case <-e.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		session := e.session
		if session == nil {
			continue
		}
		_ = session.do(ctx, func() {
			session.closing = true
			for _, sub := range session.subscribers {
				sub.close(ErrShutdown)
				session.remove(sub)
			}
		})
		if err := s.scheduler.FlushNow(ctx, session); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush %s: %w", session.note, err))
		}
		s.mu.Lock()
		delete(s.sessions, session.note)
		s.mu.Unlock()
		s.scheduler.Forget(session)
		session.stop()
		metrics.Sessions.Dec()
	}
	return errors.Join(errs...)
}
