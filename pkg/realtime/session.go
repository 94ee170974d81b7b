package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/astromechza/notesync/pkg/metrics"
)

type flushState int

const (
	flushIdle flushState = iota
	flushPending
	flushing
)

func (f flushState) String() string {
	switch f {
	case flushPending:
		return "pending"
	case flushing:
		return "flushing"
	default:
		return "idle"
	}
}

// SessionInfo is a point in time view of a session for diagnostics.
type SessionInfo struct {
	Note        NoteID      `json:"note"`
	Subscribers int         `json:"subscribers"`
	Users       []string    `json:"users"`
	Version     StateVector `json:"version"`
	Persisted   StateVector `json:"persisted"`
	FlushState  string      `json:"flushState"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastChange  time.Time   `json:"lastChange"`
}

// JoinState is what a new subscriber needs to catch up with a session.
type JoinState struct {
	ClientID string
	// Document is the full serialized document. It is empty when Diff is set.
	Document []byte
	// Diff holds the changes missing from the version the client said it had.
	Diff    []byte
	Content string
	Version StateVector
	CanEdit bool
	Peers   []Peer
}

// Session is the live state of one note. Every field below the channel block is owned by the run
// goroutine; other goroutines reach it through do.
type Session struct {
	note      NoteID
	createdAt time.Time
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
	schedule  func(*Session, time.Duration)

	ops     chan func()
	quit    chan struct{}
	stopped chan struct{}

	doc         *Document
	presence    *Presence
	subscribers map[string]*Subscriber
	users       mapset.Set[string]
	authors     mapset.Set[string]
	lastChange  time.Time
	persisted   StateVector
	flush       flushState
	failures    int
	emptySince  time.Time
	closing     bool
}

func newSession(note NoteID, doc *Document, cfg Config, logger *slog.Logger, now func() time.Time, schedule func(*Session, time.Duration)) *Session {
	created := now()
	return &Session{
		note:        note,
		createdAt:   created,
		cfg:         cfg,
		log:         logger.With("note", note),
		now:         now,
		schedule:    schedule,
		ops:         make(chan func(), cfg.OpQueueSize),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		doc:         doc,
		presence:    NewPresence(),
		subscribers: make(map[string]*Subscriber),
		users:       mapset.NewThreadUnsafeSet[string](),
		authors:     mapset.NewThreadUnsafeSet[string](),
		lastChange:  created,
		persisted:   doc.Version(),
		emptySince:  created,
	}
}

func (s *Session) Note() NoteID {
	return s.note
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.quit:
			return
		}
	}
}

func (s *Session) stop() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.stopped
}

// do runs fn on the session goroutine and waits for it. ctx only bounds the wait for a queue
// slot: once queued, fn always runs to completion unless the session stops first.
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case s.ops <- func() { fn(); close(finished) }:
	case <-s.stopped:
		return errSessionClosing
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.stopped:
		return errSessionClosing
	}
}

func (s *Session) broadcast(ev Event, except string) {
	for id, sub := range s.subscribers {
		if id == except {
			continue
		}
		s.send(sub, ev)
	}
}

func (s *Session) send(sub *Subscriber, ev Event) {
	if !sub.enqueue(ev) && sub.Err() == ErrSlowConsumer {
		metrics.Disconnects.WithLabelValues("slow_consumer").Inc()
		s.log.Warn("disconnecting slow subscriber", "client", sub.ID, "user", sub.User.ID)
	}
}

func (s *Session) join(sub *Subscriber, known StateVector) (*JoinState, error) {
	if s.closing {
		return nil, errSessionClosing
	}
	now := s.now()
	sub.session = s
	s.subscribers[sub.ID] = sub
	if !sub.User.Guest {
		s.users.Add(sub.User.ID)
	}
	peer := s.presence.Add(sub.ID, sub.User, sub.CanEdit(), now)
	metrics.Subscribers.Inc()

	content, err := s.doc.Content()
	if err != nil {
		s.log.Warn("note has no readable content", "err", err)
	}
	state := &JoinState{
		ClientID: sub.ID,
		Content:  content,
		Version:  s.doc.Version(),
		CanEdit:  sub.CanEdit(),
		Peers:    s.presence.List(sub.ID),
	}
	if len(known) > 0 {
		if diff, err := s.doc.Diff(known); err == nil {
			state.Diff = diff
		}
	}
	if state.Diff == nil {
		state.Document = s.doc.Snapshot()
	}

	s.broadcast(Event{Kind: EventPresence, From: sub.ID, Peer: &peer}, sub.ID)
	return state, nil
}

func (s *Session) apply(sub *Subscriber, update []byte) (StateVector, error) {
	if _, ok := s.subscribers[sub.ID]; !ok || sub.closed() {
		return nil, newError(CodePermissionDenied, "apply update", s.note, fmt.Errorf("client %s is not joined", sub.ID))
	}
	if !sub.CanEdit() {
		metrics.Updates.WithLabelValues("denied").Inc()
		return nil, newError(CodePermissionDenied, "apply update", s.note, nil)
	}
	changed, err := s.doc.Apply(update)
	if err != nil {
		metrics.Updates.WithLabelValues("invalid").Inc()
		return nil, newError(CodeProtocolViolation, "apply update", s.note, err)
	}
	version := s.doc.Version()
	if changed {
		metrics.Updates.WithLabelValues("applied").Inc()
		s.lastChange = s.now()
		if !sub.User.Guest {
			s.authors.Add(sub.User.ID)
		}
		s.broadcast(Event{Kind: EventUpdate, From: sub.ID, Data: update, Version: version}, sub.ID)
		if s.flush == flushIdle {
			s.flush = flushPending
			s.schedule(s, s.cfg.PersistInterval)
		}
	} else {
		metrics.Updates.WithLabelValues("duplicate").Inc()
	}
	s.send(sub, Event{Kind: EventAck, Version: version})
	return version, nil
}

func (s *Session) updatePresence(sub *Subscriber, meta PresenceMeta) error {
	peer, ok := s.presence.Merge(sub.ID, meta, s.now())
	if !ok {
		return newError(CodePermissionDenied, "update presence", s.note, fmt.Errorf("client %s is not joined", sub.ID))
	}
	s.broadcast(Event{Kind: EventPresence, From: sub.ID, Peer: &peer}, sub.ID)
	return nil
}

// remove drops sub and reports whether it was present and how many subscribers remain.
func (s *Session) remove(sub *Subscriber) (bool, int) {
	if _, ok := s.subscribers[sub.ID]; !ok {
		return false, len(s.subscribers)
	}
	delete(s.subscribers, sub.ID)
	s.presence.Remove(sub.ID)
	metrics.Subscribers.Dec()
	if !sub.User.Guest && !s.hasUser(sub.User.ID) {
		s.users.Remove(sub.User.ID)
	}
	s.broadcast(Event{Kind: EventLeave, From: sub.ID}, "")
	if len(s.subscribers) == 0 {
		s.emptySince = s.now()
	}
	return true, len(s.subscribers)
}

func (s *Session) hasUser(userID string) bool {
	for _, sub := range s.subscribers {
		if sub.User.ID == userID {
			return true
		}
	}
	return false
}

// matching returns the subscribers of userID, or all of them when userID is empty and all is set.
func (s *Session) matching(userID string, all bool) []*Subscriber {
	var out []*Subscriber
	for _, sub := range s.subscribers {
		if all || sub.User.ID == userID {
			out = append(out, sub)
		}
	}
	return out
}

func (s *Session) setCanEdit(sub *Subscriber, canEdit bool) {
	if _, ok := s.subscribers[sub.ID]; !ok || sub.CanEdit() == canEdit {
		return
	}
	sub.canEdit.Store(canEdit)
	s.presence.SetCanEdit(sub.ID, canEdit)
	s.send(sub, Event{Kind: EventAccess, CanEdit: canEdit})
	if peer, ok := s.presence.Get(sub.ID); ok {
		s.broadcast(Event{Kind: EventPresence, From: sub.ID, Peer: &peer}, sub.ID)
	}
}

// idle reports whether the session has had no subscribers for at least the grace period.
func (s *Session) idle() bool {
	return !s.closing && len(s.subscribers) == 0 && s.now().Sub(s.emptySince) >= s.cfg.GracePeriod
}

func (s *Session) dirty() bool {
	return !s.persisted.Equal(s.doc.version)
}

// beginFlush snapshots the document for persistence. ok is false when nothing changed since the
// last persisted revision, in which case the flush state returns to idle.
func (s *Session) beginFlush() (Revision, bool, error) {
	if !s.dirty() {
		s.flush = flushIdle
		return Revision{}, false, nil
	}
	content, err := s.doc.Content()
	if err != nil {
		return Revision{}, false, err
	}
	s.flush = flushing
	return Revision{
		Content:  content,
		Document: s.doc.Snapshot(),
		Version:  s.doc.Version(),
		Authors:  s.authors.ToSlice(),
		SavedAt:  s.now(),
	}, true, nil
}

// endFlush records the outcome of a flush started by beginFlush and re-arms the scheduler when
// the document is still ahead of what was persisted.
func (s *Session) endFlush(rev Revision, err error) {
	if err != nil {
		s.failures++
	} else {
		s.failures = 0
		s.persisted = rev.Version
		for _, a := range rev.Authors {
			s.authors.Remove(a)
		}
	}
	if s.dirty() {
		s.flush = flushPending
		s.schedule(s, s.cfg.PersistInterval)
		return
	}
	s.flush = flushIdle
}

func (s *Session) info() SessionInfo {
	users := s.users.ToSlice()
	slices.Sort(users)
	return SessionInfo{
		Note:        s.note,
		Subscribers: len(s.subscribers),
		Users:       users,
		Version:     s.doc.Version(),
		Persisted:   append(StateVector(nil), s.persisted...),
		FlushState:  s.flush.String(),
		CreatedAt:   s.createdAt,
		LastChange:  s.lastChange,
	}
}
