package realtime

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type memRevisions struct {
	mu        sync.Mutex
	notes     map[NoteID]bool
	latest    map[NoteID]Revision
	saved     map[NoteID][]Revision
	loadErr   error
	loadDelay time.Duration
	failSaves int
	loads     atomic.Int32
	attempts  atomic.Int32
}

func newMemRevisions(notes ...NoteID) *memRevisions {
	r := &memRevisions{
		notes:  make(map[NoteID]bool),
		latest: make(map[NoteID]Revision),
		saved:  make(map[NoteID][]Revision),
	}
	for _, n := range notes {
		r.notes[n] = true
	}
	return r
}

func (r *memRevisions) LoadLatest(ctx context.Context, note NoteID) (Seed, error) {
	r.loads.Add(1)
	if r.loadDelay > 0 {
		time.Sleep(r.loadDelay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadErr != nil {
		return Seed{}, r.loadErr
	}
	if !r.notes[note] {
		return Seed{}, fmt.Errorf("note %s: %w", note, ErrNoteNotFound)
	}
	rev, ok := r.latest[note]
	if !ok {
		return Seed{}, nil
	}
	return Seed{Content: rev.Content, Document: rev.Document, Version: rev.Version}, nil
}

func (r *memRevisions) SaveRevision(ctx context.Context, note NoteID, rev Revision) (RevisionID, error) {
	r.attempts.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSaves > 0 {
		r.failSaves--
		return "", errBoom
	}
	r.latest[note] = rev
	r.saved[note] = append(r.saved[note], rev)
	return RevisionID(fmt.Sprintf("%s-%d", note, len(r.saved[note]))), nil
}

func (r *memRevisions) saves(note NoteID) []Revision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Revision(nil), r.saved[note]...)
}

func (r *memRevisions) setLoadErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadErr = err
}

func (r *memRevisions) setFailSaves(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSaves = n
}

type memPermissions struct {
	mu     sync.Mutex
	access map[string]Access
	guest  Access
}

func newMemPermissions() *memPermissions {
	return &memPermissions{access: make(map[string]Access)}
}

func (p *memPermissions) set(userID string, a Access) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.access[userID] = a
}

func (p *memPermissions) CheckAccess(ctx context.Context, note NoteID, user User) (Access, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if user.Guest {
		return p.guest, nil
	}
	return p.access[user.ID], nil
}

type chanEvents chan PermissionChange

func (c chanEvents) Subscribe(ctx context.Context) (<-chan PermissionChange, error) {
	return c, nil
}

var (
	editor = Access{CanRead: true, CanEdit: true}
	reader = Access{CanRead: true}
)

type harness struct {
	svc       *Service
	store     *Store
	scheduler *Scheduler
	revs      *memRevisions
	perms     *memPermissions
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PersistInterval = 50 * time.Millisecond
	cfg.GracePeriod = 50 * time.Millisecond
	cfg.FlushTimeout = time.Second
	return cfg
}

func newHarness(t testing.TB, cfg Config, notes ...NoteID) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	revs := newMemRevisions(notes...)
	perms := newMemPermissions()
	scheduler := NewScheduler(revs, cfg, logger)
	store := NewStore(revs, scheduler, cfg, logger)
	svc := NewService(store, perms, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		scheduler.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{svc: svc, store: store, scheduler: scheduler, revs: revs, perms: perms}
}

// tb is the part of testing.TB that rapid.T also provides.
type tb interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
	FailNow()
}

// client mimics an editor: a local automerge replica fed by the events of its subscriber.
type client struct {
	t     tb
	sub   *Subscriber
	state *JoinState
	doc   *automerge.Doc
}

func (h *harness) join(t tb, userID string, note NoteID) *client {
	t.Helper()
	sub, state, err := h.svc.Join(context.Background(), User{ID: userID, Name: userID}, note, nil)
	require.NoError(t, err)
	doc, err := automerge.Load(state.Document)
	require.NoError(t, err)
	require.NoError(t, doc.SetActorID(hex.EncodeToString([]byte(sub.ID[:8]))))
	return &client{t: t, sub: sub, state: state, doc: doc}
}

// insert edits the local replica and returns the update to send.
func (c *client) insert(pos int, text string) []byte {
	c.t.Helper()
	require.NoError(c.t, c.doc.Path(ContentKey).Text().Insert(pos, text))
	_, err := c.doc.Commit("edit")
	require.NoError(c.t, err)
	return c.doc.SaveIncremental()
}

func (c *client) content() string {
	c.t.Helper()
	text, err := c.doc.Path(ContentKey).Text().Get()
	require.NoError(c.t, err)
	return text
}

// next waits for the next event of kind, applying any update events it passes on the way.
func (c *client) next(kind EventKind) Event {
	c.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.sub.Events():
			if ev.Kind == EventUpdate {
				require.NoError(c.t, c.doc.LoadIncremental(ev.Data))
			}
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			c.t.Fatalf("timed out waiting for %s event", kind)
			return Event{}
		}
	}
}

// drain applies every queued update and returns the kinds seen.
func (c *client) drain() []EventKind {
	c.t.Helper()
	var kinds []EventKind
	for {
		select {
		case ev := <-c.sub.Events():
			if ev.Kind == EventUpdate {
				require.NoError(c.t, c.doc.LoadIncremental(ev.Data))
			}
			kinds = append(kinds, ev.Kind)
		default:
			return kinds
		}
	}
}

func (h *harness) version(t tb, note NoteID) StateVector {
	t.Helper()
	session, ok := h.store.Lookup(note)
	require.True(t, ok)
	var v StateVector
	require.NoError(t, session.do(context.Background(), func() { v = session.doc.Version() }))
	return v
}
