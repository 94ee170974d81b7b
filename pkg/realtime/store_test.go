package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSingleFlightCreate(t *testing.T) {
	h := newHarness(t, testConfig(), "n1")
	h.revs.loadDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	sessions := make([]*Session, 32)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.store.GetOrCreate(context.Background(), "n1")
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	require.NotNil(t, sessions[0])
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
	assert.EqualValues(t, 1, h.revs.loads.Load())
}

func TestStoreCreateFailureIsRetryable(t *testing.T) {
	h := newHarness(t, testConfig(), "n1")
	h.revs.setLoadErr(errBoom)

	_, err := h.store.GetOrCreate(context.Background(), "n1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionCreationFailure)
	assert.True(t, Retryable(err))
	_, ok := h.store.Lookup("n1")
	assert.False(t, ok, "a failed creation leaves nothing behind")

	h.revs.setLoadErr(nil)
	s, err := h.store.GetOrCreate(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, NoteID("n1"), s.Note())
	assert.EqualValues(t, 2, h.revs.loads.Load())
}

func TestStoreUnknownNote(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.store.GetOrCreate(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, CodeNoteNotFound, CodeOf(err))
	assert.False(t, Retryable(err))
}

func TestStoreSeedsFromLatestRevision(t *testing.T) {
	h := newHarness(t, testConfig(), "n1")
	h.revs.latest["n1"] = Revision{Content: "from disk"}
	h.perms.set("alice", reader)

	c := h.join(t, "alice", "n1")
	assert.Equal(t, "from disk", c.state.Content)
	assert.Equal(t, "from disk", c.content())
}

func TestStoreRejoinWithinGraceReusesSession(t *testing.T) {
	cfg := testConfig()
	cfg.PersistInterval = time.Hour
	cfg.GracePeriod = 500 * time.Millisecond
	h := newHarness(t, cfg, "n1")
	h.perms.set("alice", editor)

	a := h.join(t, "alice", "n1")
	_, err := h.svc.ApplyUpdate(context.Background(), a.sub, a.insert(0, "unsaved"))
	require.NoError(t, err)
	before, ok := h.store.Lookup("n1")
	require.True(t, ok)

	h.svc.Leave(a.sub)
	again := h.join(t, "alice", "n1")

	after, ok := h.store.Lookup("n1")
	require.True(t, ok)
	assert.Same(t, before, after)
	assert.Equal(t, "unsaved", again.state.Content)
	assert.Empty(t, h.revs.saves("n1"))
	assert.EqualValues(t, 1, h.revs.loads.Load())
}

func TestStoreTeardownAfterGrace(t *testing.T) {
	cfg := testConfig()
	cfg.PersistInterval = time.Hour
	h := newHarness(t, cfg, "n1")
	h.perms.set("alice", editor)

	a := h.join(t, "alice", "n1")
	_, err := h.svc.ApplyUpdate(context.Background(), a.sub, a.insert(0, "keep me"))
	require.NoError(t, err)
	h.svc.Leave(a.sub)

	assert.Eventually(t, func() bool {
		_, ok := h.store.Lookup("n1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	saves := h.revs.saves("n1")
	require.Len(t, saves, 1)
	assert.Equal(t, "keep me", saves[0].Content)
	assert.Equal(t, []string{"alice"}, saves[0].Authors)

	// the next join loads the persisted revision into a fresh session
	b := h.join(t, "alice", "n1")
	assert.Equal(t, "keep me", b.state.Content)
	assert.EqualValues(t, 2, h.revs.loads.Load())
}

func TestStoreTeardownSkipsCleanSession(t *testing.T) {
	h := newHarness(t, testConfig(), "n1")
	h.perms.set("alice", reader)

	a := h.join(t, "alice", "n1")
	h.svc.Leave(a.sub)

	assert.Eventually(t, func() bool {
		_, ok := h.store.Lookup("n1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.revs.saves("n1"))
}

func TestStoreFailedFinalFlushKeepsSession(t *testing.T) {
	cfg := testConfig()
	cfg.PersistInterval = time.Hour
	cfg.GracePeriod = 20 * time.Millisecond
	h := newHarness(t, cfg, "n1")
	h.perms.set("alice", editor)
	h.revs.setFailSaves(1000)

	a := h.join(t, "alice", "n1")
	_, err := h.svc.ApplyUpdate(context.Background(), a.sub, a.insert(0, "precious"))
	require.NoError(t, err)
	h.svc.Leave(a.sub)

	assert.Eventually(t, func() bool { return h.revs.attempts.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	_, ok := h.store.Lookup("n1")
	assert.True(t, ok, "unpersisted edits keep the session alive")

	h.revs.setFailSaves(0)
	assert.Eventually(t, func() bool {
		_, ok := h.store.Lookup("n1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	saves := h.revs.saves("n1")
	require.Len(t, saves, 1)
	assert.Equal(t, "precious", saves[0].Content)
}

func TestStoreList(t *testing.T) {
	h := newHarness(t, testConfig(), "b", "a")
	h.perms.set("alice", editor)
	h.perms.set("bob", reader)

	h.join(t, "bob", "b")
	h.join(t, "alice", "a")
	h.join(t, "bob", "a")

	infos := h.svc.Sessions(context.Background())
	require.Len(t, infos, 2)
	assert.Equal(t, NoteID("a"), infos[0].Note)
	assert.Equal(t, 2, infos[0].Subscribers)
	assert.Equal(t, []string{"alice", "bob"}, infos[0].Users)
	assert.Equal(t, "idle", infos[0].FlushState)
	assert.Equal(t, NoteID("b"), infos[1].Note)
}

func TestStoreClose(t *testing.T) {
	cfg := testConfig()
	cfg.PersistInterval = time.Hour
	h := newHarness(t, cfg, "n1")
	h.perms.set("alice", editor)

	a := h.join(t, "alice", "n1")
	_, err := h.svc.ApplyUpdate(context.Background(), a.sub, a.insert(0, "bye"))
	require.NoError(t, err)

	require.NoError(t, h.store.Close(context.Background()))

	select {
	case <-a.sub.Done():
	default:
		t.Fatal("subscriber still open after close")
	}
	assert.ErrorIs(t, a.sub.Err(), ErrShutdown)
	saves := h.revs.saves("n1")
	require.Len(t, saves, 1)
	assert.Equal(t, "bye", saves[0].Content)

	_, err = h.store.GetOrCreate(context.Background(), "n1")
	assert.ErrorIs(t, err, ErrSessionCreationFailure)

	// leaving after shutdown must not block
	h.svc.Leave(a.sub)
}

func TestStoreExpiredJoinDoesNotKeepSession(t *testing.T) {
	h := newHarness(t, testConfig(), "n1")
	h.perms.set("alice", editor)
	h.revs.loadDelay = 60 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := h.svc.Join(ctx, User{ID: "alice"}, "n1", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Eventually(t, func() bool {
		return len(h.svc.Sessions(context.Background())) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStoreUnjoinedSessionIsTornDown(t *testing.T) {
	h := newHarness(t, testConfig(), "n1")

	_, err := h.store.GetOrCreate(context.Background(), "n1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := h.store.Lookup("n1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.revs.saves("n1"))
}
