package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/notesync/pkg/realtime"
)

type staticTokens map[string]realtime.User

func (s staticTokens) LookupToken(ctx context.Context, token string) (realtime.User, error) {
	u, ok := s[token]
	if !ok {
		return realtime.User{}, realtime.ErrAuthenticationFailed
	}
	return u, nil
}

type memRevisions struct{}

func (memRevisions) LoadLatest(ctx context.Context, note realtime.NoteID) (realtime.Seed, error) {
	if note == "missing" {
		return realtime.Seed{}, realtime.ErrNoteNotFound
	}
	return realtime.Seed{Content: "# " + string(note)}, nil
}

func (memRevisions) SaveRevision(ctx context.Context, note realtime.NoteID, rev realtime.Revision) (realtime.RevisionID, error) {
	return realtime.RevisionID(uuid.NewString()), nil
}

type memPermissions struct {
	mu     sync.Mutex
	access map[string]realtime.Access
}

func (p *memPermissions) CheckAccess(ctx context.Context, note realtime.NoteID, user realtime.User) (realtime.Access, error) {
	if note == "missing" {
		return realtime.Access{}, realtime.ErrNoteNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if user.Guest {
		return realtime.Access{CanRead: true}, nil
	}
	return p.access[user.ID], nil
}

var tokens = staticTokens{
	"alice-token": {ID: "alice", Name: "Alice"},
	"bob-token":   {ID: "bob", Name: "Bob"},
	"carol-token": {ID: "carol", Name: "Carol"},
}

type testServer struct {
	*httptest.Server
	svc *realtime.Service
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rcfg := realtime.DefaultConfig()
	perms := &memPermissions{access: map[string]realtime.Access{
		"alice": {CanRead: true, CanEdit: true},
		"bob":   {CanRead: true, CanEdit: true},
		"carol": {CanRead: true},
	}}
	scheduler := realtime.NewScheduler(memRevisions{}, rcfg, logger)
	store := realtime.NewStore(memRevisions{}, scheduler, rcfg, logger)
	svc := realtime.NewService(store, perms, rcfg, logger)

	r := mux.NewRouter()
	New(svc, NewTokenAuthenticator(tokens, ""), cfg, logger).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		_ = store.Close(context.Background())
	})
	return &testServer{Server: srv, svc: svc}
}

func (s *testServer) dial(t *testing.T, path, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+path, header)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func (s *testServer) join(t *testing.T, note, token string) (*websocket.Conn, ServerMessage) {
	t.Helper()
	conn, _, err := s.dial(t, "/notes/"+note+"/realtime", token)
	require.NoError(t, err)
	snapshot := readMessage(t, conn)
	require.Equal(t, TypeSnapshot, snapshot.Type)
	return conn, snapshot
}

func readMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil skips frames until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want MessageType) ServerMessage {
	t.Helper()
	for {
		msg := readMessage(t, conn)
		if msg.Type == want {
			return msg
		}
	}
}

// readClose reads until the server closes the socket and returns the close code.
func readClose(t *testing.T, conn *websocket.Conn) (int, []ServerMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var seen []ServerMessage
	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			require.True(t, errors.As(err, &ce), "expected a close frame, got %v", err)
			return ce.Code, seen
		}
		var msg ServerMessage
		require.NoError(t, json.Unmarshal(p, &msg))
		seen = append(seen, msg)
	}
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func localDoc(t *testing.T, snapshot ServerMessage) *automerge.Doc {
	t.Helper()
	doc, err := automerge.Load(snapshot.Document)
	require.NoError(t, err)
	require.NoError(t, doc.SetActorID(strings.ReplaceAll(uuid.NewString(), "-", "")))
	return doc
}

func insert(t *testing.T, doc *automerge.Doc, pos int, text string) []byte {
	t.Helper()
	require.NoError(t, doc.Path(realtime.ContentKey).Text().Insert(pos, text))
	_, err := doc.Commit("edit")
	require.NoError(t, err)
	return doc.SaveIncremental()
}

func TestRejectsMissingCredentials(t *testing.T) {
	s := newTestServer(t, DefaultConfig())

	_, resp, err := s.dial(t, "/notes/n1/realtime", "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRejectsBadTokenEvenWithGuests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowGuests = true
	s := newTestServer(t, cfg)

	_, resp, err := s.dial(t, "/notes/n1/realtime", "forged")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGuestJoinsReadOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowGuests = true
	s := newTestServer(t, cfg)

	_, snapshot := s.join(t, "n1", "")
	require.NotNil(t, snapshot.CanEdit)
	assert.False(t, *snapshot.CanEdit)
	require.NotNil(t, snapshot.Content)
	assert.Equal(t, "# n1", *snapshot.Content)
	assert.NotEmpty(t, snapshot.ClientID)
}

func TestEditFanOut(t *testing.T) {
	s := newTestServer(t, DefaultConfig())

	alice, snapshot := s.join(t, "n1", "alice-token")
	bob, bobSnapshot := s.join(t, "n1", "bob-token")
	require.Len(t, bobSnapshot.Peers, 1)
	assert.Equal(t, "alice", bobSnapshot.Peers[0].User.ID)

	joined := readUntil(t, alice, TypePresence)
	assert.Equal(t, bobSnapshot.ClientID, joined.ClientID)

	doc := localDoc(t, snapshot)
	send(t, alice, ClientMessage{Type: TypeUpdate, Data: insert(t, doc, 4, " notes")})

	ack := readUntil(t, alice, TypeAck)
	assert.NotEmpty(t, ack.Version)

	update := readUntil(t, bob, TypeUpdate)
	assert.Equal(t, snapshot.ClientID, update.From)
	assert.Equal(t, ack.Version, update.Version)

	bobDoc := localDoc(t, bobSnapshot)
	require.NoError(t, bobDoc.LoadIncremental(update.Data))
	text, err := bobDoc.Path(realtime.ContentKey).Text().Get()
	require.NoError(t, err)
	assert.Equal(t, "# n1 notes", text)
}

func TestReadOnlyUpdateKeepsConnection(t *testing.T) {
	s := newTestServer(t, DefaultConfig())

	alice, _ := s.join(t, "n1", "alice-token")
	carol, snapshot := s.join(t, "n1", "carol-token")
	readUntil(t, alice, TypePresence)

	send(t, carol, ClientMessage{Type: TypeUpdate, Data: insert(t, localDoc(t, snapshot), 0, "x")})
	msg := readUntil(t, carol, TypeError)
	assert.Equal(t, realtime.CodePermissionDenied, msg.Code)

	send(t, carol, ClientMessage{Type: TypePresence, Selection: &realtime.Selection{Anchor: 2, Head: 2}})
	presence := readUntil(t, alice, TypePresence)
	assert.Equal(t, snapshot.ClientID, presence.ClientID)
	require.NotNil(t, presence.Peer)
	assert.Equal(t, &realtime.Selection{Anchor: 2, Head: 2}, presence.Peer.Selection)
}

func TestProtocolViolationCloses(t *testing.T) {
	s := newTestServer(t, DefaultConfig())

	conn, _ := s.join(t, "n1", "alice-token")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	code, seen := readClose(t, conn)
	assert.Equal(t, CloseProtocolViolation, code)
	require.NotEmpty(t, seen)
	assert.Equal(t, TypeError, seen[len(seen)-1].Type)
	assert.Equal(t, realtime.CodeProtocolViolation, seen[len(seen)-1].Code)
}

func TestMalformedUpdateCloses(t *testing.T) {
	s := newTestServer(t, DefaultConfig())

	conn, _ := s.join(t, "n1", "alice-token")
	send(t, conn, ClientMessage{Type: TypeUpdate, Data: []byte("garbage")})

	code, _ := readClose(t, conn)
	assert.Equal(t, CloseProtocolViolation, code)
}

func TestJoinMessage(t *testing.T) {
	s := newTestServer(t, DefaultConfig())

	conn, _, err := s.dial(t, "/realtime", "alice-token")
	require.NoError(t, err)
	send(t, conn, ClientMessage{Type: TypeJoin, Note: "n2"})
	snapshot := readMessage(t, conn)
	assert.Equal(t, TypeSnapshot, snapshot.Type)
	assert.Equal(t, "# n2", *snapshot.Content)

	other, _, err := s.dial(t, "/realtime", "alice-token")
	require.NoError(t, err)
	send(t, other, ClientMessage{Type: TypePresence, Color: "#fff"})
	code, _ := readClose(t, other)
	assert.Equal(t, CloseProtocolViolation, code)
}

func TestJoinTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JoinTimeout = 50 * time.Millisecond
	s := newTestServer(t, cfg)

	conn, _, err := s.dial(t, "/realtime", "alice-token")
	require.NoError(t, err)
	code, _ := readClose(t, conn)
	assert.Equal(t, CloseIdleTimeout, code)
}

func TestJoinUnknownNote(t *testing.T) {
	s := newTestServer(t, DefaultConfig())

	conn, _, err := s.dial(t, "/notes/missing/realtime", "alice-token")
	require.NoError(t, err)
	code, seen := readClose(t, conn)
	assert.Equal(t, CloseNoteNotFound, code)
	require.Len(t, seen, 1)
	assert.Equal(t, realtime.CodeNoteNotFound, seen[0].Code)
}

func TestIdleTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	cfg.PingInterval = 50 * time.Millisecond
	s := newTestServer(t, cfg)

	conn, _, err := s.dial(t, "/notes/n1/realtime", "alice-token")
	require.NoError(t, err)
	// a client that never answers pings
	conn.SetPingHandler(func(string) error { return nil })
	time.Sleep(300 * time.Millisecond)

	code, _ := readClose(t, conn)
	assert.Equal(t, CloseIdleTimeout, code)
}

func TestIdleTimeoutIgnoresPongs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 150 * time.Millisecond
	cfg.PingInterval = 20 * time.Millisecond
	s := newTestServer(t, cfg)

	conn, _, err := s.dial(t, "/notes/n1/realtime", "alice-token")
	require.NoError(t, err)
	// readClose keeps reading, so the default handler answers every ping
	started := time.Now()
	code, _ := readClose(t, conn)
	assert.Equal(t, CloseIdleTimeout, code)
	assert.Less(t, time.Since(started), time.Second)
}

func TestForceDisconnect(t *testing.T) {
	s := newTestServer(t, DefaultConfig())

	alice, _ := s.join(t, "n1", "alice-token")
	bob, _ := s.join(t, "n1", "bob-token")
	readUntil(t, alice, TypePresence)

	assert.Equal(t, 1, s.svc.ForceDisconnect("n1", "bob", realtime.CodePermissionDenied))

	code, seen := readClose(t, bob)
	assert.Equal(t, ClosePermissionDenied, code)
	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	assert.Equal(t, TypeForceClose, last.Type)
	assert.Equal(t, string(realtime.CodePermissionDenied), last.Reason)

	leave := readUntil(t, alice, TypeLeave)
	assert.NotEmpty(t, leave.ClientID)
}

func TestLeaveOnDisconnect(t *testing.T) {
	s := newTestServer(t, DefaultConfig())

	alice, _ := s.join(t, "n1", "alice-token")
	bob, bobSnapshot := s.join(t, "n1", "bob-token")
	readUntil(t, alice, TypePresence)

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	leave := readUntil(t, alice, TypeLeave)
	assert.Equal(t, bobSnapshot.ClientID, leave.ClientID)

	assert.Eventually(t, func() bool {
		sessions := s.svc.Sessions(context.Background())
		return len(sessions) == 1 && sessions[0].Subscribers == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTokenSources(t *testing.T) {
	a := NewTokenAuthenticator(tokens, "sid")
	for name, mutate := range map[string]func(r *http.Request){
		"header": func(r *http.Request) { r.Header.Set("Authorization", "Bearer alice-token") },
		"query":  func(r *http.Request) { r.URL.RawQuery = "token=alice-token" },
		"cookie": func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "sid", Value: "alice-token"}) },
	} {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/realtime", nil)
			mutate(r)
			user, err := a.Authenticate(r)
			require.NoError(t, err)
			assert.Equal(t, "alice", user.ID)
		})
	}

	_, err := a.Authenticate(httptest.NewRequest(http.MethodGet, "/realtime", nil))
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.PingInterval = cfg.IdleTimeout
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxMessageSize = 0
	assert.Error(t, cfg.Validate())
}

func TestCloseCodes(t *testing.T) {
	denied := fmt.Errorf("update: %w", realtime.ErrPermissionDenied)
	for err, want := range map[error]int{
		realtime.ErrSlowConsumer:           CloseSlowConsumer,
		realtime.ErrShutdown:               websocket.CloseGoingAway,
		errIdle:                            CloseIdleTimeout,
		denied:                             ClosePermissionDenied,
		realtime.ErrSessionCreationFailure: CloseSessionCreationFailure,
	} {
		assert.Equal(t, want, closeCode(err), err.Error())
	}
	assert.Equal(t, websocket.CloseNormalClosure, closeCode(nil))
}
