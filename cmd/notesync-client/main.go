package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/notesync/pkg/gateway"
	"github.com/astromechza/notesync/pkg/realtime"
	"github.com/astromechza/notesync/pkg/viz"
)

var words = []string{"alpha", "beta", "gamma", "delta", "lorem", "ipsum", "note", "sync", "\n", "# "}

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address to request on")
	noteVar := flag.String("note", "", "the note to join")
	tokenVar := flag.String("token", os.Getenv("NOTESYNC_TOKEN"), "the session token, empty to join as a guest")
	readOnlyVar := flag.Bool("read-only", false, "only follow the note, never type")
	flag.Parse()
	if *noteVar == "" {
		return fmt.Errorf("a note is required")
	}

	baseUrl, err := url.Parse("ws://" + *addrVar)
	if err != nil {
		return err
	}
	u := baseUrl.JoinPath("notes", *noteVar, "realtime")
	header := http.Header{}
	if *tokenVar != "" {
		header.Set("Authorization", "Bearer "+*tokenVar)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to dial: %w: status %d", err, resp.StatusCode)
		}
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	var snapshot gateway.ServerMessage
	if err := conn.ReadJSON(&snapshot); err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if snapshot.Type != gateway.TypeSnapshot {
		return fmt.Errorf("expected a snapshot, got %s %s", snapshot.Type, snapshot.Message)
	}
	doc, err := automerge.Load(snapshot.Document)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	if err := doc.SetActorID(strings.ReplaceAll(uuid.NewString(), "-", "")); err != nil {
		return fmt.Errorf("failed to set actor: %w", err)
	}
	canEdit := snapshot.CanEdit != nil && *snapshot.CanEdit
	slog.Info("joined", "client", snapshot.ClientID, "heads", doc.Heads(), "canEdit", canEdit, "peers", len(snapshot.Peers))

	c := &client{conn: conn, doc: doc}
	c.canEdit.Store(canEdit && !*readOnlyVar)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := c.receive(); err != nil {
			slog.Error("connection ended", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.typeRandomlyContinuously(ctx)
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	c.mu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.mu.Unlock()
	_ = conn.Close()
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	text, _ := c.doc.Path(realtime.ContentKey).Text().Get()
	slog.Info("final content", "heads", c.doc.Heads(), "length", len(text))

	tf := filepath.Join(os.TempDir(), c.doc.ActorID()+".svg")
	f, err := os.Create(tf)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := viz.RenderDocument(f, c.doc.Save(), realtime.ContentKey, 100); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	slog.Info("rendered", "path", "file://"+tf)
	return nil
}

type client struct {
	conn *websocket.Conn

	mu      sync.Mutex
	doc     *automerge.Doc
	canEdit atomic.Bool
}

func (c *client) receive() error {
	for {
		var msg gateway.ServerMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		switch msg.Type {
		case gateway.TypeUpdate:
			c.mu.Lock()
			err := c.doc.LoadIncremental(msg.Data)
			c.mu.Unlock()
			if err != nil {
				return fmt.Errorf("failed to apply update: %w", err)
			}
			slog.Info("received update", "from", msg.From, "version", msg.Version.String())
		case gateway.TypeAck:
			slog.Debug("acknowledged", "version", msg.Version.String())
		case gateway.TypePresence:
			if msg.Peer != nil {
				slog.Info("peer", "client", msg.ClientID, "user", msg.Peer.User.ID, "selection", msg.Peer.Selection)
			}
		case gateway.TypeLeave:
			slog.Info("peer left", "client", msg.ClientID)
		case gateway.TypeAccess:
			if msg.CanEdit != nil {
				c.canEdit.Store(*msg.CanEdit)
				slog.Info("access changed", "canEdit", *msg.CanEdit)
			}
		case gateway.TypeError:
			slog.Warn("server error", "code", msg.Code, "message", msg.Message)
		case gateway.TypeForceClose:
			return fmt.Errorf("disconnected by server: %s", msg.Reason)
		}
	}
}

func (c *client) typeOnce() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := c.doc.Path(realtime.ContentKey).Text()
	current, err := text.Get()
	if err != nil {
		return fmt.Errorf("failed to read text: %w", err)
	}
	pos := rand.Intn(len(current) + 1)
	if err := text.Insert(pos, words[rand.Intn(len(words))]); err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}
	if _, err := c.doc.Commit("type"); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	if err := c.conn.WriteJSON(gateway.ClientMessage{Type: gateway.TypeUpdate, Data: c.doc.SaveIncremental()}); err != nil {
		return fmt.Errorf("failed to send update: %w", err)
	}
	return c.conn.WriteJSON(gateway.ClientMessage{
		Type:      gateway.TypePresence,
		Selection: &realtime.Selection{Anchor: pos, Head: pos},
	})
}

func (c *client) heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(gateway.ClientMessage{Type: gateway.TypePresence})
}

func (c *client) typeRandomlyContinuously(ctx context.Context) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			if !c.canEdit.Load() {
				// followers still need to send something before the server's idle timeout
				if err := c.heartbeat(); err != nil {
					slog.Error("failed to send presence", "err", err)
				}
				continue
			}
			if err := c.typeOnce(); err != nil {
				slog.Error("failed to type", "err", err)
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled typing")
			return
		}
	}
}
