// Package gateway terminates client websockets, authenticates them, joins them to a realtime
// session and pumps frames between the socket and the session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/notesync/pkg/metrics"
	"github.com/astromechza/notesync/pkg/realtime"
)

var errIdle = errors.New("connection idle")

// Service is the part of realtime.Service a connection drives.
type Service interface {
	Join(ctx context.Context, user realtime.User, note realtime.NoteID, known realtime.StateVector) (*realtime.Subscriber, *realtime.JoinState, error)
	ApplyUpdate(ctx context.Context, sub *realtime.Subscriber, update []byte) (realtime.StateVector, error)
	UpdatePresence(ctx context.Context, sub *realtime.Subscriber, meta realtime.PresenceMeta) error
	Leave(sub *realtime.Subscriber)
}

type Gateway struct {
	svc      Service
	auth     Authenticator
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func New(svc Service, auth Authenticator, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		svc:  svc,
		auth: auth,
		cfg:  cfg,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Register mounts the websocket endpoints. On /realtime the first frame must be a join.
func (g *Gateway) Register(r *mux.Router) {
	r.Methods(http.MethodGet).Path("/notes/{note}/realtime").Handler(g)
	r.Methods(http.MethodGet).Path("/realtime").Handler(g)
}

func (g *Gateway) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	user, err := g.authenticate(request)
	if err != nil {
		metrics.Connections.WithLabelValues("unauthenticated").Inc()
		g.log.Info("rejected connection", "remote", request.RemoteAddr, "err", err)
		http.Error(writer, string(realtime.CodeAuthenticationFailed), http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		metrics.Connections.WithLabelValues("upgrade_failed").Inc()
		g.log.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(g.cfg.MaxMessageSize)

	c := &connection{
		g:       g,
		conn:    conn,
		user:    user,
		log:     g.log.With("remote", request.RemoteAddr, "user", user.ID),
		replies: make(chan ServerMessage, 8),
	}
	var known realtime.StateVector
	if since := request.URL.Query().Get("since"); since != "" {
		known = strings.Split(since, ",")
	}
	c.serve(request.Context(), realtime.NoteID(mux.Vars(request)["note"]), known)
}

func (g *Gateway) authenticate(r *http.Request) (realtime.User, error) {
	user, err := g.auth.Authenticate(r)
	if errors.Is(err, ErrNoCredentials) && g.cfg.AllowGuests {
		return realtime.User{Name: "guest", Guest: true}, nil
	}
	if err != nil {
		return realtime.User{}, fmt.Errorf("%w: %w", realtime.ErrAuthenticationFailed, err)
	}
	return user, nil
}

// connection is one upgraded socket. Only the writer goroutine writes data frames once the
// snapshot is out; the reader hands it replies through the replies channel.
type connection struct {
	g       *Gateway
	conn    *websocket.Conn
	user    realtime.User
	log     *slog.Logger
	replies chan ServerMessage
}

func (c *connection) serve(ctx context.Context, note realtime.NoteID, known realtime.StateVector) {
	if note == "" {
		msg, err := c.readJoin()
		if err != nil {
			metrics.Connections.WithLabelValues("rejected").Inc()
			c.log.Info("no join received", "err", err)
			c.closeWith(err)
			return
		}
		note, known = msg.Note, msg.Version
	}
	c.log = c.log.With("note", note)

	joinCtx, cancel := context.WithTimeout(ctx, c.g.cfg.JoinTimeout)
	sub, state, err := c.g.svc.Join(joinCtx, c.user, note, known)
	cancel()
	if err != nil {
		metrics.Connections.WithLabelValues("rejected").Inc()
		c.log.Info("join failed", "err", err, "retryable", realtime.Retryable(err))
		c.closeWith(err)
		return
	}
	metrics.Connections.WithLabelValues("accepted").Inc()
	defer c.g.svc.Leave(sub)
	c.log = c.log.With("client", sub.ID)

	if err := c.write(snapshotMessage(state)); err != nil {
		c.log.Info("failed to send snapshot", "err", err)
		return
	}

	stop := make(chan error, 1)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer c.conn.Close()
		c.writeLoop(sub, stop)
	}()
	err = c.readLoop(ctx, sub)
	stop <- err
	<-writerDone
	c.log.Info("connection closed", "err", err, "reason", sub.Err())
}

func (c *connection) readJoin() (ClientMessage, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.g.cfg.JoinTimeout)); err != nil {
		return ClientMessage{}, err
	}
	msg, err := c.read()
	if err != nil {
		return ClientMessage{}, err
	}
	if msg.Type != TypeJoin || msg.Note == "" {
		return ClientMessage{}, &realtime.Error{Code: realtime.CodeProtocolViolation, Op: "join", Err: fmt.Errorf("expected join with a note, got %q", msg.Type)}
	}
	return msg, nil
}

// read returns the next client frame. Undecodable frames are protocol violations; a read timeout
// is errIdle.
func (c *connection) read() (ClientMessage, error) {
	mt, p, err := c.conn.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return ClientMessage{}, errIdle
		}
		if errors.Is(err, websocket.ErrReadLimit) {
			return ClientMessage{}, &realtime.Error{Code: realtime.CodeProtocolViolation, Op: "read", Err: err}
		}
		return ClientMessage{}, fmt.Errorf("failed to read message: %w", err)
	}
	var msg ClientMessage
	if mt != websocket.TextMessage {
		return msg, &realtime.Error{Code: realtime.CodeProtocolViolation, Op: "read", Err: errors.New("expected a text frame")}
	}
	if err := json.Unmarshal(p, &msg); err != nil {
		return msg, &realtime.Error{Code: realtime.CodeProtocolViolation, Op: "read", Err: err}
	}
	return msg, nil
}

func (c *connection) extendDeadline() error {
	return c.conn.SetReadDeadline(time.Now().Add(c.g.cfg.IdleTimeout))
}

// readLoop feeds client frames to the service. It returns nil when the client went away and the
// error to close with otherwise. Only data frames count as traffic; pongs keep nothing alive.
func (c *connection) readLoop(ctx context.Context, sub *realtime.Subscriber) error {
	if err := c.extendDeadline(); err != nil {
		return err
	}
	for {
		msg, err := c.read()
		if err != nil {
			if realtime.CodeOf(err) != "" || errors.Is(err, errIdle) {
				return err
			}
			// closed by the client or by the writer
			return nil
		}
		if err := c.extendDeadline(); err != nil {
			return err
		}

		switch msg.Type {
		case TypeUpdate:
			_, err = c.g.svc.ApplyUpdate(ctx, sub, msg.Data)
		case TypePresence:
			err = c.g.svc.UpdatePresence(ctx, sub, realtime.PresenceMeta{Color: msg.Color, Selection: msg.Selection})
		default:
			err = &realtime.Error{Code: realtime.CodeProtocolViolation, Op: "read", Note: sub.Note, Err: fmt.Errorf("unexpected %q frame", msg.Type)}
		}
		switch {
		case err == nil:
		case realtime.CodeOf(err) == realtime.CodeProtocolViolation:
			return err
		case realtime.CodeOf(err) != "":
			c.reply(errorMessage(err))
		default:
			// the session or the request went away
			return nil
		}
	}
}

func (c *connection) reply(msg ServerMessage) {
	select {
	case c.replies <- msg:
	default:
		c.log.Warn("dropping reply", "type", msg.Type, "code", msg.Code)
	}
}

func (c *connection) writeLoop(sub *realtime.Subscriber, stop <-chan error) {
	ticker := time.NewTicker(c.g.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-sub.Events():
			if err := c.write(eventMessage(ev)); err != nil {
				c.log.Info("failed to write", "err", err)
				return
			}
		case msg := <-c.replies:
			if err := c.write(msg); err != nil {
				c.log.Info("failed to write", "err", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.g.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-sub.Done():
			reason := sub.Err()
			if reason != nil {
				_ = c.write(ServerMessage{Type: TypeForceClose, Reason: closeReason(reason)})
			}
			c.closeFrame(reason)
			return
		case err := <-stop:
			c.closeWith(err)
			return
		}
	}
}

func (c *connection) write(msg ServerMessage) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.g.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// closeWith sends an error frame for err, if it carries a code, followed by the close frame.
func (c *connection) closeWith(err error) {
	if err != nil && realtime.CodeOf(err) != "" {
		_ = c.write(errorMessage(err))
	}
	if errors.Is(err, errIdle) {
		metrics.Disconnects.WithLabelValues("idle").Inc()
	} else if realtime.CodeOf(err) == realtime.CodeProtocolViolation {
		metrics.Disconnects.WithLabelValues(string(realtime.CodeProtocolViolation)).Inc()
	}
	c.closeFrame(err)
}

func (c *connection) closeFrame(err error) {
	text := ""
	if err != nil {
		text = closeReason(err)
	}
	payload := websocket.FormatCloseMessage(closeCode(err), text)
	_ = c.conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(c.g.cfg.WriteTimeout))
}
