package gateway

import (
	"errors"

	"github.com/gorilla/websocket"

	"github.com/astromechza/notesync/pkg/realtime"
)

// MessageType is the "type" field of every frame.
type MessageType string

const (
	// client to server
	TypeJoin     MessageType = "join"
	TypeUpdate   MessageType = "update"
	TypePresence MessageType = "presence"

	// server to client
	TypeSnapshot   MessageType = "snapshot"
	TypeAck        MessageType = "ack"
	TypeLeave      MessageType = "leave"
	TypeAccess     MessageType = "access"
	TypeError      MessageType = "error"
	TypeForceClose MessageType = "forceClose"
)

// ClientMessage is a frame sent by a client. Binary fields travel as base64.
type ClientMessage struct {
	Type MessageType `json:"type"`
	// Note and Version are only read from join.
	Note    realtime.NoteID      `json:"note,omitempty"`
	Version realtime.StateVector `json:"version,omitempty"`
	// Data is the CRDT update of an update frame.
	Data      []byte              `json:"data,omitempty"`
	Color     string              `json:"color,omitempty"`
	Selection *realtime.Selection `json:"selection,omitempty"`
}

// ServerMessage is a frame sent by the server. Only the fields relevant to Type are set.
type ServerMessage struct {
	Type     MessageType          `json:"type"`
	ClientID string               `json:"clientId,omitempty"`
	Document []byte               `json:"document,omitempty"`
	Diff     []byte               `json:"diff,omitempty"`
	Content  *string              `json:"content,omitempty"`
	Version  realtime.StateVector `json:"version,omitempty"`
	CanEdit  *bool                `json:"canEdit,omitempty"`
	Peers    []realtime.Peer      `json:"peers,omitempty"`
	From     string               `json:"from,omitempty"`
	Data     []byte               `json:"data,omitempty"`
	Peer     *realtime.Peer       `json:"peer,omitempty"`
	Code     realtime.Code        `json:"code,omitempty"`
	Message  string               `json:"message,omitempty"`
	Reason   string               `json:"reason,omitempty"`
}

func snapshotMessage(state *realtime.JoinState) ServerMessage {
	peers := state.Peers
	if peers == nil {
		peers = []realtime.Peer{}
	}
	return ServerMessage{
		Type:     TypeSnapshot,
		ClientID: state.ClientID,
		Document: state.Document,
		Diff:     state.Diff,
		Content:  &state.Content,
		Version:  state.Version,
		CanEdit:  &state.CanEdit,
		Peers:    peers,
	}
}

func eventMessage(ev realtime.Event) ServerMessage {
	switch ev.Kind {
	case realtime.EventUpdate:
		return ServerMessage{Type: TypeUpdate, From: ev.From, Data: ev.Data, Version: ev.Version}
	case realtime.EventAck:
		return ServerMessage{Type: TypeAck, Version: ev.Version}
	case realtime.EventPresence:
		return ServerMessage{Type: TypePresence, ClientID: ev.From, Peer: ev.Peer}
	case realtime.EventLeave:
		return ServerMessage{Type: TypeLeave, ClientID: ev.From}
	case realtime.EventAccess:
		canEdit := ev.CanEdit
		return ServerMessage{Type: TypeAccess, CanEdit: &canEdit}
	}
	return ServerMessage{Type: MessageType(ev.Kind)}
}

func errorMessage(err error) ServerMessage {
	code := realtime.CodeOf(err)
	if code == "" {
		code = realtime.CodeSessionCreationFailure
	}
	return ServerMessage{Type: TypeError, Code: code, Message: err.Error()}
}

// Close codes in the private range, one per failure a client may want to tell apart.
const (
	CloseProtocolViolation      = 4400
	CloseAuthenticationFailed   = 4401
	ClosePermissionDenied       = 4403
	CloseNoteNotFound           = 4404
	CloseIdleTimeout            = 4408
	CloseSlowConsumer           = 4429
	CloseSessionCreationFailure = 4503
)

// closeCode maps why a connection ends to a websocket close code.
func closeCode(err error) int {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure
	case errors.Is(err, errIdle):
		return CloseIdleTimeout
	case errors.Is(err, realtime.ErrSlowConsumer):
		return CloseSlowConsumer
	case errors.Is(err, realtime.ErrShutdown):
		return websocket.CloseGoingAway
	}
	switch realtime.CodeOf(err) {
	case realtime.CodeProtocolViolation:
		return CloseProtocolViolation
	case realtime.CodeAuthenticationFailed:
		return CloseAuthenticationFailed
	case realtime.CodePermissionDenied:
		return ClosePermissionDenied
	case realtime.CodeNoteNotFound:
		return CloseNoteNotFound
	}
	return CloseSessionCreationFailure
}

// closeReason is the forceClose reason for a subscriber closed by the server.
func closeReason(err error) string {
	switch {
	case errors.Is(err, errIdle):
		return "IdleTimeout"
	case errors.Is(err, realtime.ErrSlowConsumer):
		return "SlowConsumer"
	case errors.Is(err, realtime.ErrShutdown):
		return "Shutdown"
	}
	if code := realtime.CodeOf(err); code != "" {
		return string(code)
	}
	return "Closed"
}
