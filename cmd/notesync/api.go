package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/astromechza/notesync/pkg/gateway"
	"github.com/astromechza/notesync/pkg/realtime"
	"github.com/astromechza/notesync/pkg/storage/sqlite"
	"github.com/astromechza/notesync/pkg/viz"
)

const historyLimit = 200

type api struct {
	db   *sqlite.DB
	svc  *realtime.Service
	auth gateway.Authenticator
}

func (a *api) register(r *mux.Router) {
	r.Methods(http.MethodGet).Path("/api/health").HandlerFunc(a.health)
	r.Methods(http.MethodGet).Path("/api/sessions").HandlerFunc(a.sessions)
	r.Methods(http.MethodPost).Path("/api/notes").HandlerFunc(a.createNote)
	r.Methods(http.MethodGet).Path("/api/notes/{note}/revisions").HandlerFunc(a.revisions)
	r.Methods(http.MethodPut).Path("/api/notes/{note}/guests").HandlerFunc(a.setGuestRole)
	r.Methods(http.MethodPut).Path("/api/notes/{note}/permissions/{user}").HandlerFunc(a.grant)
	r.Methods(http.MethodDelete).Path("/api/notes/{note}/permissions/{user}").HandlerFunc(a.revoke)
	r.Methods(http.MethodGet).Path("/notes/{note}/history.svg").HandlerFunc(a.history)
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func writeError(writer http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch realtime.CodeOf(err) {
	case realtime.CodeAuthenticationFailed:
		status = http.StatusUnauthorized
	case realtime.CodePermissionDenied:
		status = http.StatusForbidden
	case realtime.CodeNoteNotFound:
		status = http.StatusNotFound
	case realtime.CodeProtocolViolation:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(writer, status, map[string]string{"code": string(realtime.CodeOf(err)), "message": err.Error()})
}

func badRequest(err error) error {
	return &realtime.Error{Code: realtime.CodeProtocolViolation, Op: "decode request", Err: err}
}

// user authenticates a request. Guests are never admitted to the api.
func (a *api) user(request *http.Request) (realtime.User, error) {
	user, err := a.auth.Authenticate(request)
	if err != nil {
		return realtime.User{}, &realtime.Error{Code: realtime.CodeAuthenticationFailed, Op: "authenticate", Err: err}
	}
	return user, nil
}

// owner authenticates a request and requires its user to own the note of the route.
func (a *api) owner(request *http.Request) (realtime.NoteID, error) {
	user, err := a.user(request)
	if err != nil {
		return "", err
	}
	note := realtime.NoteID(mux.Vars(request)["note"])
	owner, err := a.db.Owner(request.Context(), note)
	if err != nil {
		return "", err
	}
	if owner != user.ID {
		return "", &realtime.Error{Code: realtime.CodePermissionDenied, Op: "manage note", Note: note}
	}
	return note, nil
}

// readable checks read access to the note of the route. Guests are admitted when the note allows it.
func (a *api) readable(request *http.Request) (realtime.NoteID, error) {
	note := realtime.NoteID(mux.Vars(request)["note"])
	user, err := a.auth.Authenticate(request)
	if errors.Is(err, gateway.ErrNoCredentials) {
		user = realtime.User{Guest: true}
	} else if err != nil {
		return "", &realtime.Error{Code: realtime.CodeAuthenticationFailed, Op: "authenticate", Err: err}
	}
	access, err := a.db.CheckAccess(request.Context(), note, user)
	if err != nil {
		return "", err
	}
	if !access.CanRead {
		return "", &realtime.Error{Code: realtime.CodePermissionDenied, Op: "read note", Note: note}
	}
	return note, nil
}

func (a *api) health(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) sessions(writer http.ResponseWriter, request *http.Request) {
	if _, err := a.user(request); err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, a.svc.Sessions(request.Context()))
}

func (a *api) createNote(writer http.ResponseWriter, request *http.Request) {
	user, err := a.user(request)
	if err != nil {
		writeError(writer, err)
		return
	}
	var body struct {
		ID        realtime.NoteID `json:"id"`
		GuestRole sqlite.Role     `json:"guestRole"`
	}
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		writeError(writer, badRequest(err))
		return
	}
	if body.ID == "" {
		body.ID = realtime.NoteID(uuid.NewString())
	}
	if body.GuestRole == "" {
		body.GuestRole = sqlite.RoleNone
	}
	if err := a.db.CreateNote(request.Context(), body.ID, user.ID, body.GuestRole); err != nil {
		writeError(writer, badRequest(err))
		return
	}
	writeJSON(writer, http.StatusCreated, map[string]any{"id": body.ID})
}

func (a *api) revisions(writer http.ResponseWriter, request *http.Request) {
	note, err := a.readable(request)
	if err != nil {
		writeError(writer, err)
		return
	}
	infos, err := a.db.ListRevisions(request.Context(), note, 50)
	if err != nil {
		writeError(writer, err)
		return
	}
	if infos == nil {
		infos = []sqlite.RevisionInfo{}
	}
	writeJSON(writer, http.StatusOK, infos)
}

func (a *api) decodeRole(request *http.Request) (sqlite.Role, error) {
	var body struct {
		Role sqlite.Role `json:"role"`
	}
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		return "", badRequest(err)
	}
	if !body.Role.Valid() {
		return "", badRequest(errors.New("role must be one of none, read or edit"))
	}
	return body.Role, nil
}

func (a *api) grant(writer http.ResponseWriter, request *http.Request) {
	note, err := a.owner(request)
	if err != nil {
		writeError(writer, err)
		return
	}
	role, err := a.decodeRole(request)
	if err != nil {
		writeError(writer, err)
		return
	}
	if err := a.db.Grant(request.Context(), note, mux.Vars(request)["user"], role); err != nil {
		writeError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (a *api) revoke(writer http.ResponseWriter, request *http.Request) {
	note, err := a.owner(request)
	if err != nil {
		writeError(writer, err)
		return
	}
	if err := a.db.Revoke(request.Context(), note, mux.Vars(request)["user"]); err != nil {
		writeError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (a *api) setGuestRole(writer http.ResponseWriter, request *http.Request) {
	note, err := a.owner(request)
	if err != nil {
		writeError(writer, err)
		return
	}
	role, err := a.decodeRole(request)
	if err != nil {
		writeError(writer, err)
		return
	}
	if err := a.db.SetGuestRole(request.Context(), note, role); err != nil {
		writeError(writer, err)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

// history renders the change graph of the live document, or of the latest revision when the note
// has no live session.
func (a *api) history(writer http.ResponseWriter, request *http.Request) {
	note, err := a.readable(request)
	if err != nil {
		writeError(writer, err)
		return
	}
	snapshot, ok := a.svc.Snapshot(request.Context(), note)
	if !ok {
		seed, err := a.db.LoadLatest(request.Context(), note)
		if err != nil {
			writeError(writer, err)
			return
		}
		snapshot = seed.Document
	}
	if len(snapshot) == 0 {
		writeError(writer, &realtime.Error{Code: realtime.CodeNoteNotFound, Op: "history", Note: note})
		return
	}
	var buff bytes.Buffer
	if err := viz.RenderDocument(&buff, snapshot, realtime.ContentKey, historyLimit); err != nil {
		writeError(writer, fmt.Errorf("failed to render history of %s: %w", note, err))
		return
	}
	writer.Header().Set("Content-Type", "image/svg+xml")
	if _, err := writer.Write(buff.Bytes()); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}
