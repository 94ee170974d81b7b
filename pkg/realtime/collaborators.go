package realtime

import (
	"context"
	"time"
)

// NoteID is the stable identity of a note. It is not the user facing alias.
type NoteID string

// User is the identity behind a connection. Guests have Guest set and may have an empty ID.
type User struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Guest bool   `json:"guest,omitempty"`
}

// Access is the effective permission of a user on a note.
type Access struct {
	CanRead bool
	CanEdit bool
}

// Permissions resolves access to notes. Implementations return ErrNoteNotFound for unknown notes.
type Permissions interface {
	CheckAccess(ctx context.Context, note NoteID, user User) (Access, error)
}

// PermissionChange says that the access of UserID on Note may have changed. An empty UserID
// means every user of the note, e.g. when guest access was toggled.
type PermissionChange struct {
	Note   NoteID `json:"note"`
	UserID string `json:"user,omitempty"`
}

// PermissionEvents delivers permission change notifications until ctx is done, at which point the
// returned channel is closed.
type PermissionEvents interface {
	Subscribe(ctx context.Context) (<-chan PermissionChange, error)
}

// Seed is the persisted state a session starts from.
type Seed struct {
	// Content is the markdown text of the latest revision.
	Content string
	// Document is the serialized CRDT document of the latest revision, if any. When empty the
	// document is rebuilt from Content.
	Document []byte
	// Version is the state vector recorded with the latest revision.
	Version StateVector
}

// RevisionID identifies a persisted revision.
type RevisionID string

// Revision is what the persistence scheduler writes for a note.
type Revision struct {
	Content  string
	Document []byte
	Version  StateVector
	Authors  []string
	SavedAt  time.Time
}

// Revisions loads and stores durable revisions. LoadLatest returns a zero Seed and no error for a
// note that exists but has no revision yet, and ErrNoteNotFound for an unknown note.
type Revisions interface {
	LoadLatest(ctx context.Context, note NoteID) (Seed, error)
	SaveRevision(ctx context.Context, note NoteID, rev Revision) (RevisionID, error)
}
