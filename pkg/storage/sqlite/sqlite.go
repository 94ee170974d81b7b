// Package sqlite implements the revision, permission and token stores of notesync on a local
// sqlite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/segmentio/ksuid"

	"github.com/astromechza/notesync/pkg/realtime"
)

// Role is the access level of a user, or of guests, on a note.
type Role string

const (
	RoleNone Role = "none"
	RoleRead Role = "read"
	RoleEdit Role = "edit"
)

func (r Role) access() realtime.Access {
	switch r {
	case RoleEdit:
		return realtime.Access{CanRead: true, CanEdit: true}
	case RoleRead:
		return realtime.Access{CanRead: true}
	}
	return realtime.Access{}
}

func (r Role) Valid() bool {
	return r == RoleNone || r == RoleRead || r == RoleEdit
}

// Publisher is told about every permission write so live subscribers can be revalidated.
type Publisher interface {
	Publish(ctx context.Context, change realtime.PermissionChange) error
}

type DB struct {
	database  *sql.DB
	publisher Publisher
	log       *slog.Logger
	now       func() time.Time
}

// Open opens or creates the database at path and ensures the schema exists.
func Open(path string, logger *slog.Logger) (*DB, error) {
	database, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer at a time
	database.SetMaxOpenConns(1)
	if logger == nil {
		logger = slog.Default()
	}
	d := &DB{database: database, log: logger, now: time.Now}
	if err := d.init(); err != nil {
		_ = database.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	return d.database.Close()
}

// SetPublisher sets where permission writes are announced.
func (d *DB) SetPublisher(p Publisher) {
	d.publisher = p
}

func (d *DB) init() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS notes (
			id text not null primary key,
			owner text not null,
			guest_role text not null default 'none',
			created_at integer not null
		)`,
		`CREATE TABLE IF NOT EXISTS revisions (
			id text not null primary key,
			note_id text not null references notes (id) on delete cascade,
			content text not null,
			document blob,
			heads text not null,
			authors text not null,
			saved_at integer not null
		)`,
		`CREATE INDEX IF NOT EXISTS revisions_by_note ON revisions (note_id, saved_at)`,
		`CREATE TABLE IF NOT EXISTS permissions (
			note_id text not null references notes (id) on delete cascade,
			user_id text not null,
			role text not null,
			primary key (note_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS auth_tokens (
			token text not null primary key,
			user_id text not null,
			name text not null,
			expires_at integer not null
		)`,
	} {
		if _, err := d.database.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	d.log.Info("ensured initial tables exist")
	return nil
}

func (d *DB) publish(ctx context.Context, change realtime.PermissionChange) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Publish(ctx, change); err != nil {
		d.log.Error("failed to publish permission change", "note", change.Note, "user", change.UserID, "err", err)
	}
}

// CreateNote registers a note owned by owner. Creating an existing note is a no-op.
func (d *DB) CreateNote(ctx context.Context, note realtime.NoteID, owner string, guests Role) error {
	if !guests.Valid() {
		return fmt.Errorf("invalid guest role %q", guests)
	}
	if _, err := d.database.ExecContext(
		ctx, `INSERT OR IGNORE INTO notes (id, owner, guest_role, created_at) VALUES (?, ?, ?, ?)`,
		note, owner, guests, d.now().UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to create note: %w", err)
	}
	return nil
}

func (d *DB) noteExists(ctx context.Context, note realtime.NoteID) error {
	var one int
	err := d.database.QueryRowContext(ctx, `SELECT 1 FROM notes WHERE id = ?`, note).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("note %s: %w", note, realtime.ErrNoteNotFound)
	} else if err != nil {
		return fmt.Errorf("failed to query note: %w", err)
	}
	return nil
}

// LoadLatest implements realtime.Revisions.
func (d *DB) LoadLatest(ctx context.Context, note realtime.NoteID) (realtime.Seed, error) {
	if err := d.noteExists(ctx, note); err != nil {
		return realtime.Seed{}, err
	}
	var (
		seed  realtime.Seed
		heads string
	)
	err := d.database.QueryRowContext(
		ctx, `SELECT content, document, heads FROM revisions WHERE note_id = ? ORDER BY saved_at DESC, id DESC LIMIT 1`, note,
	).Scan(&seed.Content, &seed.Document, &heads)
	if errors.Is(err, sql.ErrNoRows) {
		return realtime.Seed{}, nil
	} else if err != nil {
		return realtime.Seed{}, fmt.Errorf("failed to load revision: %w", err)
	}
	if err := json.Unmarshal([]byte(heads), &seed.Version); err != nil {
		return realtime.Seed{}, fmt.Errorf("failed to decode heads: %w", err)
	}
	return seed, nil
}

// SaveRevision implements realtime.Revisions. Revision ids are ksuids so they sort by time.
func (d *DB) SaveRevision(ctx context.Context, note realtime.NoteID, rev realtime.Revision) (realtime.RevisionID, error) {
	heads, err := json.Marshal(rev.Version)
	if err != nil {
		return "", fmt.Errorf("failed to encode heads: %w", err)
	}
	authors := rev.Authors
	if authors == nil {
		authors = []string{}
	}
	rawAuthors, err := json.Marshal(authors)
	if err != nil {
		return "", fmt.Errorf("failed to encode authors: %w", err)
	}
	savedAt := rev.SavedAt
	if savedAt.IsZero() {
		savedAt = d.now()
	}
	id := ksuid.New().String()
	if _, err := d.database.ExecContext(
		ctx, `INSERT INTO revisions (id, note_id, content, document, heads, authors, saved_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, note, rev.Content, rev.Document, string(heads), string(rawAuthors), savedAt.UnixNano(),
	); err != nil {
		return "", fmt.Errorf("failed to insert revision: %w", err)
	}
	return realtime.RevisionID(id), nil
}

// RevisionInfo describes a stored revision without its payload.
type RevisionInfo struct {
	ID      realtime.RevisionID  `json:"id"`
	Note    realtime.NoteID      `json:"note"`
	Version realtime.StateVector `json:"version"`
	Authors []string             `json:"authors"`
	SavedAt time.Time            `json:"savedAt"`
	Size    int                  `json:"size"`
}

// ListRevisions returns the newest revisions of note first.
func (d *DB) ListRevisions(ctx context.Context, note realtime.NoteID, limit int) ([]RevisionInfo, error) {
	rows, err := d.database.QueryContext(
		ctx, `SELECT id, heads, authors, saved_at, length(document) FROM revisions WHERE note_id = ? ORDER BY saved_at DESC, id DESC LIMIT ?`,
		note, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			d.log.Error("failed to close rows", "err", err)
		}
	}(rows)

	var out []RevisionInfo
	for rows.Next() {
		var (
			info           RevisionInfo
			heads, authors string
			savedAt        int64
			size           sql.NullInt64
		)
		if err := rows.Scan(&info.ID, &heads, &authors, &savedAt, &size); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		if err := json.Unmarshal([]byte(heads), &info.Version); err != nil {
			return nil, fmt.Errorf("failed to decode heads: %w", err)
		}
		if err := json.Unmarshal([]byte(authors), &info.Authors); err != nil {
			return nil, fmt.Errorf("failed to decode authors: %w", err)
		}
		info.Note = note
		info.SavedAt = time.Unix(0, savedAt)
		info.Size = int(size.Int64)
		out = append(out, info)
	}
	return out, rows.Err()
}

// LoadRevision returns one stored revision by id.
func (d *DB) LoadRevision(ctx context.Context, id realtime.RevisionID) (realtime.NoteID, realtime.Revision, error) {
	var (
		note           realtime.NoteID
		rev            realtime.Revision
		heads, authors string
		savedAt        int64
	)
	err := d.database.QueryRowContext(
		ctx, `SELECT note_id, content, document, heads, authors, saved_at FROM revisions WHERE id = ?`, id,
	).Scan(&note, &rev.Content, &rev.Document, &heads, &authors, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", rev, fmt.Errorf("revision %s not found", id)
	} else if err != nil {
		return "", rev, fmt.Errorf("failed to load revision: %w", err)
	}
	if err := json.Unmarshal([]byte(heads), &rev.Version); err != nil {
		return "", rev, fmt.Errorf("failed to decode heads: %w", err)
	}
	if err := json.Unmarshal([]byte(authors), &rev.Authors); err != nil {
		return "", rev, fmt.Errorf("failed to decode authors: %w", err)
	}
	rev.SavedAt = time.Unix(0, savedAt)
	return note, rev, nil
}

// Owner returns the user that created note.
func (d *DB) Owner(ctx context.Context, note realtime.NoteID) (string, error) {
	var owner string
	err := d.database.QueryRowContext(ctx, `SELECT owner FROM notes WHERE id = ?`, note).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("note %s: %w", note, realtime.ErrNoteNotFound)
	} else if err != nil {
		return "", fmt.Errorf("failed to query note: %w", err)
	}
	return owner, nil
}

// CheckAccess implements realtime.Permissions. The owner can always edit; other users get the
// better of their own grant and the guest role.
func (d *DB) CheckAccess(ctx context.Context, note realtime.NoteID, user realtime.User) (realtime.Access, error) {
	var owner string
	var guests Role
	err := d.database.QueryRowContext(ctx, `SELECT owner, guest_role FROM notes WHERE id = ?`, note).Scan(&owner, &guests)
	if errors.Is(err, sql.ErrNoRows) {
		return realtime.Access{}, fmt.Errorf("note %s: %w", note, realtime.ErrNoteNotFound)
	} else if err != nil {
		return realtime.Access{}, fmt.Errorf("failed to query note: %w", err)
	}
	if user.Guest || user.ID == "" {
		return guests.access(), nil
	}
	if user.ID == owner {
		return RoleEdit.access(), nil
	}

	var role Role
	err = d.database.QueryRowContext(
		ctx, `SELECT role FROM permissions WHERE note_id = ? AND user_id = ?`, note, user.ID,
	).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return guests.access(), nil
	} else if err != nil {
		return realtime.Access{}, fmt.Errorf("failed to query permission: %w", err)
	}
	granted := role.access()
	fallback := guests.access()
	return realtime.Access{
		CanRead: granted.CanRead || fallback.CanRead,
		CanEdit: granted.CanEdit || fallback.CanEdit,
	}, nil
}

// Grant sets the role of userID on note and announces the change.
func (d *DB) Grant(ctx context.Context, note realtime.NoteID, userID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	if err := d.noteExists(ctx, note); err != nil {
		return err
	}
	if _, err := d.database.ExecContext(
		ctx, `INSERT INTO permissions (note_id, user_id, role) VALUES (?, ?, ?)
		ON CONFLICT (note_id, user_id) DO UPDATE SET role = excluded.role`,
		note, userID, role,
	); err != nil {
		return fmt.Errorf("failed to grant: %w", err)
	}
	d.publish(ctx, realtime.PermissionChange{Note: note, UserID: userID})
	return nil
}

// Revoke removes the grant of userID on note and announces the change.
func (d *DB) Revoke(ctx context.Context, note realtime.NoteID, userID string) error {
	if _, err := d.database.ExecContext(
		ctx, `DELETE FROM permissions WHERE note_id = ? AND user_id = ?`, note, userID,
	); err != nil {
		return fmt.Errorf("failed to revoke: %w", err)
	}
	d.publish(ctx, realtime.PermissionChange{Note: note, UserID: userID})
	return nil
}

// SetGuestRole changes guest access on note. Every subscriber of the note is revalidated.
func (d *DB) SetGuestRole(ctx context.Context, note realtime.NoteID, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	res, err := d.database.ExecContext(ctx, `UPDATE notes SET guest_role = ? WHERE id = ?`, role, note)
	if err != nil {
		return fmt.Errorf("failed to update note: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("note %s: %w", note, realtime.ErrNoteNotFound)
	}
	d.publish(ctx, realtime.PermissionChange{Note: note})
	return nil
}

// IssueToken creates a session token for userID valid for ttl.
func (d *DB) IssueToken(ctx context.Context, userID, name string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	if _, err := d.database.ExecContext(
		ctx, `INSERT INTO auth_tokens (token, user_id, name, expires_at) VALUES (?, ?, ?, ?)`,
		token, userID, name, d.now().Add(ttl).UnixNano(),
	); err != nil {
		return "", fmt.Errorf("failed to insert token: %w", err)
	}
	return token, nil
}

// LookupToken resolves a token issued by IssueToken. Unknown and expired tokens fail with
// realtime.ErrAuthenticationFailed.
func (d *DB) LookupToken(ctx context.Context, token string) (realtime.User, error) {
	var (
		user    realtime.User
		expires int64
	)
	err := d.database.QueryRowContext(
		ctx, `SELECT user_id, name, expires_at FROM auth_tokens WHERE token = ?`, token,
	).Scan(&user.ID, &user.Name, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return realtime.User{}, realtime.ErrAuthenticationFailed
	} else if err != nil {
		return realtime.User{}, fmt.Errorf("failed to query token: %w", err)
	}
	if d.now().UnixNano() >= expires {
		return realtime.User{}, fmt.Errorf("token expired: %w", realtime.ErrAuthenticationFailed)
	}
	return user, nil
}
