package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/astromechza/notesync/pkg/metrics"
)

// Service coordinates joins, edits, presence and revocation on top of the Store.
type Service struct {
	store *Store
	perms Permissions
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

func NewService(store *Store, perms Permissions, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, perms: perms, cfg: cfg, log: logger, now: time.Now}
}

func (s *Service) access(ctx context.Context, note NoteID, user User) (Access, error) {
	access, err := s.perms.CheckAccess(ctx, note, user)
	if err != nil {
		if errors.Is(err, ErrNoteNotFound) {
			return Access{}, newError(CodeNoteNotFound, "check access", note, err)
		}
		return Access{}, newError(CodeSessionCreationFailure, "check access", note, err)
	}
	return access, nil
}

// Join admits user to the session of note. known is the state vector the client already has,
// if any, and lets the join return a diff instead of the full document.
func (s *Service) Join(ctx context.Context, user User, note NoteID, known StateVector) (*Subscriber, *JoinState, error) {
	access, err := s.access(ctx, note, user)
	if err != nil {
		return nil, nil, err
	}
	if !access.CanRead {
		return nil, nil, newError(CodePermissionDenied, "join", note, nil)
	}

	for {
		session, err := s.store.GetOrCreate(ctx, note)
		if err != nil {
			return nil, nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		sub := newSubscriber(note, user, access.CanEdit, s.cfg.QueueSize, s.now())
		var state *JoinState
		var joinErr error
		err = session.do(ctx, func() { state, joinErr = session.join(sub, known) })
		if err == nil {
			err = joinErr
		}
		if errors.Is(err, errSessionClosing) {
			// torn down between lookup and join; the next lookup creates a fresh session
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		s.log.Info("joined", "note", note, "client", sub.ID, "user", user.ID, "guest", user.Guest, "canEdit", access.CanEdit)
		return sub, state, nil
	}
}

// ApplyUpdate applies an update from sub and fans it out to the other subscribers of the session.
// Subscribers without edit access get PermissionDenied and nothing is applied.
func (s *Service) ApplyUpdate(ctx context.Context, sub *Subscriber, update []byte) (StateVector, error) {
	if !sub.CanEdit() {
		metrics.Updates.WithLabelValues("denied").Inc()
		return nil, newError(CodePermissionDenied, "apply update", sub.Note, nil)
	}
	session := sub.session
	var version StateVector
	var applyErr error
	if err := session.do(ctx, func() { version, applyErr = session.apply(sub, update) }); err != nil {
		return nil, err
	}
	return version, applyErr
}

func (s *Service) UpdatePresence(ctx context.Context, sub *Subscriber, meta PresenceMeta) error {
	session := sub.session
	var presenceErr error
	if err := session.do(ctx, func() { presenceErr = session.updatePresence(sub, meta) }); err != nil {
		return err
	}
	return presenceErr
}

// Leave removes sub from its session and drops any events still queued for it. Calling it more
// than once is harmless.
func (s *Service) Leave(sub *Subscriber) {
	sub.leaveOnce.Do(func() {
		sub.close(nil)
		s.store.Release(sub)
		s.log.Info("left", "note", sub.Note, "client", sub.ID, "user", sub.User.ID)
	})
}

// ForceDisconnect closes every subscriber of userID on note with reason. Guests match an empty
// userID. It returns how many subscribers were closed.
func (s *Service) ForceDisconnect(note NoteID, userID string, reason Code) int {
	session, ok := s.store.Lookup(note)
	if !ok {
		return 0
	}
	var n int
	_ = session.do(context.Background(), func() {
		for _, sub := range session.matching(userID, false) {
			if sub.closed() {
				continue
			}
			sub.close(newError(reason, "force disconnect", note, nil))
			n++
		}
	})
	if n > 0 {
		metrics.Disconnects.WithLabelValues(string(reason)).Add(float64(n))
		s.log.Info("force disconnected", "note", note, "user", userID, "reason", reason, "count", n)
	}
	return n
}

// Revalidate re-resolves the access of the subscribers affected by change. Subscribers that lost
// read access are disconnected; changed edit access is applied in place.
func (s *Service) Revalidate(ctx context.Context, change PermissionChange) {
	session, ok := s.store.Lookup(change.Note)
	if !ok {
		return
	}
	var subs []*Subscriber
	if err := session.do(ctx, func() { subs = session.matching(change.UserID, change.UserID == "") }); err != nil {
		return
	}

	checked := make(map[User]Access)
	for _, sub := range subs {
		access, seen := checked[sub.User]
		if !seen {
			var err error
			access, err = s.access(ctx, change.Note, sub.User)
			if errors.Is(err, ErrNoteNotFound) {
				s.ForceDisconnect(change.Note, sub.User.ID, CodeNoteNotFound)
				continue
			}
			if err != nil {
				s.log.Warn("failed to revalidate access", "note", change.Note, "user", sub.User.ID, "err", err)
				continue
			}
			checked[sub.User] = access
		}
		if !access.CanRead {
			s.ForceDisconnect(change.Note, sub.User.ID, CodePermissionDenied)
			continue
		}
		sub := sub
		_ = session.do(ctx, func() { session.setCanEdit(sub, access.CanEdit) })
	}
}

// WatchPermissions revalidates live subscribers on every permission change until ctx is done.
func (s *Service) WatchPermissions(ctx context.Context, events PermissionEvents) error {
	changes, err := events.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			s.Revalidate(ctx, change)
		}
	}
}

// Snapshot returns the serialized live document of note, or ok false when no session is live.
func (s *Service) Snapshot(ctx context.Context, note NoteID) (snapshot []byte, ok bool) {
	session, live := s.store.Lookup(note)
	if !live {
		return nil, false
	}
	if err := session.do(ctx, func() { snapshot = session.doc.Snapshot() }); err != nil {
		return nil, false
	}
	return snapshot, true
}

// Sessions lists the live sessions for diagnostics.
func (s *Service) Sessions(ctx context.Context) []SessionInfo {
	return s.store.List(ctx)
}
