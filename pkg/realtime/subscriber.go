package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrSlowConsumer closes a subscriber whose outbound queue overflowed.
var ErrSlowConsumer = errors.New("subscriber fell too far behind")

// ErrShutdown closes subscribers when the store shuts down.
var ErrShutdown = errors.New("server is shutting down")

type EventKind string

const (
	EventUpdate   EventKind = "update"
	EventAck      EventKind = "ack"
	EventPresence EventKind = "presence"
	EventLeave    EventKind = "leave"
	EventAccess   EventKind = "access"
)

// Event is delivered to a subscriber by its session.
type Event struct {
	Kind EventKind
	// From is the client id of the originator for update, presence and leave events.
	From    string
	Data    []byte
	Version StateVector
	Peer    *Peer
	CanEdit bool
}

// Subscriber is one client joined to a session. Events are read from Events until Done is
// closed; Err then tells why.
type Subscriber struct {
	ID       string
	Note     NoteID
	User     User
	JoinedAt time.Time

	session *Session
	canEdit atomic.Bool
	events  chan Event

	done      chan struct{}
	closeOnce sync.Once
	reason    error
	leaveOnce sync.Once
}

func newSubscriber(note NoteID, user User, canEdit bool, queue int, now time.Time) *Subscriber {
	s := &Subscriber{
		ID:       uuid.NewString(),
		Note:     note,
		User:     user,
		JoinedAt: now,
		events:   make(chan Event, queue),
		done:     make(chan struct{}),
	}
	s.canEdit.Store(canEdit)
	return s
}

func (s *Subscriber) CanEdit() bool {
	return s.canEdit.Load()
}

func (s *Subscriber) Events() <-chan Event {
	return s.events
}

func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Err returns why the subscriber was closed. It is nil while open and after a plain leave.
func (s *Subscriber) Err() error {
	select {
	case <-s.done:
		return s.reason
	default:
		return nil
	}
}

func (s *Subscriber) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close(reason error) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

// enqueue never blocks. It reports false when the subscriber is closed or had to be closed
// because its queue is full.
func (s *Subscriber) enqueue(ev Event) bool {
	if s.closed() {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		s.close(ErrSlowConsumer)
		return false
	}
}
