package realtime

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/notesync/pkg/metrics"
)

type flushJob struct {
	session  *Session
	deadline time.Time
	index    int
}

type jobHeap []*flushJob

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	job := x.(*flushJob)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*h = old[:n-1]
	return job
}

// Scheduler persists dirty sessions. Pending flushes live in a single deadline heap served by one
// goroutine, so there is no timer per note.
type Scheduler struct {
	revisions Revisions
	cfg       Config
	log       *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	jobs  jobHeap
	index map[*Session]*flushJob
	wake  chan struct{}

	// locks serialises flushes of the same session.
	locks sync.Map
	wg    sync.WaitGroup
}

func NewScheduler(revisions Revisions, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		revisions: revisions,
		cfg:       cfg,
		log:       logger,
		now:       time.Now,
		index:     make(map[*Session]*flushJob),
		wake:      make(chan struct{}, 1),
	}
}

// Schedule arms a flush of s after delay. A session that already has a pending flush keeps its
// earlier deadline, so a burst of edits produces one flush.
func (sc *Scheduler) Schedule(s *Session, delay time.Duration) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if _, ok := sc.index[s]; ok {
		return
	}
	job := &flushJob{session: s, deadline: sc.now().Add(delay)}
	heap.Push(&sc.jobs, job)
	sc.index[s] = job
	sc.signal()
}

// Cancel drops the pending flush of s, if any.
func (sc *Scheduler) Cancel(s *Session) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if job, ok := sc.index[s]; ok {
		heap.Remove(&sc.jobs, job.index)
		delete(sc.index, s)
	}
}

// Pending reports whether s has a flush waiting in the heap.
func (sc *Scheduler) Pending(s *Session) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, ok := sc.index[s]
	return ok
}

func (sc *Scheduler) signal() {
	select {
	case sc.wake <- struct{}{}:
	default:
	}
}

// Run serves the heap until ctx is done and then waits for in-flight flushes.
func (sc *Scheduler) Run(ctx context.Context) {
	defer sc.wg.Wait()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		due, wait := sc.popDue()
		for _, job := range due {
			sc.wg.Add(1)
			go func(s *Session) {
				defer sc.wg.Done()
				if err := sc.FlushNow(ctx, s); err != nil {
					sc.log.Error("failed to persist note, will retry", "note", s.note, "err", err)
				}
			}(job.session)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-sc.wake:
		case <-timer.C:
		}
	}
}

func (sc *Scheduler) popDue() ([]*flushJob, time.Duration) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	now := sc.now()
	var due []*flushJob
	for sc.jobs.Len() > 0 {
		next := sc.jobs[0]
		if next.deadline.After(now) {
			return due, next.deadline.Sub(now)
		}
		heap.Pop(&sc.jobs)
		delete(sc.index, next.session)
		due = append(due, next)
	}
	return due, time.Hour
}

func (sc *Scheduler) lockFor(s *Session) *sync.Mutex {
	l, _ := sc.locks.LoadOrStore(s, new(sync.Mutex))
	return l.(*sync.Mutex)
}

// Forget releases per session bookkeeping once a session is gone.
func (sc *Scheduler) Forget(s *Session) {
	sc.Cancel(s)
	sc.locks.Delete(s)
}

// FlushNow persists s immediately, bypassing the debounce. It is a no-op when the document has not
// changed since the last persisted revision. On failure the session re-arms a regular flush.
func (sc *Scheduler) FlushNow(ctx context.Context, s *Session) error {
	l := sc.lockFor(s)
	l.Lock()
	defer l.Unlock()
	sc.Cancel(s)

	var (
		rev   Revision
		dirty bool
		err   error
	)
	if doErr := s.do(ctx, func() { rev, dirty, err = s.beginFlush() }); doErr != nil {
		return doErr
	}
	if err != nil {
		if doErr := s.do(context.Background(), func() { s.endFlush(rev, err) }); doErr != nil {
			sc.log.Warn("session stopped during flush", "note", s.note)
		}
		metrics.Flushes.WithLabelValues("failed").Inc()
		return newError(CodePersistenceFailure, "snapshot", s.note, err)
	}
	if !dirty {
		metrics.Flushes.WithLabelValues("skipped").Inc()
		return nil
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sc.cfg.FlushTimeout)
	defer cancel()
	started := time.Now()
	id, saveErr := sc.revisions.SaveRevision(saveCtx, s.note, rev)
	metrics.FlushDuration.Observe(time.Since(started).Seconds())

	// The outcome must reach the session even if ctx is already done.
	if doErr := s.do(context.Background(), func() { s.endFlush(rev, saveErr) }); doErr != nil {
		sc.log.Warn("session stopped during flush", "note", s.note)
	}
	if saveErr != nil {
		metrics.Flushes.WithLabelValues("failed").Inc()
		return newError(CodePersistenceFailure, "save revision", s.note, saveErr)
	}
	metrics.Flushes.WithLabelValues("saved").Inc()
	sc.log.Info("persisted note", "note", s.note, "revision", id, "version", rev.Version.String())
	return nil
}
