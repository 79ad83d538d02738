// Package flush serializes snapshot writes of a database to its backing file.
package flush

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Sync once the scheduler has been drained.
var ErrClosed = errors.New("flush scheduler is closed")

// Func writes one full snapshot. It is never called concurrently with itself.
type Func func(ctx context.Context) error

// Scheduler runs flushes one at a time, in request order, on a single
// goroutine. Requests that arrive while a flush is already pending coalesce
// into it: the pending flush will observe all state written before it starts.
type Scheduler struct {
	flush  Func
	logger *slog.Logger

	kick chan struct{}
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	requested uint64 // generation of the newest request
	completed uint64 // newest generation covered by a finished flush
	lastErr   error
	changed   chan struct{}
}

// NewScheduler starts the flush goroutine.
func NewScheduler(flush Func, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		flush:   flush,
		logger:  logger.With("component", "flush"),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		changed: make(chan struct{}),
	}
	go s.run()
	return s
}

// Request schedules a flush and returns immediately.
func (s *Scheduler) Request() {
	s.request()
}

func (s *Scheduler) request() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false
	}
	s.requested++
	select {
	case s.kick <- struct{}{}:
	default:
		// A flush is already pending and will pick this request up.
	}
	return s.requested, true
}

// Sync requests a flush and waits until a flush that started after the call
// has finished. It returns that flush's error.
func (s *Scheduler) Sync(ctx context.Context) error {
	gen, ok := s.request()
	if !ok {
		return ErrClosed
	}
	for {
		s.mu.Lock()
		if s.completed >= gen {
			err := s.lastErr
			s.mu.Unlock()
			return err
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-s.done:
			s.mu.Lock()
			covered, err := s.completed >= gen, s.lastErr
			s.mu.Unlock()
			if covered {
				return err
			}
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Drain stops accepting requests and waits for the last scheduled flush.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.kick)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	for range s.kick {
		s.mu.Lock()
		gen := s.requested
		s.mu.Unlock()

		// Flushes are never cancelled half way: a torn snapshot is worse than
		// a late one.
		err := s.flush(context.Background())
		if err != nil {
			s.logger.Error("snapshot flush failed", "err", err)
		}

		s.mu.Lock()
		s.completed = gen
		s.lastErr = err
		close(s.changed)
		s.changed = make(chan struct{})
		s.mu.Unlock()
	}
}
