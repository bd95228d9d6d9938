// Package scheduler delivers delayed byte payloads to terminals.
// Fire and forget: the caller gets an accept, never a result.
package scheduler

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jarvisd/jarvisd/internal/common/logger"
)

// ErrStopped is returned when a job is submitted after shutdown.
var ErrStopped = errors.New("scheduler stopped")

// submitSettleDelay separates the payload write from the carriage
// return that submits it, matching the paste-then-submit idiom.
const submitSettleDelay = time.Second

// Writer is the terminal write surface the scheduler delivers to.
// A failed write means the terminal is gone; the job is dropped.
type Writer interface {
	Write(terminalID string, data []byte) error
}

type job struct {
	dueAt   time.Time
	payload []byte
}

// Scheduler runs one worker per terminal. Jobs for a terminal are
// delivered strictly in submission order; a long-delay job therefore
// holds back later short-delay jobs on the same terminal.
type Scheduler struct {
	writer Writer
	logger *logger.Logger

	queues map[string]chan job
	mu     sync.Mutex

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New creates a scheduler delivering through the given writer.
func New(writer Writer, log *logger.Logger) *Scheduler {
	return &Scheduler{
		writer: writer,
		logger: log.WithFields(zap.String("component", "scheduler")),
		queues: make(map[string]chan job),
		stopCh: make(chan struct{}),
	}
}

// Schedule accepts a job for delivery at now+delay. Returns before
// delivery; there is no cancellation. If the terminal dies first the
// write fails harmlessly.
func (s *Scheduler) Schedule(terminalID string, delay time.Duration, payload []byte) error {
	if terminalID == "" {
		return errors.New("terminal id required")
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	queue, ok := s.queues[terminalID]
	if !ok {
		queue = make(chan job, 256)
		s.queues[terminalID] = queue
		s.wg.Add(1)
		go s.runWorker(terminalID, queue)
	}
	s.mu.Unlock()

	select {
	case queue <- job{dueAt: time.Now().Add(delay), payload: payload}:
		s.logger.Debug("job scheduled",
			zap.String("terminal_id", terminalID),
			zap.Duration("delay", delay),
			zap.Int("payload_len", len(payload)))
		return nil
	default:
		return errors.New("scheduler queue full")
	}
}

// Stop drops pending jobs and waits for in-flight deliveries.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) runWorker(terminalID string, queue chan job) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case j := <-queue:
			if !s.waitUntil(j.dueAt) {
				return
			}
			s.deliver(terminalID, j.payload)
		}
	}
}

// waitUntil sleeps until the due time, returning false on shutdown.
func (s *Scheduler) waitUntil(dueAt time.Time) bool {
	wait := time.Until(dueAt)
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// deliver writes the payload, lets the paste settle, then submits with
// a carriage return. Failures are logged and dropped, never retried.
func (s *Scheduler) deliver(terminalID string, payload []byte) {
	if err := s.writer.Write(terminalID, payload); err != nil {
		s.logger.Warn("scheduled write dropped",
			zap.String("terminal_id", terminalID), zap.Error(err))
		return
	}

	if !s.waitUntil(time.Now().Add(submitSettleDelay)) {
		return
	}
	if err := s.writer.Write(terminalID, []byte("\r")); err != nil {
		s.logger.Warn("scheduled submit dropped",
			zap.String("terminal_id", terminalID), zap.Error(err))
	}
}
