// Package delivery turns queued notification tasks into outbound sends with
// retry, backoff, and global rate limiting.
package delivery

import (
	"context"
	"sync"
	"time"

	"pricewatch/internal/logger"
	"pricewatch/internal/models"
)

// Sink sends one rendered notification. Any non-nil error is treated as
// retryable; the queue owns the retry policy.
type Sink interface {
	Send(task models.Task) error
}

// EventStore records the terminal delivery outcome on the event a task
// references.
type EventStore interface {
	UpdateEventStatus(ctx context.Context, id string, status models.NotifyStatus, errMsg string) error
}

// Config tunes retry and spacing behavior.
type Config struct {
	MaxAttempts int
	// Backoff delays per attempt; the last entry repeats for any attempt
	// beyond the schedule's length.
	Backoff    []time.Duration
	MinSendGap time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff:     []time.Duration{2 * time.Second, 5 * time.Second, 15 * time.Second},
		MinSendGap:  1100 * time.Millisecond,
	}
}

// Queue holds notification tasks drained by a single logical consumer.
// Released tasks go out in enqueue order; a task held back by its NotBefore
// does not block released ones. Enqueuing while a drain is in progress only
// appends; no second consumer is ever started.
type Queue struct {
	sink   Sink
	events EventStore
	cfg    Config

	mu         sync.Mutex
	tasks      []models.Task
	draining   bool
	lastSentAt time.Time

	now   func() time.Time
	sleep func(time.Duration)
	wg    sync.WaitGroup
}

// New creates a queue. Tasks flow only after the first Enqueue.
func New(sink Sink, events EventStore, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	return &Queue{
		sink:   sink,
		events: events,
		cfg:    cfg,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Enqueue appends a task and makes sure exactly one drain loop is running.
// Ownership of the task transfers to the queue.
func (q *Queue) Enqueue(task models.Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.wg.Add(1)
	start := !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

// Wait blocks until every enqueued task has reached a terminal state. Used at
// shutdown so in-flight deliveries run to completion.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// drain pops released tasks in enqueue order. A task whose NotBefore is still
// in the future never holds up a released one behind it; when nothing is
// released the consumer sleeps only until the soonest release.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		now := q.now()
		idx := -1
		for i := range q.tasks {
			if !q.tasks[i].NotBefore.After(now) {
				idx = i
				break
			}
		}
		if idx < 0 {
			wake := q.tasks[0].NotBefore
			for _, t := range q.tasks[1:] {
				if t.NotBefore.Before(wake) {
					wake = t.NotBefore
				}
			}
			q.mu.Unlock()
			q.sleep(wake.Sub(now))
			continue
		}
		task := q.tasks[idx]
		q.tasks = append(q.tasks[:idx], q.tasks[idx+1:]...)
		q.mu.Unlock()

		q.deliver(task)
		q.wg.Done()
	}
}

// deliver runs one released task to a terminal state: success on the first
// send that goes through, failed once every attempt is exhausted. Every
// terminal state is recorded on the task's event; no task is dropped silently.
func (q *Queue) deliver(task models.Task) {
	var lastErr error
	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		// Global spacing: pad the gap to the previous send.
		q.mu.Lock()
		gap := q.cfg.MinSendGap - q.now().Sub(q.lastSentAt)
		q.mu.Unlock()
		if gap > 0 {
			q.sleep(gap)
		}

		err := q.sink.Send(task)

		q.mu.Lock()
		q.lastSentAt = q.now()
		q.mu.Unlock()

		if err == nil {
			q.markStatus(task, models.NotifySuccess, "")
			return
		}
		lastErr = err
		logger.Warn("Delivery attempt %d/%d failed for event %s: %v",
			attempt, q.cfg.MaxAttempts, task.EventID, err)

		if attempt < q.cfg.MaxAttempts {
			q.sleep(q.backoffFor(attempt))
		}
	}

	q.markStatus(task, models.NotifyFailed, lastErr.Error())
}

// backoffFor returns the delay after the given (1-based) failed attempt; the
// schedule's last entry repeats past its end.
func (q *Queue) backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(q.cfg.Backoff) {
		idx = len(q.cfg.Backoff) - 1
	}
	return q.cfg.Backoff[idx]
}

func (q *Queue) markStatus(task models.Task, status models.NotifyStatus, errMsg string) {
	if err := q.events.UpdateEventStatus(context.Background(), task.EventID, status, errMsg); err != nil {
		logger.Error("Failed to record %s status for event %s: %v", status, task.EventID, err)
	}
}
