package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pricewatch/internal/models"
)

// fakeClock backs the queue's injectable now/sleep so retry and spacing tests
// run instantly and deterministically.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// fakeSink fails the first failures sends, then succeeds, recording the send
// time of every attempt.
type fakeSink struct {
	mu       sync.Mutex
	failures int
	sends    []time.Time
	sentIDs  []string
	clock    *fakeClock
	gate     chan struct{}
	active   int
	maxSeen  int
}

func (s *fakeSink) Send(task models.Task) error {
	s.mu.Lock()
	s.active++
	if s.active > s.maxSeen {
		s.maxSeen = s.active
	}
	s.sends = append(s.sends, s.clock.now())
	s.sentIDs = append(s.sentIDs, task.EventID)
	n := len(s.sends)
	s.mu.Unlock()

	if s.gate != nil {
		<-s.gate
	}

	s.mu.Lock()
	s.active--
	failed := n <= s.failures
	s.mu.Unlock()
	if failed {
		return errors.New("telegram: 502 bad gateway")
	}
	return nil
}

type statusWrite struct {
	eventID string
	status  models.NotifyStatus
	errMsg  string
}

type fakeEvents struct {
	mu     sync.Mutex
	writes []statusWrite
}

func (f *fakeEvents) UpdateEventStatus(_ context.Context, id string, status models.NotifyStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, statusWrite{eventID: id, status: status, errMsg: errMsg})
	return nil
}

func (f *fakeEvents) recorded() []statusWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]statusWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func testTask(eventID string) models.Task {
	return models.Task{
		EventID:   eventID,
		RuleID:    "r1",
		Symbol:    "BTCUSDT",
		Condition: models.CondPriceGTE,
		Threshold: 50000,
		Price:     50100,
		Reason:    "BTCUSDT price 50100 >= threshold 50000",
		ChatID:    "12345",
	}
}

func newTestQueue(sink *fakeSink, events *fakeEvents, cfg Config, clock *fakeClock) *Queue {
	q := New(sink, events, cfg)
	q.now = clock.now
	q.sleep = clock.sleep
	return q
}

func TestDeliver_SuccessFirstAttempt(t *testing.T) {
	clock := newFakeClock()
	sink := &fakeSink{clock: clock}
	events := &fakeEvents{}
	q := newTestQueue(sink, events, DefaultConfig(), clock)

	q.Enqueue(testTask("ev-1"))
	q.Wait()

	if len(sink.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sink.sends))
	}
	writes := events.recorded()
	if len(writes) != 1 {
		t.Fatalf("status writes = %d, want 1", len(writes))
	}
	if writes[0].status != models.NotifySuccess || writes[0].errMsg != "" {
		t.Errorf("status = %s err=%q, want success with no error", writes[0].status, writes[0].errMsg)
	}
}

func TestDeliver_RetriesThenSucceeds(t *testing.T) {
	clock := newFakeClock()
	sink := &fakeSink{clock: clock, failures: 2}
	events := &fakeEvents{}
	cfg := Config{MaxAttempts: 3, Backoff: []time.Duration{2 * time.Second, 5 * time.Second, 15 * time.Second}}
	q := newTestQueue(sink, events, cfg, clock)

	q.Enqueue(testTask("ev-1"))
	q.Wait()

	if len(sink.sends) != 3 {
		t.Fatalf("sends = %d, want 3", len(sink.sends))
	}
	writes := events.recorded()
	if len(writes) != 1 || writes[0].status != models.NotifySuccess {
		t.Fatalf("writes = %+v, want one success", writes)
	}
	// Attempts 1 and 2 failed, so the first two backoff entries were slept.
	sleeps := clock.recorded()
	if len(sleeps) != 2 || sleeps[0] != 2*time.Second || sleeps[1] != 5*time.Second {
		t.Errorf("sleeps = %v, want [2s 5s]", sleeps)
	}
}

func TestDeliver_ExhaustedAttemptsMarkFailedWithLastError(t *testing.T) {
	clock := newFakeClock()
	sink := &fakeSink{clock: clock, failures: 10}
	events := &fakeEvents{}
	cfg := Config{MaxAttempts: 3, Backoff: []time.Duration{time.Second}}
	q := newTestQueue(sink, events, cfg, clock)

	q.Enqueue(testTask("ev-1"))
	q.Wait()

	if len(sink.sends) != 3 {
		t.Fatalf("sends = %d, want 3", len(sink.sends))
	}
	writes := events.recorded()
	if len(writes) != 1 {
		t.Fatalf("status writes = %d, want 1", len(writes))
	}
	if writes[0].status != models.NotifyFailed {
		t.Errorf("status = %s, want failed", writes[0].status)
	}
	if writes[0].errMsg != "telegram: 502 bad gateway" {
		t.Errorf("errMsg = %q", writes[0].errMsg)
	}
}

func TestBackoff_LastEntryRepeatsPastSchedule(t *testing.T) {
	clock := newFakeClock()
	sink := &fakeSink{clock: clock, failures: 10}
	events := &fakeEvents{}
	cfg := Config{MaxAttempts: 4, Backoff: []time.Duration{time.Second, 2 * time.Second}}
	q := newTestQueue(sink, events, cfg, clock)

	q.Enqueue(testTask("ev-1"))
	q.Wait()

	sleeps := clock.recorded()
	want := []time.Duration{time.Second, 2 * time.Second, 2 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, sleeps[i], want[i])
		}
	}
}

func TestDeliver_WaitsForNotBefore(t *testing.T) {
	clock := newFakeClock()
	sink := &fakeSink{clock: clock}
	events := &fakeEvents{}
	q := newTestQueue(sink, events, DefaultConfig(), clock)

	task := testTask("ev-1")
	task.NotBefore = clock.now().Add(6 * time.Second)
	q.Enqueue(task)
	q.Wait()

	sleeps := clock.recorded()
	if len(sleeps) == 0 || sleeps[0] != 6*time.Second {
		t.Errorf("sleeps = %v, want NotBefore wait of 6s first", sleeps)
	}
	if !sink.sends[0].Equal(task.NotBefore) {
		t.Errorf("sent at %v, want %v", sink.sends[0], task.NotBefore)
	}
}

func TestDeliver_GlobalMinSendGap(t *testing.T) {
	clock := newFakeClock()
	sink := &fakeSink{clock: clock}
	events := &fakeEvents{}
	cfg := Config{MaxAttempts: 1, Backoff: []time.Duration{time.Second}, MinSendGap: 1100 * time.Millisecond}
	q := newTestQueue(sink, events, cfg, clock)

	q.Enqueue(testTask("ev-1"))
	q.Enqueue(testTask("ev-2"))
	q.Enqueue(testTask("ev-3"))
	q.Wait()

	if len(sink.sends) != 3 {
		t.Fatalf("sends = %d, want 3", len(sink.sends))
	}
	for i := 1; i < len(sink.sends); i++ {
		gap := sink.sends[i].Sub(sink.sends[i-1])
		if gap < cfg.MinSendGap {
			t.Errorf("gap between send %d and %d = %v, want >= %v", i-1, i, gap, cfg.MinSendGap)
		}
	}
}

func TestDrain_ReleasedTaskNotBlockedByPendingRelease(t *testing.T) {
	clock := newFakeClock()
	sink := &fakeSink{clock: clock}
	events := &fakeEvents{}
	q := newTestQueue(sink, events, DefaultConfig(), clock)

	base := clock.now()
	held := testTask("ev-held")
	held.NotBefore = base.Add(30 * time.Second)
	ready := testTask("ev-ready")

	// Seed both tasks before the consumer starts so the pop order is what is
	// under test, not the enqueue/drain interleaving.
	q.mu.Lock()
	q.tasks = append(q.tasks, held, ready)
	q.wg.Add(2)
	q.draining = true
	q.mu.Unlock()
	go q.drain()
	q.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.sentIDs) != 2 {
		t.Fatalf("sends = %d, want 2", len(sink.sentIDs))
	}
	if sink.sentIDs[0] != "ev-ready" || sink.sentIDs[1] != "ev-held" {
		t.Fatalf("send order = %v, want ready before held", sink.sentIDs)
	}
	if !sink.sends[0].Equal(base) {
		t.Errorf("released task sent at %v, want immediately at %v", sink.sends[0], base)
	}
	if !sink.sends[1].Equal(held.NotBefore) {
		t.Errorf("held task sent at %v, want its release time %v", sink.sends[1], held.NotBefore)
	}
}

func TestQueue_SingleConsumer(t *testing.T) {
	clock := newFakeClock()
	gate := make(chan struct{})
	sink := &fakeSink{clock: clock, gate: gate}
	events := &fakeEvents{}
	q := newTestQueue(sink, events, DefaultConfig(), clock)

	// First task blocks inside Send; enqueuing more must not start a second
	// consumer.
	q.Enqueue(testTask("ev-1"))
	q.Enqueue(testTask("ev-2"))
	q.Enqueue(testTask("ev-3"))

	for i := 0; i < 3; i++ {
		gate <- struct{}{}
	}
	q.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.maxSeen != 1 {
		t.Errorf("max concurrent sends = %d, want 1", sink.maxSeen)
	}
	if len(sink.sends) != 3 {
		t.Errorf("sends = %d, want 3", len(sink.sends))
	}
}

func TestQueue_DrainRestartsAfterIdle(t *testing.T) {
	clock := newFakeClock()
	sink := &fakeSink{clock: clock}
	events := &fakeEvents{}
	q := newTestQueue(sink, events, DefaultConfig(), clock)

	q.Enqueue(testTask("ev-1"))
	q.Wait()
	q.Enqueue(testTask("ev-2"))
	q.Wait()

	if len(sink.sends) != 2 {
		t.Errorf("sends = %d, want 2", len(sink.sends))
	}
	writes := events.recorded()
	if len(writes) != 2 {
		t.Errorf("status writes = %d, want 2", len(writes))
	}
}
