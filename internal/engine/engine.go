// Package engine implements the alert monitoring core: the (symbol, interval)
// group index, the scheduler loop that drives group ticks, and the pure
// condition evaluator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricewatch/internal/logger"
	"pricewatch/internal/models"
)

// RuleStore is the slice of the authoritative store the engine consumes. The
// engine never queries a rule by id mid-tick; it trusts its own indexes,
// refreshed only via Rebuild and ApplyChange.
type RuleStore interface {
	ListEnabledRules(ctx context.Context) ([]models.Rule, error)
	UpdateRuleState(ctx context.Context, id string, state models.State, lastTriggeredAt *time.Time) error
	CreateEvent(ctx context.Context, event *models.Event) (string, error)
}

// PriceProvider returns a current price for a symbol. It may serve short-term
// cached data and fails only when it has nothing at all to serve.
type PriceProvider interface {
	SpotPrice(ctx context.Context, symbol string) (models.Quote, error)
}

// TaskQueue accepts notification tasks for delivery. Ownership of a task
// transfers to the queue at enqueue time.
type TaskQueue interface {
	Enqueue(task models.Task)
}

// Config tunes the scheduler.
type Config struct {
	ScanInterval  time.Duration
	RepeatSpacing time.Duration
}

func DefaultConfig() Config {
	return Config{
		ScanInterval:  200 * time.Millisecond,
		RepeatSpacing: 3 * time.Second,
	}
}

// Status is a snapshot of the engine's derived state.
type Status struct {
	RuleCount  int
	GroupCount int
	Running    bool
}

// Engine owns all derived monitoring state. Instances are independent;
// nothing is shared through package-level variables.
type Engine struct {
	store    RuleStore
	provider PriceProvider
	queue    TaskQueue
	cfg      Config
	now      func() time.Time

	mu       sync.Mutex
	byID     map[string]*models.Rule
	bySymbol map[string]map[string]struct{}
	groups   map[groupKey]*group
	running  bool
	cancel   context.CancelFunc
	// tickCtx outlives the loop context: Stop cancels scheduling of new
	// ticks but lets in-flight group ticks run to completion.
	tickCtx context.Context

	wg sync.WaitGroup
}

// New creates an engine with empty indexes. Call Start (or Rebuild) to load
// rules from the store.
func New(store RuleStore, provider PriceProvider, queue TaskQueue, cfg Config) *Engine {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultConfig().ScanInterval
	}
	if cfg.RepeatSpacing <= 0 {
		cfg.RepeatSpacing = DefaultConfig().RepeatSpacing
	}
	return &Engine{
		store:    store,
		provider: provider,
		queue:    queue,
		cfg:      cfg,
		now:      time.Now,
		byID:     make(map[string]*models.Rule),
		bySymbol: make(map[string]map[string]struct{}),
		groups:   make(map[groupKey]*group),
	}
}

// Start transitions Stopped→Running: a full rebuild, then the scan cadence.
// The transition is claimed before the rebuild runs, under the same lock as
// the running check, so two concurrent Start calls can never both spawn a
// scan loop.
func (e *Engine) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		cancel()
		return errors.New("engine already running")
	}
	e.running = true
	e.cancel = cancel
	e.tickCtx = ctx
	e.mu.Unlock()

	if err := e.Rebuild(ctx); err != nil {
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
		cancel()
		return err
	}

	e.wg.Add(1)
	go e.loop(loopCtx)

	logger.Info("Engine started (scan interval %v)", e.cfg.ScanInterval)
	return nil
}

// Stop transitions Running→Stopped. Pending ticks are cancelled; group ticks
// and deliveries already in flight run to completion. Derived state is kept,
// so a restart without rebuild is cheap.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return errors.New("engine not running")
	}
	e.running = false
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	logger.Info("Engine stopped")
	return nil
}

// Status reports rule/group counts and whether the scheduler is running.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		RuleCount:  len(e.byID),
		GroupCount: len(e.groups),
		Running:    e.running,
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			tickCtx := e.tickCtx
			e.mu.Unlock()
			e.runDue(tickCtx, e.now())
		}
	}
}

// dispatch is the work for one due group, snapshotted under the lock so the
// tick itself runs without holding it.
type dispatch struct {
	key   groupKey
	rules []models.Rule
}

// runDue scans all groups once and hands every due group to its own tick
// goroutine. One group's slow fetch or evaluator never delays another group.
// nextRunAt advances by the interval relative to scan time before dispatch,
// so a failing group cannot hot-loop.
func (e *Engine) runDue(ctx context.Context, now time.Time) {
	e.mu.Lock()
	var due []dispatch
	for key, g := range e.groups {
		if g.nextRunAt.After(now) {
			continue
		}
		d := dispatch{key: key, rules: make([]models.Rule, 0, len(g.ruleIDs))}
		for id := range g.ruleIDs {
			r, ok := e.byID[id]
			if !ok {
				// Indexes claim a rule the id map does not have: logic bug.
				// Self-heal by dropping the dangling reference.
				logger.Error("Group %s references missing rule %s, dropping it", key, id)
				delete(g.ruleIDs, id)
				continue
			}
			d.rules = append(d.rules, *r)
		}
		if len(d.rules) == 0 {
			delete(e.groups, key)
			continue
		}
		g.nextRunAt = now.Add(time.Duration(key.IntervalSec) * time.Second)
		due = append(due, d)
	}
	e.mu.Unlock()

	for _, d := range due {
		e.wg.Add(1)
		go func(d dispatch) {
			defer e.wg.Done()
			e.tickGroup(ctx, d, now)
		}(d)
	}
}

// tickGroup fetches one price for the group and evaluates every rule in it.
// A fetch failure skips the whole group for this cycle: no state is touched,
// no event recorded.
func (e *Engine) tickGroup(ctx context.Context, d dispatch, now time.Time) {
	quote, err := e.provider.SpotPrice(ctx, d.key.Symbol)
	if err != nil {
		logger.Warn("Price fetch failed for group %s, skipping cycle: %v", d.key, err)
		return
	}

	for i := range d.rules {
		res := Evaluate(d.rules[i], now, quote.Price)
		e.commit(ctx, d.rules[i], res, quote, now)
	}
}

// commit applies one evaluation outcome: updates the indexed copy, persists
// the evaluator state (every tick, so stateful kinds survive restarts), and
// on trigger records an event and enqueues the notification tasks.
func (e *Engine) commit(ctx context.Context, rule models.Rule, res Result, quote models.Quote, now time.Time) {
	var triggeredAt *time.Time

	e.mu.Lock()
	live, ok := e.byID[rule.ID]
	if !ok {
		// Rule disabled or deleted while the tick was in flight.
		e.mu.Unlock()
		return
	}
	live.State = res.State
	if res.Triggered {
		t := now
		live.LastTriggeredAt = &t
		triggeredAt = &t
	}
	chatID := live.ChatID
	repeat := live.RepeatCount
	e.mu.Unlock()

	if err := e.store.UpdateRuleState(ctx, rule.ID, res.State, triggeredAt); err != nil {
		logger.Error("Failed to persist state for rule %s: %v", rule.ID, err)
	}

	if !res.Triggered {
		return
	}

	event := &models.Event{
		ID:           uuid.NewString(),
		RuleID:       rule.ID,
		Symbol:       rule.Symbol,
		Condition:    rule.Condition,
		Threshold:    rule.Threshold,
		Price:        quote.Price,
		Reason:       res.Reason,
		NotifyStatus: models.NotifyQueued,
		CreatedAt:    now,
	}
	eventID, err := e.store.CreateEvent(ctx, event)
	if err != nil {
		// Without an event record there is nowhere to report delivery status.
		logger.Error("Failed to record event for rule %s: %v", rule.ID, err)
		return
	}

	logger.Info("Rule %s triggered: %s", rule.ID, res.Reason)

	for i := 1; i <= repeat; i++ {
		e.queue.Enqueue(models.Task{
			EventID:     eventID,
			RuleID:      rule.ID,
			Symbol:      rule.Symbol,
			Condition:   rule.Condition,
			Threshold:   rule.Threshold,
			Price:       quote.Price,
			Reason:      formatRepeatReason(res.Reason, i, repeat),
			ChatID:      chatID,
			TriggeredAt: now,
			NotBefore:   now.Add(time.Duration(i-1) * e.cfg.RepeatSpacing),
		})
	}
}

func formatRepeatReason(reason string, i, n int) string {
	if n <= 1 {
		return reason
	}
	return fmt.Sprintf("%s (%d/%d)", reason, i, n)
}
