package engine

import (
	"context"
	"fmt"
	"time"

	"pricewatch/internal/logger"
	"pricewatch/internal/models"
)

// Action describes how a stored rule changed.
type Action string

const (
	ActionUpsert Action = "upsert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// groupKey identifies the set of rules sharing one price fetch.
type groupKey struct {
	Symbol      string
	IntervalSec int
}

func (k groupKey) String() string {
	return fmt.Sprintf("%s/%ds", k.Symbol, k.IntervalSec)
}

// group is a (symbol, interval) pair plus the rules sharing it and its next
// scheduled tick. Owned exclusively by the engine; mutated only under e.mu.
type group struct {
	key       groupKey
	ruleIDs   map[string]struct{}
	nextRunAt time.Time
}

// Rebuild discards all derived structures and reconstructs them from a full
// read of enabled rules in the store. Newly built groups first run one
// interval out, so a rebuild never stampedes the price provider.
func (e *Engine) Rebuild(ctx context.Context) error {
	rules, err := e.store.ListEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list enabled rules: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.byID = make(map[string]*models.Rule)
	e.bySymbol = make(map[string]map[string]struct{})
	e.groups = make(map[groupKey]*group)

	now := e.now()
	for i := range rules {
		e.insertLocked(&rules[i], now)
	}

	logger.Info("Rebuilt indexes: %d rules in %d groups", len(e.byID), len(e.groups))
	return nil
}

// ApplyChange incrementally reconciles the derived structures for one rule.
// Upsert and update both mean "make the indexes match this rule"; delete
// removes the rule outright.
func (e *Engine) ApplyChange(action Action, rule *models.Rule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("change requires a rule with an id")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch action {
	case ActionDelete:
		e.removeLocked(rule.ID)
	case ActionUpsert, ActionUpdate:
		if !rule.Enabled {
			e.removeLocked(rule.ID)
			return nil
		}
		now := e.now()
		if old, ok := e.byID[rule.ID]; ok {
			oldKey := groupKey{Symbol: old.Symbol, IntervalSec: old.IntervalSec}
			newKey := groupKey{Symbol: rule.Symbol, IntervalSec: rule.IntervalSec}
			if oldKey != newKey {
				e.removeLocked(rule.ID)
				e.insertLocked(rule, now)
			} else {
				// Same group: refresh the indexed copy in place.
				cp := *rule
				e.byID[rule.ID] = &cp
			}
		} else {
			e.insertLocked(rule, now)
		}
	default:
		return fmt.Errorf("unknown change action %q", action)
	}
	return nil
}

// insertLocked adds a rule to every derived structure, creating its group
// lazily with the first run scheduled a full interval out. Caller holds e.mu.
func (e *Engine) insertLocked(rule *models.Rule, now time.Time) {
	cp := *rule
	e.byID[cp.ID] = &cp

	if e.bySymbol[cp.Symbol] == nil {
		e.bySymbol[cp.Symbol] = make(map[string]struct{})
	}
	e.bySymbol[cp.Symbol][cp.ID] = struct{}{}

	key := groupKey{Symbol: cp.Symbol, IntervalSec: cp.IntervalSec}
	g, ok := e.groups[key]
	if !ok {
		g = &group{
			key:       key,
			ruleIDs:   make(map[string]struct{}),
			nextRunAt: now.Add(cp.Interval()),
		}
		e.groups[key] = g
		logger.Debug("Created group %s, first run at %s", key, g.nextRunAt.Format(time.RFC3339))
	}
	g.ruleIDs[cp.ID] = struct{}{}
}

// removeLocked drops a rule from every derived structure, deleting its group
// if it becomes empty. Unknown ids are a no-op. Caller holds e.mu.
func (e *Engine) removeLocked(id string) {
	old, ok := e.byID[id]
	if !ok {
		return
	}
	delete(e.byID, id)

	if ids := e.bySymbol[old.Symbol]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(e.bySymbol, old.Symbol)
		}
	}

	key := groupKey{Symbol: old.Symbol, IntervalSec: old.IntervalSec}
	if g, ok := e.groups[key]; ok {
		delete(g.ruleIDs, id)
		if len(g.ruleIDs) == 0 {
			delete(e.groups, key)
			logger.Debug("Removed empty group %s", key)
		}
	}
}
