// Package models defines the core domain entities: alert rules, trigger events,
// and notification tasks.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Condition identifies how a rule compares the observed price to its threshold.
type Condition string

const (
	// CondCrossUp triggers on the below→above edge of the threshold.
	CondCrossUp Condition = "cross_up"
	// CondCrossDown triggers on the above→below edge of the threshold.
	CondCrossDown Condition = "cross_down"
	// CondPriceGTE triggers on every tick the price is at or above the threshold.
	CondPriceGTE Condition = "price_gte"
	// CondPriceLTE triggers on every tick the price is at or below the threshold.
	CondPriceLTE Condition = "price_lte"
	// CondPctChangeUp triggers when the tick-over-tick percent change meets or
	// exceeds the threshold. The baseline rebases every evaluation, so this is a
	// per-interval delta, not a windowed measurement.
	CondPctChangeUp Condition = "pct_change_up"
	// CondPctChangeDown is the downward counterpart of CondPctChangeUp.
	CondPctChangeDown Condition = "pct_change_down"
)

// Valid reports whether c is one of the known condition kinds.
func (c Condition) Valid() bool {
	switch c {
	case CondCrossUp, CondCrossDown, CondPriceGTE, CondPriceLTE, CondPctChangeUp, CondPctChangeDown:
		return true
	}
	return false
}

// Rule bounds enforced at the boundary, never inside the engine.
const (
	MinIntervalSec     = 1
	MaxIntervalSec     = 3600
	DefaultCooldownSec = 300
	MinRepeatCount     = 1
	MaxRepeatCount     = 10
	MinSymbolLen       = 4
	MaxSymbolLen       = 10
)

// Rule is a user-defined price alert. The authoritative copy lives in storage;
// the engine holds a derived, possibly-stale copy refreshed only through
// Rebuild/ApplyChange.
type Rule struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	ChatID          string     `json:"chat_id"`
	Symbol          string     `json:"symbol"`
	Condition       Condition  `json:"condition"`
	Threshold       float64    `json:"threshold"`
	IntervalSec     int        `json:"interval_sec"`
	CooldownSec     int        `json:"cooldown_sec"`
	Enabled         bool       `json:"enabled"`
	RepeatCount     int        `json:"repeat_count"`
	State           State      `json:"state,omitempty"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NormalizeSymbol uppercases the symbol and checks the 4–10 alphanumeric shape.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if len(s) < MinSymbolLen || len(s) > MaxSymbolLen {
		return "", fmt.Errorf("symbol must be %d-%d characters, got %q", MinSymbolLen, MaxSymbolLen, symbol)
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("symbol must be alphanumeric, got %q", symbol)
		}
	}
	return s, nil
}

// Validate checks rule field constraints.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule ID must not be empty")
	}
	if r.OwnerID == "" {
		return errors.New("rule owner must not be empty")
	}
	if _, err := NormalizeSymbol(r.Symbol); err != nil {
		return err
	}
	if !r.Condition.Valid() {
		return fmt.Errorf("unknown condition kind %q", r.Condition)
	}
	if r.Threshold <= 0 {
		return errors.New("threshold must be positive")
	}
	if r.IntervalSec < MinIntervalSec || r.IntervalSec > MaxIntervalSec {
		return fmt.Errorf("interval must be between %d and %d seconds", MinIntervalSec, MaxIntervalSec)
	}
	if r.CooldownSec < 0 {
		return errors.New("cooldown must not be negative")
	}
	if r.RepeatCount < MinRepeatCount || r.RepeatCount > MaxRepeatCount {
		return fmt.Errorf("repeat count must be between %d and %d", MinRepeatCount, MaxRepeatCount)
	}
	if r.CreatedAt.After(r.UpdatedAt) {
		return errors.New("created at must be <= updated at")
	}
	return nil
}

// Cooldown returns the cooldown as a duration.
func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSec) * time.Second
}

// Interval returns the polling interval as a duration.
func (r *Rule) Interval() time.Duration {
	return time.Duration(r.IntervalSec) * time.Second
}
