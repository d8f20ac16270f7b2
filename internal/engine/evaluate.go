package engine

import (
	"fmt"
	"strconv"
	"time"

	"pricewatch/internal/models"
)

// Evaluator state keys. Only the evaluator reads or writes these.
const (
	stateKeyAbove    = "above"    // cross_*: last observed side of the threshold
	stateKeyBaseline = "baseline" // pct_change_*: previous evaluation's price
)

// Result is the outcome of evaluating one rule against one price observation.
type Result struct {
	Triggered bool
	Reason    string
	State     models.State
}

// Evaluate is a pure function computing trigger/no-trigger and the updated
// evaluator state from (rule, now, price). It never mutates the rule. Cooldown
// is checked first: within the cooldown window nothing triggers and the state
// is left untouched.
func Evaluate(rule models.Rule, now time.Time, price float64) Result {
	if rule.LastTriggeredAt != nil && now.Sub(*rule.LastTriggeredAt) < rule.Cooldown() {
		return Result{State: rule.State}
	}

	switch rule.Condition {
	case models.CondCrossUp, models.CondCrossDown:
		return evalCross(rule, price)
	case models.CondPriceGTE:
		if price >= rule.Threshold {
			return Result{
				Triggered: true,
				Reason:    fmt.Sprintf("%s price %s >= threshold %s", rule.Symbol, fmtPrice(price), fmtPrice(rule.Threshold)),
				State:     rule.State,
			}
		}
		return Result{State: rule.State}
	case models.CondPriceLTE:
		if price <= rule.Threshold {
			return Result{
				Triggered: true,
				Reason:    fmt.Sprintf("%s price %s <= threshold %s", rule.Symbol, fmtPrice(price), fmtPrice(rule.Threshold)),
				State:     rule.State,
			}
		}
		return Result{State: rule.State}
	case models.CondPctChangeUp, models.CondPctChangeDown:
		return evalPctChange(rule, price)
	}

	// Unknown kinds are rejected at the boundary; reaching here is a logic bug.
	return Result{State: rule.State}
}

// evalCross triggers only on a genuine edge. The side flag is lazily
// initialized from the first observation, so the first evaluation of a rule
// never triggers, and it is updated on every evaluation regardless of outcome.
func evalCross(rule models.Rule, price float64) Result {
	st := rule.State.Clone()
	wasAbove, seen := st.Bool(stateKeyAbove)
	isAbove := price >= rule.Threshold
	st[stateKeyAbove] = isAbove

	if !seen {
		return Result{State: st}
	}

	switch {
	case rule.Condition == models.CondCrossUp && !wasAbove && isAbove:
		return Result{
			Triggered: true,
			Reason:    fmt.Sprintf("%s price %s crossed above threshold %s", rule.Symbol, fmtPrice(price), fmtPrice(rule.Threshold)),
			State:     st,
		}
	case rule.Condition == models.CondCrossDown && wasAbove && !isAbove:
		return Result{
			Triggered: true,
			Reason:    fmt.Sprintf("%s price %s crossed below threshold %s", rule.Symbol, fmtPrice(price), fmtPrice(rule.Threshold)),
			State:     st,
		}
	}
	return Result{State: st}
}

// evalPctChange measures tick-over-tick movement: the baseline rebases to the
// current price after every evaluation, triggered or not. A stable windowed
// measurement would behave differently; this delta semantics is deliberate.
func evalPctChange(rule models.Rule, price float64) Result {
	st := rule.State.Clone()
	baseline, seen := st.Float(stateKeyBaseline)
	st[stateKeyBaseline] = price

	if !seen || baseline <= 0 {
		return Result{State: st}
	}

	change := (price - baseline) / baseline * 100

	switch {
	case rule.Condition == models.CondPctChangeUp && change >= rule.Threshold:
		return Result{
			Triggered: true,
			Reason: fmt.Sprintf("%s price %s is %+.2f%% from previous %s (threshold %.2f%%)",
				rule.Symbol, fmtPrice(price), change, fmtPrice(baseline), rule.Threshold),
			State: st,
		}
	case rule.Condition == models.CondPctChangeDown && change <= -rule.Threshold:
		return Result{
			Triggered: true,
			Reason: fmt.Sprintf("%s price %s is %+.2f%% from previous %s (threshold -%.2f%%)",
				rule.Symbol, fmtPrice(price), change, fmtPrice(baseline), rule.Threshold),
			State: st,
		}
	}
	return Result{State: st}
}

func fmtPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
