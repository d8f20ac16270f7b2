package models

import (
	"encoding/json"
	"testing"
	"time"
)

func validRule() *Rule {
	now := time.Now()
	return &Rule{
		ID:          "rule-1",
		OwnerID:     "user-1",
		ChatID:      "12345",
		Symbol:      "BTCUSDT",
		Condition:   CondPriceGTE,
		Threshold:   50000,
		IntervalSec: 5,
		CooldownSec: DefaultCooldownSec,
		Enabled:     true,
		RepeatCount: 1,
		CreatedAt:   now.Add(-time.Hour),
		UpdatedAt:   now,
	}
}

func TestRule_Validate(t *testing.T) {
	if err := validRule().Validate(); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Rule)
	}{
		{"empty id", func(r *Rule) { r.ID = "" }},
		{"empty owner", func(r *Rule) { r.OwnerID = "" }},
		{"symbol too short", func(r *Rule) { r.Symbol = "BTC" }},
		{"symbol too long", func(r *Rule) { r.Symbol = "BTCUSDTPERP1" }},
		{"symbol not alphanumeric", func(r *Rule) { r.Symbol = "BTC-USD" }},
		{"unknown condition", func(r *Rule) { r.Condition = "price_eq" }},
		{"zero threshold", func(r *Rule) { r.Threshold = 0 }},
		{"negative threshold", func(r *Rule) { r.Threshold = -1 }},
		{"interval too small", func(r *Rule) { r.IntervalSec = 0 }},
		{"interval too large", func(r *Rule) { r.IntervalSec = 3601 }},
		{"negative cooldown", func(r *Rule) { r.CooldownSec = -1 }},
		{"repeat too small", func(r *Rule) { r.RepeatCount = 0 }},
		{"repeat too large", func(r *Rule) { r.RepeatCount = 11 }},
		{"created after updated", func(r *Rule) { r.CreatedAt = r.UpdatedAt.Add(time.Second) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.mutate(r)
			if err := r.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"btcusdt", "BTCUSDT", false},
		{" ethusdt ", "ETHUSDT", false},
		{"SOL1USDT", "SOL1USDT", false},
		{"BTC", "", true},
		{"VERYLONGSYMBOL", "", true},
		{"BTC_USDT", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NormalizeSymbol(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeSymbol(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeSymbol(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestState_GettersSurviveJSONRoundTrip(t *testing.T) {
	st := State{"above": true, "baseline": 50100.5}

	b, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	var restored State
	if err := json.Unmarshal(b, &restored); err != nil {
		t.Fatal(err)
	}

	if v, ok := restored.Bool("above"); !ok || !v {
		t.Errorf("Bool(above) = %v, %v, want true", v, ok)
	}
	if v, ok := restored.Float("baseline"); !ok || v != 50100.5 {
		t.Errorf("Float(baseline) = %v, %v, want 50100.5", v, ok)
	}
	if _, ok := restored.Bool("missing"); ok {
		t.Error("Bool(missing) should not be found")
	}
}

func TestState_Clone(t *testing.T) {
	var nilState State
	cloned := nilState.Clone()
	cloned["k"] = 1.0 // must not panic

	st := State{"a": 1.0}
	cp := st.Clone()
	cp["a"] = 2.0
	if v, _ := st.Float("a"); v != 1.0 {
		t.Errorf("Clone shares storage with original: %v", v)
	}
}
