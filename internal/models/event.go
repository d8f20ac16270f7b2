package models

import "time"

// NotifyStatus is the delivery outcome recorded on an event.
type NotifyStatus string

const (
	NotifyQueued  NotifyStatus = "queued"
	NotifySuccess NotifyStatus = "success"
	NotifyFailed  NotifyStatus = "failed"
)

// Event is an append-only record of a trigger or test notification outcome.
// It is created with status queued and mutated exactly once, by the delivery
// queue, when delivery concludes.
type Event struct {
	ID           string       `json:"id"`
	RuleID       string       `json:"rule_id"`
	Symbol       string       `json:"symbol"`
	Condition    Condition    `json:"condition"`
	Threshold    float64      `json:"threshold"`
	Price        float64      `json:"price"`
	Reason       string       `json:"reason"`
	NotifyStatus NotifyStatus `json:"notify_status"`
	NotifyError  string       `json:"notify_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Task is a self-contained notification: everything needed to send one message
// and to report the outcome back to its event. Ownership transfers to the
// delivery queue at creation.
type Task struct {
	EventID     string
	RuleID      string
	Symbol      string
	Condition   Condition
	Threshold   float64
	Price       float64
	Reason      string
	ChatID      string
	TriggeredAt time.Time
	// NotBefore delays release; zero means deliver immediately.
	NotBefore time.Time
}

// Quote is a spot price observation from the price provider.
type Quote struct {
	Price float64
	AsOf  time.Time
}
