// Package storage provides SQLite-backed persistence for alert rules and
// trigger events.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pricewatch/internal/models"

	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db *sql.DB
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/pricewatch/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "pricewatch", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rules (
			id                TEXT PRIMARY KEY,
			owner_id          TEXT NOT NULL,
			chat_id           TEXT NOT NULL,
			symbol            TEXT NOT NULL,
			condition         TEXT NOT NULL,
			threshold         REAL NOT NULL,
			interval_sec      INTEGER NOT NULL,
			cooldown_sec      INTEGER NOT NULL,
			enabled           INTEGER NOT NULL DEFAULT 1,
			repeat_count      INTEGER NOT NULL DEFAULT 1,
			state             TEXT NOT NULL DEFAULT '{}',
			last_triggered_at INTEGER,
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id            TEXT PRIMARY KEY,
			rule_id       TEXT NOT NULL REFERENCES rules(id) ON DELETE CASCADE,
			symbol        TEXT NOT NULL,
			condition     TEXT NOT NULL,
			threshold     REAL NOT NULL,
			price         REAL NOT NULL,
			reason        TEXT NOT NULL,
			notify_status TEXT NOT NULL DEFAULT 'queued',
			notify_error  TEXT,
			created_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_enabled ON rules(enabled)`,
		`CREATE INDEX IF NOT EXISTS idx_events_rule ON events(rule_id, created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateRule inserts a new rule after boundary validation.
func (s *Storage) CreateRule(ctx context.Context, rule *models.Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	stateJSON, err := marshalState(rule.State)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules
			(id, owner_id, chat_id, symbol, condition, threshold, interval_sec,
			 cooldown_sec, enabled, repeat_count, state, last_triggered_at,
			 created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.OwnerID, rule.ChatID, rule.Symbol, string(rule.Condition),
		rule.Threshold, rule.IntervalSec, rule.CooldownSec, boolToInt(rule.Enabled),
		rule.RepeatCount, stateJSON, nullableUnixNano(rule.LastTriggeredAt),
		rule.CreatedAt.UnixNano(), rule.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// GetRule returns a rule by id.
func (s *Storage) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM rules WHERE id = ?`, id)
	r, err := scanRule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return r, nil
}

// ListRules returns all rules, enabled or not.
func (s *Storage) ListRules(ctx context.Context) ([]models.Rule, error) {
	return s.listRules(ctx, `SELECT `+ruleCols+` FROM rules ORDER BY created_at`)
}

// ListEnabledRules returns the enabled rules the engine monitors.
func (s *Storage) ListEnabledRules(ctx context.Context) ([]models.Rule, error) {
	return s.listRules(ctx, `SELECT `+ruleCols+` FROM rules WHERE enabled = 1 ORDER BY created_at`)
}

func (s *Storage) listRules(ctx context.Context, query string) ([]models.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()
	rules := []models.Rule{}
	for rows.Next() {
		r, err := scanRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// UpdateRule replaces a rule's definition after boundary validation.
func (s *Storage) UpdateRule(ctx context.Context, rule *models.Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	stateJSON, err := marshalState(rule.State)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE rules SET
			owner_id=?, chat_id=?, symbol=?, condition=?, threshold=?, interval_sec=?,
			cooldown_sec=?, enabled=?, repeat_count=?, state=?, last_triggered_at=?,
			updated_at=?
		WHERE id=?`,
		rule.OwnerID, rule.ChatID, rule.Symbol, string(rule.Condition), rule.Threshold,
		rule.IntervalSec, rule.CooldownSec, boolToInt(rule.Enabled), rule.RepeatCount,
		stateJSON, nullableUnixNano(rule.LastTriggeredAt), rule.UpdatedAt.UnixNano(),
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("rule not found: %s", rule.ID)
	}
	return nil
}

// UpdateRuleState persists only what the engine writes after a tick: the
// evaluator state and, on trigger, the last-triggered timestamp.
func (s *Storage) UpdateRuleState(ctx context.Context, id string, state models.State, lastTriggeredAt *time.Time) error {
	stateJSON, err := marshalState(state)
	if err != nil {
		return err
	}
	var res sql.Result
	if lastTriggeredAt != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE rules SET state=?, last_triggered_at=?, updated_at=? WHERE id=?`,
			stateJSON, lastTriggeredAt.UnixNano(), time.Now().UnixNano(), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE rules SET state=?, updated_at=? WHERE id=?`,
			stateJSON, time.Now().UnixNano(), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update rule state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("rule not found: %s", id)
	}
	return nil
}

// DeleteRule removes a rule; events cascade.
func (s *Storage) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("rule not found: %s", id)
	}
	return nil
}

// CreateEvent appends a trigger event and returns its id.
func (s *Storage) CreateEvent(ctx context.Context, event *models.Event) (string, error) {
	if event.NotifyStatus == "" {
		event.NotifyStatus = models.NotifyQueued
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events
			(id, rule_id, symbol, condition, threshold, price, reason,
			 notify_status, notify_error, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		event.ID, event.RuleID, event.Symbol, string(event.Condition),
		event.Threshold, event.Price, event.Reason,
		string(event.NotifyStatus), event.NotifyError, event.CreatedAt.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert event: %w", err)
	}
	return event.ID, nil
}

// UpdateEventStatus records the terminal delivery outcome on an event. Only a
// queued event can transition; a terminal status is never overwritten.
func (s *Storage) UpdateEventStatus(ctx context.Context, id string, status models.NotifyStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET notify_status=?, notify_error=? WHERE id=? AND notify_status=?`,
		string(status), errMsg, id, string(models.NotifyQueued))
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("event not found or already finalized: %s", id)
	}
	return nil
}

// ListEvents returns the newest events for a rule, up to limit.
func (s *Storage) ListEvents(ctx context.Context, ruleID string, limit int) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, symbol, condition, threshold, price, reason,
		       notify_status, notify_error, created_at
		FROM events WHERE rule_id = ? ORDER BY created_at DESC LIMIT ?`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		var e models.Event
		var cond, status string
		var errMsg sql.NullString
		var createdAtNano int64
		if err := rows.Scan(&e.ID, &e.RuleID, &e.Symbol, &cond, &e.Threshold,
			&e.Price, &e.Reason, &status, &errMsg, &createdAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Condition = models.Condition(cond)
		e.NotifyStatus = models.NotifyStatus(status)
		e.NotifyError = errMsg.String
		e.CreatedAt = time.Unix(0, createdAtNano)
		events = append(events, e)
	}
	return events, rows.Err()
}

const ruleCols = `id, owner_id, chat_id, symbol, condition, threshold, interval_sec,
	cooldown_sec, enabled, repeat_count, state, last_triggered_at, created_at, updated_at`

func scanRule(scan func(...any) error) (*models.Rule, error) {
	var r models.Rule
	var cond, stateJSON string
	var enabled int
	var lastTriggeredNano sql.NullInt64
	var createdAtNano, updatedAtNano int64
	err := scan(
		&r.ID, &r.OwnerID, &r.ChatID, &r.Symbol, &cond, &r.Threshold, &r.IntervalSec,
		&r.CooldownSec, &enabled, &r.RepeatCount, &stateJSON, &lastTriggeredNano,
		&createdAtNano, &updatedAtNano,
	)
	if err != nil {
		return nil, err
	}
	r.Condition = models.Condition(cond)
	r.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(stateJSON), &r.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule state: %w", err)
	}
	if lastTriggeredNano.Valid {
		t := time.Unix(0, lastTriggeredNano.Int64)
		r.LastTriggeredAt = &t
	}
	r.CreatedAt = time.Unix(0, createdAtNano)
	r.UpdatedAt = time.Unix(0, updatedAtNano)
	return &r, nil
}

func marshalState(state models.State) (string, error) {
	if state == nil {
		return "{}", nil
	}
	b, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal rule state: %w", err)
	}
	return string(b), nil
}

func nullableUnixNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
