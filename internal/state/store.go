// Package state persists agent session ids and the delivery log.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultRecentLimit caps Recent when no limit is given.
const DefaultRecentLimit = 50

// Session is a persisted agent session for one target.
type Session struct {
	Target      string
	Fingerprint string
	SessionID   string
	UpdatedAt   time.Time
}

// Delivery is one recorded dispatch outcome.
type Delivery struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	Channel   string    `json:"channel"`
	ItemCount int       `json:"item_count"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// LoadSession returns the stored session id for target when it was saved under
// the same fingerprint. A missing row or a fingerprint mismatch yields "".
func (s *Store) LoadSession(ctx context.Context, target, fingerprint string) (string, error) {
	sess, ok, err := s.Session(ctx, target)
	if err != nil || !ok {
		return "", err
	}
	if sess.Fingerprint != fingerprint {
		return "", nil
	}
	return sess.SessionID, nil
}

// Session returns the raw stored row for target.
func (s *Store) Session(ctx context.Context, target string) (Session, bool, error) {
	if target == "" {
		return Session{}, false, fmt.Errorf("target name is empty")
	}

	var sess Session
	var updated string
	err := s.db.QueryRowContext(ctx,
		"SELECT target, fingerprint, session_id, updated_at FROM agent_sessions WHERE target = ?;",
		target,
	).Scan(&sess.Target, &sess.Fingerprint, &sess.SessionID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("read agent session: %w", err)
	}
	sess.UpdatedAt = parseTime(updated)
	return sess, true, nil
}

// SaveSession upserts the session id for target.
func (s *Store) SaveSession(ctx context.Context, target, fingerprint, sessionID string) error {
	if target == "" {
		return fmt.Errorf("target name is empty")
	}
	if sessionID == "" {
		return fmt.Errorf("session id is empty")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO agent_sessions(target, fingerprint, session_id, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(target) DO UPDATE SET
  fingerprint = excluded.fingerprint,
  session_id = excluded.session_id,
  updated_at = excluded.updated_at;
`, target, fingerprint, sessionID, s.timestamp())
	if err != nil {
		return fmt.Errorf("upsert agent session: %w", err)
	}
	return nil
}

// ForgetSession drops the stored session for target.
func (s *Store) ForgetSession(ctx context.Context, target string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM agent_sessions WHERE target = ?;", target); err != nil {
		return fmt.Errorf("delete agent session: %w", err)
	}
	return nil
}

// RecordDelivery appends d to the delivery log, assigning an id and timestamp
// when unset.
func (s *Store) RecordDelivery(ctx context.Context, d Delivery) (Delivery, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO deliveries(id, target, channel, item_count, success, message, error, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, d.ID, d.Target, d.Channel, d.ItemCount, boolToInt(d.Success), d.Message, d.Error,
		d.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Delivery{}, fmt.Errorf("insert delivery: %w", err)
	}
	return d, nil
}

// Recent returns the newest deliveries first. An empty target lists all targets.
func (s *Store) Recent(ctx context.Context, target string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	q := `SELECT id, target, channel, item_count, success, COALESCE(message, ''), COALESCE(error, ''), created_at
FROM deliveries`
	args := []any{}
	if target != "" {
		q += " WHERE target = ?"
		args = append(args, target)
	}
	q += " ORDER BY created_at DESC, rowid DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var success int
		var created string
		if err := rows.Scan(&d.ID, &d.Target, &d.Channel, &d.ItemCount, &success, &d.Message, &d.Error, &created); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Success = success != 0
		d.CreatedAt = parseTime(created)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
