// Package sink provides delivery targets for collected events and the
// append-only store that backs them.
package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/trackerd/internal/metrics"
	"github.com/dokzlo13/trackerd/internal/tracker"
)

// Store is an append-only collection of delivered events.
type Store struct {
	db *sql.DB
}

// NewStore creates a new Store using the provided database connection
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append adds events in order within a single transaction.
func (s *Store) Append(ctx context.Context, events []tracker.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sink_events (session_id, user_id, event_type, timestamp, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Unix()
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, event.SessionID, event.UserID, event.EventType, event.Timestamp, string(payload), now); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	metrics.AddSinkStored(len(events))
	return nil
}

// All returns every stored event in insertion order.
// Rows whose payload can't be decoded are skipped.
func (s *Store) All(ctx context.Context) ([]tracker.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM sink_events ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sink events: %w", err)
	}
	defer rows.Close()

	events := []tracker.Event{}
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan sink event: %w", err)
		}

		var event tracker.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			log.Warn().Err(err).Int64("id", id).Msg("Skipping malformed sink event")
			continue
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sink_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sink events: %w", err)
	}
	return n, nil
}

// Clear removes every stored event.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sink_events`); err != nil {
		return fmt.Errorf("failed to clear sink events: %w", err)
	}
	return nil
}
