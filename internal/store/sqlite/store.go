// Package sqlite persists the watcher's state: checkpoints, handler
// documents, OAuth tokens, watch registrations and the event outbox.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
	_ "modernc.org/sqlite"

	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/handler"
	"github.com/03felipesampaio/gmail-bills-and-statements-watcher/internal/watcher"
)

//go:embed schema.sql
var schemaSQL string

// Store is the SQLite-backed persistence layer. One Store serves all
// principals; per-principal isolation happens at the row level.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at the given path and applies the
// schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint returns the stored cursor for the principal.
func (s *Store) Checkpoint(ctx context.Context, principal string) (watcher.Cursor, bool, error) {
	var cursor uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT cursor FROM checkpoints WHERE principal = ?
	`, principal).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return watcher.Cursor(cursor), true, nil
}

// SetCheckpoint stores the cursor for the principal. Writes below the stored
// value are rejected with watcher.ErrCheckpointRegression and leave the
// stored value untouched.
func (s *Store) SetCheckpoint(ctx context.Context, principal string, cursor watcher.Cursor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint write: %w", err)
	}
	defer tx.Rollback()

	var stored uint64
	err = tx.QueryRowContext(ctx, `
		SELECT cursor FROM checkpoints WHERE principal = ?
	`, principal).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("read stored checkpoint: %w", err)
	case watcher.Cursor(stored) > cursor:
		return fmt.Errorf("principal %q: stored cursor %d > %d: %w",
			principal, stored, uint64(cursor), watcher.ErrCheckpointRegression)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (principal, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(principal) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
	`, principal, uint64(cursor), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return tx.Commit()
}

// ListHandlers returns the principal's handler documents in registration
// order. An empty result means the principal has none and the caller should
// fall back to the defaults.
func (s *Store) ListHandlers(ctx context.Context, principal string) ([]handler.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document FROM handlers WHERE principal = ? ORDER BY position
	`, principal)
	if err != nil {
		return nil, fmt.Errorf("query handlers: %w", err)
	}
	defer rows.Close()

	var docs []handler.Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan handler row: %w", err)
		}
		var doc handler.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode handler document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ReplaceHandlers atomically replaces the principal's handler documents.
func (s *Store) ReplaceHandlers(ctx context.Context, principal string, docs []handler.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin handler write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM handlers WHERE principal = ?`, principal); err != nil {
		return fmt.Errorf("clear handlers: %w", err)
	}
	for i, doc := range docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode handler document %q: %w", doc.Name, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO handlers (principal, position, document) VALUES (?, ?, ?)
		`, principal, i, string(raw))
		if err != nil {
			return fmt.Errorf("write handler document %q: %w", doc.Name, err)
		}
	}
	return tx.Commit()
}

// Token returns the principal's stored OAuth token.
func (s *Store) Token(ctx context.Context, principal string) (*oauth2.Token, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT token_json FROM tokens WHERE principal = ?
	`, principal).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, false, fmt.Errorf("decode token: %w", err)
	}
	return &tok, true, nil
}

// SetToken stores the principal's OAuth token.
func (s *Store) SetToken(ctx context.Context, principal string, tok *oauth2.Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tokens (principal, token_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(principal) DO UPDATE SET
			token_json = excluded.token_json,
			updated_at = excluded.updated_at
	`, principal, string(raw), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// Principals lists every principal with a stored OAuth token.
func (s *Store) Principals(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT principal FROM tokens ORDER BY principal`)
	if err != nil {
		return nil, fmt.Errorf("query principals: %w", err)
	}
	defer rows.Close()

	var principals []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan principal: %w", err)
		}
		principals = append(principals, p)
	}
	return principals, rows.Err()
}

// SaveWatch records the principal's latest watch registration.
func (s *Store) SaveWatch(ctx context.Context, principal string, historyID watcher.Cursor, expiration time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watches (principal, history_id, expiration, refreshed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(principal) DO UPDATE SET
			history_id = excluded.history_id,
			expiration = excluded.expiration,
			refreshed_at = excluded.refreshed_at
	`, principal, uint64(historyID), expiration.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("write watch: %w", err)
	}
	return nil
}

// OutboxMessage is one pending event in the outbox.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// AppendEvent enqueues an event for publication. A duplicate dedup ID is a
// no-op, which keeps redelivered change entries idempotent here.
func (s *Store) AppendEvent(ctx context.Context, subject string, payload []byte, msgID string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?)
	`, now, subject, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("append outbox event: %w", err)
	}
	return nil
}

// DequeueOutbox fetches due unpublished events in insertion order.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox event as delivered to the broker.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry schedules a failed event for another attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return nil
}
