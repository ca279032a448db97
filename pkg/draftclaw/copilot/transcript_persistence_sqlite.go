// Package copilot – transcript_persistence_sqlite.go stores transcripts in the
// transcript_messages table. It is a drop-in replacement for the JSONL store.
package copilot

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// SQLiteTranscriptStore persists messages as rows; tool part transitions
// rewrite the parts column of the owning row.
type SQLiteTranscriptStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteTranscriptStore creates a SQLite-backed transcript store.
// The tables must already exist (created by database.OpenSQLite).
func NewSQLiteTranscriptStore(db *sql.DB, logger *slog.Logger) *SQLiteTranscriptStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteTranscriptStore{db: db, logger: logger.With("component", "transcript_store")}
}

// AppendMessage inserts one message row.
func (s *SQLiteTranscriptStore) AppendMessage(sessionID string, msg Message) error {
	parts, err := json.Marshal(nonNilParts(msg.Parts))
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO transcript_messages (id, session_id, role, content, parts, synthetic, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		sessionID,
		string(msg.Role),
		msg.Content,
		string(parts),
		msg.Synthetic,
		msg.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		s.logger.Error("failed to save message", "session", sessionID, "err", err)
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// UpdateToolPart rewrites the parts of messageID inside a transaction.
func (s *SQLiteTranscriptStore) UpdateToolPart(sessionID, messageID string, part ToolPart) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var raw string
	err = tx.QueryRow(`SELECT parts FROM transcript_messages WHERE id = ? AND session_id = ?`,
		messageID, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("message %s: %w", messageID, ErrToolPartNotFound)
	}
	if err != nil {
		return fmt.Errorf("load parts: %w", err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg.Parts); err != nil {
		return fmt.Errorf("decode parts of %s: %w", messageID, err)
	}
	applyPartUpdate(&msg, part)

	updated, err := json.Marshal(nonNilParts(msg.Parts))
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}
	if _, err := tx.Exec(`UPDATE transcript_messages SET parts = ? WHERE id = ?`, string(updated), messageID); err != nil {
		return fmt.Errorf("update parts: %w", err)
	}
	return tx.Commit()
}

// LoadMessages returns the session's messages in append order. Rows whose
// parts fail to decode keep their text and lose their parts.
func (s *SQLiteTranscriptStore) LoadMessages(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, parts, synthetic, created_at
		FROM transcript_messages
		WHERE session_id = ?
		ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m         Message
			role      string
			parts     string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &parts, &m.Synthetic, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
		if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
			s.logger.Warn("skipping malformed parts", "session", sessionID, "message", m.ID, "err", err)
			m.Parts = nil
		}
		if len(m.Parts) == 0 {
			m.Parts = nil
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListSessions returns every session with its message count, most recently
// updated first.
func (s *SQLiteTranscriptStore) ListSessions() ([]SessionSummary, error) {
	rows, err := s.db.Query(`
		SELECT session_id, COUNT(*), MAX(created_at)
		FROM transcript_messages
		GROUP BY session_id
		ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum  SessionSummary
			last string
		)
		if err := rows.Scan(&sum.ID, &sum.Messages, &last); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.UpdatedAt, _ = time.Parse(time.RFC3339Nano, last)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func nonNilParts(parts []Part) []Part {
	if parts == nil {
		return []Part{}
	}
	return parts
}
