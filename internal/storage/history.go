package storage

import (
	"fmt"
	"time"
)

// AppendHistory records one question/answer pair. The log is append-only;
// entries are never updated.
func (s *Store) AppendHistory(e HistoryEntry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO chat_history (id, session_id, question, answer, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Question, e.Answer, createdAt.Format(time.RFC3339),
	)
	return err
}

// RecentHistory returns up to limit entries for a session, newest first.
func (s *Store) RecentHistory(sessionID string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, question, answer, created_at
		FROM chat_history WHERE session_id = ?
		ORDER BY created_at DESC LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Question, &e.Answer, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		e.CreatedAt = t
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
