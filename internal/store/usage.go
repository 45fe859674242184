// ABOUTME: SQLite turn ledger for usage accounting
// ABOUTME: Records one row per finished turn and aggregates token and output totals

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/buffer"
	"github.com/2389/coven-relay/internal/conversation"
)

// TurnRecord is the stored summary of one finished turn.
type TurnRecord struct {
	ID             int64      `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	Title          string     `json:"title,omitempty"`
	Chunks         int        `json:"chunks"`
	Steps          int        `json:"steps"`
	ContentLength  int        `json:"content_length"`
	TokenLimit     int        `json:"token_limit"`
	CurrentTokens  int        `json:"current_tokens"`
	MessagesLength int        `json:"messages_length"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// UsageFilter narrows GetUsageStats. Nil or empty fields match everything.
type UsageFilter struct {
	ConversationID string
	Since          *time.Time
	Until          *time.Time
}

// UsageStats aggregates the turn ledger.
type UsageStats struct {
	Turns         int64 `json:"turns"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	TotalTokens   int64 `json:"total_tokens"`
	TotalChars    int64 `json:"total_chars"`
	Conversations int64 `json:"conversations"`
}

// RecordTurn stores a finished turn's summary. Token figures come from the
// turn's last usage snapshot.
func (s *SQLiteStore) RecordTurn(ctx context.Context, info buffer.Info) error {
	var limit, tokens, messages int
	if info.Usage != nil {
		limit = info.Usage.TokenLimit
		tokens = info.Usage.CurrentTokens
		messages = info.Usage.MessagesLength
	}

	query := `
		INSERT INTO turn_usage (
			conversation_id, status, error, title,
			chunks, steps, content_length,
			token_limit, current_tokens, messages_length,
			started_at, completed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		info.ConversationID,
		string(info.Status),
		info.Error,
		info.Title,
		info.Chunks,
		info.Steps,
		info.ContentLength,
		limit,
		tokens,
		messages,
		formatTime(info.StartedAt),
		formatTimePtr(info.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting turn usage: %w", err)
	}

	s.logger.Debug("recorded turn",
		"conversation_id", info.ConversationID,
		"status", info.Status,
		"current_tokens", tokens,
	)
	return nil
}

// ListTurns returns a conversation's recorded turns, newest first.
func (s *SQLiteStore) ListTurns(ctx context.Context, conversationID string, limit int) ([]*TurnRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT id, conversation_id, status, error, title,
		       chunks, steps, content_length,
		       token_limit, current_tokens, messages_length,
		       started_at, completed_at
		FROM turn_usage
		WHERE conversation_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []*TurnRecord
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turn rows: %w", err)
	}
	return turns, nil
}

// GetUsageStats returns aggregated turn statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(current_tokens), 0),
			COALESCE(SUM(content_length), 0),
			COUNT(DISTINCT conversation_id)
		FROM turn_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.ConversationID != "" {
		query += " AND conversation_id = ?"
		args = append(args, filter.ConversationID)
	}
	if filter.Since != nil {
		query += " AND started_at >= ?"
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		query += " AND started_at < ?"
		args = append(args, formatTime(*filter.Until))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Turns,
		&stats.Completed,
		&stats.Failed,
		&stats.TotalTokens,
		&stats.TotalChars,
		&stats.Conversations,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	return &stats, nil
}

func scanTurn(rows *sql.Rows) (*TurnRecord, error) {
	var t TurnRecord
	var startedAt string
	var completedAt sql.NullString

	err := rows.Scan(
		&t.ID,
		&t.ConversationID,
		&t.Status,
		&t.Error,
		&t.Title,
		&t.Chunks,
		&t.Steps,
		&t.ContentLength,
		&t.TokenLimit,
		&t.CurrentTokens,
		&t.MessagesLength,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning turn row: %w", err)
	}

	t.StartedAt, err = time.Parse(timestampFormat, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	t.CompletedAt, err = parseTimePtr(completedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	return &t, nil
}

// PruneTurns deletes turn records that started before cutoff.
func (s *SQLiteStore) PruneTurns(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM turn_usage WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning turns: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned turn records", "count", n)
	}
	return n, nil
}

// Ensure SQLiteStore records turns for the conversation service.
var _ conversation.TurnRecorder = (*SQLiteStore)(nil)
