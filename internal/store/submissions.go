// ABOUTME: Submission history persistence for the SQLite store
// ABOUTME: Records every submission lifecycle transition and prunes finished rows by age

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/submit"
)

// timestampFormat is fixed-width so timestamps sort lexically.
const timestampFormat = "2006-01-02T15:04:05.000000Z07:00"

// SaveSubmission inserts or updates a submission snapshot
func (s *SQLiteStore) SaveSubmission(ctx context.Context, sub submit.Submission) error {
	var usage any
	if sub.Usage != nil {
		b, err := json.Marshal(sub.Usage)
		if err != nil {
			return fmt.Errorf("encoding usage: %w", err)
		}
		usage = string(b)
	}

	query := `
		INSERT INTO submissions (id, conversation_id, dedupe_key, schedule_id, prompt, status, output, error, usage_json, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			usage_json = excluded.usage_json,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		sub.ID,
		sub.ConversationID,
		nullString(sub.Key),
		nullString(sub.ScheduleID),
		sub.Prompt,
		string(sub.Status),
		sub.Output,
		sub.Error,
		usage,
		formatTime(sub.CreatedAt),
		formatTimePtr(sub.StartedAt),
		formatTimePtr(sub.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("saving submission: %w", err)
	}
	return nil
}

// GetSubmission retrieves a submission by ID
func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (*submit.Submission, error) {
	query := `
		SELECT id, conversation_id, dedupe_key, schedule_id, prompt, status, output, error, usage_json, created_at, started_at, completed_at
		FROM submissions
		WHERE id = ?
	`
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying submission: %w", err)
	}
	return sub, nil
}

// ListSubmissions returns submissions newest first
func (s *SQLiteStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]*submit.Submission, error) {
	var where []string
	var args []any
	if filter.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, conversation_id, dedupe_key, schedule_id, prompt, status, output, error, usage_json, created_at, started_at, completed_at
		FROM submissions
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying submissions: %w", err)
	}
	defer rows.Close()

	var out []*submit.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning submission: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating submissions: %w", err)
	}
	return out, nil
}

// PruneSubmissions deletes finished submissions completed before cutoff
// and returns how many rows were removed.
func (s *SQLiteStore) PruneSubmissions(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM submissions WHERE completed_at IS NOT NULL AND completed_at < ?`,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning submissions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned submissions", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func scanSubmission(row rowScanner) (*submit.Submission, error) {
	var sub submit.Submission
	var status, createdAt string
	var key, scheduleID, usage, startedAt, completedAt sql.NullString
	err := row.Scan(
		&sub.ID,
		&sub.ConversationID,
		&key,
		&scheduleID,
		&sub.Prompt,
		&status,
		&sub.Output,
		&sub.Error,
		&usage,
		&createdAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Key = key.String
	sub.ScheduleID = scheduleID.String
	sub.Status = submit.Status(status)

	if usage.Valid {
		var u backend.Usage
		if err := json.Unmarshal([]byte(usage.String), &u); err != nil {
			return nil, fmt.Errorf("decoding usage: %w", err)
		}
		sub.Usage = &u
	}
	if sub.CreatedAt, err = time.Parse(timestampFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sub.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if sub.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	return &sub, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(timestampFormat, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
