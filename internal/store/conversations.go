// ABOUTME: Conversation settings persistence for the SQLite store
// ABOUTME: Supplies per-conversation settings to the turn service and records derived titles

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/conversation"
)

// UpsertConversation creates or replaces a conversation's settings.
// CreatedAt is preserved for existing rows.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, c *Conversation) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	tools, err := encodeList(c.Tools)
	if err != nil {
		return fmt.Errorf("encoding tools: %w", err)
	}
	servers, err := encodeList(c.MCPServers)
	if err != nil {
		return fmt.Errorf("encoding mcp servers: %w", err)
	}

	query := `
		INSERT INTO conversations (id, title, working_dir, model, system_message, tools_json, mcp_servers_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			working_dir = excluded.working_dir,
			model = excluded.model,
			system_message = excluded.system_message,
			tools_json = excluded.tools_json,
			mcp_servers_json = excluded.mcp_servers_json,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		c.ID,
		c.Title,
		c.WorkingDir,
		c.Model,
		c.SystemMessage,
		tools,
		servers,
		c.CreatedAt.Format(time.RFC3339),
		c.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, title, working_dir, model, system_message, tools_json, mcp_servers_json, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations ordered by most recently updated
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT id, title, working_dir, model, system_message, tools_json, mcp_servers_json, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC, id
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return out, nil
}

// DeleteConversation removes a conversation's settings
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConversationTitle records a title, creating the conversation row if needed
func (s *SQLiteStore) SetConversationTitle(ctx context.Context, conversationID, title string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		INSERT INTO conversations (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, conversationID, title, now, now); err != nil {
		return fmt.Errorf("setting conversation title: %w", err)
	}
	return nil
}

// ConversationSettings returns the turn settings for a conversation.
// Unknown conversations yield zero settings so the service applies its defaults.
func (s *SQLiteStore) ConversationSettings(ctx context.Context, conversationID string) (conversation.Settings, error) {
	c, err := s.GetConversation(ctx, conversationID)
	if err == ErrNotFound {
		return conversation.Settings{}, nil
	}
	if err != nil {
		return conversation.Settings{}, err
	}
	return conversation.Settings{
		WorkingDir:    c.WorkingDir,
		Model:         c.Model,
		SystemMessage: c.SystemMessage,
		Tools:         c.Tools,
		MCPServers:    c.MCPServers,
		Title:         c.Title,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var tools, servers, createdAt, updatedAt string
	err := row.Scan(
		&c.ID,
		&c.Title,
		&c.WorkingDir,
		&c.Model,
		&c.SystemMessage,
		&tools,
		&servers,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tools), &c.Tools); err != nil {
		return nil, fmt.Errorf("decoding tools: %w", err)
	}
	if err := json.Unmarshal([]byte(servers), &c.MCPServers); err != nil {
		return nil, fmt.Errorf("decoding mcp servers: %w", err)
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

func encodeList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
