package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"charchat/internal/model"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrMissingSession = errors.New("missing session key")
)

// ToolLogEntry records one tool invocation made during a generation.
type ToolLogEntry struct {
	ChatID   string
	Tool     string
	ArgsJSON string
	Result   string
	Error    string
}

// AddMessage appends one turn to a chat. The session key identifies the
// persistence principal; it is required but never stored.
func (s *Store) AddMessage(ctx context.Context, m model.Message, sessionKey string) error {
	if strings.TrimSpace(sessionKey) == "" {
		return ErrMissingSession
	}
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("message id is empty")
	}
	if strings.TrimSpace(m.ChatID) == "" {
		return fmt.Errorf("message chat id is empty")
	}

	q := s.sql.Insert("messages").
		Columns("id", "chat_id", "character_id", "profile_id", "from_ai", "content", "is_edited", "is_deleted").
		Values(m.ID, m.ChatID, m.Character, m.Profile, m.FromAI, m.Content, m.IsEdited, m.IsDeleted)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build add message query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// UpsertChat writes the chat row, replacing the mutable fields. The
// client-held chat object is authoritative for character, story and
// persona; they are kept as JSON alongside the row.
func (s *Store) UpsertChat(ctx context.Context, c model.Chat) error {
	characterJSON, err := json.Marshal(c.Character)
	if err != nil {
		return fmt.Errorf("marshal character: %w", err)
	}
	var storyJSON, personaJSON any
	if c.Story != nil {
		b, err := json.Marshal(c.Story)
		if err != nil {
			return fmt.Errorf("marshal story: %w", err)
		}
		storyJSON = string(b)
	}
	if c.Persona != nil {
		b, err := json.Marshal(c.Persona)
		if err != nil {
			return fmt.Errorf("marshal persona: %w", err)
		}
		personaJSON = string(b)
	}

	q := s.sql.Insert("chats").
		Columns("id", "profile_id", "model", "title", "description", "negative_prompt", "dynamic_book", "character_json", "story_json", "persona_json").
		Values(c.ID, c.Profile, c.LLM, c.Title, c.Description, c.NegativePrompt, c.DynamicBook, string(characterJSON), storyJSON, personaJSON).
		Suffix("ON CONFLICT(id) DO UPDATE SET model=excluded.model, title=excluded.title, description=excluded.description, negative_prompt=excluded.negative_prompt, dynamic_book=excluded.dynamic_book, character_json=excluded.character_json, story_json=excluded.story_json, persona_json=excluded.persona_json")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert chat query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (model.Chat, error) {
	q := s.sql.Select("id", "profile_id", "model", "title", "description", "negative_prompt", "dynamic_book", "character_json", "story_json", "persona_json").
		From("chats").
		Where(sq.Eq{"id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return model.Chat{}, fmt.Errorf("build get chat query: %w", err)
	}

	var c model.Chat
	var characterJSON string
	var storyJSON, personaJSON sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.ID,
		&c.Profile,
		&c.LLM,
		&c.Title,
		&c.Description,
		&c.NegativePrompt,
		&c.DynamicBook,
		&characterJSON,
		&storyJSON,
		&personaJSON,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Chat{}, ErrNotFound
		}
		return model.Chat{}, fmt.Errorf("get chat: %w", err)
	}

	if err := json.Unmarshal([]byte(characterJSON), &c.Character); err != nil {
		return model.Chat{}, fmt.Errorf("parse character json: %w", err)
	}
	if storyJSON.Valid && strings.TrimSpace(storyJSON.String) != "" {
		var st model.Story
		if err := json.Unmarshal([]byte(storyJSON.String), &st); err != nil {
			return model.Chat{}, fmt.Errorf("parse story json: %w", err)
		}
		c.Story = &st
	}
	if personaJSON.Valid && strings.TrimSpace(personaJSON.String) != "" {
		var p model.Persona
		if err := json.Unmarshal([]byte(personaJSON.String), &p); err != nil {
			return model.Chat{}, fmt.Errorf("parse persona json: %w", err)
		}
		c.Persona = &p
	}
	return c, nil
}

// UpdateChatTitle is the chat-rename tool's write path.
func (s *Store) UpdateChatTitle(ctx context.Context, chatID, title string) error {
	return s.updateChatField(ctx, chatID, "title", title)
}

// UpdateChatDescription stores the background digest of older turns.
func (s *Store) UpdateChatDescription(ctx context.Context, chatID, description string) error {
	return s.updateChatField(ctx, chatID, "description", description)
}

// SetDynamicBook replaces the chat's accumulated memory blob. Concurrent
// writers race at the row level; last write wins.
func (s *Store) SetDynamicBook(ctx context.Context, chatID, book string) error {
	return s.updateChatField(ctx, chatID, "dynamic_book", book)
}

func (s *Store) updateChatField(ctx context.Context, chatID, column, value string) error {
	q := s.sql.Update("chats").
		Set(column, value).
		Where(sq.Eq{"id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update chat %s query: %w", column, err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update chat %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChat removes the chat row and hard-purges its messages and tool
// log. Message soft-delete flags cover everything short of this.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	for _, table := range []string{"messages", "tool_log"} {
		q := s.sql.Delete(table).Where(sq.Eq{"chat_id": chatID})
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build purge %s query: %w", table, err)
		}
		if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
	}

	q := s.sql.Delete("chats").Where(sq.Eq{"id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete chat query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecentMessages returns up to limit non-deleted turns of a chat in
// insertion order, the canonical conversation order.
func (s *Store) ListRecentMessages(ctx context.Context, chatID string, limit uint64) ([]model.Message, error) {
	q := s.sql.Select("id", "chat_id", "character_id", "profile_id", "from_ai", "content", "is_edited", "is_deleted", "created_at").
		From("messages").
		Where(sq.Eq{"chat_id": chatID, "is_deleted": false}).
		OrderBy("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]model.Message, 0)
	for rows.Next() {
		var m model.Message
		var createdAt time.Time
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Character, &m.Profile, &m.FromAI, &m.Content, &m.IsEdited, &m.IsDeleted, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.CreatedAt = createdAt
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (s *Store) CountMessages(ctx context.Context, chatID string) (int64, error) {
	q := s.sql.Select("COUNT(*)").From("messages").Where(sq.Eq{"chat_id": chatID, "is_deleted": false})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count messages query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// LogToolCall commits one tool invocation to the chat's audit trail.
func (s *Store) LogToolCall(ctx context.Context, e ToolLogEntry) error {
	if strings.TrimSpace(e.ArgsJSON) == "" {
		e.ArgsJSON = "{}"
	}
	if !json.Valid([]byte(e.ArgsJSON)) {
		e.ArgsJSON = "{}"
	}

	q := s.sql.Insert("tool_log").
		Columns("chat_id", "tool", "args_json", "result", "error").
		Values(e.ChatID, e.Tool, e.ArgsJSON, e.Result, e.Error)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build tool log query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert tool log entry: %w", err)
	}
	return nil
}
