package store

import (
	"context"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// Chat roles stored in the transcript.
const (
	RoleHuman = "human"
	RoleAI    = "ai"
)

var historySchema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (chat_id);`,
}

// AddMessage appends one line to a chat's transcript.
func (s *SQLiteStore) AddMessage(ctx context.Context, chatID, role, content string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO messages (chat_id, role, content, timestamp) VALUES (?, ?, ?, ?)`,
		chatID, role, content, fmtTime(time.Now().UTC()))
	return err
}

// History returns the last limit messages of a chat in chronological order.
func (s *SQLiteStore) History(ctx context.Context, chatID string, limit int) ([]llms.MessageContent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT role, content FROM messages WHERE chat_id = ? ORDER BY id DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []llms.MessageContent
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}

		msgRole := llms.ChatMessageTypeHuman
		switch role {
		case RoleAI:
			msgRole = llms.ChatMessageTypeAI
		case "system":
			msgRole = llms.ChatMessageTypeSystem
		}

		history = append(history, llms.MessageContent{
			Role:  msgRole,
			Parts: []llms.ContentPart{llms.TextPart(content)},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}
