package store

import (
	"context"
	"time"
)

// MessageRecord is the persisted form of a routed message. Direct messages
// address a user row, group messages address a group row.
type MessageRecord struct {
	ID          int64
	FromUserID  int64
	ToUserID    int64
	Content     string
	URL         string
	MessageType int
	ContentType int
	CreatedAt   time.Time
}

// HistoryMessage is a stored message joined with sender details, as returned
// by the history queries.
type HistoryMessage struct {
	ID           int64  `json:"id"`
	From         string `json:"from"`
	FromUsername string `json:"fromUsername"`
	FromNickname string `json:"fromNickname"`
	FromAvatar   string `json:"fromAvatar"`
	Content      string `json:"content"`
	URL          string `json:"url"`
	MessageType  int    `json:"messageType"`
	ContentType  int    `json:"contentType"`
	CreatedAt    string `json:"createdAt"`
}

// SaveMessage persists a message and fills in its ID and timestamp.
func (s *Store) SaveMessage(ctx context.Context, rec *MessageRecord) error {
	rec.CreatedAt = time.Now().UTC()
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO messages (from_user_id, to_user_id, content, url, message_type, content_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.FromUserID, rec.ToUserID, rec.Content, rec.URL, rec.MessageType, rec.ContentType,
		rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	rec.ID, err = res.LastInsertId()
	return err
}

const historyColumns = `m.id, u.uuid, u.username, COALESCE(u.nickname, ''), COALESCE(u.avatar, ''),
		COALESCE(m.content, ''), COALESCE(m.url, ''), m.message_type, m.content_type, m.created_at`

// DirectHistory returns the pairwise conversation between two users, newest
// first.
func (s *Store) DirectHistory(ctx context.Context, userUUID, friendUUID string, limit, offset int) ([]HistoryMessage, error) {
	user, err := s.UserByUUID(ctx, userUUID)
	if err != nil {
		return nil, err
	}
	friend, err := s.UserByUUID(ctx, friendUUID)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+historyColumns+`
		 FROM messages m
		 JOIN users u ON u.id = m.from_user_id
		 WHERE m.message_type = 1
		   AND ((m.from_user_id = ? AND m.to_user_id = ?) OR (m.from_user_id = ? AND m.to_user_id = ?))
		 ORDER BY m.created_at DESC
		 LIMIT ? OFFSET ?`,
		user.ID, friend.ID, friend.ID, user.ID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistory(rows)
}

// GroupHistory returns a group's conversation, newest first.
func (s *Store) GroupHistory(ctx context.Context, groupUUID string, limit, offset int) ([]HistoryMessage, error) {
	group, err := s.GroupByUUID(ctx, groupUUID)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+historyColumns+`
		 FROM messages m
		 JOIN users u ON u.id = m.from_user_id
		 WHERE m.message_type = 2 AND m.to_user_id = ?
		 ORDER BY m.created_at DESC
		 LIMIT ? OFFSET ?`,
		group.ID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistory(rows)
}

type historyRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanHistory(rows historyRows) ([]HistoryMessage, error) {
	var out []HistoryMessage
	for rows.Next() {
		var m HistoryMessage
		if err := rows.Scan(&m.ID, &m.From, &m.FromUsername, &m.FromNickname, &m.FromAvatar,
			&m.Content, &m.URL, &m.MessageType, &m.ContentType, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
