package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type User struct {
	ID       int64  `json:"-"`
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	Email    string `json:"email"`
}

const userColumns = "id, uuid, username, COALESCE(nickname, ''), COALESCE(avatar, ''), COALESCE(email, '')"

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.UUID, &u.Username, &u.Nickname, &u.Avatar, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser registers a new account with a bcrypt-hashed password.
func (s *Store) CreateUser(ctx context.Context, username, password, nickname, email string) (*User, error) {
	if nickname == "" {
		nickname = username
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	id := uuid.NewString()
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO users (uuid, username, password, nickname, avatar, email, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '', ?, ?, ?)`,
		id, username, string(hash), nickname, email, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrConflict
		}
		return nil, err
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &User{ID: rowID, UUID: id, Username: username, Nickname: nickname, Email: email}, nil
}

// Authenticate verifies the username/password pair. A missing user and a
// wrong password are indistinguishable to the caller.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*User, error) {
	var u User
	var hash string
	err := s.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+`, password FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.UUID, &u.Username, &u.Nickname, &u.Avatar, &u.Email, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrNotFound
	}
	return &u, nil
}

// UserByUUID resolves an identity to its user record.
func (s *Store) UserByUUID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE uuid = ?`, id))
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

// UpdateUser patches nickname, email and optionally the password.
func (s *Store) UpdateUser(ctx context.Context, id, nickname, email, password string) error {
	u, err := s.UserByUUID(ctx, id)
	if err != nil {
		return err
	}
	if nickname == "" {
		nickname = u.Nickname
	}
	if email == "" {
		email = u.Email
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
		if err != nil {
			return err
		}
		_, err = s.conn.ExecContext(ctx,
			`UPDATE users SET nickname = ?, email = ?, password = ?, updated_at = ? WHERE uuid = ?`,
			nickname, email, string(hash), now, id)
		return err
	}
	_, err = s.conn.ExecContext(ctx,
		`UPDATE users SET nickname = ?, email = ?, updated_at = ? WHERE uuid = ?`,
		nickname, email, now, id)
	return err
}

func (s *Store) UpdateAvatar(ctx context.Context, id, avatar string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE users SET avatar = ?, updated_at = ? WHERE uuid = ?`,
		avatar, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Friends returns the friend list of the given user.
func (s *Store) Friends(ctx context.Context, id string) ([]User, error) {
	owner, err := s.UserByUUID(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT u.id, u.uuid, u.username, COALESCE(u.nickname, ''), COALESCE(u.avatar, ''), COALESCE(u.email, '')
		 FROM user_friends f
		 JOIN users u ON u.id = f.friend_id
		 WHERE f.user_id = ?
		 ORDER BY u.username`, owner.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.UUID, &u.Username, &u.Nickname, &u.Avatar, &u.Email); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// AddFriend creates a bidirectional friendship between the user and the named
// account.
func (s *Store) AddFriend(ctx context.Context, id, friendUsername string) (*User, error) {
	owner, err := s.UserByUUID(ctx, id)
	if err != nil {
		return nil, err
	}
	friend, err := s.UserByUsername(ctx, friendUsername)
	if err != nil {
		return nil, err
	}
	if owner.ID == friend.ID {
		return nil, ErrConflict
	}

	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, pair := range [][2]int64{{owner.ID, friend.ID}, {friend.ID, owner.ID}} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_friends (user_id, friend_id, created_at) VALUES (?, ?, ?)`,
			pair[0], pair[1], now); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return nil, ErrConflict
			}
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return friend, nil
}
