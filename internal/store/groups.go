package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Group struct {
	ID      int64  `json:"-"`
	UUID    string `json:"uuid"`
	OwnerID int64  `json:"-"`
	Name    string `json:"name"`
	Notice  string `json:"notice"`
}

// GroupMember is a member row joined with its user record.
type GroupMember struct {
	UserID   int64  `json:"-"`
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	Mute     int    `json:"mute"`
}

// CreateGroup creates a group and enrolls the owner as its first member.
func (s *Store) CreateGroup(ctx context.Context, ownerUUID, name, notice string) (*Group, error) {
	owner, err := s.UserByUUID(ctx, ownerUUID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	id := uuid.NewString()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO groups (uuid, user_id, name, notice, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, owner.ID, name, notice, now, now)
	if err != nil {
		return nil, err
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO group_members (user_id, group_id, nickname, mute, created_at) VALUES (?, ?, ?, 0, ?)`,
		owner.ID, rowID, owner.Nickname, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Group{ID: rowID, UUID: id, OwnerID: owner.ID, Name: name, Notice: notice}, nil
}

// GroupByUUID resolves a group identity.
func (s *Store) GroupByUUID(ctx context.Context, id string) (*Group, error) {
	var g Group
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, uuid, user_id, name, COALESCE(notice, '') FROM groups WHERE uuid = ?`, id).
		Scan(&g.ID, &g.UUID, &g.OwnerID, &g.Name, &g.Notice)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// JoinGroup enrolls a user in a group.
func (s *Store) JoinGroup(ctx context.Context, userUUID, groupUUID, nickname string) error {
	user, err := s.UserByUUID(ctx, userUUID)
	if err != nil {
		return err
	}
	group, err := s.GroupByUUID(ctx, groupUUID)
	if err != nil {
		return err
	}
	if nickname == "" {
		nickname = user.Nickname
	}

	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO group_members (user_id, group_id, nickname, mute, created_at) VALUES (?, ?, ?, 0, ?)`,
		user.ID, group.ID, nickname, time.Now().UTC().Format(time.RFC3339))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrConflict
	}
	return err
}

// LeaveGroup removes a membership. The owner cannot leave their own group.
func (s *Store) LeaveGroup(ctx context.Context, userUUID, groupUUID string) error {
	user, err := s.UserByUUID(ctx, userUUID)
	if err != nil {
		return err
	}
	group, err := s.GroupByUUID(ctx, groupUUID)
	if err != nil {
		return err
	}
	if group.OwnerID == user.ID {
		return ErrConflict
	}

	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM group_members WHERE user_id = ? AND group_id = ?`, user.ID, group.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GroupMembers lists the members of a group with their user records.
func (s *Store) GroupMembers(ctx context.Context, groupUUID string) ([]GroupMember, error) {
	group, err := s.GroupByUUID(ctx, groupUUID)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT u.id, u.uuid, u.username, COALESCE(gm.nickname, COALESCE(u.nickname, '')), COALESCE(u.avatar, ''), gm.mute
		 FROM group_members gm
		 JOIN users u ON u.id = gm.user_id
		 WHERE gm.group_id = ?
		 ORDER BY gm.id`, group.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GroupMember
	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.UserID, &m.UUID, &m.Username, &m.Nickname, &m.Avatar, &m.Mute); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UserGroups lists the groups the user belongs to.
func (s *Store) UserGroups(ctx context.Context, userUUID string) ([]Group, error) {
	user, err := s.UserByUUID(ctx, userUUID)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT g.id, g.uuid, g.user_id, g.name, COALESCE(g.notice, '')
		 FROM groups g
		 JOIN group_members gm ON gm.group_id = g.id
		 WHERE gm.user_id = ?
		 ORDER BY g.id`, user.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.UUID, &g.OwnerID, &g.Name, &g.Notice); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
