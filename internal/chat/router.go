// Package chat routes messages: direct send to one recipient, group fan-out
// to every online member. Persistence always happens before any push, so a
// delivered message is always durably recorded.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/liudong-work/funnychatbackend/internal/registry"
	"github.com/liudong-work/funnychatbackend/internal/store"
	"github.com/liudong-work/funnychatbackend/pkg/protocol"
)

var (
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrGroupNotFound     = errors.New("group not found")
	ErrNotAMember        = errors.New("sender is not a group member")
	ErrSenderUnknown     = errors.New("sender not found")
)

// PersistenceError wraps a data-layer failure; it aborts the whole route call
// before any push happens.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence failure: %v", e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is the slice of the data layer the router consumes.
type Store interface {
	UserByUUID(ctx context.Context, id string) (*store.User, error)
	GroupByUUID(ctx context.Context, id string) (*store.Group, error)
	GroupMembers(ctx context.Context, groupUUID string) ([]store.GroupMember, error)
	SaveMessage(ctx context.Context, rec *store.MessageRecord) error
}

// Attachments stores binary payloads carried on send_message.
type Attachments interface {
	SaveAttachment(data []byte, contentType protocol.ContentKind) (string, error)
}

// Receipt reports how far a routed message reached.
type Receipt struct {
	Message   *protocol.ChatMessage
	Delivered int
	Total     int
}

type Router struct {
	store       Store
	attachments Attachments
	registry    *registry.Registry
	logger      *slog.Logger
}

func NewRouter(st Store, att Attachments, reg *registry.Registry, logger *slog.Logger) *Router {
	return &Router{
		store:       st,
		attachments: att,
		registry:    reg,
		logger:      logger.With(slog.String("component", "chat_router")),
	}
}

// Route persists and delivers one message from the given sender identity.
func (r *Router) Route(ctx context.Context, from string, req protocol.SendMessage) (*Receipt, error) {
	switch req.MessageType {
	case protocol.KindDirect:
		return r.routeDirect(ctx, from, req)
	case protocol.KindGroup:
		return r.routeGroup(ctx, from, req)
	default:
		return nil, fmt.Errorf("unsupported message type %d", req.MessageType)
	}
}

func (r *Router) routeDirect(ctx context.Context, from string, req protocol.SendMessage) (*Receipt, error) {
	sender, err := r.store.UserByUUID(ctx, from)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSenderUnknown
		}
		return nil, &PersistenceError{Err: err}
	}
	recipient, err := r.store.UserByUUID(ctx, req.To)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRecipientNotFound
		}
		return nil, &PersistenceError{Err: err}
	}

	msg, err := r.persist(ctx, sender, recipient.ID, req)
	if err != nil {
		return nil, err
	}

	// Offline recipients are "stored, not pushed"; history serves them later.
	delivered := 0
	if conn, ok := r.registry.Lookup(req.To); ok {
		conn.Send(protocol.MustEncode(protocol.EventMessage, msg))
		delivered = 1
	} else {
		r.logger.Debug("Recipient offline, message stored", slog.String("to", req.To))
	}

	return &Receipt{Message: msg, Delivered: delivered, Total: 1}, nil
}

func (r *Router) routeGroup(ctx context.Context, from string, req protocol.SendMessage) (*Receipt, error) {
	sender, err := r.store.UserByUUID(ctx, from)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSenderUnknown
		}
		return nil, &PersistenceError{Err: err}
	}
	group, err := r.store.GroupByUUID(ctx, req.To)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, &PersistenceError{Err: err}
	}
	members, err := r.store.GroupMembers(ctx, req.To)
	if err != nil {
		return nil, &PersistenceError{Err: err}
	}

	isMember := false
	for _, m := range members {
		if m.UUID == from {
			isMember = true
			break
		}
	}
	if !isMember {
		return nil, ErrNotAMember
	}

	msg, err := r.persist(ctx, sender, group.ID, req)
	if err != nil {
		return nil, err
	}

	// Fan out to every member with a live connection, the sender's echo
	// included. A member that went offline since the snapshot is skipped.
	delivered := 0
	frame := protocol.MustEncode(protocol.EventMessage, msg)
	for _, m := range members {
		if conn, ok := r.registry.Lookup(m.UUID); ok {
			conn.Send(frame)
			delivered++
		}
	}
	r.logger.Info("Group message fanned out",
		slog.String("group", req.To),
		slog.Int("delivered", delivered),
		slog.Int("members", len(members)),
	)

	return &Receipt{Message: msg, Delivered: delivered, Total: len(members)}, nil
}

// persist saves the attachment (if any) and the message row, then builds the
// deliverable payload. Any failure here aborts routing before a single push.
func (r *Router) persist(ctx context.Context, sender *store.User, toID int64, req protocol.SendMessage) (*protocol.ChatMessage, error) {
	url := ""
	if len(req.File) > 0 {
		var err error
		url, err = r.attachments.SaveAttachment(req.File, req.ContentType)
		if err != nil {
			return nil, &PersistenceError{Err: err}
		}
	}

	rec := &store.MessageRecord{
		FromUserID:  sender.ID,
		ToUserID:    toID,
		Content:     req.Content,
		URL:         url,
		MessageType: int(req.MessageType),
		ContentType: int(req.ContentType),
	}
	if err := r.store.SaveMessage(ctx, rec); err != nil {
		return nil, &PersistenceError{Err: err}
	}

	return &protocol.ChatMessage{
		From:         sender.UUID,
		FromUsername: sender.Username,
		To:           req.To,
		Content:      req.Content,
		URL:          url,
		MessageType:  req.MessageType,
		ContentType:  req.ContentType,
		Timestamp:    time.Now().UnixMilli(),
	}, nil
}
