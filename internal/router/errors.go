package router

import (
	"errors"
	"fmt"

	"github.com/liudong-work/funnychatbackend/internal/call"
	"github.com/liudong-work/funnychatbackend/internal/chat"
	"github.com/liudong-work/funnychatbackend/pkg/protocol"
)

type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return fmt.Sprintf("bad request: %v", e.err) }
func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &badRequestError{err: err}
}

// codeFor maps a core error to its wire error code.
func codeFor(err error) string {
	var persistence *chat.PersistenceError
	var malformed *badRequestError

	switch {
	case errors.Is(err, ErrNotRegistered), errors.Is(err, chat.ErrSenderUnknown):
		return protocol.CodeNotRegistered
	case errors.Is(err, chat.ErrRecipientNotFound):
		return protocol.CodeRecipientNotFound
	case errors.Is(err, chat.ErrGroupNotFound):
		return protocol.CodeGroupNotFound
	case errors.Is(err, chat.ErrNotAMember):
		return protocol.CodeNotAMember
	case errors.Is(err, call.ErrSessionNotFound):
		return protocol.CodeSessionNotFound
	case errors.Is(err, call.ErrInvalidCandidate):
		return protocol.CodeInvalidCandidate
	case errors.Is(err, call.ErrCallIDInUse):
		return protocol.CodeBadRequest
	case errors.As(err, &persistence):
		return protocol.CodePersistenceFailure
	case errors.As(err, &malformed):
		return protocol.CodeBadRequest
	default:
		return protocol.CodeBadRequest
	}
}
