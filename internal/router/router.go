// Package router dispatches inbound websocket events to the routing core:
// registration, chat messages, call signaling and heartbeat acks. Every
// failure is converted to an error event on the originating connection only.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/liudong-work/funnychatbackend/internal/call"
	"github.com/liudong-work/funnychatbackend/internal/chat"
	"github.com/liudong-work/funnychatbackend/internal/registry"
	"github.com/liudong-work/funnychatbackend/pkg/protocol"
)

// ErrNotRegistered guards every event other than register on a connection
// that never bound an identity.
var ErrNotRegistered = errors.New("connection is not registered")

// Conn is the inbound side of a transport connection as the router sees it.
type Conn interface {
	registry.Conn
	Identity() string
	BindIdentity(identity string)
	MarkAlive()
}

type EventRouter struct {
	registry *registry.Registry
	chat     *chat.Router
	calls    *call.Signaler
	logger   *slog.Logger
}

func NewEventRouter(reg *registry.Registry, chatRouter *chat.Router, signaler *call.Signaler, logger *slog.Logger) *EventRouter {
	return &EventRouter{
		registry: reg,
		chat:     chatRouter,
		calls:    signaler,
		logger:   logger.With(slog.String("component", "event_router")),
	}
}

// HandleMessage processes one inbound frame on behalf of conn. It never
// panics the connection loop; errors flow back as error events.
func (r *EventRouter) HandleMessage(ctx context.Context, conn Conn, raw []byte) {
	event := gjson.GetBytes(raw, "event").String()
	payload := []byte(gjson.GetBytes(raw, "payload").Raw)

	if event == "" {
		r.sendError(conn, protocol.CodeBadRequest, "frame is missing an event name")
		return
	}

	if event != protocol.EventRegister && conn.Identity() == "" {
		r.sendError(conn, protocol.CodeNotRegistered, ErrNotRegistered.Error())
		return
	}

	var err error
	switch event {
	case protocol.EventRegister:
		err = r.handleRegister(conn, payload)
	case protocol.EventSendMessage:
		err = r.handleSendMessage(ctx, conn, payload)
	case protocol.EventCallStart:
		err = r.handleCallStart(conn, payload)
	case protocol.EventCallAnswer:
		err = r.handleCallAnswer(conn, payload)
	case protocol.EventIceCandidate:
		err = r.handleIceCandidate(conn, payload)
	case protocol.EventCallReject:
		err = r.handleCallReject(conn, payload)
	case protocol.EventCallHangup:
		err = r.handleCallHangup(conn, payload)
	case protocol.EventStreamChange:
		err = r.handleStreamChange(conn, payload)
	case protocol.EventHeartbeat:
		conn.MarkAlive()
		conn.Send(protocol.MustEncode(protocol.EventHeartbeatAck, struct{}{}))
	default:
		r.logger.Warn("Received unknown event", slog.String("event", event))
		r.sendError(conn, protocol.CodeUnknownEvent, "unknown event: "+event)
		return
	}

	if err != nil {
		r.logger.Warn("Event handling failed",
			slog.String("event", event),
			slog.String("identity", conn.Identity()),
			slog.Any("error", err),
		)
		r.sendError(conn, codeFor(err), err.Error())
	}
}

func (r *EventRouter) handleRegister(conn Conn, payload []byte) error {
	var req protocol.Register
	if err := json.Unmarshal(payload, &req); err != nil {
		return badRequest(err)
	}
	if req.UUID == "" {
		return badRequest(errors.New("uuid must not be empty"))
	}

	conn.BindIdentity(req.UUID)
	r.registry.Register(req.UUID, req.Username, conn)
	return nil
}

func (r *EventRouter) handleSendMessage(ctx context.Context, conn Conn, payload []byte) error {
	var req protocol.SendMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		return badRequest(err)
	}

	receipt, err := r.chat.Route(ctx, conn.Identity(), req)
	if err != nil {
		return err
	}

	conn.Send(protocol.MustEncode(protocol.EventMessageSent, protocol.MessageSent{
		Success:   true,
		Message:   receipt.Message,
		Delivered: receipt.Delivered,
		Total:     receipt.Total,
	}))
	return nil
}

func (r *EventRouter) handleCallStart(conn Conn, payload []byte) error {
	var req protocol.CallStart
	if err := json.Unmarshal(payload, &req); err != nil {
		return badRequest(err)
	}
	if req.To == "" {
		return badRequest(errors.New("call target must not be empty"))
	}

	username := ""
	if e, ok := r.registry.Entry(conn.Identity()); ok {
		username = e.Username
	}
	status, err := r.calls.Start(conn.Identity(), username, req)
	if err != nil {
		return err
	}
	conn.Send(protocol.MustEncode(protocol.EventCallStatus, status))
	return nil
}

func (r *EventRouter) handleCallAnswer(conn Conn, payload []byte) error {
	var req protocol.CallAnswer
	if err := json.Unmarshal(payload, &req); err != nil {
		return badRequest(err)
	}
	return r.calls.Answer(conn.Identity(), req)
}

func (r *EventRouter) handleIceCandidate(conn Conn, payload []byte) error {
	var req protocol.IceCandidate
	if err := json.Unmarshal(payload, &req); err != nil {
		return badRequest(err)
	}
	return r.calls.RelayCandidate(conn.Identity(), req)
}

// call_reject arrives when the callee dismisses the incoming-call screen; it
// is an answer with accept=false.
func (r *EventRouter) handleCallReject(conn Conn, payload []byte) error {
	var req protocol.CallHangup
	if err := json.Unmarshal(payload, &req); err != nil {
		return badRequest(err)
	}
	return r.calls.Answer(conn.Identity(), protocol.CallAnswer{CallID: req.CallID, Accept: false})
}

func (r *EventRouter) handleCallHangup(conn Conn, payload []byte) error {
	var req protocol.CallHangup
	if err := json.Unmarshal(payload, &req); err != nil {
		return badRequest(err)
	}
	return r.calls.Hangup(conn.Identity(), req.CallID)
}

func (r *EventRouter) handleStreamChange(conn Conn, payload []byte) error {
	var req protocol.StreamChange
	if err := json.Unmarshal(payload, &req); err != nil {
		return badRequest(err)
	}
	return r.calls.RelayStreamChange(conn.Identity(), req)
}

func (r *EventRouter) sendError(conn Conn, code, message string) {
	conn.Send(protocol.MustEncode(protocol.EventError, protocol.Error{
		Code:    code,
		Message: message,
	}))
}
