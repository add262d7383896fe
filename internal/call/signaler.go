// Package call implements WebRTC call signaling: per-call sessions moving
// through calling → ringing → connected/rejected → ended, call rooms scoping
// ICE and stream-state relay to the two participants, and teardown on hangup
// or disconnect.
package call

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liudong-work/funnychatbackend/internal/registry"
	"github.com/liudong-work/funnychatbackend/pkg/protocol"
)

var (
	ErrSessionNotFound  = errors.New("call session not found")
	ErrInvalidCandidate = errors.New("invalid ice candidate")
	ErrCallIDInUse      = errors.New("call id already in use")
)

type Status string

const (
	StatusCalling   Status = "calling"
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusRejected  Status = "rejected"
	StatusEnded     Status = "ended"
)

// Session is one call attempt or active call.
type Session struct {
	ID        string
	From      string
	To        string
	Kind      protocol.CallKind
	Status    Status
	Answerer  string
	CreatedAt time.Time
	EndedAt   time.Time
}

func (s *Session) other(identity string) string {
	if identity == s.From {
		return s.To
	}
	return s.From
}

// Room groups the two participants of a connected call; relay of ICE
// candidates and stream changes is scoped to it. A room never outlives its
// session.
type Room struct {
	ID           string
	CallID       string
	Participants map[string]struct{}
	CreatedAt    time.Time
}

func (r *Room) Has(identity string) bool {
	_, ok := r.Participants[identity]
	return ok
}

func roomID(callID string) string { return "call_" + callID }

// Signaler owns the session and room maps. A single mutex guards both, which
// also serializes answer/relay/hangup per call id.
type Signaler struct {
	mu    sync.Mutex
	calls map[string]*Session
	rooms map[string]*Room

	registry *registry.Registry
	logger   *slog.Logger
	now      func() time.Time
}

func NewSignaler(reg *registry.Registry, logger *slog.Logger) *Signaler {
	return &Signaler{
		calls:    make(map[string]*Session),
		rooms:    make(map[string]*Room),
		registry: reg,
		logger:   logger.With(slog.String("component", "call_signaler")),
		now:      time.Now,
	}
}

// Start initiates a call. If the callee is online the session moves to
// ringing and the callee is sent call_incoming; if not, the session is
// discarded immediately and the returned status is "offline".
func (s *Signaler) Start(from, fromUsername string, req protocol.CallStart) (*protocol.CallStatus, error) {
	callID := req.CallID

	s.mu.Lock()
	if callID == "" {
		callID = uuid.NewString()
		for s.calls[callID] != nil {
			callID = uuid.NewString()
		}
	} else if s.calls[callID] != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCallIDInUse, callID)
	}

	session := &Session{
		ID:        callID,
		From:      from,
		To:        req.To,
		Kind:      req.CallType,
		Status:    StatusCalling,
		CreatedAt: s.now(),
	}
	s.calls[callID] = session

	calleeConn, online := s.registry.Lookup(req.To)
	if !online {
		delete(s.calls, callID)
		s.mu.Unlock()
		s.logger.Info("Callee offline, call not placed",
			slog.String("callID", callID), slog.String("to", req.To))
		return &protocol.CallStatus{CallID: callID, Status: "offline", Message: "peer is offline"}, nil
	}

	session.Status = StatusRinging
	s.mu.Unlock()

	calleeConn.Send(protocol.MustEncode(protocol.EventCallIncoming, protocol.CallIncoming{
		CallID:       callID,
		From:         from,
		FromUsername: fromUsername,
		CallType:     req.CallType,
		Timestamp:    session.CreatedAt.UnixMilli(),
	}))
	s.logger.Info("Call ringing",
		slog.String("callID", callID), slog.String("from", from), slog.String("to", req.To))

	return &protocol.CallStatus{CallID: callID, Status: "ringing"}, nil
}

// Answer resolves a ringing call. Accepting creates the call room and relays
// the answer SDP to the caller; declining tears the session down. Only the
// callee may answer; anyone else holding the call id gets the same error as
// for a dead session, so session existence is not leaked.
func (s *Signaler) Answer(identity string, req protocol.CallAnswer) error {
	s.mu.Lock()
	session, ok := s.calls[req.CallID]
	if !ok || session.Status != StatusRinging || session.To != identity {
		s.mu.Unlock()
		return ErrSessionNotFound
	}

	if !req.Accept {
		session.Status = StatusRejected
		delete(s.calls, req.CallID)
		s.mu.Unlock()

		if conn, ok := s.registry.Lookup(session.From); ok {
			conn.Send(protocol.MustEncode(protocol.EventCallRejected, protocol.CallRejected{
				CallID:   req.CallID,
				Rejecter: identity,
			}))
		}
		s.logger.Info("Call rejected", slog.String("callID", req.CallID), slog.String("by", identity))
		return nil
	}

	session.Status = StatusConnected
	session.Answerer = identity
	room := &Room{
		ID:     roomID(req.CallID),
		CallID: req.CallID,
		Participants: map[string]struct{}{
			session.From: {},
			session.To:   {},
		},
		CreatedAt: s.now(),
	}
	s.rooms[room.ID] = room
	s.mu.Unlock()

	if conn, ok := s.registry.Lookup(session.From); ok {
		conn.Send(protocol.MustEncode(protocol.EventCallAnswered, protocol.CallAnswered{
			CallID:   req.CallID,
			SDP:      req.SDP,
			Answerer: identity,
		}))
	}
	s.logger.Info("Call connected", slog.String("callID", req.CallID))
	return nil
}

// RelayCandidate forwards an ICE candidate to the named target, but only
// within the call's room. A target outside the room is dropped silently so
// signaling cannot leak to arbitrary identities.
func (s *Signaler) RelayCandidate(identity string, req protocol.IceCandidate) error {
	if len(req.Candidate) == 0 || string(req.Candidate) == "null" || string(req.Candidate) == `""` {
		return ErrInvalidCandidate
	}

	s.mu.Lock()
	session, ok := s.calls[req.CallID]
	if !ok || session.Status == StatusRejected || session.Status == StatusEnded {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	room, ok := s.rooms[roomID(req.CallID)]
	if !ok || !room.Has(identity) {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	inRoom := room.Has(req.Target)
	s.mu.Unlock()

	if !inRoom {
		s.logger.Warn("Dropping ice candidate for non-participant",
			slog.String("callID", req.CallID), slog.String("target", req.Target))
		return nil
	}

	if conn, ok := s.registry.Lookup(req.Target); ok {
		conn.Send(protocol.MustEncode(protocol.EventIceCandidate, protocol.IceCandidateRelay{
			CallID:    req.CallID,
			Candidate: req.Candidate,
			Sender:    identity,
		}))
	}
	return nil
}

// RelayStreamChange notifies the other room participants that the sender
// toggled an outgoing media stream.
func (s *Signaler) RelayStreamChange(identity string, req protocol.StreamChange) error {
	s.mu.Lock()
	_, ok := s.calls[req.CallID]
	room, roomOK := s.rooms[roomID(req.CallID)]
	var peers []string
	if ok && roomOK && room.Has(identity) {
		for p := range room.Participants {
			if p != identity {
				peers = append(peers, p)
			}
		}
	}
	s.mu.Unlock()

	if !ok || !roomOK {
		return ErrSessionNotFound
	}

	frame := protocol.MustEncode(protocol.EventStreamChanged, protocol.StreamChanged{
		CallID:     req.CallID,
		Sender:     identity,
		StreamType: req.StreamType,
		Enabled:    req.Enabled,
		Timestamp:  s.now().UnixMilli(),
	})
	for _, p := range peers {
		if conn, ok := s.registry.Lookup(p); ok {
			conn.Send(frame)
		}
	}
	return nil
}

// Hangup ends a call by explicit request. Every participant, the hanging-up
// party included, receives call_ended; the session and room are removed.
// Non-participants get the dead-session error.
func (s *Signaler) Hangup(identity string, callID string) error {
	s.mu.Lock()
	session, ok := s.calls[callID]
	if !ok || (session.From != identity && session.To != identity) {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.mu.Unlock()
	return s.end(callID, identity, "hangup", false)
}

// OnDisconnect tears down every session the identity participates in,
// notifying only the remaining peer.
func (s *Signaler) OnDisconnect(identity string) {
	s.mu.Lock()
	var affected []string
	for id, session := range s.calls {
		if session.From == identity || session.To == identity {
			affected = append(affected, id)
		}
	}
	s.mu.Unlock()

	for _, id := range affected {
		if err := s.end(id, identity, "peer_disconnected", true); err != nil {
			s.logger.Debug("Session already gone during disconnect cleanup", slog.String("callID", id))
		}
	}
}

// ActiveCalls reports the size of the session map.
func (s *Signaler) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// end applies the terminal transition, computes the notification set, and
// deletes session and room. With skipEnder the ending party is not notified
// (disconnect path); otherwise all participants are.
func (s *Signaler) end(callID, ender, reason string, skipEnder bool) error {
	s.mu.Lock()
	session, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}

	wasConnected := session.Status == StatusConnected
	session.Status = StatusEnded
	session.EndedAt = s.now()

	var targets []string
	if room, ok := s.rooms[roomID(callID)]; ok {
		for p := range room.Participants {
			if skipEnder && p == ender {
				continue
			}
			targets = append(targets, p)
		}
		delete(s.rooms, roomID(callID))
	} else {
		// Never connected: no room yet, tell the counterpart the call is over.
		other := session.other(ender)
		if !skipEnder {
			targets = append(targets, ender)
		}
		targets = append(targets, other)
	}
	delete(s.calls, callID)
	s.mu.Unlock()

	var duration *int64
	if wasConnected {
		d := session.EndedAt.Sub(session.CreatedAt).Milliseconds()
		if d < 0 {
			d = 0
		}
		duration = &d
	}

	frame := protocol.MustEncode(protocol.EventCallEnded, protocol.CallEnded{
		CallID:   callID,
		Ender:    ender,
		Reason:   reason,
		Duration: duration,
	})
	for _, t := range targets {
		if conn, ok := s.registry.Lookup(t); ok {
			conn.Send(frame)
		}
	}

	s.logger.Info("Call ended",
		slog.String("callID", callID),
		slog.String("by", ender),
		slog.String("reason", reason),
	)
	return nil
}
