package call_test

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/liudong-work/funnychatbackend/internal/call"
	"github.com/liudong-work/funnychatbackend/internal/registry"
	"github.com/liudong-work/funnychatbackend/pkg/protocol"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeConn struct {
	id uuid.UUID

	mu   sync.Mutex
	sent [][]byte
}

func newFakeConn() *fakeConn                { return &fakeConn{id: uuid.New()} }
func (c *fakeConn) ID() uuid.UUID           { return c.id }
func (c *fakeConn) Close(err error)         {}
func (c *fakeConn) Alive() bool             { return true }
func (c *fakeConn) ResetAlive() bool        { return true }
func (c *fakeConn) Send(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
}

func (c *fakeConn) frames(t *testing.T) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(c.sent))
	for _, raw := range c.sent {
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("sent frame is not valid JSON: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) lastFrame(t *testing.T) protocol.Envelope {
	t.Helper()
	frames := c.frames(t)
	if len(frames) == 0 {
		t.Fatal("no frames were sent")
	}
	return frames[len(frames)-1]
}

type fixture struct {
	signaler *call.Signaler
	registry *registry.Registry
	caller   *fakeConn
	callee   *fakeConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New(newTestLogger())
	f := &fixture{
		signaler: call.NewSignaler(reg, newTestLogger()),
		registry: reg,
		caller:   newFakeConn(),
		callee:   newFakeConn(),
	}
	reg.Register("caller", "alice", f.caller)
	reg.Register("callee", "bob", f.callee)
	return f
}

func (f *fixture) ringingCall(t *testing.T) string {
	t.Helper()
	status, err := f.signaler.Start("caller", "alice", protocol.CallStart{
		To:       "callee",
		CallType: protocol.CallVideo,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status.Status != "ringing" {
		t.Fatalf("Expected ringing, got %s", status.Status)
	}
	return status.CallID
}

func (f *fixture) connectedCall(t *testing.T) string {
	t.Helper()
	callID := f.ringingCall(t)
	if err := f.signaler.Answer("callee", protocol.CallAnswer{CallID: callID, Accept: true, SDP: json.RawMessage(`{"type":"answer"}`)}); err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	return callID
}

// --- Start ---

func TestStartRingsCallee(t *testing.T) {
	f := newFixture(t)
	callID := f.ringingCall(t)

	frame := f.callee.lastFrame(t)
	if frame.Event != protocol.EventCallIncoming {
		t.Fatalf("Expected call_incoming, got %s", frame.Event)
	}
	var incoming protocol.CallIncoming
	if err := json.Unmarshal(frame.Payload, &incoming); err != nil {
		t.Fatalf("Invalid call_incoming payload: %v", err)
	}
	if incoming.CallID != callID || incoming.From != "caller" || incoming.FromUsername != "alice" {
		t.Errorf("Unexpected call_incoming payload: %+v", incoming)
	}
	if f.signaler.ActiveCalls() != 1 {
		t.Errorf("Expected 1 active call, got %d", f.signaler.ActiveCalls())
	}
}

func TestStartOfflineCallee(t *testing.T) {
	f := newFixture(t)
	status, err := f.signaler.Start("caller", "alice", protocol.CallStart{
		To:       "ghost",
		CallType: protocol.CallAudio,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if status.Status != "offline" {
		t.Errorf("Expected offline status, got %s", status.Status)
	}
	if f.signaler.ActiveCalls() != 0 {
		t.Errorf("Offline call attempt left a session behind")
	}
}

func TestStartRejectsDuplicateCallID(t *testing.T) {
	f := newFixture(t)
	callID := f.ringingCall(t)

	_, err := f.signaler.Start("caller", "alice", protocol.CallStart{
		To:       "callee",
		CallType: protocol.CallVideo,
		CallID:   callID,
	})
	if !errors.Is(err, call.ErrCallIDInUse) {
		t.Errorf("Expected ErrCallIDInUse, got %v", err)
	}
}

// --- Answer ---

func TestAnswerAcceptConnectsAndRelaysSDP(t *testing.T) {
	f := newFixture(t)
	callID := f.connectedCall(t)

	frame := f.caller.lastFrame(t)
	if frame.Event != protocol.EventCallAnswered {
		t.Fatalf("Expected call_answered, got %s", frame.Event)
	}
	var answered protocol.CallAnswered
	if err := json.Unmarshal(frame.Payload, &answered); err != nil {
		t.Fatalf("Invalid call_answered payload: %v", err)
	}
	if answered.CallID != callID || answered.Answerer != "callee" {
		t.Errorf("Unexpected call_answered payload: %+v", answered)
	}
	if len(answered.SDP) == 0 {
		t.Error("Answer SDP was not relayed to the caller")
	}
}

func TestAnswerRejectTearsDown(t *testing.T) {
	f := newFixture(t)
	callID := f.ringingCall(t)

	if err := f.signaler.Answer("callee", protocol.CallAnswer{CallID: callID, Accept: false}); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	frame := f.caller.lastFrame(t)
	if frame.Event != protocol.EventCallRejected {
		t.Fatalf("Expected call_rejected, got %s", frame.Event)
	}
	if f.signaler.ActiveCalls() != 0 {
		t.Error("Rejected call left a session behind")
	}

	// Answering again must fail: the session is gone.
	err := f.signaler.Answer("callee", protocol.CallAnswer{CallID: callID, Accept: true})
	if !errors.Is(err, call.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound for dead session, got %v", err)
	}
}

func TestAnswerRestrictedToCallee(t *testing.T) {
	f := newFixture(t)
	callID := f.ringingCall(t)

	outsider := newFakeConn()
	f.registry.Register("outsider", "eve", outsider)

	// Neither a third party nor the caller may answer.
	for _, identity := range []string{"outsider", "caller"} {
		err := f.signaler.Answer(identity, protocol.CallAnswer{CallID: callID, Accept: true})
		if !errors.Is(err, call.ErrSessionNotFound) {
			t.Errorf("%s answering: expected ErrSessionNotFound, got %v", identity, err)
		}
	}
	if f.signaler.ActiveCalls() != 1 {
		t.Error("Foreign answer attempt disturbed the session")
	}
}

func TestAnswerUnknownCall(t *testing.T) {
	f := newFixture(t)
	err := f.signaler.Answer("callee", protocol.CallAnswer{CallID: "no-such-call", Accept: true})
	if !errors.Is(err, call.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

// --- ICE relay ---

func TestRelayCandidateWithinRoom(t *testing.T) {
	f := newFixture(t)
	callID := f.connectedCall(t)

	err := f.signaler.RelayCandidate("caller", protocol.IceCandidate{
		CallID:    callID,
		Candidate: json.RawMessage(`{"candidate":"candidate:1"}`),
		Target:    "callee",
	})
	if err != nil {
		t.Fatalf("RelayCandidate failed: %v", err)
	}

	frame := f.callee.lastFrame(t)
	if frame.Event != protocol.EventIceCandidate {
		t.Fatalf("Expected ice_candidate, got %s", frame.Event)
	}
	var relay protocol.IceCandidateRelay
	if err := json.Unmarshal(frame.Payload, &relay); err != nil {
		t.Fatalf("Invalid relay payload: %v", err)
	}
	if relay.Sender != "caller" || relay.CallID != callID {
		t.Errorf("Unexpected relay payload: %+v", relay)
	}
}

func TestRelayCandidateRejectsEmpty(t *testing.T) {
	f := newFixture(t)
	callID := f.connectedCall(t)

	for _, candidate := range []string{"", "null", `""`} {
		err := f.signaler.RelayCandidate("caller", protocol.IceCandidate{
			CallID:    callID,
			Candidate: json.RawMessage(candidate),
			Target:    "callee",
		})
		if !errors.Is(err, call.ErrInvalidCandidate) {
			t.Errorf("Candidate %q: expected ErrInvalidCandidate, got %v", candidate, err)
		}
	}
}

func TestRelayCandidateDropsNonParticipant(t *testing.T) {
	f := newFixture(t)
	callID := f.connectedCall(t)

	// A third, online user who is not in the call room.
	outsider := newFakeConn()
	f.registry.Register("outsider", "eve", outsider)
	before := len(outsider.sent)

	err := f.signaler.RelayCandidate("caller", protocol.IceCandidate{
		CallID:    callID,
		Candidate: json.RawMessage(`{"candidate":"candidate:1"}`),
		Target:    "outsider",
	})
	if err != nil {
		t.Fatalf("Expected silent drop, got error: %v", err)
	}
	if len(outsider.sent) != before {
		t.Error("Candidate leaked outside the call room")
	}
}

func TestRelayCandidateRequiresConnectedCall(t *testing.T) {
	f := newFixture(t)
	callID := f.ringingCall(t) // no room yet

	err := f.signaler.RelayCandidate("caller", protocol.IceCandidate{
		CallID:    callID,
		Candidate: json.RawMessage(`{"candidate":"candidate:1"}`),
		Target:    "callee",
	})
	if !errors.Is(err, call.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound before answer, got %v", err)
	}
}

// --- Stream changes ---

func TestStreamChangeReachesPeerOnly(t *testing.T) {
	f := newFixture(t)
	callID := f.connectedCall(t)
	before := len(f.caller.sent)

	err := f.signaler.RelayStreamChange("caller", protocol.StreamChange{
		CallID:     callID,
		StreamType: "video",
		Enabled:    false,
	})
	if err != nil {
		t.Fatalf("RelayStreamChange failed: %v", err)
	}

	frame := f.callee.lastFrame(t)
	if frame.Event != protocol.EventStreamChanged {
		t.Fatalf("Expected stream_changed, got %s", frame.Event)
	}
	var changed protocol.StreamChanged
	if err := json.Unmarshal(frame.Payload, &changed); err != nil {
		t.Fatalf("Invalid stream_changed payload: %v", err)
	}
	if changed.Sender != "caller" || changed.StreamType != "video" || changed.Enabled {
		t.Errorf("Unexpected stream_changed payload: %+v", changed)
	}
	if len(f.caller.sent) != before {
		t.Error("Sender received its own stream_changed echo")
	}
}

// --- Hangup and disconnect ---

func TestHangupNotifiesAllParticipantsWithDuration(t *testing.T) {
	f := newFixture(t)
	callID := f.connectedCall(t)

	if err := f.signaler.Hangup("caller", callID); err != nil {
		t.Fatalf("Hangup failed: %v", err)
	}

	for name, conn := range map[string]*fakeConn{"caller": f.caller, "callee": f.callee} {
		frame := conn.lastFrame(t)
		if frame.Event != protocol.EventCallEnded {
			t.Fatalf("%s: expected call_ended, got %s", name, frame.Event)
		}
		var ended protocol.CallEnded
		if err := json.Unmarshal(frame.Payload, &ended); err != nil {
			t.Fatalf("%s: invalid call_ended payload: %v", name, err)
		}
		if ended.CallID != callID || ended.Ender != "caller" || ended.Reason != "hangup" {
			t.Errorf("%s: unexpected call_ended payload: %+v", name, ended)
		}
		if ended.Duration == nil || *ended.Duration < 0 {
			t.Errorf("%s: expected non-negative duration for connected call, got %v", name, ended.Duration)
		}
	}

	if f.signaler.ActiveCalls() != 0 {
		t.Error("Hangup left a session behind")
	}
	if err := f.signaler.Hangup("caller", callID); !errors.Is(err, call.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound on duplicate hangup, got %v", err)
	}
}

func TestHangupRestrictedToParticipants(t *testing.T) {
	f := newFixture(t)
	callID := f.connectedCall(t)

	outsider := newFakeConn()
	f.registry.Register("outsider", "eve", outsider)

	if err := f.signaler.Hangup("outsider", callID); !errors.Is(err, call.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound for foreign hangup, got %v", err)
	}
	if f.signaler.ActiveCalls() != 1 {
		t.Error("Foreign hangup tore down the call")
	}

	err := f.signaler.RelayCandidate("outsider", protocol.IceCandidate{
		CallID:    callID,
		Candidate: json.RawMessage(`{"candidate":"candidate:1"}`),
		Target:    "callee",
	})
	if !errors.Is(err, call.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound for foreign candidate, got %v", err)
	}
}

func TestHangupBeforeAnswerOmitsDuration(t *testing.T) {
	f := newFixture(t)
	callID := f.ringingCall(t)

	if err := f.signaler.Hangup("caller", callID); err != nil {
		t.Fatalf("Hangup failed: %v", err)
	}

	frame := f.callee.lastFrame(t)
	if frame.Event != protocol.EventCallEnded {
		t.Fatalf("Expected call_ended to callee, got %s", frame.Event)
	}
	var ended protocol.CallEnded
	if err := json.Unmarshal(frame.Payload, &ended); err != nil {
		t.Fatalf("Invalid call_ended payload: %v", err)
	}
	if ended.Duration != nil {
		t.Errorf("Expected no duration for a call that never connected, got %d", *ended.Duration)
	}
}

func TestDisconnectNotifiesRemainingPeerOnly(t *testing.T) {
	f := newFixture(t)
	callID := f.connectedCall(t)
	calleeBefore := len(f.callee.sent)

	f.signaler.OnDisconnect("callee")

	frame := f.caller.lastFrame(t)
	if frame.Event != protocol.EventCallEnded {
		t.Fatalf("Expected call_ended to remaining peer, got %s", frame.Event)
	}
	var ended protocol.CallEnded
	if err := json.Unmarshal(frame.Payload, &ended); err != nil {
		t.Fatalf("Invalid call_ended payload: %v", err)
	}
	if ended.CallID != callID || ended.Reason != "peer_disconnected" {
		t.Errorf("Unexpected call_ended payload: %+v", ended)
	}
	if len(f.callee.sent) != calleeBefore {
		t.Error("Disconnected peer was notified about its own disconnect")
	}
	if f.signaler.ActiveCalls() != 0 {
		t.Error("Disconnect left a session behind")
	}
}

func TestDisconnectWithoutCallsIsNoop(t *testing.T) {
	f := newFixture(t)
	f.signaler.OnDisconnect("caller") // no active calls
	if f.signaler.ActiveCalls() != 0 {
		t.Error("Unexpected session after no-op disconnect")
	}
}
