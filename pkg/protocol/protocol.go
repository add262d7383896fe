// Package protocol defines the websocket wire format: a small envelope with
// an event name and a JSON payload, plus the typed payloads exchanged over it.
package protocol

import "encoding/json"

// Envelope is the frame shape used in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound event names. The router switches over this closed set.
const (
	EventRegister     = "register"
	EventSendMessage  = "send_message"
	EventCallStart    = "call_start"
	EventCallAnswer   = "call_answer"
	EventIceCandidate = "ice_candidate"
	EventCallReject   = "call_reject"
	EventCallHangup   = "call_hangup"
	EventHeartbeat    = "heartbeat"
	EventStreamChange = "stream_change"
)

// Outbound event names.
const (
	EventWelcome       = "welcome"
	EventUserOnline    = "user_online"
	EventUserOffline   = "user_offline"
	EventMessage       = "message"
	EventMessageSent   = "message_sent"
	EventCallIncoming  = "call_incoming"
	EventCallStatus    = "call_status"
	EventCallAnswered  = "call_answered"
	EventCallRejected  = "call_rejected"
	EventCallEnded     = "call_ended"
	EventStreamChanged = "stream_changed"
	EventPing          = "ping"
	EventHeartbeatAck  = "heartbeat_ack"
	EventError         = "error"
)

// MessageKind distinguishes direct and group chat messages.
type MessageKind int

const (
	KindDirect MessageKind = 1
	KindGroup  MessageKind = 2
)

// ContentKind describes a message body.
type ContentKind int

const (
	ContentText      ContentKind = 1
	ContentFile      ContentKind = 2
	ContentImage     ContentKind = 3
	ContentAudio     ContentKind = 4
	ContentVideo     ContentKind = 5
	ContentCallAudio ContentKind = 6
	ContentCallVideo ContentKind = 7
)

// CallKind is the media profile requested for a call.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

// Wire error codes carried by the error event.
const (
	CodeNotRegistered      = "NOT_REGISTERED"
	CodeRecipientNotFound  = "RECIPIENT_NOT_FOUND"
	CodeGroupNotFound      = "GROUP_NOT_FOUND"
	CodeNotAMember         = "NOT_A_MEMBER"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeInvalidCandidate   = "INVALID_CANDIDATE"
	CodePersistenceFailure = "PERSISTENCE_FAILURE"
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnknownEvent       = "UNKNOWN_EVENT"
)

// Encode marshals an event and its payload into a ready-to-send frame.
func Encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// MustEncode is Encode for payload types that cannot fail to marshal.
func MustEncode(event string, payload any) []byte {
	msg, err := Encode(event, payload)
	if err != nil {
		panic(err)
	}
	return msg
}
