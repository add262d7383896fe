package protocol

import "encoding/json"

// --- Inbound payloads ---

type Register struct {
	UUID     string `json:"uuid"`
	Username string `json:"username"`
}

type SendMessage struct {
	To          string      `json:"to"`
	Content     string      `json:"content"`
	MessageType MessageKind `json:"messageType"`
	ContentType ContentKind `json:"contentType"`
	File        []byte      `json:"file,omitempty"`
}

type CallStart struct {
	To       string   `json:"to"`
	CallType CallKind `json:"callType"`
	CallID   string   `json:"callId,omitempty"`
}

type CallAnswer struct {
	CallID string          `json:"callId"`
	Accept bool            `json:"accept"`
	SDP    json.RawMessage `json:"sdp,omitempty"`
}

type IceCandidate struct {
	CallID    string          `json:"callId"`
	Candidate json.RawMessage `json:"candidate"`
	Target    string          `json:"target"`
}

type CallHangup struct {
	CallID string `json:"callId"`
}

type StreamChange struct {
	CallID     string `json:"callId"`
	StreamType string `json:"streamType"` // "audio" | "video"
	Enabled    bool   `json:"enabled"`
}

// --- Outbound payloads ---

type Welcome struct {
	From     string `json:"from"`
	Username string `json:"fromUsername"`
	Content  string `json:"content"`
}

type PresenceChange struct {
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	Status   string `json:"status"` // "online" | "offline"
}

// ChatMessage is the delivered form of a routed message.
type ChatMessage struct {
	From         string      `json:"from"`
	FromUsername string      `json:"fromUsername"`
	To           string      `json:"to"`
	Content      string      `json:"content"`
	URL          string      `json:"url,omitempty"`
	MessageType  MessageKind `json:"messageType"`
	ContentType  ContentKind `json:"contentType"`
	Timestamp    int64       `json:"timestamp"`
}

// MessageSent acknowledges a send_message back to its sender.
type MessageSent struct {
	Success   bool         `json:"success"`
	Message   *ChatMessage `json:"data,omitempty"`
	Delivered int          `json:"sentCount"`
	Total     int          `json:"totalMembers"`
}

type CallIncoming struct {
	CallID       string   `json:"callId"`
	From         string   `json:"from"`
	FromUsername string   `json:"fromUsername"`
	CallType     CallKind `json:"callType"`
	Timestamp    int64    `json:"timestamp"`
}

// CallStatus reports the outcome of call_start to the caller.
type CallStatus struct {
	CallID  string `json:"callId"`
	Status  string `json:"status"` // "ringing" | "offline"
	Message string `json:"message,omitempty"`
}

type CallAnswered struct {
	CallID   string          `json:"callId"`
	SDP      json.RawMessage `json:"sdp,omitempty"`
	Answerer string          `json:"answerer"`
}

type CallRejected struct {
	CallID   string `json:"callId"`
	Rejecter string `json:"rejecter"`
}

type CallEnded struct {
	CallID string `json:"callId"`
	Ender  string `json:"ender"`
	Reason string `json:"reason"` // "hangup" | "peer_disconnected"
	// Duration in milliseconds; present only if the call reached connected.
	Duration *int64 `json:"duration,omitempty"`
}

type IceCandidateRelay struct {
	CallID    string          `json:"callId"`
	Candidate json.RawMessage `json:"candidate"`
	Sender    string          `json:"sender"`
}

type StreamChanged struct {
	CallID     string `json:"callId"`
	Sender     string `json:"sender"`
	StreamType string `json:"streamType"`
	Enabled    bool   `json:"enabled"`
	Timestamp  int64  `json:"timestamp"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
