// Package ipc carries the keypadd control protocol over Unix domain
// sockets.
//
// Every message is a fixed 16-byte header followed by a JSON payload.
// Requests correlate to responses through the header's request ID, and
// subscribed clients additionally receive unsolicited event messages.
// Errors travel as MsgError with a machine-readable code, never inside
// success payloads.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"keypad/internal/session"
	"keypad/pkg/policy"
)

// Protocol version for compatibility checking.
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4B504144 // "KPAD"
)

// MaxPayload bounds a single message payload. Keypad payloads are a
// few hundred bytes; anything near the cap is a broken or hostile peer.
const MaxPayload = 1 << 20

// MessageType identifies the type of IPC message.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Daemon state (0x01xx)
	MsgStatus      MessageType = 0x0100
	MsgStatusResp  MessageType = 0x0101
	MsgHealth      MessageType = 0x0102
	MsgHealthResp  MessageType = 0x0103
	MsgMetrics     MessageType = 0x0104
	MsgMetricsResp MessageType = 0x0105

	// Session lifecycle (0x02xx)
	MsgOpenSession      MessageType = 0x0200
	MsgOpenSessionResp  MessageType = 0x0201
	MsgCloseSession     MessageType = 0x0202
	MsgCloseSessionResp MessageType = 0x0203
	MsgListSessions     MessageType = 0x0204
	MsgListSessionsResp MessageType = 0x0205

	// Entry operations (0x03xx)
	MsgPress      MessageType = 0x0300
	MsgPressResp  MessageType = 0x0301
	MsgDelete     MessageType = 0x0302
	MsgDeleteResp MessageType = 0x0303
	MsgText       MessageType = 0x0304
	MsgTextResp   MessageType = 0x0305
	MsgCommit     MessageType = 0x0306
	MsgCommitResp MessageType = 0x0307
	MsgReset      MessageType = 0x0308
	MsgResetResp  MessageType = 0x0309

	// Policy operations (0x04xx)
	MsgSetPolicy        MessageType = 0x0400
	MsgSetPolicyResp    MessageType = 0x0401
	MsgClearPolicy      MessageType = 0x0402
	MsgClearPolicyResp  MessageType = 0x0403
	MsgListPolicies     MessageType = 0x0404
	MsgListPoliciesResp MessageType = 0x0405

	// Configuration (0x05xx)
	MsgGetConfig        MessageType = 0x0500
	MsgGetConfigResp    MessageType = 0x0501
	MsgReloadConfig     MessageType = 0x0502
	MsgReloadConfigResp MessageType = 0x0503

	// History (0x06xx)
	MsgHistory     MessageType = 0x0600
	MsgHistoryResp MessageType = 0x0601

	// Event streaming (0x07xx)
	MsgSubscribe       MessageType = 0x0700
	MsgSubscribeResp   MessageType = 0x0701
	MsgUnsubscribe     MessageType = 0x0702
	MsgUnsubscribeResp MessageType = 0x0703
	MsgEvent           MessageType = 0x0704
)

// EventType identifies the type of streamed event.
type EventType uint16

const (
	EventEditApplied    EventType = 0x0001
	EventEditRejected   EventType = 0x0002
	EventCommitted      EventType = 0x0003
	EventReset          EventType = 0x0004
	EventConfigReloaded EventType = 0x0005
	EventDaemonShutdown EventType = 0x0006
)

// Header is the fixed-size message header.
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 16

// FlagJSON marks the payload as JSON. It is set on every message this
// version writes; the bit is reserved so a future version can carry a
// binary payload encoding.
const FlagJSON uint8 = 0x04

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates a header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the message to w.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Request/response payloads. Session summaries, policy specs, health
// reports and metric snapshots reuse their domain types' JSON forms
// rather than mirroring them here; journal rows are restated with
// wall-clock timestamps.

// HandshakeRequest opens a client connection.
type HandshakeRequest struct {
	ClientName      string `json:"client_name"`
	ClientVersion   string `json:"client_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse acknowledges a connection.
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ClientID        string `json:"client_id"`
}

// ErrorResponse is the payload of every MsgError.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes.
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternal         = 5
	ErrNotDigit         = 6
	ErrCommitRefused    = 7
	ErrPINMismatch      = 8
	ErrPINLocked        = 9
	ErrUnknownPolicy    = 10
)

// StatusRequest requests daemon status.
type StatusRequest struct {
	IncludeSessions bool `json:"include_sessions,omitempty"`
	IncludeConfig   bool `json:"include_config,omitempty"`
}

// StatusResponse describes the running daemon.
type StatusResponse struct {
	Version    string            `json:"version"`
	PID        int               `json:"pid"`
	StartedAt  time.Time         `json:"started_at"`
	Uptime     time.Duration     `json:"uptime"`
	SocketPath string            `json:"socket_path"`
	Journal    JournalStatus     `json:"journal"`
	Sessions   []session.Summary `json:"sessions,omitempty"`
	Config     map[string]any    `json:"config,omitempty"`
}

// JournalStatus summarizes the commit journal.
type JournalStatus struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path,omitempty"`
	SchemaVersion int    `json:"schema_version,omitempty"`
	Commits       int64  `json:"commits"`
	SizeBytes     int64  `json:"size_bytes,omitempty"`
}

// HealthRequest requests a health report.
type HealthRequest struct {
	IncludeComponents bool `json:"include_components,omitempty"`
}

// MetricsResponse carries a metrics snapshot keyed by metric name.
type MetricsResponse struct {
	Metrics map[string]any `json:"metrics"`
}

// OpenSessionRequest opens a defined session.
type OpenSessionRequest struct {
	Name string `json:"name"`
}

// OpenSessionResponse returns the opened session's state.
type OpenSessionResponse struct {
	Session session.Summary `json:"session"`
}

// CloseSessionRequest closes an open session.
type CloseSessionRequest struct {
	Name string `json:"name"`
}

// CloseSessionResponse acknowledges a close.
type CloseSessionResponse struct {
	Name string `json:"name"`
}

// ListSessionsResponse lists open sessions and defined names.
type ListSessionsResponse struct {
	Open    []session.Summary `json:"open"`
	Defined []string          `json:"defined,omitempty"`
}

// PressRequest delivers one digit key.
type PressRequest struct {
	Session string `json:"session"`
	// Digit is a single character "0" through "9".
	Digit string `json:"digit"`
}

// DeleteRequest removes the last digit.
type DeleteRequest struct {
	Session string `json:"session"`
}

// EditResponse is the outcome of a press or delete.
type EditResponse struct {
	Applied bool   `json:"applied"`
	Text    string `json:"text"`
	Digits  int    `json:"digits"`
}

// TextRequest reads the display text.
type TextRequest struct {
	Session string `json:"session"`
}

// TextResponse carries display text, masked for secret sessions.
type TextResponse struct {
	Text   string `json:"text"`
	Digits int    `json:"digits"`
	Masked bool   `json:"masked,omitempty"`
}

// CommitRequest finalizes the current entry.
type CommitRequest struct {
	Session string `json:"session"`
}

// CommitResponse is the outcome of an accepted commit.
type CommitResponse struct {
	Value     string `json:"value"`
	Digits    int    `json:"digits"`
	Policy    string `json:"policy,omitempty"`
	JournalID int64  `json:"journal_id,omitempty"`
}

// ResetRequest replaces the display text, "0" when Text is empty.
type ResetRequest struct {
	Session string `json:"session"`
	Text    string `json:"text,omitempty"`
}

// SetPolicyRequest binds a named policy to an open session.
type SetPolicyRequest struct {
	Session string `json:"session"`
	Policy  string `json:"policy"`
}

// SetPolicyResponse acknowledges the binding.
type SetPolicyResponse struct {
	Session string `json:"session"`
	Policy  string `json:"policy"`
}

// ClearPolicyRequest removes the policy from an open session.
type ClearPolicyRequest struct {
	Session string `json:"session"`
}

// ListPoliciesResponse lists the registered policy specs.
type ListPoliciesResponse struct {
	Policies []policy.Spec `json:"policies"`
}

// GetConfigResponse carries the daemon's active configuration.
type GetConfigResponse struct {
	Source string         `json:"source,omitempty"`
	Config map[string]any `json:"config"`
}

// ReloadConfigResponse acknowledges a configuration reload.
type ReloadConfigResponse struct {
	Reloaded bool `json:"reloaded"`
}

// HistoryRequest reads journal history for a session, or all sessions
// when Session is empty.
type HistoryRequest struct {
	Session    string `json:"session,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Rejections bool   `json:"rejections,omitempty"`
}

// CommitRecord is one journaled commit.
type CommitRecord struct {
	ID          int64     `json:"id"`
	Session     string    `json:"session"`
	Value       string    `json:"value,omitempty"`
	Digits      int       `json:"digits"`
	Secret      bool      `json:"secret,omitempty"`
	Policy      string    `json:"policy,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
}

// RejectionRecord is one journaled refusal.
type RejectionRecord struct {
	ID         int64     `json:"id"`
	Session    string    `json:"session"`
	Op         string    `json:"op"`
	Digits     int       `json:"digits"`
	Policy     string    `json:"policy,omitempty"`
	RejectedAt time.Time `json:"rejected_at"`
}

// HistoryResponse carries journal rows, newest first.
type HistoryResponse struct {
	Commits    []CommitRecord    `json:"commits,omitempty"`
	Rejections []RejectionRecord `json:"rejections,omitempty"`
}

// SubscribeRequest subscribes the connection to events. An empty
// Events list subscribes to everything.
type SubscribeRequest struct {
	Events []EventType `json:"events,omitempty"`
}

// SubscribeResponse echoes the effective subscription.
type SubscribeResponse struct {
	Events []EventType `json:"events,omitempty"`
}

// Event is one streamed daemon event.
type Event struct {
	Type    EventType `json:"type"`
	Time    time.Time `json:"time"`
	Session string    `json:"session,omitempty"`
	Op      string    `json:"op,omitempty"`
	Text    string    `json:"text,omitempty"`
	Digits  int       `json:"digits,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// EventFromSession converts a session event to its wire form.
func EventFromSession(ev session.Event) *Event {
	out := &Event{
		Time:    ev.Time,
		Session: ev.Session,
		Op:      ev.Op,
		Text:    ev.Text,
		Digits:  ev.Digits,
	}
	switch ev.Kind {
	case session.EventApplied:
		out.Type = EventEditApplied
	case session.EventRejected:
		out.Type = EventEditRejected
	case session.EventCommitted:
		out.Type = EventCommitted
	case session.EventReset:
		out.Type = EventReset
	}
	return out
}

// Encode encodes a payload to JSON bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes into v.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message with an encoded payload.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
