// Package protocol defines the WebSocket message types exchanged between the
// session server and its clients. Messages are serialized as JSON objects
// with exactly one key — the tag — whose value is the payload:
//
//	{"User":"hello"}
//	{"StateChange":"Waiting"}
//	{"PeerScores":{"o":50,"c":50,"e":50,"a":50,"n":50}}
//	{"ConnectionClosed":null}
//
// Tags without a payload (Ping, Pong, GetStatus, ConnectionClosed) carry
// null; they are also accepted in bare-string form ("Ping") since older
// clients emit that encoding.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/oceanchat/session-server/internal/score"
)

// UserStatus is a user's position in the session lifecycle. Disconnected is
// the implicit status of any id the server does not know about.
type UserStatus string

const (
	StatusDisconnected UserStatus = "Disconnected"
	StatusWaiting      UserStatus = "Waiting"
	StatusIdle         UserStatus = "Idle"
	StatusConnected    UserStatus = "Connected"
)

// Message tags.
const (
	TagUser             = "User"             // both directions: chat text
	TagInfo             = "Info"             // S->C: server-originated notice
	TagPeerScores       = "PeerScores"       // S->C: peer's vector on pair start
	TagConnectionClosed = "ConnectionClosed" // S->C: peer departed
	TagStatus           = "Status"           // S->C: response to GetStatus
	TagStateChange      = "StateChange"      // C->S: lifecycle transition request
	TagGetStatus        = "GetStatus"        // C->S: status query
	TagPing             = "Ping"             // both: liveness
	TagPong             = "Pong"             // both: liveness
)

// unitTags are tags that carry no payload.
var unitTags = map[string]bool{
	TagConnectionClosed: true,
	TagGetStatus:        true,
	TagPing:             true,
	TagPong:             true,
}

// Message is one frame of the wire protocol. Tag selects which payload field
// is meaningful.
type Message struct {
	Tag    string
	Text   string       // User, Info
	Status UserStatus   // Status, StateChange
	Scores score.Scores // PeerScores
}

// Constructors.

func User(text string) Message          { return Message{Tag: TagUser, Text: text} }
func Info(text string) Message          { return Message{Tag: TagInfo, Text: text} }
func PeerScores(s score.Scores) Message { return Message{Tag: TagPeerScores, Scores: s} }
func ConnectionClosed() Message         { return Message{Tag: TagConnectionClosed} }
func Status(s UserStatus) Message       { return Message{Tag: TagStatus, Status: s} }
func StateChange(s UserStatus) Message  { return Message{Tag: TagStateChange, Status: s} }
func GetStatus() Message                { return Message{Tag: TagGetStatus} }
func Ping() Message                     { return Message{Tag: TagPing} }
func Pong() Message                     { return Message{Tag: TagPong} }

// MarshalJSON encodes the message as a single-key object keyed by its tag.
func (m Message) MarshalJSON() ([]byte, error) {
	var payload interface{}

	switch m.Tag {
	case TagUser, TagInfo:
		payload = m.Text
	case TagStatus, TagStateChange:
		payload = m.Status
	case TagPeerScores:
		payload = m.Scores
	case TagConnectionClosed, TagGetStatus, TagPing, TagPong:
		payload = nil
	default:
		return nil, fmt.Errorf("protocol: unknown tag %q", m.Tag)
	}

	return json.Marshal(map[string]interface{}{m.Tag: payload})
}

// UnmarshalJSON decodes either the single-key object form or, for unit tags,
// the bare-string form.
func (m *Message) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("protocol: empty message")
	}

	// Bare-string unit variant, e.g. "Ping".
	if trimmed[0] == '"' {
		var tag string
		if err := json.Unmarshal(trimmed, &tag); err != nil {
			return fmt.Errorf("protocol: malformed message: %w", err)
		}
		if !unitTags[tag] {
			return fmt.Errorf("protocol: tag %q requires a payload", tag)
		}
		m.Tag = tag
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return fmt.Errorf("protocol: malformed message: %w", err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("protocol: expected exactly one tag, got %d", len(obj))
	}

	for tag, raw := range obj {
		switch tag {
		case TagUser, TagInfo:
			if err := json.Unmarshal(raw, &m.Text); err != nil {
				return fmt.Errorf("protocol: %s payload: %w", tag, err)
			}
		case TagStatus, TagStateChange:
			if err := json.Unmarshal(raw, &m.Status); err != nil {
				return fmt.Errorf("protocol: %s payload: %w", tag, err)
			}
		case TagPeerScores:
			if err := json.Unmarshal(raw, &m.Scores); err != nil {
				return fmt.Errorf("protocol: %s payload: %w", tag, err)
			}
		case TagConnectionClosed, TagGetStatus, TagPing, TagPong:
			// Unit tags: payload is null, ignored either way.
		default:
			return fmt.Errorf("protocol: unknown tag %q", tag)
		}
		m.Tag = tag
	}

	return nil
}

// Encode serializes the message for transmission.
func (m Message) Encode() ([]byte, error) {
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Tag, err)
	}
	return out, nil
}

// Decode parses raw frame bytes into a Message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ValidStateChange reports whether s is a state a client may request.
// Clients can only move themselves to Waiting or Idle; Connected is granted
// by the matchmaker and Disconnected by closing the socket.
func ValidStateChange(s UserStatus) bool {
	return s == StatusWaiting || s == StatusIdle
}
