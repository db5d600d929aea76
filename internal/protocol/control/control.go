// Package control owns the JSON payloads carried in control frames: the
// client handshake, the server session assignment, acknowledgements and
// error notifications.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error reasons sent to clients.
const (
	ReasonMissingControlFrame = "Missing control frame"
	ReasonInvalidSession      = "Invalid session"
	ReasonConnectionRefused   = "Connection refused"
	ReasonConnectionLost      = "Connection lost"
	ReasonDataLost            = "Data lost"
)

var ErrInvalidHandshake = errors.New("control: invalid handshake")

// Handshake is the first client-sent control payload: either a request for
// a fresh session or a resumption of an existing one.
type Handshake struct {
	New    bool   `json:"new,omitempty"`
	Resume string `json:"resume,omitempty"`
	Ack    *int64 `json:"ack,omitempty"`
}

func (h Handshake) Validate() error {
	if h.New && h.Resume != "" {
		return fmt.Errorf("%w: both new and resume set", ErrInvalidHandshake)
	}
	if !h.New && h.Resume == "" {
		return fmt.Errorf("%w: neither new nor resume set", ErrInvalidHandshake)
	}
	if h.Ack != nil && *h.Ack < 0 {
		return fmt.Errorf("%w: negative ack", ErrInvalidHandshake)
	}
	return nil
}

// ParseHandshake decodes and validates a handshake payload.
func ParseHandshake(payload []byte) (Handshake, error) {
	var h Handshake
	if err := json.Unmarshal(payload, &h); err != nil {
		return Handshake{}, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if err := h.Validate(); err != nil {
		return Handshake{}, err
	}
	return h, nil
}

func (h Handshake) Encode() ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(h)
}

// Session is the server->client payload announcing the session token on attach.
type Session struct {
	Token string `json:"session"`
}

func EncodeSession(token string) []byte {
	out, _ := json.Marshal(Session{Token: token})
	return out
}

// Ack is the client->server payload confirming receipt up to Offset.
type Ack struct {
	Offset int64 `json:"ack"`
}

func EncodeAck(offset int64) []byte {
	out, _ := json.Marshal(Ack{Offset: offset})
	return out
}

// ErrorMessage is the server->client failure notification payload. Offset is
// set on data-loss notifications only: the earliest byte offset the relay can
// still replay, letting the client resync its ack coordinates.
type ErrorMessage struct {
	Reason string `json:"error"`
	Offset *int64 `json:"offset,omitempty"`
}

func EncodeError(reason string) []byte {
	out, _ := json.Marshal(ErrorMessage{Reason: reason})
	return out
}

func EncodeDataLost(offset int64) []byte {
	out, _ := json.Marshal(ErrorMessage{Reason: ReasonDataLost, Offset: &offset})
	return out
}

// ParseAck extracts an acknowledgement from an attached client's control
// payload. ok is false when the payload is malformed or carries no ack;
// such payloads are ignorable, not fatal.
func ParseAck(payload []byte) (int64, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return 0, false
	}
	field, exists := raw["ack"]
	if !exists {
		return 0, false
	}
	var offset int64
	if err := json.Unmarshal(field, &offset); err != nil {
		return 0, false
	}
	return offset, true
}

// ParseServerMessage decodes a server->client control payload; used by the
// client side to pick apart session, error and future announcements.
type ServerMessage struct {
	Session string `json:"session,omitempty"`
	Error   string `json:"error,omitempty"`
	Offset  *int64 `json:"offset,omitempty"`
}

func ParseServerMessage(payload []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ServerMessage{}, err
	}
	return msg, nil
}
