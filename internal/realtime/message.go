package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Message types on the /sync channel.
const (
	TypeConnected = "CONNECTED" // server -> client, on upgrade
	TypeRegister  = "REGISTER"  // client -> server
	TypeReport    = "REPORT"    // client -> server
	TypeSync      = "SYNC"      // server -> client
	TypeError     = "ERROR"     // server -> client
)

// Error codes carried by ERROR messages.
const (
	ErrCodeSessionNotFound = "session_not_found"
	ErrCodeInvalidMessage  = "invalid_message"
	ErrCodeForbidden       = "forbidden"
	ErrCodeNotRegistered   = "not_registered"
)

// ErrInvalidMessage is returned for frames that fail validation.
var ErrInvalidMessage = errors.New("invalid message")

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ConnectedData is sent once on upgrade.
type ConnectedData struct {
	ConnectionID string `json:"connectionId"`
	Timestamp    int64  `json:"timestamp"` // unix millis
}

// RegisterData joins a connection to the group of its session's content.
type RegisterData struct {
	SessionID  uuid.UUID `json:"sessionId"`
	ContentRef string    `json:"contentRef,omitempty"`
}

// ReportData is a viewer's playback position.
type ReportData struct {
	SessionID uuid.UUID `json:"sessionId"`
	Offset    float64   `json:"offset"`
	At        int64     `json:"at,omitempty"` // client unix millis
}

// SyncData tells a client where playback should be. Clients only ever seek forward.
type SyncData struct {
	CurrentTime float64 `json:"currentTime"`
	ContentRef  string  `json:"contentRef"`
	Playing     bool    `json:"playing"`
	Timestamp   int64   `json:"timestamp"` // server unix millis
}

// ErrorData reports a failed client message.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Inbound is a validated client message. Exactly one payload is set, matching Type.
type Inbound struct {
	Type     string
	Register *RegisterData
	Report   *ReportData
}

// DecodeInbound parses and validates a client frame.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env WSMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch env.Type {
	case TypeRegister:
		var d RegisterData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Inbound{}, fmt.Errorf("%w: register: %v", ErrInvalidMessage, err)
		}
		if d.SessionID == uuid.Nil {
			return Inbound{}, fmt.Errorf("%w: register: sessionId required", ErrInvalidMessage)
		}
		return Inbound{Type: TypeRegister, Register: &d}, nil
	case TypeReport:
		var d ReportData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Inbound{}, fmt.Errorf("%w: report: %v", ErrInvalidMessage, err)
		}
		if d.SessionID == uuid.Nil {
			return Inbound{}, fmt.Errorf("%w: report: sessionId required", ErrInvalidMessage)
		}
		if math.IsNaN(d.Offset) || math.IsInf(d.Offset, 0) || d.Offset < 0 {
			return Inbound{}, fmt.Errorf("%w: report: offset out of range", ErrInvalidMessage)
		}
		return Inbound{Type: TypeReport, Report: &d}, nil
	default:
		return Inbound{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, env.Type)
	}
}

// Encode builds an outbound envelope.
func Encode(typ string, payload any) (WSMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return WSMessage{}, err
	}
	return WSMessage{Type: typ, Data: data}, nil
}
