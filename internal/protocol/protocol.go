// Package protocol defines the JSON envelopes exchanged with kiosk clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Command types accepted from clients.
const (
	TypeLaunchGame     = "launchGame"
	TypeEndSession     = "endSession"
	TypePauseSession   = "pauseSession"
	TypeResumeSession  = "resumeSession"
	TypeGetStatus      = "getStatus"
	TypeHeartbeat      = "heartbeat"
	TypeSubmitRating   = "submitRating"
	TypeScanRFID       = "scanRfid"
	TypeValidateRFID   = "validateRfid"
	TypeGetDiagnostics = "getDiagnostics"
)

// Message types sent without a matching command.
const (
	TypeStatus  = "status"
	TypeWelcome = "welcome"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Decode errors. Only ErrInvalidJSON leaves the caller's id unknown.
var (
	ErrInvalidJSON   = errors.New("invalid JSON")
	ErrInvalidType   = errors.New("type must be a string")
	ErrInvalidParams = errors.New("params must be a JSON object")
)

// Command is an inbound client request.
type Command struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Params Params `json:"params"`
}

// Response is an outbound message. Type is set only for unsolicited messages.
type Response struct {
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"`
	Status    string `json:"status"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewID returns a fresh message id.
func NewID() string {
	return uuid.NewString()
}

// Success builds a success response echoing id.
func Success(id string, data any, now time.Time) Response {
	return Response{ID: id, Status: StatusSuccess, Data: data, Timestamp: now.UnixMilli()}
}

// Failure builds an error response echoing id.
func Failure(id, message string, now time.Time) Response {
	return Response{ID: id, Status: StatusError, Error: message, Timestamp: now.UnixMilli()}
}

// envelope defers field typing so a malformed field does not lose the id.
type envelope struct {
	ID     json.RawMessage `json:"id"`
	Type   json.RawMessage `json:"type"`
	Params json.RawMessage `json:"params"`
}

// Decode parses a raw client message. String and numeric ids are echoed as
// text; a missing or null id is replaced with a fresh one. When the payload
// is an object but type or params is malformed, the returned command still
// carries the id so the error response can be correlated.
func Decode(raw []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	cmd := Command{ID: decodeID(env.ID), Params: Params{}}
	if cmd.ID == "" {
		cmd.ID = NewID()
	}
	if !isNull(env.Type) {
		if err := json.Unmarshal(env.Type, &cmd.Type); err != nil {
			return cmd, ErrInvalidType
		}
	}
	if !isNull(env.Params) {
		if err := json.Unmarshal(env.Params, &cmd.Params); err != nil || cmd.Params == nil {
			cmd.Params = Params{}
			return cmd, ErrInvalidParams
		}
	}
	return cmd, nil
}

func decodeID(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Encode serializes a response.
func Encode(resp Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response %s: %w", resp.ID, err)
	}
	return data, nil
}

// Params holds command parameters as decoded JSON values.
type Params map[string]any

// String returns a string parameter. Numbers are formatted so clients may
// send numeric ids. Returns false when absent, null or empty.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		return s, s != ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	default:
		return "", false
	}
}

// Int returns an integer parameter given as a JSON number or a numeric string.
// The second result is false when absent; a non-nil error means present but not an integer.
func (p Params) Int(key string) (int, bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, true, fmt.Errorf("%s must be an integer", key)
		}
		return int(x), true, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, true, fmt.Errorf("%s must be an integer", key)
		}
		return n, true, nil
	default:
		return 0, true, fmt.Errorf("%s must be an integer", key)
	}
}
