package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

// Inbound message types.
const (
	TypeAuthRequired = "auth_required"
	TypeAuthOK       = "auth_ok"
	TypeAuthInvalid  = "auth_invalid"
	TypeResult       = "result"
	TypePong         = "pong"
	TypeEvent        = "event"
)

// Kind classifies an inbound message.
type Kind int

const (
	KindUnknown Kind = iota
	KindResponse
	KindEvent
	KindAuthChallenge
	KindAuthResult
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	case KindAuthChallenge:
		return "auth_challenge"
	case KindAuthResult:
		return "auth_result"
	default:
		return "unknown"
	}
}

// ErrorInfo is the error object of a failed result.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Message is a decoded inbound WebSocket message.
type Message struct {
	ID        *int64          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   *bool           `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Message   string          `json:"message,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`

	ReceivedAt time.Time `json:"-"`
}

// Kind classifies the message by its type field.
func (m Message) Kind() Kind {
	switch m.Type {
	case TypeResult, TypePong:
		return KindResponse
	case TypeEvent:
		return KindEvent
	case TypeAuthRequired:
		return KindAuthChallenge
	case TypeAuthOK, TypeAuthInvalid:
		return KindAuthResult
	default:
		return KindUnknown
	}
}

// HasID reports whether the message carries an id.
func (m Message) HasID() bool {
	return m.ID != nil
}

// Succeeded reports whether a response completed successfully.
// A pong carries no success flag and always counts as success.
func (m Message) Succeeded() bool {
	if m.Type == TypePong {
		return true
	}
	return m.Success != nil && *m.Success
}

// ErrorCode returns the error code, if any.
func (m Message) ErrorCode() string {
	if m.Error == nil {
		return ""
	}
	return m.Error.Code
}

// ErrorMessage returns the error message, if any.
func (m Message) ErrorMessage() string {
	if m.Error == nil {
		return ""
	}
	return m.Error.Message
}

// DecodeMessage parses one inbound frame.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := sonic.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return m, nil
}

// AuthMessage is the client's reply to auth_required.
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// NewAuthMessage builds the auth reply for token.
func NewAuthMessage(token string) AuthMessage {
	return AuthMessage{Type: "auth", AccessToken: token}
}

// EncodeCommand frames an outbound command as {"id":N,"type":"...",...fields}.
// Fields are written in sorted key order; "id" and "type" keys in fields are ignored.
func EncodeCommand(id int64, commandType string, fields map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"id":`)
	buf.WriteString(strconv.FormatInt(id, 10))
	buf.WriteString(`,"type":`)

	typ, err := sonic.ConfigStd.Marshal(commandType)
	if err != nil {
		return nil, fmt.Errorf("encode command type: %w", err)
	}
	buf.Write(typ)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "id" || k == "type" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key, err := sonic.ConfigStd.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
		val, err := sonic.ConfigStd.Marshal(fields[k])
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
