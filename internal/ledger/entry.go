package ledger

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/rickgao/voice-bridge/internal/model"
)

// Entry types.
const (
	EntryUser        = "user"
	EntryAssistant   = "assistant"
	EntryToolCall    = "tool_call"
	EntryToolResult  = "tool_result"
	EntrySystem      = "system"
	EntryStateChange = "state_change"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Entry is one line of a session transcript.
type Entry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"entry_type"`
	Timestamp time.Time `json:"timestamp"`

	Text string `json:"text,omitempty"`

	ToolName      string          `json:"tool_name,omitempty"`
	ToolCallID    string          `json:"tool_call_id,omitempty"`
	ToolArguments map[string]any  `json:"tool_arguments,omitempty"`
	ToolResult    json.RawMessage `json:"tool_result,omitempty"`
	ToolError     string          `json:"tool_error,omitempty"`

	EntityID string        `json:"entity_id,omitempty"`
	OldState *model.Entity `json:"old_state,omitempty"`
	NewState *model.Entity `json:"new_state,omitempty"`

	AudioDurationMs int `json:"audio_duration_ms,omitempty"`
}

// Store persists transcript entries.
type Store interface {
	Append(ctx context.Context, entries ...Entry) error
	// Read returns a session's entries in append order. A positive limit keeps
	// only the most recent entries.
	Read(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Close() error
}

// Appender accepts entries without blocking the caller.
type Appender interface {
	Append(entry Entry)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEntryID returns a new ULID string.
func NewEntryID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewSessionID returns a new random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// NewEntry creates an entry with a fresh id and the current time.
func NewEntry(sessionID, entryType string) Entry {
	return Entry{
		ID:        NewEntryID(),
		SessionID: sessionID,
		Type:      entryType,
		Timestamp: time.Now().UTC(),
	}
}

// StateChangeEntry records a derived state change.
func StateChangeEntry(sessionID string, change model.StateChange) Entry {
	e := NewEntry(sessionID, EntryStateChange)
	e.EntityID = change.EntityID
	e.OldState = change.OldState
	e.NewState = change.NewState
	return e
}

// ToolCallEntry records a tool invocation as it is sent.
func ToolCallEntry(sessionID, toolName, callID string, arguments map[string]any) Entry {
	e := NewEntry(sessionID, EntryToolCall)
	e.ToolName = toolName
	e.ToolCallID = callID
	e.ToolArguments = arguments
	return e
}

// ToolResultEntry records the outcome of a tool invocation.
func ToolResultEntry(sessionID, toolName, callID string, result json.RawMessage, err error) Entry {
	e := NewEntry(sessionID, EntryToolResult)
	e.ToolName = toolName
	e.ToolCallID = callID
	e.ToolResult = result
	if err != nil {
		e.ToolError = err.Error()
	}
	return e
}

// prepare fills in missing ids and timestamps.
func prepare(e *Entry) {
	if e.ID == "" {
		e.ID = NewEntryID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}
