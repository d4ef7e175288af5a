package ledger

import (
	"strings"
	"time"
)

// Session statuses.
const (
	StatusActive       = "active"
	StatusCompleted    = "completed"
	StatusDisconnected = "disconnected"
)

// End reasons.
const (
	EndUserEnded    = "user_ended"
	EndIdleTimeout  = "idle_timeout"
	EndSessionLimit = "session_limit"
	EndNetworkError = "network_error"
	EndError        = "error"
)

const (
	maxTitleLength   = 50
	maxPreviewLength = 100
)

// Session is the metadata of one conversation.
type Session struct {
	ID              string     `json:"id"`
	Title           string     `json:"title,omitempty"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
	DurationSeconds int64      `json:"duration_seconds,omitempty"`
	ErrorDetails    string     `json:"error_details,omitempty"`
	MessageCount    int        `json:"message_count"`
	ToolCallCount   int        `json:"tool_call_count"`
	FirstMessage    string     `json:"first_message,omitempty"`
	LastMessage     string     `json:"last_message,omitempty"`
}

// SessionStats summarizes recent sessions.
type SessionStats struct {
	TotalSessions int            `json:"total_sessions"`
	ByStatus      map[string]int `json:"by_status"`
	ByEndReason   map[string]int `json:"by_end_reason"`
	AvgDuration   int64          `json:"avg_duration_seconds"`
	AvgMessages   int            `json:"avg_messages"`
	AvgToolCalls  int            `json:"avg_tool_calls"`
}

// summarize aggregates sessions into stats.
func summarize(sessions []Session) SessionStats {
	stats := SessionStats{
		TotalSessions: len(sessions),
		ByStatus:      make(map[string]int),
		ByEndReason:   make(map[string]int),
	}

	var totalDuration, durations int64
	var totalMessages, totalToolCalls int
	for _, s := range sessions {
		stats.ByStatus[orUnknown(s.Status)]++
		stats.ByEndReason[orUnknown(s.EndReason)]++
		if s.DurationSeconds > 0 {
			totalDuration += s.DurationSeconds
			durations++
		}
		totalMessages += s.MessageCount
		totalToolCalls += s.ToolCallCount
	}

	if durations > 0 {
		stats.AvgDuration = totalDuration / durations
	}
	if len(sessions) > 0 {
		stats.AvgMessages = totalMessages / len(sessions)
		stats.AvgToolCalls = totalToolCalls / len(sessions)
	}
	return stats
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func newSession(id string) Session {
	now := time.Now().UTC()
	return Session{
		ID:        id,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// observe updates counters and previews for an appended entry.
func (s *Session) observe(e Entry) {
	s.UpdatedAt = time.Now().UTC()
	s.MessageCount++
	if e.Type == EntryToolCall {
		s.ToolCallCount++
	}

	if e.Type != EntryUser || e.Text == "" {
		return
	}
	if s.FirstMessage == "" {
		s.FirstMessage = truncate(e.Text, maxPreviewLength)
		s.Title = truncate(e.Text, maxTitleLength)
		if len([]rune(e.Text)) > maxTitleLength {
			s.Title += "..."
		}
	}
	s.LastMessage = truncate(e.Text, maxPreviewLength)
}

// end marks the session finished. user_ended completes it; any other reason disconnects it.
func (s *Session) end(reason, details string) {
	now := time.Now().UTC()
	s.Status = StatusDisconnected
	if reason == EndUserEnded {
		s.Status = StatusCompleted
	}
	s.EndedAt = &now
	s.EndReason = reason
	s.DurationSeconds = int64(now.Sub(s.CreatedAt).Seconds())
	s.ErrorDetails = details
	s.UpdatedAt = now
}

func truncate(text string, n int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= n {
		return string(runes)
	}
	return string(runes[:n])
}
