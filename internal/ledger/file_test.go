package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rickgao/voice-bridge/internal/model"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return s
}

func userEntry(sessionID, text string) Entry {
	e := NewEntry(sessionID, EntryUser)
	e.Text = text
	return e
}

func TestFileStore_CreateAndGetSession(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	created, err := s.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated session id")
	}
	if created.Status != StatusActive {
		t.Errorf("Status = %q, want %q", created.Status, StatusActive)
	}

	got, err := s.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("ID = %q, want %q", got.ID, created.ID)
	}

	again, err := s.CreateSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("CreateSession(existing) error = %v", err)
	}
	if !again.CreatedAt.Equal(created.CreatedAt) {
		t.Error("CreateSession(existing) replaced the session")
	}
}

func TestFileStore_GetSession_NotFound(t *testing.T) {
	s := newTestFileStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession() error = %v, want ErrSessionNotFound", err)
	}
}

func TestFileStore_RejectsPathSessionIDs(t *testing.T) {
	s := newTestFileStore(t)

	for _, id := range []string{"..", "a/b", `a\b`} {
		if _, err := s.CreateSession(context.Background(), id); err == nil {
			t.Errorf("CreateSession(%q) expected error", id)
		}
	}
}

func TestFileStore_AppendAndRead(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	sess, _ := s.CreateSession(ctx, "s1")

	call := NewEntry(sess.ID, EntryToolCall)
	call.ToolName = "call_service"
	call.ToolArguments = map[string]any{"domain": "light"}

	entries := []Entry{
		userEntry(sess.ID, "turn on the kitchen lights"),
		call,
		ToolResultEntry(sess.ID, "call_service", "call-1", json.RawMessage(`{"ok":true}`), nil),
		StateChangeEntry(sess.ID, model.StateChange{
			EntityID: "light.kitchen",
			OldState: &model.Entity{EntityID: "light.kitchen", State: "off"},
			NewState: &model.Entity{EntityID: "light.kitchen", State: "on"},
		}),
	}
	if err := s.Append(ctx, entries...); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.Read(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("Read() returned %d entries, want 4", len(got))
	}
	for i := range got {
		if got[i].ID != entries[i].ID {
			t.Errorf("entry %d ID = %q, want %q", i, got[i].ID, entries[i].ID)
		}
	}
	if got[3].NewState == nil || got[3].NewState.State != "on" {
		t.Errorf("state change entry NewState = %+v", got[3].NewState)
	}
	if string(got[2].ToolResult) != `{"ok":true}` {
		t.Errorf("ToolResult = %s", got[2].ToolResult)
	}

	meta, _ := s.GetSession(ctx, sess.ID)
	if meta.MessageCount != 4 {
		t.Errorf("MessageCount = %d, want 4", meta.MessageCount)
	}
	if meta.ToolCallCount != 1 {
		t.Errorf("ToolCallCount = %d, want 1", meta.ToolCallCount)
	}
	if meta.Title != "turn on the kitchen lights" {
		t.Errorf("Title = %q", meta.Title)
	}
}

func TestFileStore_ReadLimit(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		if err := s.Append(ctx, userEntry("s1", text)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.Read(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 2 || got[0].Text != "two" || got[1].Text != "three" {
		t.Errorf("Read(limit 2) = %+v, want last two entries", got)
	}
}

func TestFileStore_AppendCreatesMissingSession(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, userEntry("auto", "hello")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	sess, err := s.GetSession(ctx, "auto")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", sess.MessageCount)
	}
}

func TestFileStore_ReadUnknownSession(t *testing.T) {
	s := newTestFileStore(t)

	got, err := s.Read(context.Background(), "nobody", 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Read() = %d entries, want 0", len(got))
	}
}

func TestFileStore_ReadSkipsCorruptLines(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, userEntry("s1", "ok")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	path := filepath.Join(s.dir, "s1", transcriptFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json\n")
	f.Close()

	got, err := s.Read(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Read() = %d entries, want 1", len(got))
	}
}

func TestFileStore_EndSession(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{EndUserEnded, StatusCompleted},
		{EndIdleTimeout, StatusDisconnected},
		{EndNetworkError, StatusDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			s := newTestFileStore(t)
			ctx := context.Background()
			sess, _ := s.CreateSession(ctx, "")

			ended, err := s.EndSession(ctx, sess.ID, tt.reason, "")
			if err != nil {
				t.Fatalf("EndSession() error = %v", err)
			}
			if ended.Status != tt.want {
				t.Errorf("Status = %q, want %q", ended.Status, tt.want)
			}
			if ended.EndedAt == nil {
				t.Error("EndedAt not set")
			}
			if ended.EndReason != tt.reason {
				t.Errorf("EndReason = %q, want %q", ended.EndReason, tt.reason)
			}

			list, _ := s.ListSessions(ctx, tt.want, 10)
			if len(list) != 1 {
				t.Errorf("ListSessions(%q) = %d, want 1", tt.want, len(list))
			}
		})
	}
}

func TestFileStore_ListSessions_MostRecentFirst(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.CreateSession(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListSessions(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "c" || list[1].ID != "b" {
		ids := make([]string, len(list))
		for i, sess := range list {
			ids[i] = sess.ID
		}
		t.Errorf("ListSessions() = %v, want [c b]", ids)
	}
}

func TestFileStore_Stats(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	s.Append(ctx, userEntry("a", "hi"), userEntry("a", "there"))
	s.Append(ctx, userEntry("b", "hello"))
	s.EndSession(ctx, "a", EndUserEnded, "")

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalSessions != 2 {
		t.Errorf("TotalSessions = %d, want 2", stats.TotalSessions)
	}
	if stats.ByStatus[StatusCompleted] != 1 || stats.ByStatus[StatusActive] != 1 {
		t.Errorf("ByStatus = %v", stats.ByStatus)
	}
	if stats.ByEndReason["unknown"] != 1 || stats.ByEndReason[EndUserEnded] != 1 {
		t.Errorf("ByEndReason = %v", stats.ByEndReason)
	}
	if stats.AvgMessages != 1 {
		t.Errorf("AvgMessages = %d, want 1", stats.AvgMessages)
	}
}

func TestSession_ObserveTitle(t *testing.T) {
	sess := newSession("s")
	long := strings.Repeat("x", 60)

	sess.observe(Entry{Type: EntryUser, Text: long})
	sess.observe(Entry{Type: EntryAssistant, Text: "reply"})
	sess.observe(Entry{Type: EntryUser, Text: "second"})

	if sess.Title != strings.Repeat("x", 50)+"..." {
		t.Errorf("Title = %q", sess.Title)
	}
	if sess.FirstMessage != long {
		t.Errorf("FirstMessage = %q", sess.FirstMessage)
	}
	if sess.LastMessage != "second" {
		t.Errorf("LastMessage = %q, want second", sess.LastMessage)
	}
	if sess.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", sess.MessageCount)
	}
}
