package ledger

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

const (
	indexFile      = "sessions.json"
	sessionFile    = "session.json"
	transcriptFile = "transcript.jsonl"

	statsWindow = 100
)

type indexEntry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
}

type sessionIndex struct {
	Sessions []indexEntry `json:"sessions"`
}

// FileStore keeps sessions on the local filesystem:
//
//	<dir>/sessions.json              index, most recent first
//	<dir>/<id>/session.json          session metadata
//	<dir>/<id>/transcript.jsonl      entries, append-only
type FileStore struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileStore creates dir and the session index if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	s := &FileStore{dir: dir, logger: logger.With("component", "ledger_file")}
	if _, err := os.Stat(s.indexPath()); errors.Is(err, fs.ErrNotExist) {
		if err := s.writeJSON(s.indexPath(), sessionIndex{Sessions: []indexEntry{}}); err != nil {
			return nil, err
		}
	}

	s.logger.Info("file ledger initialized", "dir", dir)
	return s, nil
}

// CreateSession creates a session. An empty id gets a new UUID; an existing
// session is returned unchanged.
func (s *FileStore) CreateSession(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(id)
}

// GetSession returns a session's metadata.
func (s *FileStore) GetSession(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

// UpdateSession overwrites a session's metadata.
func (s *FileStore) UpdateSession(ctx context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getLocked(session.ID); err != nil {
		return err
	}
	session.UpdatedAt = time.Now().UTC()
	return s.saveLocked(session)
}

// EndSession records why and when a session ended.
func (s *FileStore) EndSession(ctx context.Context, id, reason, details string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.getLocked(id)
	if err != nil {
		return Session{}, err
	}
	session.end(reason, details)
	if err := s.saveLocked(session); err != nil {
		return Session{}, err
	}

	s.logger.Info("session ended",
		"session_id", id,
		"reason", reason,
		"duration_s", session.DurationSeconds,
		"messages", session.MessageCount,
		"tool_calls", session.ToolCallCount,
	)
	if details != "" {
		s.logger.Warn("session error details", "session_id", id, "details", details)
	}
	return session, nil
}

// ListSessions returns up to limit sessions, most recent first, optionally
// filtered by status.
func (s *FileStore) ListSessions(ctx context.Context, status string, limit int) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		return nil, err
	}

	entries := index.Sessions
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	sessions := make([]Session, 0, len(entries))
	for _, e := range entries {
		if status != "" && e.Status != status {
			continue
		}
		session, err := s.getLocked(e.ID)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// Stats summarizes the most recent sessions.
func (s *FileStore) Stats(ctx context.Context) (SessionStats, error) {
	sessions, err := s.ListSessions(ctx, "", statsWindow)
	if err != nil {
		return SessionStats{}, err
	}
	return summarize(sessions), nil
}

// Append writes entries to their sessions' transcripts, creating missing sessions.
func (s *FileStore) Append(ctx context.Context, entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySession := make(map[string][]Entry)
	var order []string
	for _, e := range entries {
		prepare(&e)
		if _, seen := bySession[e.SessionID]; !seen {
			order = append(order, e.SessionID)
		}
		bySession[e.SessionID] = append(bySession[e.SessionID], e)
	}

	for _, id := range order {
		if err := s.appendLocked(id, bySession[id]); err != nil {
			return err
		}
	}
	return nil
}

// Read returns a session's transcript. Unknown sessions have no entries.
func (s *FileStore) Read(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.sessionDir(sessionID), transcriptFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := sonic.Unmarshal(line, &e); err != nil {
			s.logger.Warn("skipping corrupt transcript line", "session_id", sessionID, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) appendLocked(sessionID string, entries []Entry) error {
	session, err := s.getLocked(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		s.logger.Warn("session not found, creating", "session_id", sessionID)
		session, err = s.createLocked(sessionID)
	}
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, e := range entries {
		line, err := sonic.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
		session.observe(e)
	}

	path := filepath.Join(s.sessionDir(sessionID), transcriptFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("append transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close transcript: %w", err)
	}

	return s.saveLocked(session)
}

func (s *FileStore) createLocked(id string) (Session, error) {
	if id == "" {
		id = NewSessionID()
	}
	if err := validateSessionID(id); err != nil {
		return Session{}, err
	}
	if existing, err := s.getLocked(id); err == nil {
		return existing, nil
	}

	session := newSession(id)
	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Session{}, fmt.Errorf("create session dir: %w", err)
	}
	if err := s.writeJSON(filepath.Join(dir, sessionFile), session); err != nil {
		return Session{}, err
	}
	f, err := os.OpenFile(filepath.Join(dir, transcriptFile), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Session{}, fmt.Errorf("create transcript: %w", err)
	}
	f.Close()

	index, err := s.readIndex()
	if err != nil {
		return Session{}, err
	}
	entry := indexEntry{ID: id, CreatedAt: session.CreatedAt, Title: session.Title, Status: session.Status}
	index.Sessions = append([]indexEntry{entry}, index.Sessions...)
	if err := s.writeJSON(s.indexPath(), index); err != nil {
		return Session{}, err
	}

	s.logger.Info("created session", "session_id", id)
	return session, nil
}

func (s *FileStore) getLocked(id string) (Session, error) {
	if err := validateSessionID(id); err != nil {
		return Session{}, err
	}
	data, err := os.ReadFile(filepath.Join(s.sessionDir(id), sessionFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("read session: %w", err)
	}

	var session Session
	if err := sonic.Unmarshal(data, &session); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return session, nil
}

func (s *FileStore) saveLocked(session Session) error {
	if err := s.writeJSON(filepath.Join(s.sessionDir(session.ID), sessionFile), session); err != nil {
		return err
	}

	index, err := s.readIndex()
	if err != nil {
		return err
	}
	for i := range index.Sessions {
		if index.Sessions[i].ID == session.ID {
			index.Sessions[i].Title = session.Title
			index.Sessions[i].Status = session.Status
			break
		}
	}
	return s.writeJSON(s.indexPath(), index)
}

func (s *FileStore) readIndex() (sessionIndex, error) {
	var index sessionIndex
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		return index, fmt.Errorf("read session index: %w", err)
	}
	if err := sonic.Unmarshal(data, &index); err != nil {
		return index, fmt.Errorf("decode session index: %w", err)
	}
	return index, nil
}

// writeJSON writes v through a temp file and rename.
func (s *FileStore) writeJSON(path string, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.dir, indexFile)
}

func (s *FileStore) sessionDir(id string) string {
	return filepath.Join(s.dir, id)
}

func validateSessionID(id string) error {
	if id == "" {
		return errors.New("session id is required")
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}
