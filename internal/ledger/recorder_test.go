package ledger

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store for recorder tests.
type memStore struct {
	mu      sync.Mutex
	entries []Entry
	calls   int
	err     error
}

func (m *memStore) Append(ctx context.Context, entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *memStore) Read(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestRecorder_Lifecycle(t *testing.T) {
	store := &memStore{}
	r := NewRecorder(RecorderConfig{BufferSize: 100, BatchSize: 10, FlushInterval: 20 * time.Millisecond}, store, nil, nil)

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		r.Append(userEntry("s1", "hello"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.len() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if store.len() != 3 {
		t.Fatalf("store has %d entries after flush interval, want 3", store.len())
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	stats := r.Stats()
	if stats.Appended != 3 || stats.Written != 3 {
		t.Errorf("Stats() = %+v, want 3 appended and written", stats)
	}
}

func TestRecorder_StopFlushesPending(t *testing.T) {
	store := &memStore{}
	r := NewRecorder(RecorderConfig{BufferSize: 100, BatchSize: 100, FlushInterval: time.Hour}, store, nil, nil)
	r.Start(context.Background())

	for i := 0; i < 5; i++ {
		r.Append(userEntry("s1", "x"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Stop(ctx)

	if store.len() != 5 {
		t.Errorf("store has %d entries after Stop, want 5", store.len())
	}
}

func TestRecorder_ReadFlushesFirst(t *testing.T) {
	store := &memStore{}
	r := NewRecorder(RecorderConfig{BufferSize: 100, BatchSize: 100, FlushInterval: time.Hour}, store, nil, nil)

	r.Append(userEntry("s1", "first"))
	r.Append(userEntry("s2", "other"))
	r.Append(userEntry("s1", "second"))

	got, err := r.Read(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 2 || got[0].Text != "first" || got[1].Text != "second" {
		t.Errorf("Read() = %+v, want both s1 entries in order", got)
	}
}

func TestRecorder_KeepsAppendOrderUnderConcurrentFlushes(t *testing.T) {
	store := &memStore{}
	r := NewRecorder(RecorderConfig{BufferSize: 10000, BatchSize: 3, FlushInterval: time.Millisecond}, store, nil, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	const n = 2000
	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.Read(context.Background(), "s1", 1)
			}
		}
	}()

	for i := 0; i < n; i++ {
		r.Append(userEntry("s1", strconv.Itoa(i)))
	}
	close(stop)
	readers.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Stop(ctx)

	got, _ := store.Read(context.Background(), "s1", 0)
	if len(got) != n {
		t.Fatalf("store has %d entries, want %d", len(got), n)
	}
	for i, e := range got {
		if e.Text != strconv.Itoa(i) {
			t.Fatalf("entry %d has text %q, want %d", i, e.Text, i)
		}
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	store := &memStore{}
	r := NewRecorder(RecorderConfig{BufferSize: 2, BatchSize: 1, FlushInterval: time.Hour}, store, nil, nil)

	for i := 0; i < 5; i++ {
		r.Append(userEntry("s1", "x"))
	}

	stats := r.Stats()
	if stats.Appended != 2 {
		t.Errorf("Appended = %d, want 2", stats.Appended)
	}
	if stats.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", stats.Dropped)
	}
}

func TestRecorder_StoreError(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	r := NewRecorder(RecorderConfig{BufferSize: 10, BatchSize: 10, FlushInterval: time.Hour}, store, nil, nil)

	r.Append(userEntry("s1", "x"))
	r.flushContext(context.Background())

	if got := r.Stats().Errors; got != 1 {
		t.Errorf("Errors = %d, want 1", got)
	}
}

func TestRecorder_AppendFillsIDAndTimestamp(t *testing.T) {
	store := &memStore{}
	r := NewRecorder(DefaultRecorderConfig(), store, nil, nil)

	r.Append(Entry{SessionID: "s1", Type: EntrySystem, Text: "started"})
	got, _ := r.Read(context.Background(), "s1", 0)

	if len(got) != 1 {
		t.Fatalf("Read() = %d entries, want 1", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Errorf("entry = %+v, want id and timestamp set", got[0])
	}
}
