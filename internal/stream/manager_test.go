package stream

import (
	"strings"
	"testing"

	"github.com/zsiec/mediabuf/internal/pipeline"
)

func newTestPipeline(key string) *pipeline.Pipeline {
	return pipeline.New(key, strings.NewReader(""), nil)
}

func TestManagerCreateAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	s, ok := m.Create("test-stream", newTestPipeline("test-stream"))
	if !ok {
		t.Fatal("Create returned not-ok for new session")
	}
	if s == nil {
		t.Fatal("Create returned nil")
	}
	if s.Key != "test-stream" {
		t.Errorf("key: got %q, want %q", s.Key, "test-stream")
	}
	if s.StartedAt.IsZero() {
		t.Error("StartedAt should not be zero")
	}
	if s.Pipeline() == nil {
		t.Error("Pipeline should not be nil")
	}

	got, ok := m.Get("test-stream")
	if !ok || got != s {
		t.Error("Get should return the created session")
	}
}

func TestManagerCreateDuplicate(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	if _, ok := m.Create("test", newTestPipeline("test")); !ok {
		t.Fatal("first Create should succeed")
	}
	s2, ok2 := m.Create("test", newTestPipeline("test"))

	if ok2 {
		t.Error("duplicate Create should return false")
	}
	if s2 != nil {
		t.Error("duplicate Create should return nil session")
	}
}

func TestManagerRemove(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	s, _ := m.Create("test", newTestPipeline("test"))
	if len(m.List()) != 1 {
		t.Errorf("count: got %d, want 1", len(m.List()))
	}

	m.Remove("test")
	if len(m.List()) != 0 {
		t.Errorf("count after remove: got %d, want 0", len(m.List()))
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed after Remove")
	}
}

func TestManagerList(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	for _, k := range []string{"stream-a", "stream-b", "stream-c"} {
		m.Create(k, newTestPipeline(k))
	}

	sessions := m.List()
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}

	keys := make(map[string]bool)
	for _, s := range sessions {
		keys[s.Key] = true
	}
	for _, k := range []string{"stream-a", "stream-b", "stream-c"} {
		if !keys[k] {
			t.Errorf("missing session %q", k)
		}
	}
}

func TestManagerRemoveNonexistent(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	// Should not panic
	m.Remove("nonexistent")
}

func TestManagerSnapshots(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	m.Create("a", newTestPipeline("a"))
	m.Create("b", newTestPipeline("b"))

	snaps := m.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	for _, key := range []string{"a", "b"} {
		if _, ok := snaps[key]; !ok {
			t.Errorf("missing snapshot for %q", key)
		}
	}
}
