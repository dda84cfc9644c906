package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/seanfdz/commandpost/internal/types"
)

func TestAppendAndQuery(t *testing.T) {
	log := New(filepath.Join(t.TempDir(), "events.jsonl"))
	for i := 0; i < 3; i++ {
		if err := log.Append(&types.Event{EventType: types.EventTaskUpdated, AgentID: "worker-1"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	got, err := log.Query(Filters{AgentID: "worker-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 events, got %d", len(got))
	}
	for _, ev := range got {
		if ev.EventID == "" {
			t.Error("event missing auto-assigned id")
		}
	}
}

func TestQueryToleratesMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log := New(path)
	if err := log.Append(&types.Event{EventType: types.EventTaskUpdated}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{not valid json\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := log.Append(&types.Event{EventType: types.EventTaskCreated}); err != nil {
		t.Fatal(err)
	}

	got, err := log.Query(Filters{})
	if err != nil {
		t.Fatalf("query should tolerate malformed line: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 valid events despite malformed line, got %d", len(got))
	}
}

func TestQueryMissingFileReturnsEmpty(t *testing.T) {
	log := New(filepath.Join(t.TempDir(), "missing.jsonl"))
	got, err := log.Query(Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want no events, got %+v", got)
	}
}
