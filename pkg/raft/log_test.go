package raft

import (
	"encoding/json"
	"testing"

	"github.com/go-test/deep"
)

func cmd(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

func TestLogEntryAt(t *testing.T) {
	log := Log{
		{Term: 1, Command: cmd("a")},
		{Term: 1, Command: cmd("b")},
		{Term: 2, Command: cmd("c")},
	}

	if _, ok := log.EntryAt(0); ok {
		t.Fatalf("expected index 0 to be absent")
	}
	if _, ok := log.EntryAt(4); ok {
		t.Fatalf("expected index past the end to be absent")
	}

	entry, ok := log.EntryAt(2)
	if !ok || entry.Term != 1 {
		t.Fatalf("expected entry 2 to have term 1, got %+v ok=%v", entry, ok)
	}
}

func TestLogLastTermEmpty(t *testing.T) {
	var log Log
	if term := log.LastTerm(); term != 0 {
		t.Fatalf("expected term 0 for an empty log, got %d", term)
	}
}

func TestLogTermAtSentinel(t *testing.T) {
	log := Log{{Term: 5, Command: cmd("x")}}

	term, ok := log.TermAt(0)
	if !ok || term != 0 {
		t.Fatalf("expected sentinel term 0 at index 0, got %d ok=%v", term, ok)
	}

	if _, ok := log.TermAt(2); ok {
		t.Fatalf("expected index past the end to be absent")
	}
}

func TestLogWithIndices(t *testing.T) {
	log := Log{{Term: 1, Command: cmd("a")}, {Term: 2, Command: cmd("b")}}

	got := log.WithIndices()
	want := []IndexedEntry{
		{Index: 1, Entry: log[0]},
		{Index: 2, Entry: log[1]},
	}

	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("unexpected indices: %v", diff)
	}
}

func TestLogSlice(t *testing.T) {
	log := Log{
		{Term: 1, Command: cmd("a")},
		{Term: 1, Command: cmd("b")},
		{Term: 2, Command: cmd("c")},
	}

	got := log.Slice(2)
	if len(got) != 2 || got[0].Index != 2 || got[1].Index != 3 {
		t.Fatalf("unexpected slice: %+v", got)
	}

	if got := log.Slice(10); got != nil {
		t.Fatalf("expected nil slice past the end, got %+v", got)
	}
}

func TestLogTruncate(t *testing.T) {
	log := Log{
		{Term: 1, Command: cmd("a")},
		{Term: 1, Command: cmd("b")},
		{Term: 2, Command: cmd("c")},
	}

	truncated := log.Truncate(2)
	if len(truncated) != 1 {
		t.Fatalf("expected 1 entry to survive truncation at index 2, got %d", len(truncated))
	}

	if got := log.Truncate(100); len(got) != 3 {
		t.Fatalf("expected truncation past the end to be a no-op, got %d entries", len(got))
	}
}

func TestLogEntryRoundTrip(t *testing.T) {
	entry := LogEntry{Term: 3, Command: cmd("hello")}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded LogEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if diff := deep.Equal(entry, decoded); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestIndexedEntryRoundTrip(t *testing.T) {
	ie := IndexedEntry{Index: 7, Entry: LogEntry{Term: 2, Command: cmd("payload")}}

	data, err := json.Marshal(ie)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded IndexedEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if diff := deep.Equal(ie, decoded); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}
