package raft

import "encoding/json"

// LogEntry pairs a term with an opaque command payload. The payload is
// handed to the external state machine only after the entry commits; the
// core never inspects it.
type LogEntry struct {
	Term    Term
	Command json.RawMessage
}

type wireLogEntry struct {
	EntryTerm Term            `json:"_entryTerm"`
	EntryData json.RawMessage `json:"_entryData"`
}

func (e LogEntry) MarshalJSON() ([]byte, error) {
	data := e.Command
	if data == nil {
		data = json.RawMessage("null")
	}
	return json.Marshal(wireLogEntry{EntryTerm: e.Term, EntryData: data})
}

func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var w wireLogEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Term = w.EntryTerm
	e.Command = w.EntryData
	return nil
}

// IndexedEntry pairs a log entry with its 1-based position, the shape the
// wire protocol uses for the entries argument of AppendEntries.
type IndexedEntry struct {
	Index LogIndex
	Entry LogEntry
}

func (ie IndexedEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{ie.Index, ie.Entry})
}

func (ie *IndexedEntry) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &ie.Index); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &ie.Entry)
}

// Log is a 1-indexed, ordered sequence of log entries. It is kept entirely
// in memory; durability is the job of the PersistentStore, which persists
// a Log alongside currentTerm and votedFor as a single atomic triple.
type Log []LogEntry

// Length returns the number of entries currently in the log.
func (l Log) Length() LogIndex {
	return LogIndex(len(l))
}

// EntryAt returns the entry at index i, or false when i is 0 (the "before
// the first entry" sentinel) or beyond the end of the log.
func (l Log) EntryAt(i LogIndex) (LogEntry, bool) {
	if i <= 0 || int(i) > len(l) {
		return LogEntry{}, false
	}
	return l[i-1], true
}

// LastTerm returns the term of the last entry, or 0 for an empty log.
func (l Log) LastTerm() Term {
	if len(l) == 0 {
		return 0
	}
	return l[len(l)-1].Term
}

// TermAt returns the term of the entry at index i. Index 0 always resolves
// to term 0, matching the "before the first entry" sentinel.
func (l Log) TermAt(i LogIndex) (Term, bool) {
	if i == 0 {
		return 0, true
	}
	entry, ok := l.EntryAt(i)
	if !ok {
		return 0, false
	}
	return entry.Term, true
}

// WithIndices pairs every entry with its 1-based index.
func (l Log) WithIndices() []IndexedEntry {
	out := make([]IndexedEntry, len(l))
	for i, e := range l {
		out[i] = IndexedEntry{Index: LogIndex(i + 1), Entry: e}
	}
	return out
}

// Slice returns the indexed entries from index `from` (inclusive) to the
// end of the log, used to build the entries argument of an AppendEntries
// request for a given follower's nextIndex.
func (l Log) Slice(from LogIndex) []IndexedEntry {
	if from <= 0 {
		from = 1
	}
	if int(from) > len(l) {
		return nil
	}
	out := make([]IndexedEntry, 0, len(l)-int(from)+1)
	for i := from; int(i) <= len(l); i++ {
		entry, _ := l.EntryAt(i)
		out = append(out, IndexedEntry{Index: i, Entry: entry})
	}
	return out
}

// Truncate drops every entry from index i onward (i is 1-based); it is a
// no-op when i exceeds the log length. The result is capped to its own
// length (a three-index slice), not just cut short, so that appending to
// it after a truncation always allocates a fresh backing array instead of
// overwriting entries still reachable from the original log.
func (l Log) Truncate(i LogIndex) Log {
	if i <= 0 {
		return l[:0:0]
	}
	if int(i) > len(l) {
		return l
	}
	return l[:i-1 : i-1]
}
