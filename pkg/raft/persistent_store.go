package raft

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sync"
)

// PersistentTriple is the durable (currentTerm, votedFor, log) triple every
// state transition that mutates durable state must write before any
// outbound message reflecting the new state is emitted.
type PersistentTriple struct {
	CurrentTerm Term
	VotedFor    ServerId
	Log         Log
}

// wire shape: [term, votedForOrNull, {"_logEntries": [...]}], the exact
// layout existing peers and operators' tooling expect on disk.
type wireLog struct {
	Entries []LogEntry `json:"_logEntries"`
}

func (t PersistentTriple) MarshalJSON() ([]byte, error) {
	votedFor := votedForOptional(t.VotedFor)
	entries := t.Log
	if entries == nil {
		entries = Log{}
	}
	return json.Marshal([3]interface{}{
		t.CurrentTerm,
		votedFor,
		wireLog{Entries: []LogEntry(entries)},
	})
}

func (t *PersistentTriple) UnmarshalJSON(data []byte) error {
	var tuple [3]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("malformed persistent state: %w", err)
	}

	if err := json.Unmarshal(tuple[0], &t.CurrentTerm); err != nil {
		return fmt.Errorf("malformed currentTerm: %w", err)
	}

	var votedFor *ServerId
	if err := json.Unmarshal(tuple[1], &votedFor); err != nil {
		return fmt.Errorf("malformed votedFor: %w", err)
	}
	if votedFor != nil {
		t.VotedFor = *votedFor
	} else {
		t.VotedFor = noVote
	}

	var wl wireLog
	if err := json.Unmarshal(tuple[2], &wl); err != nil {
		return fmt.Errorf("malformed log: %w", err)
	}
	t.Log = Log(wl.Entries)

	return nil
}

// DefaultPersistentTriple is what a fresh server observes when no prior
// state has ever been written: term 0, no vote cast, empty log.
func DefaultPersistentTriple() PersistentTriple {
	return PersistentTriple{CurrentTerm: 0, VotedFor: noVote, Log: Log{}}
}

// PersistentStore is an atomic (currentTerm, votedFor, log) store backed by
// a single file. Writes land in a temporary file in the same directory and
// are then renamed into place, so a reader never observes a partial write:
// the rename is what POSIX guarantees atomically replaces the old content.
//
// A store is addressed by name; two PersistentStore values created with the
// same name via a Factory refer to the same durable object, and the
// Factory hands out a single shared handle per name so concurrent writers
// serialize on its mutex rather than racing the filesystem.
type PersistentStore struct {
	name     string
	filePath string

	mu sync.Mutex
}

func newPersistentStore(dataDirectory, name string) *PersistentStore {
	return &PersistentStore{
		name:     name,
		filePath: path.Join(dataDirectory, name+".json"),
	}
}

// Read returns the last successfully written triple, or the default triple
// if nothing has ever been written to this store.
func (s *PersistentStore) Read() (PersistentTriple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPersistentTriple(), nil
		}
		return PersistentTriple{}, fmt.Errorf("cannot read %q: %w", s.filePath, err)
	}

	var triple PersistentTriple
	if err := json.Unmarshal(data, &triple); err != nil {
		return PersistentTriple{}, fmt.Errorf("cannot decode %q: %w", s.filePath, err)
	}

	return triple, nil
}

// Write durably persists the triple. It must complete before any outbound
// message reflecting the new state is emitted; a failure here is fatal to
// the in-flight operation (see PersistenceFailure in the error taxonomy).
func (s *PersistentStore) Write(triple PersistentTriple) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(triple)
	if err != nil {
		return fmt.Errorf("cannot encode persistent state: %w", err)
	}

	dir := path.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("cannot create %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+s.name+"-*")
	if err != nil {
		return fmt.Errorf("cannot create temporary file in %q: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cannot write %q: %w", tmpPath, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cannot sync %q: %w", tmpPath, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cannot close %q: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cannot rename %q to %q: %w", tmpPath, s.filePath, err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		dirFile.Sync()
		dirFile.Close()
	}

	return nil
}

// PersistentStoreFactory hands out PersistentStore handles by name,
// guaranteeing that two FromName calls with the same name return the same
// handle rather than two independent objects racing the same file.
type PersistentStoreFactory struct {
	dataDirectory string

	mu     sync.Mutex
	stores map[string]*PersistentStore
}

func NewPersistentStoreFactory(dataDirectory string) *PersistentStoreFactory {
	return &PersistentStoreFactory{
		dataDirectory: dataDirectory,
		stores:        make(map[string]*PersistentStore),
	}
}

// FromName returns the PersistentStore handle for name, creating it on
// first use.
func (f *PersistentStoreFactory) FromName(name string) *PersistentStore {
	f.mu.Lock()
	defer f.mu.Unlock()

	if store, found := f.stores[name]; found {
		return store
	}

	store := newPersistentStore(f.dataDirectory, name)
	f.stores[name] = store
	return store
}
