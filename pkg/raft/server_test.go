package raft

import (
	"testing"
	"time"
)

func singleNodeCfg(t *testing.T) ServerCfg {
	t.Helper()
	return ServerCfg{
		Id:                  1,
		Servers:             ServerSet{1: {LocalAddress: "127.0.0.1:0", PublicAddress: "127.0.0.1:0"}},
		DataDirectory:       t.TempDir(),
		Transport:           newFakeTransport(1),
		MinElectionTimeout:  10 * time.Millisecond,
		MaxElectionTimeout:  20 * time.Millisecond,
		HeartbeatInterval:   5 * time.Millisecond,
	}
}

// S1 — single-node election: after the election timeout elapses with no
// competing traffic, the lone node becomes Leader in term 1 with an empty
// log and commitIndex 0.
func TestSingleNodeElection(t *testing.T) {
	s, err := NewServer(singleNodeCfg(t))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	errCh := make(chan error, 1)
	if err := s.Start(errCh); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if s.Role() == RoleLeader {
			break
		}
		select {
		case err := <-errCh:
			t.Fatalf("unexpected fatal error: %v", err)
		case <-deadline:
			t.Fatalf("node never became leader, role is %v", s.Role())
		case <-time.After(time.Millisecond):
		}
	}

	if s.persistent.CurrentTerm != 1 {
		t.Fatalf("expected currentTerm=1, got %d", s.persistent.CurrentTerm)
	}
	if s.persistent.VotedFor != 1 {
		t.Fatalf("expected votedFor=1 (self), got %d", s.persistent.VotedFor)
	}
	if s.persistent.Log.Length() != 0 {
		t.Fatalf("expected an empty log, got %d entries", s.persistent.Log.Length())
	}
	if s.CommitIndex() != 0 {
		t.Fatalf("expected commitIndex=0, got %d", s.CommitIndex())
	}
}

// Once elected leader of a single-node cluster, Submit commits immediately
// (majority of 1) and the entry is applied.
func TestSingleNodeSubmitCommitsImmediately(t *testing.T) {
	applied := make(chan LogEntry, 1)

	cfg := singleNodeCfg(t)
	cfg.ApplyFunc = func(index LogIndex, entry LogEntry) error {
		applied <- entry
		return nil
	}

	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	errCh := make(chan error, 1)
	if err := s.Start(errCh); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for s.Role() != RoleLeader {
		select {
		case err := <-errCh:
			t.Fatalf("unexpected fatal error: %v", err)
		case <-deadline:
			t.Fatalf("node never became leader")
		case <-time.After(time.Millisecond):
		}
	}

	index, term, err := s.Submit([]byte(`"hello"`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if index != 1 {
		t.Fatalf("expected index=1, got %d", index)
	}
	if term != 1 {
		t.Fatalf("expected term=1, got %d", term)
	}

	select {
	case entry := <-applied:
		if string(entry.Command) != `"hello"` {
			t.Fatalf("unexpected applied command: %s", entry.Command)
		}
	case <-time.After(time.Second):
		t.Fatalf("entry was never applied")
	}

	if s.CommitIndex() != 1 {
		t.Fatalf("expected commitIndex=1, got %d", s.CommitIndex())
	}
}

// S2 — 3-node cluster: a node wins the election, and a command submitted
// to it propagates to the other two and commits (the leader needs two of
// three to have matchIndex past it), until every node's commitIndex has
// reached it.
func TestThreeNodeClusterElectsLeaderAndReplicates(t *testing.T) {
	nodes := newCluster(t, 3)

	errCh := make(chan error, len(nodes))
	for _, s := range nodes {
		if err := s.Start(errCh); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	defer func() {
		for _, s := range nodes {
			s.Stop()
		}
	}()

	var leader *Server
	deadline := time.After(2 * time.Second)
	for leader == nil {
		for _, s := range nodes {
			if s.Role() == RoleLeader {
				leader = s
				break
			}
		}
		if leader != nil {
			break
		}
		select {
		case err := <-errCh:
			t.Fatalf("unexpected fatal error: %v", err)
		case <-deadline:
			t.Fatalf("no node became leader")
		case <-time.After(time.Millisecond):
		}
	}

	index, _, err := leader.Submit([]byte(`"hello"`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline = time.After(2 * time.Second)
	for _, s := range nodes {
		for s.CommitIndex() < index {
			select {
			case err := <-errCh:
				t.Fatalf("unexpected fatal error: %v", err)
			case <-deadline:
				t.Fatalf("server %d never caught up to index %d, commitIndex=%d", s.Id, index, s.CommitIndex())
			case <-time.After(time.Millisecond):
			}
		}
	}
}

// S6 — crash recovery: state written to a store is what a Server later
// loads from the same data directory and store name.
func TestCrashRecoveryReloadsPersistedState(t *testing.T) {
	dataDir := t.TempDir()
	servers := ServerSet{
		1: {LocalAddress: "127.0.0.1:0", PublicAddress: "127.0.0.1:0"},
		7: {LocalAddress: "127.0.0.1:0", PublicAddress: "127.0.0.1:0"},
	}

	factory := NewPersistentStoreFactory(dataDir)
	store := factory.FromName("server-1")
	if err := store.Write(PersistentTriple{
		CurrentTerm: 4,
		VotedFor:    7,
		Log: Log{
			{Term: 2, Command: cmd("a")},
			{Term: 4, Command: cmd("b")},
		},
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	s, transport := newHandlerTestServer(t, 1, servers)
	s.Cfg.DataDirectory = dataDir
	s.store = NewPersistentStoreFactory(dataDir).FromName("server-1")

	triple, err := s.store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	s.persistent = triple

	if s.persistent.CurrentTerm != 4 {
		t.Fatalf("expected currentTerm=4 after reload, got %d", s.persistent.CurrentTerm)
	}
	if s.persistent.VotedFor != 7 {
		t.Fatalf("expected votedFor=7 after reload, got %d", s.persistent.VotedFor)
	}
	if s.persistent.Log.Length() != 2 {
		t.Fatalf("expected 2 log entries after reload, got %d", s.persistent.Log.Length())
	}

	// Any RequestVote in a term <= 4 from a candidate other than 7 must be
	// denied, since this node already voted for 7 in term 4.
	s.handleRequestVote(3, RequestVoteArgs{
		Term:         4,
		CandidateId:  3,
		LastLogIndex: 2,
		LastLogTerm:  4,
	})

	resp, ok := transport.last().DecodeRequestVoteResponse()
	if !ok || resp.VoteGranted {
		t.Fatalf("expected vote to be denied, got %+v ok=%v", resp, ok)
	}
}
