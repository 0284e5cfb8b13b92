package raft

import (
	"testing"

	"github.com/go-test/deep"
)

func TestPersistentStoreDefaultWhenAbsent(t *testing.T) {
	factory := NewPersistentStoreFactory(t.TempDir())
	store := factory.FromName("server-1")

	triple, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if diff := deep.Equal(triple, DefaultPersistentTriple()); diff != nil {
		t.Fatalf("unexpected default triple: %v", diff)
	}
}

func TestPersistentStoreWriteReadRoundTrip(t *testing.T) {
	factory := NewPersistentStoreFactory(t.TempDir())
	store := factory.FromName("server-1")

	written := PersistentTriple{
		CurrentTerm: 4,
		VotedFor:    7,
		Log: Log{
			{Term: 2, Command: cmd("a")},
			{Term: 4, Command: cmd("b")},
		},
	}

	if err := store.Write(written); err != nil {
		t.Fatalf("Write: %v", err)
	}

	read, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if diff := deep.Equal(written, read); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestPersistentStoreFactoryReturnsSharedHandle(t *testing.T) {
	factory := NewPersistentStoreFactory(t.TempDir())

	a := factory.FromName("server-1")
	b := factory.FromName("server-1")

	if a != b {
		t.Fatalf("expected FromName to return the same handle for the same name")
	}

	c := factory.FromName("server-2")
	if a == c {
		t.Fatalf("expected distinct handles for distinct names")
	}
}

func TestPersistentStoreNoVoteRoundTripsAsAbsent(t *testing.T) {
	factory := NewPersistentStoreFactory(t.TempDir())
	store := factory.FromName("server-1")

	if err := store.Write(DefaultPersistentTriple()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	read, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if read.VotedFor != noVote {
		t.Fatalf("expected votedFor to round-trip as absent, got %d", read.VotedFor)
	}
}
