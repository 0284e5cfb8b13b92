package raft

import (
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport used by tests that want to
// inspect what a Server sent without going through a real network. It can
// also be wired into a small cluster of Servers to exercise multi-node
// scenarios deterministically.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentEnvelope

	peers map[ServerId]chan<- inboundEnvelope
	self  ServerId
	drop  bool
}

type sentEnvelope struct {
	To  ServerId
	Env *Envelope
}

func newFakeTransport(self ServerId) *fakeTransport {
	return &fakeTransport{self: self, peers: make(map[ServerId]chan<- inboundEnvelope)}
}

func (f *fakeTransport) Send(to ServerId, env *Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentEnvelope{To: to, Env: env})
	inbox, found := f.peers[to]
	drop := f.drop
	f.mu.Unlock()

	if drop || !found {
		return nil
	}

	go func() {
		inbox <- inboundEnvelope{From: f.self, Env: env}
	}()

	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) last() *Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1].Env
}

// newHandlerTestServer builds a Server with its timers initialized but
// never started, suitable for calling handler methods directly without a
// goroutine racing the test.
func newHandlerTestServer(t *testing.T, id ServerId, servers ServerSet) (*Server, *fakeTransport) {
	t.Helper()

	transport := newFakeTransport(id)

	s, err := NewServer(ServerCfg{
		Id:            id,
		Servers:       servers,
		DataDirectory: t.TempDir(),
		Transport:     transport,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	triple, err := s.store.Read()
	if err != nil {
		t.Fatalf("store.Read: %v", err)
	}
	s.persistent = triple
	s.role = FollowerRole()
	s.electionTimer = time.NewTimer(time.Hour)
	s.heartbeatTicker = time.NewTicker(time.Hour)

	return s, transport
}

func threeServerSet() ServerSet {
	return ServerSet{
		1: {LocalAddress: "127.0.0.1:0", PublicAddress: "127.0.0.1:0"},
		2: {LocalAddress: "127.0.0.1:0", PublicAddress: "127.0.0.1:0"},
		3: {LocalAddress: "127.0.0.1:0", PublicAddress: "127.0.0.1:0"},
	}
}

// newCluster builds n real Servers, each wired to the others through a
// fakeTransport whose peers map points at the recipient's actual inbox
// channel. A Send from one node's run loop is delivered to another's
// exactly the way it would be over the network, just without a socket in
// between, so election and replication can be exercised with multiple
// live run goroutines racing each other deterministically.
func newCluster(t *testing.T, n int) []*Server {
	t.Helper()

	servers := make(ServerSet, n)
	for i := 1; i <= n; i++ {
		servers[ServerId(i)] = ServerData{LocalAddress: "127.0.0.1:0", PublicAddress: "127.0.0.1:0"}
	}

	nodes := make([]*Server, n)
	transports := make([]*fakeTransport, n)

	for i := 1; i <= n; i++ {
		id := ServerId(i)
		transport := newFakeTransport(id)
		transports[i-1] = transport

		s, err := NewServer(ServerCfg{
			Id:                 id,
			Servers:            servers,
			DataDirectory:      t.TempDir(),
			Transport:          transport,
			MinElectionTimeout: 20 * time.Millisecond,
			MaxElectionTimeout: 40 * time.Millisecond,
			HeartbeatInterval:  5 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("NewServer: %v", err)
		}
		nodes[i-1] = s
	}

	for i, transport := range transports {
		for j, peer := range nodes {
			if i == j {
				continue
			}
			transport.peers[peer.Id] = peer.inbox
		}
	}

	return nodes
}
