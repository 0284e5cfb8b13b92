package raft

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ApplyFunc hands a committed entry's command to the external state
// machine. It is called in log order, once per index, with lastApplied
// advanced only after it returns nil. A non-nil error is an ApplyFailure
// and is treated as fatal.
type ApplyFunc func(LogIndex, LogEntry) error

// ServerCfg configures a Server. Servers, Id and DataDirectory are
// required; everything else has a sane default.
type ServerCfg struct {
	Id      ServerId
	Servers ServerSet

	DataDirectory string

	Logger Logger

	// MinElectionTimeout/MaxElectionTimeout bound the randomized election
	// timer. Defaults satisfy heartbeat << MinElectionTimeout <<
	// MaxElectionTimeout, long enough to exceed broadcast RTT yet short
	// relative to typical mean time between failures.
	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration

	// HeartbeatInterval is how often a Leader re-sends AppendEntries to
	// idle followers. It must be strictly smaller than MinElectionTimeout.
	HeartbeatInterval time.Duration

	// ApplyFunc receives committed entries in order. A nil ApplyFunc is
	// legal for tests that only exercise replication, not application.
	ApplyFunc ApplyFunc

	// Transport is the network collaborator used to reach peers. When nil,
	// Server builds an HTTPTransport bound to Servers[Id].LocalAddress.
	Transport Transport
}

func (cfg *ServerCfg) setDefaults() {
	if cfg.MinElectionTimeout == 0 {
		cfg.MinElectionTimeout = 150 * time.Millisecond
	}
	if cfg.MaxElectionTimeout == 0 {
		cfg.MaxElectionTimeout = 300 * time.Millisecond
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
}

// outstandingRequest is what Server remembers about a request it sent and
// has not yet received a matching response for. appendEntries is non-nil
// iff the request was an AppendEntries, and carries enough of the original
// arguments to compute matchIndex on a successful response.
type outstandingRequest struct {
	peer          ServerId
	appendEntries *AppendEntriesArgs
}

// Server is a single Raft participant. Once Start has launched it, only
// one goroutine (run) ever writes the unexported fields below; every other
// method either reads immutable configuration, reads role, commitIndex or
// lastApplied under stateMu, or hands work to that goroutine through a
// channel, so handler invocations for a given Server are always
// serialized, satisfying the single-logical-thread scheduling model.
type Server struct {
	Cfg ServerCfg
	Log Logger

	Id ServerId

	// stateMu guards role, commitIndex and lastApplied, the three fields
	// that Role, CommitIndex and LastApplied expose to callers outside
	// run's goroutine. Every other field is read and written exclusively
	// by run and needs no lock.
	stateMu sync.Mutex

	role          Role
	currentLeader ServerId

	commitIndex LogIndex
	lastApplied LogIndex

	persistent PersistentTriple
	store      *PersistentStore

	outstanding   map[MessageId]outstandingRequest
	nextMessageId MessageId

	randGen *rand.Rand

	transport Transport
	selfQueue chan *Envelope
	inbox     chan inboundEnvelope

	heartbeatTicker *time.Ticker
	electionTimer   *time.Timer

	submitChan chan submitRequest

	errorChan chan<- error
	stopChan  chan struct{}
	wg        sync.WaitGroup

	ownHTTPTransport *HTTPTransport
}

type submitRequest struct {
	command  []byte
	resultCh chan submitResult
}

type submitResult struct {
	index LogIndex
	term  Term
	err   error
}

// ErrNotLeader is returned by Submit when this server is not currently the
// leader. Clients should retry against the server LeaderHint identifies
// (noVote when no leader is known).
type ErrNotLeader struct {
	LeaderHint ServerId
}

func (e *ErrNotLeader) Error() string {
	if e.LeaderHint == noVote {
		return "not leader, no known leader"
	}
	return fmt.Sprintf("not leader, try %d", e.LeaderHint)
}

func NewServer(cfg ServerCfg) (*Server, error) {
	if cfg.Id == noVote {
		return nil, fmt.Errorf("missing or invalid server id")
	}

	if _, found := cfg.Servers[cfg.Id]; !found {
		return nil, fmt.Errorf("unknown server id %d", cfg.Id)
	}

	if cfg.DataDirectory == "" {
		return nil, fmt.Errorf("missing or empty data directory")
	}

	cfg.setDefaults()

	storeFactory := NewPersistentStoreFactory(cfg.DataDirectory)
	store := storeFactory.FromName(fmt.Sprintf("server-%d", cfg.Id))

	s := &Server{
		Cfg: cfg,
		Log: cfg.Logger,

		Id: cfg.Id,

		role: BootingRole(),

		store: store,

		outstanding: make(map[MessageId]outstandingRequest),

		randGen: rand.New(rand.NewSource(time.Now().UnixNano())),

		selfQueue: make(chan *Envelope, 256),
		inbox:     make(chan inboundEnvelope, 256),

		submitChan: make(chan submitRequest),

		stopChan: make(chan struct{}),
	}

	s.transport = cfg.Transport

	return s, nil
}

// Start loads persistent state, brings up the transport and begins the
// main loop. errorChan receives fatal errors (persistence failures,
// transport failures, panics); the caller decides how to react, typically
// by terminating the process.
func (s *Server) Start(errorChan chan<- error) error {
	s.errorChan = errorChan

	triple, err := s.store.Read()
	if err != nil {
		return fmt.Errorf("cannot read persistent state: %w", err)
	}
	s.persistent = triple

	s.Log.Debug(1, "initial persistent state: currentTerm %d, votedFor %d, %d log entries",
		s.persistent.CurrentTerm, s.persistent.VotedFor, len(s.persistent.Log))

	if s.transport == nil {
		sdata := s.Cfg.Servers[s.Id]
		httpTransport := NewHTTPTransport(s.Id, sdata.LocalAddress, s.Cfg.Servers, s.inbox, s.Log)
		s.ownHTTPTransport = httpTransport
		s.transport = httpTransport
	}

	if s.ownHTTPTransport != nil {
		if err := s.ownHTTPTransport.Start(errorChan); err != nil {
			return fmt.Errorf("cannot start transport: %w", err)
		}
	}

	// Booting -> Follower, per the lifecycle: a Server never transitions
	// back to Booting.
	s.setRole(FollowerRole())

	s.heartbeatTicker = time.NewTicker(s.Cfg.HeartbeatInterval)
	s.electionTimer = time.NewTimer(s.electionTimeout())

	s.wg.Add(1)
	go s.run()

	return nil
}

func (s *Server) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

// peers returns every cluster member other than this server.
func (s *Server) peers() []ServerId {
	ids := make([]ServerId, 0, len(s.Cfg.Servers)-1)
	for id := range s.Cfg.Servers {
		if id != s.Id {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Server) majority() int {
	return len(s.Cfg.Servers)/2 + 1
}

// Role reports the current role kind; useful for tests and observability,
// not for making decisions from outside the main loop.
func (s *Server) Role() RoleKind {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.role.Kind
}

// setRole replaces the current role. Called only from within run, it takes
// stateMu so that Role, called from any other goroutine, never observes a
// partially-written role.
func (s *Server) setRole(r Role) {
	s.stateMu.Lock()
	s.role = r
	s.stateMu.Unlock()
}

// setCommitIndex advances commitIndex. Called only from within run, it
// takes stateMu for the same reason setRole does.
func (s *Server) setCommitIndex(index LogIndex) {
	s.stateMu.Lock()
	s.commitIndex = index
	s.stateMu.Unlock()
}

// setLastApplied advances lastApplied. Called only from within run, it
// takes stateMu for the same reason setRole does.
func (s *Server) setLastApplied(index LogIndex) {
	s.stateMu.Lock()
	s.lastApplied = index
	s.stateMu.Unlock()
}
