package raft

import (
	"fmt"
	"time"
)

// run is the only goroutine that ever mutates Server's unexported state.
// Every suspension point the concurrency model allows shows up here as a
// select case: the next inbound envelope, the earliest-expiring timer, or
// a client submission. Persistence writes and transport sends happen
// synchronously inside a case, so a handler runs to completion before the
// next event is considered.
func (s *Server) run() {
	defer s.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			s.Log.Error("panic: %s\n%s", RecoverValueString(value), StackTrace(10))
			if s.errorChan != nil {
				s.errorChan <- fmt.Errorf("panic: %s", RecoverValueString(value))
			}
		}
	}()

	for {
		select {
		case <-s.stopChan:
			s.shutdown()
			return

		case <-s.heartbeatTicker.C:
			s.onHeartbeatTick()

		case <-s.electionTimer.C:
			s.onElectionTimeout()

		case in := <-s.inbox:
			s.dispatch(in.From, in.Env)

		case env := <-s.selfQueue:
			s.dispatch(s.Id, env)

		case req := <-s.submitChan:
			s.handleSubmit(req)
		}
	}
}

func (s *Server) shutdown() {
	if s.ownHTTPTransport != nil {
		s.ownHTTPTransport.Close()
	}
}

// onHeartbeatTick fires strictly more often than the minimum election
// timeout. Outside of Leader it is a no-op; a catch-up AppendEntries and a
// heartbeat are the same RPC, just with or without pending entries.
func (s *Server) onHeartbeatTick() {
	if !s.role.IsLeader() {
		return
	}

	for _, peer := range s.peers() {
		s.sendAppendEntriesTo(peer)
	}
}

func (s *Server) onElectionTimeout() {
	switch s.role.Kind {
	case RoleFollower:
		s.startElection()
	case RoleCandidate:
		s.startElection()
	default:
		// Leader stops the election timer on taking office; a tick here
		// would mean it leaked past a role change.
		Panicf("unexpected election timeout in role %v", s.role.Kind)
	}
}

// dispatch decodes just enough of env to run the common prelude, then
// routes to the type-specific handler. A term that cannot be decoded marks
// the whole envelope as a MalformedMessage: dropped silently.
func (s *Server) dispatch(from ServerId, env *Envelope) {
	term, ok := env.DecodeTerm()
	if !ok {
		s.Log.Debug(2, "dropping envelope with missing or malformed term from %d", from)
		return
	}

	if err := s.applyPrelude(term); err != nil {
		return
	}

	switch env.Type {
	case MessageTypeAppendEntries:
		args, ok := env.DecodeAppendEntries()
		if !ok {
			s.Log.Debug(2, "dropping malformed AppendEntries from %d", from)
			return
		}
		s.handleAppendEntries(from, args)

	case MessageTypeAppendEntriesResponse:
		args, ok := env.DecodeAppendEntriesResponse()
		if !ok {
			s.Log.Debug(2, "dropping malformed AppendEntriesResponse from %d", from)
			return
		}
		s.handleAppendEntriesResponse(from, env.Info.Id, args)

	case MessageTypeRequestVote:
		args, ok := env.DecodeRequestVote()
		if !ok {
			s.Log.Debug(2, "dropping malformed RequestVote from %d", from)
			return
		}
		s.handleRequestVote(from, args)

	case MessageTypeRequestVoteResponse:
		args, ok := env.DecodeRequestVoteResponse()
		if !ok {
			s.Log.Debug(2, "dropping malformed RequestVoteResponse from %d", from)
			return
		}
		s.handleRequestVoteResponse(from, env.Info.Id, args)

	default:
		s.Log.Debug(2, "dropping envelope of unknown type %q from %d", env.Type, from)
	}
}

// applyPrelude is the common prelude every inbound message goes through
// before type-specific handling: a strictly larger term forces a step down
// to Follower and adoption of the new term, persisted before anything else
// happens.
func (s *Server) applyPrelude(term Term) error {
	if term <= s.persistent.CurrentTerm {
		return nil
	}

	triple := s.persistent
	triple.CurrentTerm = term
	triple.VotedFor = noVote

	if err := s.persist(triple); err != nil {
		return err
	}

	s.stepDownToFollower()
	return nil
}

// stepDownToFollower clears every role-specific payload and evicts the
// outstanding table entirely: any request this server had in flight was
// issued under an assumption (being leader, or being a live candidate)
// that no longer holds.
func (s *Server) stepDownToFollower() {
	s.setRole(FollowerRole())
	s.outstanding = make(map[MessageId]outstandingRequest)
	s.setupElectionTimer()
}

func (s *Server) setupElectionTimer() {
	if !s.electionTimer.Stop() {
		select {
		case <-s.electionTimer.C:
		default:
		}
	}
	s.electionTimer.Reset(s.electionTimeout())
}

func (s *Server) electionTimeout() time.Duration {
	minMs := s.Cfg.MinElectionTimeout.Milliseconds()
	maxMs := s.Cfg.MaxElectionTimeout.Milliseconds()
	jitter := s.randGen.Int63n(maxMs - minMs + 1)
	return time.Duration(minMs+jitter) * time.Millisecond
}

// startElection is entered both Follower -> Candidate, on the first
// timeout, and Candidate -> Candidate, when an election fails to reach a
// majority before timing out again.
func (s *Server) startElection() {
	triple := s.persistent
	triple.CurrentTerm++
	triple.VotedFor = s.Id

	if err := s.persist(triple); err != nil {
		// Cannot record the new term: stay put and try again next timeout
		// rather than campaign on state we failed to make durable.
		s.setupElectionTimer()
		return
	}

	s.setRole(CandidateRole())
	s.role.Candidate.Votes[s.Id] = VoteGranted

	s.setupElectionTimer()

	lastIndex := s.persistent.Log.Length()
	lastTerm := s.persistent.Log.LastTerm()

	for _, peer := range s.peers() {
		s.sendRequestVote(peer, lastIndex, lastTerm)
	}

	if s.majority() == 1 {
		s.becomeLeader()
	}
}

func (s *Server) becomeLeader() {
	s.setRole(LeaderRole(s.peers(), s.persistent.Log.Length()))
	s.currentLeader = s.Id

	if !s.electionTimer.Stop() {
		select {
		case <-s.electionTimer.C:
		default:
		}
	}

	for _, peer := range s.peers() {
		s.sendAppendEntriesTo(peer)
	}
}

func (s *Server) nextMsgId() MessageId {
	s.nextMessageId++
	return s.nextMessageId
}

// persist writes the triple to stable storage before updating in-memory
// state. A failure is a PersistenceFailure: fatal to the caller's
// operation, reported upstream, and the caller must not emit any outbound
// message that assumed the write had succeeded.
func (s *Server) persist(triple PersistentTriple) error {
	if err := s.store.Write(triple); err != nil {
		wrapped := &PersistenceFailure{Err: err}
		s.Log.Error("%s", wrapped)
		if s.errorChan != nil {
			s.errorChan <- wrapped
		}
		return wrapped
	}

	s.persistent = triple
	return nil
}

// send routes an envelope either to this server's own in-process
// loopback queue or out through the transport. Self-addressed messages
// are not required to be ordered with respect to peer messages, but they
// are processed by the same handlers under the same persistence
// discipline as anything else.
func (s *Server) send(to ServerId, env *Envelope) {
	if to == s.Id {
		select {
		case s.selfQueue <- env:
		default:
			go func() { s.selfQueue <- env }()
		}
		return
	}

	if s.transport == nil {
		return
	}

	if err := s.transport.Send(to, env); err != nil {
		// TransportSendFailure: treated as message loss, no retry here.
		// The heartbeat ticker and nextIndex bookkeeping provide retry.
		s.Log.Error("cannot send %s to %d: %v", env.Type, to, err)
	}
}

func (s *Server) reply(to ServerId, env *Envelope) {
	env.Info = MessageInfo{From: s.Id, Id: s.nextMsgId()}
	s.send(to, env)
}

func (s *Server) sendRequestVote(peer ServerId, lastIndex LogIndex, lastTerm Term) {
	env, err := NewRequestVoteEnvelope(s.persistent.CurrentTerm, s.Id, lastIndex, lastTerm)
	if err != nil {
		s.Log.Error("cannot encode RequestVote: %v", err)
		return
	}

	id := s.nextMsgId()
	env.Info = MessageInfo{From: s.Id, Id: id}

	s.outstanding[id] = outstandingRequest{peer: peer}

	s.send(peer, env)
}

// sendAppendEntriesTo sends everything from nextIndex[peer] onward,
// serving both heartbeats (an empty entries slice) and catch-up replication
// with the same request shape.
func (s *Server) sendAppendEntriesTo(peer ServerId) {
	leader := s.role.Leader
	if leader == nil {
		return
	}

	nextIndex := leader.NextIndex[peer]
	if nextIndex < 1 {
		nextIndex = 1
	}

	prevLogIndex := nextIndex - 1
	prevLogTerm, ok := s.persistent.Log.TermAt(prevLogIndex)
	if !ok {
		prevLogTerm = 0
	}

	entries := s.persistent.Log.Slice(nextIndex)

	env, err := NewAppendEntriesEnvelope(
		s.persistent.CurrentTerm, s.Id, prevLogIndex, prevLogTerm, entries, s.commitIndex)
	if err != nil {
		s.Log.Error("cannot encode AppendEntries: %v", err)
		return
	}

	id := s.nextMsgId()
	env.Info = MessageInfo{From: s.Id, Id: id}

	s.outstanding[id] = outstandingRequest{
		peer: peer,
		appendEntries: &AppendEntriesArgs{
			Term:         s.persistent.CurrentTerm,
			LeaderId:     s.Id,
			PrevLogIndex: prevLogIndex,
			PrevLogTerm:  prevLogTerm,
			Entries:      entries,
			LeaderCommit: s.commitIndex,
		},
	}

	s.send(peer, env)
}

// takeOutstanding removes and returns the outstanding request for id, if
// any. A response with no matching id is an UnexpectedResponse: dropped
// silently by the caller.
func (s *Server) takeOutstanding(id MessageId) (outstandingRequest, bool) {
	req, found := s.outstanding[id]
	if found {
		delete(s.outstanding, id)
	}
	return req, found
}

// applyCommitted hands every entry in (lastApplied, commitIndex] to the
// external state machine in order. A nil ApplyFunc means the embedder does
// not care about application (useful for pure replication tests).
func (s *Server) applyCommitted() {
	if s.Cfg.ApplyFunc == nil {
		s.setLastApplied(s.commitIndex)
		return
	}

	for s.lastApplied < s.commitIndex {
		index := s.lastApplied + 1
		entry, ok := s.persistent.Log.EntryAt(index)
		if !ok {
			break
		}

		if err := s.Cfg.ApplyFunc(index, entry); err != nil {
			wrapped := &ApplyFailure{Index: index, Err: err}
			s.Log.Error("%s", wrapped)
			if s.errorChan != nil {
				s.errorChan <- wrapped
			}
			return
		}

		s.setLastApplied(index)
	}
}

// Submit appends a command to the log if this server is currently leader,
// returning the index it was assigned. It does not wait for the entry to
// commit; poll with CommitIndex or drive application through ApplyFunc.
// This is the client-facing command-submission endpoint the core treats as
// an external collaborator; Server exposes the minimal primitive an
// embedder's transport needs to implement it.
func (s *Server) Submit(command []byte) (LogIndex, Term, error) {
	resultCh := make(chan submitResult, 1)

	select {
	case s.submitChan <- submitRequest{command: command, resultCh: resultCh}:
	case <-s.stopChan:
		return 0, 0, fmt.Errorf("server stopped")
	}

	result := <-resultCh
	return result.index, result.term, result.err
}

func (s *Server) handleSubmit(req submitRequest) {
	if !s.role.IsLeader() {
		req.resultCh <- submitResult{err: &ErrNotLeader{LeaderHint: s.currentLeader}}
		return
	}

	triple := s.persistent
	triple.Log = append(triple.Log, LogEntry{Term: s.persistent.CurrentTerm, Command: req.command})

	if err := s.persist(triple); err != nil {
		req.resultCh <- submitResult{err: err}
		return
	}

	index := s.persistent.Log.Length()

	for _, peer := range s.peers() {
		s.sendAppendEntriesTo(peer)
	}

	if s.majority() == 1 {
		s.advanceCommitIndex()
	}

	req.resultCh <- submitResult{index: index, term: s.persistent.CurrentTerm}
}

// CommitIndex and LastApplied expose volatile progress for observability
// and for an embedder's client-facing endpoint to poll.
func (s *Server) CommitIndex() LogIndex {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.commitIndex
}

func (s *Server) LastApplied() LogIndex {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastApplied
}
