package raft

// handleAppendEntries implements the AppendEntries request handler. The
// common prelude (a higher term forcing a step down) has already run by
// the time dispatch reaches here.
func (s *Server) handleAppendEntries(from ServerId, args AppendEntriesArgs) {
	if args.Term < s.persistent.CurrentTerm {
		// StaleTerm: negative reply, no state change.
		s.replyAppendEntries(from, false)
		return
	}

	if s.role.IsCandidate() {
		// A current-term leader has emerged; stop campaigning.
		s.stepDownToFollowerKeepingTerm()
	}

	s.currentLeader = args.LeaderId
	if s.role.IsFollower() {
		s.setupElectionTimer()
	}

	if args.PrevLogIndex > 0 {
		entry, ok := s.persistent.Log.EntryAt(args.PrevLogIndex)
		if !ok || entry.Term != args.PrevLogTerm {
			// LogMismatch: non-fatal, the leader will back off nextIndex
			// and retry with an earlier prefix.
			s.replyAppendEntries(from, false)
			return
		}
	}

	triple := s.persistent
	mergedLog, changed := mergeEntries(triple.Log, args.Entries)
	triple.Log = mergedLog

	newCommit := s.commitIndex
	if args.LeaderCommit > newCommit {
		newCommit = args.LeaderCommit
		if length := triple.Log.Length(); length < newCommit {
			newCommit = length
		}
	}

	if changed {
		if err := s.persist(triple); err != nil {
			return
		}
	}

	s.setCommitIndex(newCommit)

	s.replyAppendEntries(from, true)
	s.applyCommitted()
}

// mergeEntries applies the AppendEntries log-matching rule entry by entry,
// in index order: truncate-and-append on a term mismatch, append into an
// empty slot, skip when the entry already matches. It is a pure function
// over log, returning the merged result and whether anything changed, so
// the caller stages the result and decides whether it needs persisting.
func mergeEntries(log Log, entries []IndexedEntry) (Log, bool) {
	changed := false

	for _, ie := range entries {
		existing, ok := log.EntryAt(ie.Index)
		switch {
		case !ok:
			log = append(log, ie.Entry)
			changed = true
		case existing.Term != ie.Entry.Term:
			log = append(log.Truncate(ie.Index), ie.Entry)
			changed = true
		default:
			// Identical entry already present: nothing to do.
		}
	}

	return log, changed
}

func (s *Server) replyAppendEntries(to ServerId, success bool) {
	env, err := NewAppendEntriesResponseEnvelope(s.persistent.CurrentTerm, success)
	if err != nil {
		s.Log.Error("cannot encode AppendEntriesResponse: %v", err)
		return
	}
	s.reply(to, env)
}

// stepDownToFollowerKeepingTerm handles the Candidate -> Follower
// transition triggered by discovering a current-term leader (as opposed to
// the prelude's higher-term step down). The outstanding table is cleared
// too: this candidate's in-flight RequestVote RPCs are now moot.
func (s *Server) stepDownToFollowerKeepingTerm() {
	s.setRole(FollowerRole())
	s.outstanding = make(map[MessageId]outstandingRequest)
	s.setupElectionTimer()
}

// handleAppendEntriesResponse implements the leader-only response handler.
func (s *Server) handleAppendEntriesResponse(from ServerId, id MessageId, args AppendEntriesResponseArgs) {
	if args.Term < s.persistent.CurrentTerm {
		return
	}

	if !s.role.IsLeader() {
		return
	}

	req, found := s.takeOutstanding(id)
	if !found || req.peer != from || req.appendEntries == nil {
		// UnexpectedResponse: no matching outstanding AppendEntries.
		return
	}

	leader := s.role.Leader

	if args.Success {
		lastIndexSent := req.appendEntries.PrevLogIndex + LogIndex(len(req.appendEntries.Entries))
		if lastIndexSent > leader.MatchIndex[from] {
			leader.MatchIndex[from] = lastIndexSent
		}
		leader.NextIndex[from] = leader.MatchIndex[from] + 1

		s.advanceCommitIndex()
		return
	}

	if leader.NextIndex[from] > 1 {
		leader.NextIndex[from]--
	}
	s.sendAppendEntriesTo(from)
}

// advanceCommitIndex finds the largest N > commitIndex such that the entry
// at N belongs to the current term and a majority of servers (including
// this one) have matchIndex >= N. This is the commit-safety rule: a leader
// only ever advances commitIndex past an entry from its own term directly;
// older entries become committed only indirectly, once a later entry from
// the current term has.
func (s *Server) advanceCommitIndex() {
	leader := s.role.Leader
	if leader == nil {
		return
	}

	length := s.persistent.Log.Length()
	needed := s.majority()

	for n := length; n > s.commitIndex; n-- {
		entry, ok := s.persistent.Log.EntryAt(n)
		if !ok || entry.Term != s.persistent.CurrentTerm {
			continue
		}

		count := 1 // self
		for _, m := range leader.MatchIndex {
			if m >= n {
				count++
			}
		}

		if count >= needed {
			s.setCommitIndex(n)
			break
		}
	}

	s.applyCommitted()
}

// handleRequestVote implements the RequestVote request handler.
func (s *Server) handleRequestVote(from ServerId, args RequestVoteArgs) {
	if args.Term < s.persistent.CurrentTerm {
		s.replyRequestVote(from, false)
		return
	}

	canVote := s.persistent.VotedFor == noVote || s.persistent.VotedFor == args.CandidateId
	ourLastTerm := s.persistent.Log.LastTerm()
	ourLastIndex := s.persistent.Log.Length()
	upToDate := args.LastLogTerm > ourLastTerm ||
		(args.LastLogTerm == ourLastTerm && args.LastLogIndex >= ourLastIndex)

	grant := canVote && upToDate

	if grant {
		triple := s.persistent
		triple.VotedFor = args.CandidateId
		if err := s.persist(triple); err != nil {
			return
		}
		if s.role.IsFollower() {
			// Granting a vote means we believe a legitimate election is
			// underway; give it the full timeout to complete before we
			// start one of our own.
			s.setupElectionTimer()
		}
	}

	s.replyRequestVote(from, grant)
}

func (s *Server) replyRequestVote(to ServerId, granted bool) {
	env, err := NewRequestVoteResponseEnvelope(s.persistent.CurrentTerm, granted)
	if err != nil {
		s.Log.Error("cannot encode RequestVoteResponse: %v", err)
		return
	}
	s.reply(to, env)
}

// handleRequestVoteResponse implements the candidate-only response
// handler, tallying votes and transitioning to Leader on reaching a
// majority.
func (s *Server) handleRequestVoteResponse(from ServerId, id MessageId, args RequestVoteResponseArgs) {
	if args.Term != s.persistent.CurrentTerm {
		return
	}

	if !s.role.IsCandidate() {
		return
	}

	req, found := s.takeOutstanding(id)
	if !found || req.peer != from {
		// UnexpectedResponse: no matching outstanding RequestVote, or the
		// reply claims to be from a different peer than the one it was
		// sent to.
		return
	}

	if args.VoteGranted {
		s.role.Candidate.Votes[from] = VoteGranted
	} else {
		s.role.Candidate.Votes[from] = VoteDenied
	}

	if s.role.Candidate.grantedCount() < s.majority() {
		return
	}

	s.becomeLeader()
}
