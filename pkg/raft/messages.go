package raft

// Argument key names are fixed wire constants; an envelope carrying a
// different key for the same concept would not interoperate with an
// existing peer.
const (
	argTerm         = "term"
	argLeaderId     = "leaderId"
	argPrevLogIndex = "prevLogIndex"
	argPrevLogTerm  = "prevLogTerm"
	argEntries      = "entries"
	argLeaderCommit = "leaderCommit"
	argSuccess      = "success"
	argCandidateId  = "candidateId"
	argLastLogIndex = "lastLogIndex"
	argLastLogTerm  = "lastLogTerm"
	argVoteGranted  = "voteGranted"
)

// AppendEntriesArgs is the decoded argument set of an AppendEntries request.
type AppendEntriesArgs struct {
	Term         Term
	LeaderId     ServerId
	PrevLogIndex LogIndex
	PrevLogTerm  Term
	Entries      []IndexedEntry
	LeaderCommit LogIndex
}

// NewAppendEntriesEnvelope builds an AppendEntries request awaiting its
// final info stamp, which the sending driver supplies.
func NewAppendEntriesEnvelope(term Term, leaderId ServerId, prevLogIndex LogIndex, prevLogTerm Term, entries []IndexedEntry, leaderCommit LogIndex) (*Envelope, error) {
	if entries == nil {
		entries = []IndexedEntry{}
	}

	args, err := buildArgs(
		argPair{argTerm, term},
		argPair{argLeaderId, leaderId},
		argPair{argPrevLogIndex, prevLogIndex},
		argPair{argPrevLogTerm, prevLogTerm},
		argPair{argEntries, entries},
		argPair{argLeaderCommit, leaderCommit},
	)
	if err != nil {
		return nil, err
	}

	return &Envelope{Type: MessageTypeAppendEntries, Args: args}, nil
}

// DecodeAppendEntries extracts the AppendEntries argument set. ok is false
// when any required argument is missing or malformed, in which case the
// envelope must be dropped silently.
func (e *Envelope) DecodeAppendEntries() (AppendEntriesArgs, bool) {
	var args AppendEntriesArgs
	var ok bool

	if args.Term, ok = decodeArg[Term](e, argTerm); !ok {
		return args, false
	}
	if args.LeaderId, ok = decodeArg[ServerId](e, argLeaderId); !ok {
		return args, false
	}
	if args.PrevLogIndex, ok = decodeArg[LogIndex](e, argPrevLogIndex); !ok {
		return args, false
	}
	if args.PrevLogTerm, ok = decodeArg[Term](e, argPrevLogTerm); !ok {
		return args, false
	}
	if args.Entries, ok = decodeArg[[]IndexedEntry](e, argEntries); !ok {
		return args, false
	}
	if args.LeaderCommit, ok = decodeArg[LogIndex](e, argLeaderCommit); !ok {
		return args, false
	}

	return args, true
}

// AppendEntriesResponseArgs is the decoded argument set of an
// AppendEntriesResponse.
type AppendEntriesResponseArgs struct {
	Term    Term
	Success bool
}

func NewAppendEntriesResponseEnvelope(term Term, success bool) (*Envelope, error) {
	args, err := buildArgs(
		argPair{argTerm, term},
		argPair{argSuccess, success},
	)
	if err != nil {
		return nil, err
	}

	return &Envelope{Type: MessageTypeAppendEntriesResponse, Args: args}, nil
}

func (e *Envelope) DecodeAppendEntriesResponse() (AppendEntriesResponseArgs, bool) {
	var args AppendEntriesResponseArgs
	var ok bool

	if args.Term, ok = decodeArg[Term](e, argTerm); !ok {
		return args, false
	}
	if args.Success, ok = decodeArg[bool](e, argSuccess); !ok {
		return args, false
	}

	return args, true
}

// RequestVoteArgs is the decoded argument set of a RequestVote request.
type RequestVoteArgs struct {
	Term         Term
	CandidateId  ServerId
	LastLogIndex LogIndex
	LastLogTerm  Term
}

func NewRequestVoteEnvelope(term Term, candidateId ServerId, lastLogIndex LogIndex, lastLogTerm Term) (*Envelope, error) {
	args, err := buildArgs(
		argPair{argTerm, term},
		argPair{argCandidateId, candidateId},
		argPair{argLastLogIndex, lastLogIndex},
		argPair{argLastLogTerm, lastLogTerm},
	)
	if err != nil {
		return nil, err
	}

	return &Envelope{Type: MessageTypeRequestVote, Args: args}, nil
}

func (e *Envelope) DecodeRequestVote() (RequestVoteArgs, bool) {
	var args RequestVoteArgs
	var ok bool

	if args.Term, ok = decodeArg[Term](e, argTerm); !ok {
		return args, false
	}
	if args.CandidateId, ok = decodeArg[ServerId](e, argCandidateId); !ok {
		return args, false
	}
	if args.LastLogIndex, ok = decodeArg[LogIndex](e, argLastLogIndex); !ok {
		return args, false
	}
	if args.LastLogTerm, ok = decodeArg[Term](e, argLastLogTerm); !ok {
		return args, false
	}

	return args, true
}

// RequestVoteResponseArgs is the decoded argument set of a
// RequestVoteResponse.
type RequestVoteResponseArgs struct {
	Term        Term
	VoteGranted bool
}

func NewRequestVoteResponseEnvelope(term Term, voteGranted bool) (*Envelope, error) {
	args, err := buildArgs(
		argPair{argTerm, term},
		argPair{argVoteGranted, voteGranted},
	)
	if err != nil {
		return nil, err
	}

	return &Envelope{Type: MessageTypeRequestVoteResponse, Args: args}, nil
}

func (e *Envelope) DecodeRequestVoteResponse() (RequestVoteResponseArgs, bool) {
	var args RequestVoteResponseArgs
	var ok bool

	if args.Term, ok = decodeArg[Term](e, argTerm); !ok {
		return args, false
	}
	if args.VoteGranted, ok = decodeArg[bool](e, argVoteGranted); !ok {
		return args, false
	}

	return args, true
}

// DecodeTerm extracts just the term argument, present on every message
// type; the common prelude uses it before dispatching on message type.
func (e *Envelope) DecodeTerm() (Term, bool) {
	return decodeArg[Term](e, argTerm)
}

type argPair struct {
	name  string
	value interface{}
}

func buildArgs(pairs ...argPair) ([]Arg, error) {
	args := make([]Arg, 0, len(pairs))
	for _, p := range pairs {
		a, err := encodeArg(p.name, p.value)
		if err != nil {
			return nil, err
		}
		args = append(args, a)
	}
	return args, nil
}
