package raft

// RoleKind tags the variant carried by a Role value.
type RoleKind int

const (
	RoleBooting RoleKind = iota
	RoleFollower
	RoleCandidate
	RoleLeader
)

func (k RoleKind) String() string {
	switch k {
	case RoleBooting:
		return "booting"
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// VoteStatus distinguishes "no response yet" from "denied" for quorum
// counting purposes; only "granted" counts toward a majority.
type VoteStatus int

const (
	VotePending VoteStatus = iota
	VoteGranted
	VoteDenied
)

// CandidateState is the payload carried only while Role.Kind == RoleCandidate.
type CandidateState struct {
	Votes map[ServerId]VoteStatus
}

func newCandidateState() *CandidateState {
	return &CandidateState{Votes: make(map[ServerId]VoteStatus)}
}

func (c *CandidateState) grantedCount() int {
	n := 0
	for _, v := range c.Votes {
		if v == VoteGranted {
			n++
		}
	}
	return n
}

// LeaderState is the payload carried only while Role.Kind == RoleLeader.
// nextIndex and matchIndex exist structurally only as long as the role is
// Leader; there is no nullable top-level field that could be read while a
// server is a Follower or Candidate.
type LeaderState struct {
	NextIndex  map[ServerId]LogIndex
	MatchIndex map[ServerId]LogIndex
}

func newLeaderState(peers []ServerId, lastLogIndex LogIndex) *LeaderState {
	l := &LeaderState{
		NextIndex:  make(map[ServerId]LogIndex, len(peers)),
		MatchIndex: make(map[ServerId]LogIndex, len(peers)),
	}
	for _, id := range peers {
		l.NextIndex[id] = lastLogIndex + 1
		l.MatchIndex[id] = 0
	}
	return l
}

// Role is a tagged variant: at most one of Candidate or Leader is non-nil,
// and only when Kind matches (both are nil for Booting and Follower). Modelling it this way (rather than flattening
// vote tallies and leader-only maps onto the top-level server state) keeps
// "leader-only fields are present iff role == Leader" a structural
// invariant instead of a convention callers must remember to honor.
type Role struct {
	Kind      RoleKind
	Candidate *CandidateState
	Leader    *LeaderState
}

func BootingRole() Role              { return Role{Kind: RoleBooting} }
func FollowerRole() Role             { return Role{Kind: RoleFollower} }
func CandidateRole() Role            { return Role{Kind: RoleCandidate, Candidate: newCandidateState()} }
func LeaderRole(peers []ServerId, lastLogIndex LogIndex) Role {
	return Role{Kind: RoleLeader, Leader: newLeaderState(peers, lastLogIndex)}
}

func (r Role) IsBooting() bool   { return r.Kind == RoleBooting }
func (r Role) IsFollower() bool  { return r.Kind == RoleFollower }
func (r Role) IsCandidate() bool { return r.Kind == RoleCandidate }
func (r Role) IsLeader() bool    { return r.Kind == RoleLeader }
