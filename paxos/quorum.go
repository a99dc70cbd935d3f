package paxos

import (
	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/common"
)

type quorumState int

const (
	quorumIncomplete quorumState = iota
	quorumReached
	quorumComplete
	quorumAborted
)

type trackerKind int

const (
	trackerAcceptance trackerKind = iota
	trackerCommit
)

// quorumTracker counts member responses for one round of one slot. It
// reports a state change exactly once per state.
type quorumTracker struct {
	kind       trackerKind
	numMembers int
	ballot     uint32
	slot       common.SlotID

	responded map[common.MachineID]struct{}
	state     quorumState
}

func newAcceptanceTracker(numMembers int, ballot uint32, slot common.SlotID) *quorumTracker {
	return &quorumTracker{
		kind:       trackerAcceptance,
		numMembers: numMembers,
		ballot:     ballot,
		slot:       slot,
		responded:  make(map[common.MachineID]struct{}),
	}
}

func newCommitTracker(numMembers int, slot common.SlotID) *quorumTracker {
	return &quorumTracker{
		kind:       trackerCommit,
		numMembers: numMembers,
		slot:       slot,
		responded:  make(map[common.MachineID]struct{}),
	}
}

// handleResponse returns true when the response moved the tracker to a new
// state.
func (t *quorumTracker) handleResponse(res *broker.Response, from common.MachineID) bool {
	if t.state == quorumComplete || t.state == quorumAborted {
		return false
	}
	if !t.responseIsValid(res) {
		return false
	}

	t.responded[from] = struct{}{}

	n := len(t.responded)
	if n == t.numMembers {
		t.state = quorumComplete
		return true
	}
	if n > t.numMembers/2 && t.state != quorumReached {
		t.state = quorumReached
		return true
	}
	return false
}

func (t *quorumTracker) responseIsValid(res *broker.Response) bool {
	switch t.kind {
	case trackerAcceptance:
		return res.PaxosAccepted != nil &&
			res.PaxosAccepted.Ballot == t.ballot &&
			res.PaxosAccepted.Slot == t.slot
	case trackerCommit:
		return res.PaxosCommitted != nil && res.PaxosCommitted.Slot == t.slot
	}
	return false
}
