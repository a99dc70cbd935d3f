package paxos

import (
	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/common"
)

type proposal struct {
	ballot    uint32
	value     uint32
	committed bool
}

// leader runs on every member. Only the pre-elected member starts
// acceptance rounds; the others keep the commit bookkeeping so that OnCommit
// fires everywhere in slot order.
type leader struct {
	paxos   *SimpleMultiPaxos
	members []common.MachineID
	me      common.MachineID

	isMember      bool
	isElected     bool
	electedLeader common.MachineID
	ballot        uint32

	minUncommittedSlot common.SlotID
	nextEmptySlot      common.SlotID
	proposals          map[common.SlotID]*proposal

	trackers []*quorumTracker
}

func newLeader(p *SimpleMultiPaxos, members []common.MachineID, me common.MachineID) *leader {
	l := &leader{
		paxos:     p,
		members:   members,
		me:        me,
		proposals: make(map[common.SlotID]*proposal),
	}
	for i, m := range members {
		if m == me {
			l.isMember = true
			l.isElected = i == common.PaxosDefaultLeaderPosition
			l.ballot = uint32(i)
		}
	}
	// Non-members always forward proposals to the initially elected leader,
	// which never changes in this deployment.
	l.electedLeader = members[common.PaxosDefaultLeaderPosition]
	return l
}

func (l *leader) handleRequest(req *broker.Request) {
	switch {
	case req.PaxosPropose != nil:
		if l.isElected {
			l.startNewAcceptance(req.PaxosPropose.Value)
		} else {
			l.paxos.sendSameChannel(req, l.electedLeader)
		}
	case req.PaxosCommit != nil:
		l.processCommit(req.PaxosCommit)
	}
}

func (l *leader) processCommit(commit *broker.PaxosCommit) {
	if commit.Slot < l.minUncommittedSlot {
		// Already committed and forgotten; nothing to check against.
		return
	}

	p, ok := l.proposals[commit.Slot]
	if !ok {
		p = &proposal{}
		l.proposals[commit.Slot] = p
	}
	if p.committed {
		if p.value != commit.Value {
			log.Fatal().
				Str("group", l.paxos.name).
				Uint32("slot", uint32(commit.Slot)).
				Uint32("committed", p.value).
				Uint32("incoming", commit.Value).
				Msg("Paxos invariant violated: two values committed for the same slot")
		}
		if p.ballot != commit.Ballot {
			log.Fatal().
				Str("group", l.paxos.name).
				Uint32("slot", uint32(commit.Slot)).
				Msg("Paxos invariant violated: two leaders committed to the same slot")
		}
	}
	p.ballot = commit.Ballot
	p.value = commit.Value
	p.committed = true

	l.paxos.onCommit(commit.Slot, commit.Value)

	if commit.Slot >= l.nextEmptySlot {
		l.nextEmptySlot = commit.Slot + 1
	}
	for {
		p, ok := l.proposals[l.minUncommittedSlot]
		if !ok || !p.committed {
			break
		}
		delete(l.proposals, l.minUncommittedSlot)
		l.minUncommittedSlot++
	}
}

func (l *leader) handleResponse(res *broker.Response, from common.MachineID) {
	// Iterate by index: a state change may append new trackers.
	numTrackers := len(l.trackers)
	for i := 0; i < numTrackers; i++ {
		tracker := l.trackers[i]
		if !tracker.handleResponse(res, from) {
			continue
		}
		switch tracker.kind {
		case trackerAcceptance:
			l.acceptanceStateChanged(tracker)
		case trackerCommit:
		}
	}

	kept := l.trackers[:0]
	for _, t := range l.trackers {
		if t.state != quorumComplete && t.state != quorumAborted {
			kept = append(kept, t)
		}
	}
	l.trackers = kept
}

func (l *leader) startNewAcceptance(value uint32) {
	slot := l.nextEmptySlot
	l.proposals[slot] = &proposal{ballot: l.ballot, value: value}
	l.trackers = append(l.trackers, newAcceptanceTracker(len(l.members), l.ballot, slot))
	l.nextEmptySlot++

	req := &broker.Request{PaxosAccept: &broker.PaxosAccept{
		Ballot: l.ballot,
		Slot:   slot,
		Value:  value,
	}}
	l.sendToAllMembers(req)
}

func (l *leader) acceptanceStateChanged(t *quorumTracker) {
	// With at most two members a tracker jumps straight to COMPLETE without
	// passing through QUORUM_REACHED.
	if t.state == quorumReached || (len(l.members) <= 2 && t.state == quorumComplete) {
		l.startNewCommit(t.slot)
	}
}

func (l *leader) startNewCommit(slot common.SlotID) {
	l.trackers = append(l.trackers, newCommitTracker(len(l.members), slot))

	req := &broker.Request{PaxosCommit: &broker.PaxosCommit{
		Ballot: l.ballot,
		Slot:   slot,
		Value:  l.proposals[slot].value,
	}}
	l.sendToAllMembers(req)
}

func (l *leader) sendToAllMembers(req *broker.Request) {
	for _, m := range l.members {
		l.paxos.sendSameChannel(req, m)
	}
}
