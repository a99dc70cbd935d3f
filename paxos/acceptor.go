package paxos

import (
	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/common"
)

// acceptor acknowledges acceptance and commit rounds. With a fixed leader
// there is no promise phase; the acceptor only refuses ballots below the
// highest it has seen.
type acceptor struct {
	paxos  *SimpleMultiPaxos
	ballot uint32
}

func newAcceptor(p *SimpleMultiPaxos) *acceptor {
	return &acceptor{paxos: p}
}

func (a *acceptor) handleRequest(req *broker.Request, from common.MachineID) {
	switch {
	case req.PaxosAccept != nil:
		accept := req.PaxosAccept
		if accept.Ballot < a.ballot {
			return
		}
		a.ballot = accept.Ballot
		a.paxos.respondSameChannel(&broker.Response{
			PaxosAccepted: &broker.PaxosAccepted{Ballot: accept.Ballot, Slot: accept.Slot},
		}, from)
	case req.PaxosCommit != nil:
		a.paxos.respondSameChannel(&broker.Response{
			PaxosCommitted: &broker.PaxosCommitted{Slot: req.PaxosCommit.Slot},
		}, from)
	}
}
