// Package paxos implements simple multi-decree Paxos with a pre-elected
// leader. A group totally orders opaque uint32 values; the embedding module
// decides what the values mean. There is no re-election: losing a member
// after synchronization is fatal for liveness.
package paxos

import (
	"github.com/ctring/slog/broker"
	"github.com/ctring/slog/common"
)

// OnCommitFunc is invoked on every member, in slot order per member, when a
// slot commits.
type OnCommitFunc func(slot common.SlotID, value uint32)

// SimpleMultiPaxos runs one acceptance round per slot: the leader assigns
// the next empty slot to a proposed value, gathers a majority of acceptances
// and broadcasts the commit. Non-members forward proposals to the leader and
// store no state.
type SimpleMultiPaxos struct {
	name    string
	sender  *broker.Sender
	channel common.Channel

	leader   *leader
	acceptor *acceptor
	onCommit OnCommitFunc
}

// New creates a Paxos participant for the given group.
func New(
	name string,
	sender *broker.Sender,
	channel common.Channel,
	members []common.MachineID,
	me common.MachineID,
	onCommit OnCommitFunc,
) *SimpleMultiPaxos {
	p := &SimpleMultiPaxos{
		name:     name,
		sender:   sender,
		channel:  channel,
		onCommit: onCommit,
	}
	p.leader = newLeader(p, members, me)
	p.acceptor = newAcceptor(p)
	return p
}

func (p *SimpleMultiPaxos) Name() string {
	return p.name
}

// IsMember reports whether this machine participates in the group.
func (p *SimpleMultiPaxos) IsMember() bool {
	return p.leader.isMember
}

func (p *SimpleMultiPaxos) HandleEnvelope(env *broker.Envelope) {
	switch {
	case env.Request != nil:
		p.leader.handleRequest(env.Request)
		p.acceptor.handleRequest(env.Request, env.From)
	case env.Response != nil:
		p.leader.handleResponse(env.Response, env.From)
	}
}

func (p *SimpleMultiPaxos) OnTick() {}

func (p *SimpleMultiPaxos) sendSameChannel(req *broker.Request, to common.MachineID) {
	p.sender.Send(req, to, p.channel)
}

func (p *SimpleMultiPaxos) respondSameChannel(res *broker.Response, to common.MachineID) {
	p.sender.SendResponse(res, to, p.channel)
}
