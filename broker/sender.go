package broker

import "github.com/ctring/slog/common"

// Sender is the lightweight handle modules use to emit messages. It exists
// so that modules do not hold the broker's full surface; the channel table
// is owned by the broker alone.
type Sender struct {
	broker *Broker
}

func NewSender(b *Broker) *Sender {
	return &Sender{broker: b}
}

func (s *Sender) Local() common.MachineID {
	return s.broker.Local()
}

func (s *Sender) Send(req *Request, to common.MachineID, ch common.Channel) {
	s.broker.Send(req, to, ch)
}

func (s *Sender) SendResponse(res *Response, to common.MachineID, ch common.Channel) {
	s.broker.SendResponse(res, to, ch)
}

// SendLocal delivers to a module on the same machine.
func (s *Sender) SendLocal(req *Request, ch common.Channel) {
	s.broker.SendLocal(req, ch)
}

func (s *Sender) SendResponseLocal(res *Response, ch common.Channel) {
	s.broker.SendResponseLocal(res, ch)
}

// SendToMachines delivers the same request to a set of machines. Each
// destination receives its own copy on the wire.
func (s *Sender) SendToMachines(req *Request, machines []common.MachineID, ch common.Channel) {
	for _, m := range machines {
		s.broker.Send(req, m, ch)
	}
}
