package broker

import (
	"fmt"
	"sync"

	"github.com/ctring/slog/common"
	"github.com/ctring/slog/encoding"
)

// InprocNetwork connects the brokers of a single-process cluster. Envelopes
// are serialized and deserialized on every hop so that delivery has the same
// ownership semantics as the TCP transport: a sent message is never shared
// with the receiver.
type InprocNetwork struct {
	mu       sync.RWMutex
	handlers map[common.MachineID]func(*Envelope)
}

func NewInprocNetwork() *InprocNetwork {
	return &InprocNetwork{handlers: make(map[common.MachineID]func(*Envelope))}
}

// Transport returns the transport endpoint of one machine.
func (n *InprocNetwork) Transport(machine common.MachineID) *InprocTransport {
	return &InprocTransport{network: n, machine: machine}
}

type InprocTransport struct {
	network *InprocNetwork
	machine common.MachineID
}

func (t *InprocTransport) Listen(handler func(*Envelope)) error {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	t.network.handlers[t.machine] = handler
	return nil
}

func (t *InprocTransport) Send(to common.MachineID, env *Envelope) error {
	t.network.mu.RLock()
	handler, ok := t.network.handlers[to]
	t.network.mu.RUnlock()
	if !ok {
		return fmt.Errorf("machine %s is not listening", to)
	}

	raw, err := encoding.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	var copied Envelope
	if err := encoding.Unmarshal(raw, &copied); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	handler(&copied)
	return nil
}

func (t *InprocTransport) Close() error {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	delete(t.network.handlers, t.machine)
	return nil
}
