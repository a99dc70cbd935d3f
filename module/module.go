// Package module runs each pipeline component on its own goroutine with a
// message queue. Inside a component, one message is handled to completion
// before the next; components share no mutable state and coordinate only by
// message passing.
package module

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/broker"
)

// Module is a long-lived component driven by envelopes and, optionally, a
// periodic tick.
type Module interface {
	Name() string
	HandleEnvelope(env *broker.Envelope)
	// OnTick fires once per tick interval, between envelope handlings.
	OnTick()
}

// Setupper is implemented by modules that need one-time initialization on
// their own goroutine before the loop starts.
type Setupper interface {
	Setup()
}

// Runner drives one module.
type Runner struct {
	module Module
	recv   <-chan *broker.Envelope
	tick   time.Duration
	stop   chan struct{}
	done   chan struct{}
}

// NewRunner wires a module to its receive queue. A zero tick disables
// periodic wake-ups.
func NewRunner(m Module, recv <-chan *broker.Envelope, tick time.Duration) *Runner {
	return &Runner{
		module: m,
		recv:   recv,
		tick:   tick,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the module goroutine.
func (r *Runner) Start() {
	go r.loop()
}

func (r *Runner) loop() {
	defer close(r.done)

	if s, ok := r.module.(Setupper); ok {
		s.Setup()
	}
	log.Debug().Str("module", r.module.Name()).Msg("Module started")

	var tickCh <-chan time.Time
	if r.tick > 0 {
		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case <-r.stop:
			return
		case env, ok := <-r.recv:
			if !ok {
				return
			}
			r.module.HandleEnvelope(env)
		case <-tickCh:
			r.module.OnTick()
		}
	}
}

// Stop terminates the module loop and waits for it to drain the message in
// flight.
func (r *Runner) Stop() {
	close(r.stop)
	<-r.done
}
