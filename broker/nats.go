package broker

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/ctring/slog/cfg"
	"github.com/ctring/slog/common"
)

// NATSTransport carries envelopes over a NATS server, one subject per
// machine. NATS preserves publish order per connection, which satisfies the
// FIFO requirement between any pair of machines.
type NATSTransport struct {
	config *cfg.Configuration
	conn   *nats.Conn
	sub    *nats.Subscription
}

func NewNATSTransport(config *cfg.Configuration) *NATSTransport {
	return &NATSTransport{config: config}
}

func natsSubject(m common.MachineID) string {
	return fmt.Sprintf("slog.machine.%d.%d", m.Replica, m.Partition)
}

func (t *NATSTransport) Listen(handler func(*Envelope)) error {
	conn, err := nats.Connect(t.config.NATSUrl,
		nats.Name(fmt.Sprintf("slog-%s", t.config.Local)),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	t.conn = conn

	sub, err := conn.Subscribe(natsSubject(t.config.Local), func(msg *nats.Msg) {
		env, err := decodeFrame(msg.Data)
		if err != nil {
			log.Error().Err(err).Msg("Malformed envelope")
			return
		}
		handler(env)
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	t.sub = sub
	log.Info().Str("url", t.config.NATSUrl).Msg("Broker connected to NATS")
	return nil
}

func (t *NATSTransport) Send(to common.MachineID, env *Envelope) error {
	frame, err := encodeFrame(env)
	if err != nil {
		return err
	}
	return t.conn.Publish(natsSubject(to), frame)
}

func (t *NATSTransport) Close() error {
	if t.sub != nil {
		t.sub.Unsubscribe()
	}
	if t.conn != nil {
		t.conn.Close()
	}
	return nil
}
