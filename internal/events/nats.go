package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jo-hoe/podqueue/internal/common"
)

var _ Publisher = (*NATS)(nil)

// NATS publishes events to <prefix>.<type> subjects.
type NATS struct {
	nc     *nats.Conn
	prefix string
	log    *slog.Logger
}

func Connect(url, name, prefix string, log *slog.Logger) (*NATS, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{nc: nc, prefix: prefix, log: log}, nil
}

// Subject returns the subject an event type is published on.
func (n *NATS) Subject(typ string) string {
	return Subject(n.prefix, typ)
}

func Subject(prefix, typ string) string {
	return prefix + "." + typ
}

func (n *NATS) Publish(_ context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.Subject(ev.Type), b)
}

// Wake returns a channel that receives a value whenever a job is submitted.
// Signals coalesce: at most one is pending at a time. The subscription ends
// with ctx.
func (n *NATS) Wake(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	sub, err := n.nc.Subscribe(n.Subject(common.EventSubmitted), func(*nats.Msg) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", n.Subject(common.EventSubmitted), err)
	}
	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && n.nc.IsConnected() {
			n.log.Debug("nats unsubscribe", "err", err)
		}
	}()
	return ch, nil
}

func (n *NATS) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
	}
}
