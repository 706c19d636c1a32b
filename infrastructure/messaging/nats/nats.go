// Package nats carries the realtime channels over a NATS bus: row-level
// change events on graph.<id>.changes and presence state on
// graph.<id>.presence. Core subjects, not JetStream: both feeds are
// ephemeral, and a reconnecting client reloads from the store instead of
// replaying.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"loomsync/application/ports"
	"loomsync/application/presence"
	"loomsync/domain/events"
	"loomsync/pkg/errors"
)

// Connect dials the bus with retrying reconnect behavior.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.NewExternalError("nats", err)
	}
	return nc, nil
}

func changesSubject(graphID string) string {
	return fmt.Sprintf("graph.%s.changes", graphID)
}

func presenceSubject(graphID string) string {
	return fmt.Sprintf("graph.%s.presence", graphID)
}

// Feed implements ports.ChangeFeed on NATS core subjects.
type Feed struct {
	nc     *nats.Conn
	logger *zap.Logger
}

func NewFeed(nc *nats.Conn, logger *zap.Logger) *Feed {
	return &Feed{nc: nc, logger: logger}
}

func (f *Feed) Publish(_ context.Context, ev events.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal change event")
	}
	if err := f.nc.Publish(changesSubject(ev.GraphID), data); err != nil {
		return errors.NewExternalError("nats publish", err)
	}
	return nil
}

func (f *Feed) Subscribe(_ context.Context, graphID string, handler func(events.ChangeEvent)) (ports.Subscription, error) {
	sub, err := f.nc.Subscribe(changesSubject(graphID), func(msg *nats.Msg) {
		var ev events.ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			f.logger.Warn("discarding malformed change event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, errors.NewExternalError("nats subscribe", err)
	}
	return &subscription{sub: sub}, nil
}

type subscription struct {
	sub *nats.Subscription
}

func (s *subscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Transport implements presence.Transport on NATS core subjects.
type Transport struct {
	nc     *nats.Conn
	logger *zap.Logger
}

func NewTransport(nc *nats.Conn, logger *zap.Logger) *Transport {
	return &Transport{nc: nc, logger: logger}
}

func (t *Transport) Join(_ context.Context, graphID string, onState func(presence.Collaborator)) (presence.Channel, error) {
	subject := presenceSubject(graphID)
	sub, err := t.nc.Subscribe(subject, func(msg *nats.Msg) {
		var state presence.Collaborator
		if err := json.Unmarshal(msg.Data, &state); err != nil {
			t.logger.Warn("discarding malformed presence state",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		onState(state)
	})
	if err != nil {
		return nil, errors.NewExternalError("nats subscribe", err)
	}
	return &channel{nc: t.nc, subject: subject, sub: sub}, nil
}

type channel struct {
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription
}

func (c *channel) Send(_ context.Context, state presence.Collaborator) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "marshal presence state")
	}
	if err := c.nc.Publish(c.subject, data); err != nil {
		return errors.NewExternalError("nats publish", err)
	}
	return nil
}

func (c *channel) Leave() error {
	return c.sub.Unsubscribe()
}
