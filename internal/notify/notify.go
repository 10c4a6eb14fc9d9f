// Package notify publishes run lifecycle events to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"donorbase/internal/merge"
)

// UnifyCompleted is published after a unified database has been written.
type UnifyCompleted struct {
	RunID       string      `json:"run_id"`
	Database    string      `json:"database"`
	Sources     []string    `json:"sources"`
	Stats       merge.Stats `json:"stats"`
	CompletedAt time.Time   `json:"completed_at"`
}

// Publisher delivers events.
type Publisher interface {
	PublishUnifyCompleted(ctx context.Context, ev UnifyCompleted) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) PublishUnifyCompleted(context.Context, UnifyCompleted) error { return nil }
func (Noop) Close() error                                                { return nil }

// channel is the subset of *amqp.Channel used by the publisher.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes JSON events to a durable direct exchange.
type AMQP struct {
	ch         channel
	closeConn  func() error
	exchange   string
	routingKey string
	now        func() time.Time
}

// NewAMQP dials url and declares exchange.
func NewAMQP(url, exchange, routingKey string) (*AMQP, error) {
	if url == "" {
		return nil, errors.New("notify: amqp url required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	p, err := newAMQP(ch, conn.Close, exchange, routingKey)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

func newAMQP(ch channel, closeConn func() error, exchange, routingKey string) (*AMQP, error) {
	if exchange == "" {
		exchange = "donorbase"
	}
	if routingKey == "" {
		routingKey = "unify.completed"
	}
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQP{ch: ch, closeConn: closeConn, exchange: exchange, routingKey: routingKey, now: time.Now}, nil
}

// PublishUnifyCompleted sends ev as a persistent JSON message.
func (p *AMQP) PublishUnifyCompleted(ctx context.Context, ev UnifyCompleted) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    p.now(),
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.RunID,
		Type:         "unify.completed",
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.RunID, err)
	}
	return nil
}

// Close closes the channel and its connection.
func (p *AMQP) Close() error {
	err := p.ch.Close()
	if p.closeConn != nil {
		err = errors.Join(err, p.closeConn())
	}
	return err
}
