package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// channel is the subset of *amqp.Channel used by AMQPSink.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes events as persistent JSON messages to a topic
// exchange. The routing key is the configured prefix plus the event type,
// e.g. "ntm.identity.activated".
type AMQPSink struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	prefix   string
}

// DialAMQP connects to url and declares exchange as a durable topic exchange.
func DialAMQP(url, exchange, routingPrefix string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AMQPSink{conn: conn, ch: ch, exchange: exchange, prefix: routingPrefix}, nil
}

// Publish implements Sink.
func (s *AMQPSink) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.ch.PublishWithContext(ctx,
		s.exchange,
		s.routingKey(ev),
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    ev.At,
			DeliveryMode: amqp.Persistent,
			Type:         ev.Type,
		},
	)
}

func (s *AMQPSink) routingKey(ev Event) string {
	if s.prefix == "" {
		return ev.Type
	}
	return s.prefix + "." + ev.Type
}

// Close closes the channel and the connection.
func (s *AMQPSink) Close() error {
	var err error
	if s.ch != nil {
		err = s.ch.Close()
	}
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
