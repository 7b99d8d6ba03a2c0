package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// ErrPublisherUnavailable is returned while the broker is unreachable and the
// next reconnect attempt is not yet due
var ErrPublisherUnavailable = errors.New("amqp publisher unavailable")

const defaultReconnectDelay = 5 * time.Second

// publishChannel is the part of amqp.Channel the publisher uses
type publishChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// amqpSession is one connection and channel pair
type amqpSession struct {
	channel publishChannel
	// closed receives from the connection and channel close notifications
	closed []chan *amqp.Error
	close  func()
}

// lost reports whether the broker closed the connection or channel
func (s *amqpSession) lost() (bool, *amqp.Error) {
	for _, c := range s.closed {
		select {
		case err := <-c:
			return true, err
		default:
		}
	}
	return false, nil
}

// AMQPPublisher publishes events to a topic exchange, routed by event type.
// When the broker closes the connection, the next Publish redials.
type AMQPPublisher struct {
	mu             sync.Mutex
	sess           *amqpSession
	connect        func() (*amqpSession, error)
	exchange       string
	reconnectDelay time.Duration
	retryAt        time.Time
	logger         zerolog.Logger
}

// NewAMQPPublisher connects to the broker and declares the exchange
func NewAMQPPublisher(amqpURL, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	p := newAMQPPublisher(exchange, func() (*amqpSession, error) {
		return dialAMQP(amqpURL, exchange)
	}, logger)

	sess, err := p.connect()
	if err != nil {
		return nil, err
	}
	p.sess = sess
	logger.Info().Str("exchange", exchange).Msg("amqp publisher connected")
	return p, nil
}

func newAMQPPublisher(exchange string, connect func() (*amqpSession, error), logger zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		connect:        connect,
		exchange:       exchange,
		reconnectDelay: defaultReconnectDelay,
		logger:         logger.With().Str("component", "amqp_publisher").Logger(),
	}
}

func dialAMQP(amqpURL, exchange string) (*amqpSession, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &amqpSession{
		channel: ch,
		closed: []chan *amqp.Error{
			conn.NotifyClose(make(chan *amqp.Error, 1)),
			ch.NotifyClose(make(chan *amqp.Error, 1)),
		},
		close: func() {
			ch.Close()
			conn.Close()
		},
	}, nil
}

// Publish sends e as JSON. amqp.Channel is not safe for concurrent publishes.
func (p *AMQPPublisher) Publish(_ context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	sess, err := p.session()
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}

	err = sess.channel.Publish(
		p.exchange,
		e.Type,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    e.Timestamp,
			Type:         e.Type,
			Body:         body,
		},
	)
	if err != nil {
		p.drop()
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// session returns the live session, redialing if the broker closed the last
// one. Callers hold p.mu.
func (p *AMQPPublisher) session() (*amqpSession, error) {
	if p.sess != nil {
		if lost, cause := p.sess.lost(); lost {
			p.logger.Warn().Interface("cause", cause).Msg("amqp connection lost, reconnecting")
			p.drop()
		}
	}
	if p.sess != nil {
		return p.sess, nil
	}

	if time.Now().Before(p.retryAt) {
		return nil, ErrPublisherUnavailable
	}
	sess, err := p.connect()
	if err != nil {
		p.retryAt = time.Now().Add(p.reconnectDelay)
		p.logger.Error().Err(err).Dur("retry_in", p.reconnectDelay).Msg("amqp reconnect failed")
		return nil, err
	}
	p.logger.Info().Str("exchange", p.exchange).Msg("amqp publisher reconnected")
	p.sess = sess
	return sess, nil
}

func (p *AMQPPublisher) drop() {
	if p.sess == nil {
		return
	}
	if p.sess.close != nil {
		p.sess.close()
	}
	p.sess = nil
}

// Close closes the channel and connection
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drop()
}
