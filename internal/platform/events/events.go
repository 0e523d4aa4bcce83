// Package events publishes appointment lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// RoutingPrefix is prepended to every event name to form the routing key.
const RoutingPrefix = "appointment."

var ErrPublisherClosed = errors.New("event publisher is closed")

// Event describes one appointment state change.
type Event struct {
	Name          string    `json:"event"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	SpecialistID  uuid.UUID `json:"specialist_id"`
	SpecialtyID   int       `json:"specialty_id"`
	Status        string    `json:"status"`
	Date          string    `json:"appointment_date"`
	Time          string    `json:"appointment_time"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// RoutingKey is "appointment.<name>", e.g. appointment.requested.
func (e Event) RoutingKey() string { return RoutingPrefix + e.Name }

// Publisher delivers events. Publish must not block longer than ctx allows.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Ping(ctx context.Context) error
	Close() error
}

// amqpChannel is the subset of *amqp.Channel the publisher uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// AMQPPublisher sends events to a durable topic exchange as persistent JSON
// messages.
type AMQPPublisher struct {
	mu       sync.Mutex
	channel  amqpChannel
	conn     *amqp.Connection
	exchange string
	logger   zerolog.Logger
}

// NewAMQPPublisher dials amqpURL, opens a channel and declares exchange.
func NewAMQPPublisher(amqpURL, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	p, err := newAMQPPublisher(ch, exchange, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{channel: ch, exchange: exchange, logger: logger}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel.IsClosed() {
		return ErrPublisherClosed
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    evt.OccurredAt,
		Type:         evt.RoutingKey(),
		Body:         body,
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, evt.RoutingKey(), false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", evt.RoutingKey(), err)
	}

	p.logger.Debug().
		Str("routing_key", evt.RoutingKey()).
		Str("appointment_id", evt.AppointmentID.String()).
		Msg("event published")
	return nil
}

func (p *AMQPPublisher) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel.IsClosed() {
		return ErrPublisherClosed
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if !p.channel.IsClosed() {
		if err := p.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to the log instead of a broker.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	p.logger.Info().
		Str("routing_key", evt.RoutingKey()).
		Str("appointment_id", evt.AppointmentID.String()).
		Str("specialist_id", evt.SpecialistID.String()).
		Str("status", evt.Status).
		Str("date", evt.Date).
		Str("time", evt.Time).
		Msg("appointment event")
	return nil
}

func (p *LogPublisher) Ping(context.Context) error { return nil }
func (p *LogPublisher) Close() error               { return nil }
