package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	declared   []string
	declareErr error
	publishErr error
	closed     bool
	sent       []published
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if f.declareErr != nil {
		return f.declareErr
	}
	f.declared = append(f.declared, name+":"+kind)
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) IsClosed() bool { return f.closed }

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func sampleEvent() Event {
	return Event{
		Name:          "requested",
		AppointmentID: uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		PatientID:     uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		SpecialistID:  uuid.MustParse("33333333-3333-3333-3333-333333333333"),
		SpecialtyID:   3,
		Status:        "requested",
		Date:          "2024-01-15",
		Time:          "09:30",
		OccurredAt:    time.Date(2024, 1, 14, 12, 0, 0, 0, time.UTC),
	}
}

func TestAMQPPublisher_DeclaresTopicExchange(t *testing.T) {
	ch := &fakeChannel{}
	if _, err := newAMQPPublisher(ch, "clinic.events", zerolog.Nop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ch.declared) != 1 || ch.declared[0] != "clinic.events:topic" {
		t.Errorf("expected topic exchange declaration, got %v", ch.declared)
	}
}

func TestAMQPPublisher_DeclareFails(t *testing.T) {
	ch := &fakeChannel{declareErr: errors.New("access refused")}
	if _, err := newAMQPPublisher(ch, "clinic.events", zerolog.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if !ch.closed {
		t.Error("channel should be closed after a failed declaration")
	}
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newAMQPPublisher(ch, "clinic.events", zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(ch.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(ch.sent))
	}
	sent := ch.sent[0]
	if sent.exchange != "clinic.events" || sent.key != "appointment.requested" {
		t.Errorf("unexpected exchange/key %s %s", sent.exchange, sent.key)
	}
	if sent.msg.DeliveryMode != amqp.Persistent || sent.msg.ContentType != "application/json" {
		t.Errorf("expected persistent json message, got %+v", sent.msg)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(sent.msg.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["event"] != "requested" || body["appointment_time"] != "09:30" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestAMQPPublisher_ClosedChannel(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := newAMQPPublisher(ch, "clinic.events", zerolog.Nop())
	ch.closed = true

	if err := p.Publish(context.Background(), sampleEvent()); !errors.Is(err, ErrPublisherClosed) {
		t.Errorf("expected ErrPublisherClosed, got %v", err)
	}
	if err := p.Ping(context.Background()); !errors.Is(err, ErrPublisherClosed) {
		t.Errorf("expected ping to fail, got %v", err)
	}
}

func TestAMQPPublisher_PublishError(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := newAMQPPublisher(ch, "clinic.events", zerolog.Nop())
	ch.publishErr = errors.New("flow control")

	err := p.Publish(context.Background(), sampleEvent())
	if err == nil || !strings.Contains(err.Error(), "appointment.requested") {
		t.Errorf("expected wrapped publish error, got %v", err)
	}
}

func TestAMQPPublisher_Close(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := newAMQPPublisher(ch, "clinic.events", zerolog.Nop())
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !ch.closed {
		t.Error("expected channel to be closed")
	}
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(zerolog.New(&buf))

	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if entry["routing_key"] != "appointment.requested" {
		t.Errorf("expected routing key in log, got %v", entry)
	}
}
