// Package outbox доставляет доменные события платежей в Kafka через таблицу outbox.
//
// Событие записывается в payment_outbox функцией Insert в той же транзакции,
// что и изменение платежа. Relay периодически забирает неотправленные события
// и публикует их (at-least-once, по порядку внутри одного платежа).
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/payment-service/pkg/kafka"
	"example.com/payment-service/pkg/logger"
)

// Event — доменное событие, ожидающее доставки в Kafka.
type Event struct {
	ID            string
	AggregateType string // payment
	AggregateID   string // payment_id, он же ключ партиционирования
	Type          string // payment.created, payment.status_changed, ...
	Topic         string
	Payload       json.RawMessage
	Headers       map[string]string
	CreatedAt     time.Time
	SentAt        *time.Time // nil — ещё не отправлено
	DeadAt        *time.Time // не nil — выведено в dead letter без отправки
	Attempts      int
	LastError     string
}

// NewEvent сериализует payload и переносит trace_id/correlation_id из ctx в headers.
func NewEvent(ctx context.Context, aggregateType, aggregateID, eventType, topic string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("сериализация payload события %s: %w", eventType, err)
	}

	id := uuid.NewString()
	headers := map[string]string{
		kafka.HeaderEventType: eventType,
		kafka.HeaderEventID:   id,
	}
	if traceID := logger.TraceIDFromContext(ctx); traceID != "" {
		headers[kafka.HeaderTraceID] = traceID
	}
	if correlationID := logger.CorrelationIDFromContext(ctx); correlationID != "" {
		headers[kafka.HeaderCorrelationID] = correlationID
	}

	return &Event{
		ID:            id,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Type:          eventType,
		Topic:         topic,
		Payload:       data,
		Headers:       headers,
	}, nil
}

func (e *Event) message() *kafka.Message {
	return &kafka.Message{
		Topic:   e.Topic,
		Key:     []byte(e.AggregateID),
		Value:   e.Payload,
		Headers: e.Headers,
		Time:    e.CreatedAt,
	}
}

// Factory создаёт события одного типа агрегата.
type Factory struct {
	aggregateType string
	topic         string
}

// NewFactory создаёт Factory для агрегата и топика.
func NewFactory(aggregateType, topic string) *Factory {
	if topic == "" {
		topic = kafka.TopicPaymentEvents
	}
	return &Factory{aggregateType: aggregateType, topic: topic}
}

// NewEvent создаёт событие агрегата aggregateID.
// Сохранять его нужно через Insert в транзакции, изменившей агрегат.
func (f *Factory) NewEvent(ctx context.Context, eventType, aggregateID string, payload any) (*Event, error) {
	return NewEvent(ctx, f.aggregateType, aggregateID, eventType, f.topic, payload)
}
