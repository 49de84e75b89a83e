// Package kafka предоставляет обёртки над kafka-go для публикации событий платежей.
// Producer поддерживает headers трассировки, EnsureTopics создаёт топики при старте.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/payment-service/pkg/logger"
)

// TopicPaymentEvents — топик доменных событий платежей по умолчанию.
const TopicPaymentEvents = "payments.events"

// Ключи для headers сообщений Kafka.
const (
	HeaderTraceID       = "trace_id"
	HeaderCorrelationID = "correlation_id"
	HeaderTimestamp     = "timestamp"
	HeaderEventType     = "event_type"
	HeaderEventID       = "event_id"
)

// Config содержит настройки для подключения к Kafka.
type Config struct {
	// Brokers - список адресов брокеров Kafka.
	Brokers []string
}

// Message представляет исходящее сообщение Kafka.
type Message struct {
	Key     []byte
	Value   []byte
	Topic   string
	Headers map[string]string
	Time    time.Time
}

// toKafkaMessage конвертирует Message в kafka.Message.
func (m *Message) toKafkaMessage() kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers = append(headers, kafka.Header{
			Key:   k,
			Value: []byte(v),
		})
	}

	return kafka.Message{
		Key:     m.Key,
		Value:   m.Value,
		Topic:   m.Topic,
		Headers: headers,
		Time:    m.Time,
	}
}

// TraceIDFromContext извлекает trace_id из context.
func TraceIDFromContext(ctx context.Context) string {
	return logger.TraceIDFromContext(ctx)
}

// CorrelationIDFromContext извлекает correlation_id из context.
func CorrelationIDFromContext(ctx context.Context) string {
	return logger.CorrelationIDFromContext(ctx)
}
