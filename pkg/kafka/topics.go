package kafka

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/payment-service/pkg/logger"
)

// TopicSpec описывает топик для создания при старте.
type TopicSpec struct {
	Name              string
	NumPartitions     int
	ReplicationFactor int
}

// DefaultPaymentTopics возвращает топики Payment Service.
func DefaultPaymentTopics(eventsTopic string) []TopicSpec {
	if eventsTopic == "" {
		eventsTopic = TopicPaymentEvents
	}
	return []TopicSpec{
		{Name: eventsTopic, NumPartitions: 3, ReplicationFactor: 1},
	}
}

// EnsureTopics создаёт топики через controller брокер.
// Уже существующие топики не считаются ошибкой.
func EnsureTopics(brokers []string, topics []TopicSpec) error {
	if len(brokers) == 0 {
		return fmt.Errorf("не указаны брокеры Kafka")
	}

	dialer := &kafka.Dialer{Timeout: 10 * time.Second}

	conn, err := dialer.Dial("tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("подключение к Kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("получение controller: %w", err)
	}

	controllerConn, err := dialer.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("подключение к controller: %w", err)
	}
	defer controllerConn.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             t.Name,
			NumPartitions:     t.NumPartitions,
			ReplicationFactor: t.ReplicationFactor,
		})
	}

	if err := controllerConn.CreateTopics(configs...); err != nil {
		return fmt.Errorf("создание топиков: %w", err)
	}

	for _, t := range topics {
		logger.Info().Str("topic", t.Name).Int("partitions", t.NumPartitions).Msg("Kafka топик готов")
	}

	return nil
}
