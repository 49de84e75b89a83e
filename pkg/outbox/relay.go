package outbox

import (
	"context"
	"time"

	"example.com/payment-service/pkg/kafka"
	"example.com/payment-service/pkg/logger"
	"example.com/payment-service/pkg/metrics"
)

// MessageSender отправляет сообщение в Kafka. Реализуется *kafka.Producer.
type MessageSender interface {
	SendMessage(ctx context.Context, msg *kafka.Message) error
}

// RelayConfig — настройки Relay.
type RelayConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxAttempts   int           // После стольких неудач событие уходит в dead letter
	Retention     time.Duration // Сколько хранить отправленные события
	PurgeInterval time.Duration
	PurgeLimit    int
}

// DefaultRelayConfig возвращает конфигурацию по умолчанию.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:  time.Second,
		BatchSize:     100,
		MaxAttempts:   5,
		Retention:     7 * 24 * time.Hour,
		PurgeInterval: time.Hour,
		PurgeLimit:    1000,
	}
}

// Relay переносит события из outbox в Kafka.
type Relay struct {
	store  Store
	sender MessageSender
	cfg    RelayConfig
}

// NewRelay создаёт Relay.
func NewRelay(store Store, sender MessageSender, cfg RelayConfig) *Relay {
	return &Relay{store: store, sender: sender, cfg: cfg}
}

// Run опрашивает outbox до отмены контекста.
func (r *Relay) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Dur("poll_interval", r.cfg.PollInterval).
		Int("batch_size", r.cfg.BatchSize).
		Msg("Запуск outbox relay")

	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()

	purge := time.NewTicker(r.cfg.PurgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка outbox relay")
			return
		case <-poll.C:
			if _, err := r.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("Ошибка обработки outbox")
			}
		case <-purge.C:
			r.purge(ctx)
		}
	}
}

// Flush отправляет одну пачку событий и возвращает число отправленных.
// Ошибки отдельных событий фиксируются в outbox, наружу возвращается только ошибка чтения.
// После неудачи остальные события того же платежа ждут следующего опроса,
// чтобы не обогнать неотправленное.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.store.Pending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	blocked := make(map[string]bool)
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		if blocked[event.AggregateID] {
			continue
		}

		switch r.deliver(ctx, event) {
		case deliverySent:
			sent++
		case deliveryFailed:
			blocked[event.AggregateID] = true
		}
	}
	return sent, nil
}

type delivery int

const (
	deliverySent delivery = iota
	deliveryFailed
	deliveryDead
)

func (r *Relay) deliver(ctx context.Context, event *Event) delivery {
	log := logger.Ctx(ctx).With().
		Str("outbox_id", event.ID).
		Str("event_type", event.Type).
		Str("payment_id", event.AggregateID).
		Logger()

	if event.Attempts >= r.cfg.MaxAttempts {
		// Событие выводится из очереди, payload остаётся в таблице с отметкой dead_at
		log.Warn().Int("attempts", event.Attempts).Str("last_error", event.LastError).
			Msg("Dead letter: превышен лимит попыток доставки")
		metrics.RecordOutboxEvent("dead_letter")
		if err := r.store.MarkDead(ctx, event.ID); err != nil {
			log.Error().Err(err).Msg("Ошибка пометки dead letter")
			return deliveryFailed
		}
		return deliveryDead
	}

	if err := r.sender.SendMessage(ctx, event.message()); err != nil {
		log.Error().Err(err).Str("topic", event.Topic).Msg("Ошибка отправки события в Kafka")
		metrics.RecordOutboxEvent("failed")
		if markErr := r.store.MarkFailed(ctx, event.ID, err); markErr != nil {
			log.Error().Err(markErr).Msg("Ошибка сохранения неудачной попытки")
		}
		return deliveryFailed
	}

	metrics.RecordOutboxEvent("sent")

	if err := r.store.MarkSent(ctx, event.ID); err != nil {
		// Событие уйдёт повторно, потребители дедуплицируют по заголовку event_id
		log.Error().Err(err).Msg("Ошибка пометки события отправленным")
		return deliveryFailed
	}

	log.Debug().Str("topic", event.Topic).Msg("Событие отправлено в Kafka")
	return deliverySent
}

func (r *Relay) purge(ctx context.Context) {
	deleted, err := r.store.PurgeSent(ctx, time.Now().UTC().Add(-r.cfg.Retention), r.cfg.PurgeLimit)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Ошибка очистки outbox")
		return
	}
	if deleted > 0 {
		logger.Ctx(ctx).Info().Int64("deleted", deleted).Dur("retention", r.cfg.Retention).Msg("Очистка отправленных событий outbox")
	}
}
