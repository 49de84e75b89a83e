package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrEventNotFound — событие outbox не найдено.
var ErrEventNotFound = errors.New("событие outbox не найдено")

// Store — хранилище событий outbox для Relay.
// Новые события пишутся не через Store, а функцией Insert внутри транзакции агрегата.
type Store interface {
	// Pending возвращает неотправленные события в порядке записи.
	Pending(ctx context.Context, limit int) ([]*Event, error)

	// MarkSent отмечает событие отправленным.
	MarkSent(ctx context.Context, id string) error

	// MarkFailed увеличивает счётчик попыток и сохраняет текст ошибки.
	MarkFailed(ctx context.Context, id string, cause error) error

	// MarkDead выводит событие из очереди без отправки. Такие события не очищаются.
	MarkDead(ctx context.Context, id string) error

	// PurgeSent удаляет отправленные события старше before, не более limit за вызов.
	PurgeSent(ctx context.Context, before time.Time, limit int) (int64, error)
}

// eventRow — строка таблицы payment_outbox.
type eventRow struct {
	ID            string     `gorm:"column:id;type:varchar(36);primaryKey"`
	AggregateType string     `gorm:"column:aggregate_type;type:varchar(50);not null;index:idx_payment_outbox_pending,priority:1"`
	AggregateID   string     `gorm:"column:aggregate_id;type:varchar(36);not null;index"`
	EventType     string     `gorm:"column:event_type;type:varchar(100);not null"`
	Topic         string     `gorm:"column:topic;type:varchar(100);not null"`
	Payload       []byte     `gorm:"column:payload;type:json;not null"`
	Headers       []byte     `gorm:"column:headers;type:json"`
	CreatedAt     time.Time  `gorm:"column:created_at;type:datetime(6);autoCreateTime;index:idx_payment_outbox_pending,priority:4"`
	SentAt        *time.Time `gorm:"column:sent_at;index:idx_payment_outbox_pending,priority:2"`
	DeadAt        *time.Time `gorm:"column:dead_at;index:idx_payment_outbox_pending,priority:3"`
	Attempts      int        `gorm:"column:attempts;not null;default:0"`
	LastError     string     `gorm:"column:last_error;type:text"`
}

func (eventRow) TableName() string {
	return "payment_outbox"
}

func rowFromEvent(e *Event) (*eventRow, error) {
	row := &eventRow{
		ID:            e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.Type,
		Topic:         e.Topic,
		Payload:       e.Payload,
		CreatedAt:     e.CreatedAt,
		SentAt:        e.SentAt,
		DeadAt:        e.DeadAt,
		Attempts:      e.Attempts,
		LastError:     e.LastError,
	}
	if len(e.Headers) > 0 {
		headers, err := json.Marshal(e.Headers)
		if err != nil {
			return nil, fmt.Errorf("сериализация headers: %w", err)
		}
		row.Headers = headers
	}
	return row, nil
}

func (r *eventRow) event() *Event {
	e := &Event{
		ID:            r.ID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		Type:          r.EventType,
		Topic:         r.Topic,
		Payload:       r.Payload,
		CreatedAt:     r.CreatedAt,
		SentAt:        r.SentAt,
		DeadAt:        r.DeadAt,
		Attempts:      r.Attempts,
		LastError:     r.LastError,
	}
	if len(r.Headers) > 0 {
		// Битые headers не мешают доставке payload
		_ = json.Unmarshal(r.Headers, &e.Headers)
	}
	return e
}

// Insert сохраняет события через tx.
// Вызывается внутри транзакции, изменившей агрегат: событие и изменение
// фиксируются или откатываются вместе.
func Insert(tx *gorm.DB, events ...*Event) error {
	for _, event := range events {
		row, err := rowFromEvent(event)
		if err != nil {
			return err
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("ошибка записи события %s в outbox: %w", event.Type, err)
		}
		event.CreatedAt = row.CreatedAt
	}
	return nil
}

// gormStore — GORM реализация Store для одного типа агрегата.
type gormStore struct {
	db            *gorm.DB
	aggregateType string
}

// NewStore создаёт GORM хранилище outbox.
func NewStore(db *gorm.DB, aggregateType string) Store {
	return &gormStore{db: db, aggregateType: aggregateType}
}

// AutoMigrate создаёт или обновляет таблицу payment_outbox.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&eventRow{})
}

func (s *gormStore) Pending(ctx context.Context, limit int) ([]*Event, error) {
	var rows []eventRow

	if err := s.db.WithContext(ctx).
		Where("aggregate_type = ? AND sent_at IS NULL AND dead_at IS NULL", s.aggregateType).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ошибка чтения outbox: %w", err)
	}

	events := make([]*Event, len(rows))
	for i := range rows {
		events[i] = rows[i].event()
	}
	return events, nil
}

func (s *gormStore) MarkSent(ctx context.Context, id string) error {
	return s.update(ctx, id, map[string]any{"sent_at": time.Now().UTC()})
}

func (s *gormStore) MarkDead(ctx context.Context, id string) error {
	return s.update(ctx, id, map[string]any{"dead_at": time.Now().UTC()})
}

func (s *gormStore) MarkFailed(ctx context.Context, id string, cause error) error {
	return s.update(ctx, id, map[string]any{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": cause.Error(),
	})
}

func (s *gormStore) update(ctx context.Context, id string, columns map[string]any) error {
	result := s.db.WithContext(ctx).Model(&eventRow{}).
		Where("id = ?", id).
		Updates(columns)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (s *gormStore) PurgeSent(ctx context.Context, before time.Time, limit int) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("aggregate_type = ? AND sent_at IS NOT NULL AND sent_at < ?", s.aggregateType, before).
		Limit(limit).
		Delete(&eventRow{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
