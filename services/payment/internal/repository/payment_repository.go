// Package repository содержит реализацию доступа к данным для Payment Service.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/payment-service/pkg/outbox"
	"example.com/payment-service/services/payment/internal/domain"
)

// PaymentRepository определяет интерфейс для работы с платежами в БД.
type PaymentRepository interface {
	// Create сохраняет новый платёж и назначает ему ID.
	// События из events записываются в outbox в той же транзакции.
	Create(ctx context.Context, payment *domain.Payment, events EventsFunc) error

	// GetByID возвращает платёж по ID.
	GetByID(ctx context.Context, id string) (*domain.Payment, error)

	// GetByExternalID возвращает платёж по ID во внешнем шлюзе.
	GetByExternalID(ctx context.Context, externalID string) (*domain.Payment, error)

	// List возвращает платежи по фильтру, новые первыми.
	List(ctx context.Context, filter domain.PaymentFilter) ([]*domain.Payment, error)

	// Update атомарно применяет частичное обновление к платежу
	// и записывает события из events в той же транзакции.
	Update(ctx context.Context, id string, update domain.PaymentUpdate, events EventsFunc) (*UpdateResult, error)
}

// EventsFunc строит события outbox по результату записи.
// Вызывается внутри транзакции; ошибка откатывает и платёж, и события.
// nil — событий нет.
type EventsFunc func(res *UpdateResult) ([]*outbox.Event, error)

// saveEvents вызывает events и пишет результат в outbox через tx.
func saveEvents(tx *gorm.DB, events EventsFunc, res *UpdateResult) error {
	if events == nil {
		return nil
	}
	list, err := events(res)
	if err != nil {
		return err
	}
	return outbox.Insert(tx, list...)
}

// UpdateResult — результат Update.
type UpdateResult struct {
	Payment        *domain.Payment      // Платёж после обновления
	PreviousStatus domain.PaymentStatus // Статус до обновления
	Changed        bool                 // false — запись в БД не выполнялась
}

// =============================================================================
// GORM модель
// =============================================================================

// PaymentModel — GORM модель для таблицы payments.
type PaymentModel struct {
	ID          string          `gorm:"column:id;type:varchar(36);primaryKey"`
	CPF         string          `gorm:"column:cpf;type:varchar(11);not null;index"`
	Description string          `gorm:"column:description;type:varchar(255);not null"`
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(10,2);not null"`
	Method      string          `gorm:"column:payment_method;type:varchar(20);not null;index"`
	Status      string          `gorm:"column:status;type:varchar(20);not null;index"`
	ExternalID  *string         `gorm:"column:external_id;type:varchar(255);uniqueIndex"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime;index"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName возвращает имя таблицы в БД.
func (PaymentModel) TableName() string {
	return "payments"
}

// toDomain конвертирует GORM модель в доменную сущность.
func (m *PaymentModel) toDomain() *domain.Payment {
	return &domain.Payment{
		ID:          m.ID,
		CPF:         m.CPF,
		Description: m.Description,
		Amount:      m.Amount,
		Method:      domain.PaymentMethod(m.Method),
		Status:      domain.PaymentStatus(m.Status),
		ExternalID:  m.ExternalID,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

// paymentModelFromDomain конвертирует доменную сущность в GORM модель.
func paymentModelFromDomain(p *domain.Payment) *PaymentModel {
	return &PaymentModel{
		ID:          p.ID,
		CPF:         p.CPF,
		Description: p.Description,
		Amount:      p.Amount,
		Method:      string(p.Method),
		Status:      string(p.Status),
		ExternalID:  p.ExternalID,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// AutoMigrate создаёт или обновляет таблицу payments.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&PaymentModel{})
}

// =============================================================================
// Реализация репозитория
// =============================================================================

// paymentRepository — GORM реализация PaymentRepository.
type paymentRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewPaymentRepository создаёт новый репозиторий платежей.
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// storeError оборачивает ошибку БД в domain.ErrStoreUnavailable.
func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, op, err)
}

// Create сохраняет новый платёж вместе с его событиями.
func (r *paymentRepository) Create(ctx context.Context, payment *domain.Payment, events EventsFunc) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = r.now()
		payment.UpdatedAt = payment.CreatedAt
	}

	model := paymentModelFromDomain(payment)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}

		payment.CreatedAt = model.CreatedAt
		payment.UpdatedAt = model.UpdatedAt

		return saveEvents(tx, events, &UpdateResult{Payment: payment, Changed: true})
	})
	if err != nil {
		return storeError("создание платежа", err)
	}

	return nil
}

// GetByID возвращает платёж по ID.
func (r *paymentRepository) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	return r.first(ctx, "id = ?", id)
}

// GetByExternalID возвращает платёж по ID во внешнем шлюзе.
func (r *paymentRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Payment, error) {
	return r.first(ctx, "external_id = ?", externalID)
}

func (r *paymentRepository) first(ctx context.Context, query string, arg string) (*domain.Payment, error) {
	var model PaymentModel

	if err := r.db.WithContext(ctx).
		Where(query, arg).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, storeError("чтение платежа", err)
	}

	return model.toDomain(), nil
}

// List возвращает платежи по фильтру, отсортированные по created_at DESC.
// Пустой результат — пустой срез, не ошибка.
func (r *paymentRepository) List(ctx context.Context, filter domain.PaymentFilter) ([]*domain.Payment, error) {
	var models []PaymentModel

	q := r.db.WithContext(ctx).Model(&PaymentModel{})
	if filter.CPF != "" {
		q = q.Where("cpf = ?", filter.CPF)
	}
	if filter.Method != "" {
		q = q.Where("payment_method = ?", string(filter.Method))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}

	if err := q.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, storeError("список платежей", err)
	}

	payments := make([]*domain.Payment, 0, len(models))
	for i := range models {
		payments = append(payments, models[i].toDomain())
	}

	return payments, nil
}

// Update применяет обновление внутри транзакции.
// Строка блокируется SELECT ... FOR UPDATE: параллельные обновления
// одного платежа выполняются последовательно.
// Если обновление ничего не меняет, UPDATE и события не пишутся.
func (r *paymentRepository) Update(ctx context.Context, id string, update domain.PaymentUpdate, events EventsFunc) (*UpdateResult, error) {
	var result *UpdateResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model PaymentModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&model).Error; err != nil {
			return err
		}

		payment := model.toDomain()
		previous := payment.Status

		changed, err := payment.Apply(update, r.now())
		if err != nil {
			return err
		}

		result = &UpdateResult{Payment: payment, PreviousStatus: previous, Changed: changed}
		if !changed {
			return nil
		}

		columns := map[string]any{"updated_at": payment.UpdatedAt}
		if update.Status != nil {
			columns["status"] = string(payment.Status)
		}
		if update.Description != nil {
			columns["description"] = payment.Description
		}
		if update.ExternalID != nil {
			columns["external_id"] = payment.ExternalID
		}

		if err := tx.Model(&PaymentModel{}).Where("id = ?", id).Updates(columns).Error; err != nil {
			return err
		}

		return saveEvents(tx, events, result)
	})
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return nil, domain.ErrPaymentNotFound
		case errors.Is(err, domain.ErrValidation),
			errors.Is(err, domain.ErrExternalIDAlreadySet),
			errors.Is(err, domain.ErrExternalIDNotAllowed):
			return nil, err
		default:
			return nil, storeError("обновление платежа", err)
		}
	}

	return result, nil
}
