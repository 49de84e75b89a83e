// Package service содержит бизнес-логику Payment Service:
// создание платежей, административные обновления и сверку со шлюзом по уведомлениям.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"example.com/payment-service/pkg/logger"
	"example.com/payment-service/pkg/metrics"
	"example.com/payment-service/pkg/outbox"
	"example.com/payment-service/pkg/tracing"
	"example.com/payment-service/services/payment/internal/domain"
	"example.com/payment-service/services/payment/internal/repository"
)

// =============================================================================
// Конфигурация
// =============================================================================

const (
	// notificationKeyPrefix — префикс ключей обработанных уведомлений в Redis.
	notificationKeyPrefix = "payment:notification:"

	// notificationTTL — сколько помним обработанное уведомление.
	notificationTTL = 24 * time.Hour

	// NotificationTypePayment — единственный тип уведомлений, который сверяется.
	NotificationTypePayment = "payment"
)

// Типы доменных событий.
const (
	EventPaymentCreated       = "payment.created"
	EventPaymentExternalized  = "payment.externalized"
	EventPaymentStatusChanged = "payment.status_changed"
)

// =============================================================================
// Зависимости
// =============================================================================

// Gateway — внешний платёжный шлюз.
type Gateway interface {
	// CreatePreference создаёт checkout во внешнем шлюзе.
	CreatePreference(ctx context.Context, payment *domain.Payment) (*domain.Checkout, error)

	// GetPaymentStatus возвращает текущий статус платежа в словаре шлюза.
	GetPaymentStatus(ctx context.Context, externalID string) (string, error)
}

// EventFactory создаёт доменные события платежей для outbox.
// Событие сохраняется в той же транзакции, что и изменение платежа.
type EventFactory interface {
	NewEvent(ctx context.Context, eventType, aggregateID string, payload any) (*outbox.Event, error)
}

// =============================================================================
// Запросы и результаты
// =============================================================================

// CreatePaymentRequest — запрос на создание платежа.
type CreatePaymentRequest struct {
	CPF         string
	Description string
	Amount      decimal.Decimal
	Method      domain.PaymentMethod
}

// CreatePaymentResult — созданный платёж и ссылки на оплату (для CREDIT_CARD).
type CreatePaymentResult struct {
	Payment  *domain.Payment
	Checkout *domain.Checkout
}

// UpdatePaymentRequest — частичное обновление. nil-поля не меняются.
type UpdatePaymentRequest struct {
	Status      *domain.PaymentStatus
	Description *string
}

// Notification — уведомление шлюза: {id, type, data: {id}}.
type Notification struct {
	ID     string
	Type   string
	DataID string
}

// Outcome — результат обработки уведомления.
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"          // Статус изменён
	OutcomeUnchanged       Outcome = "unchanged"        // Статус шлюза совпал с текущим
	OutcomeIgnoredType     Outcome = "ignored_type"     // Уведомление не о платеже
	OutcomeUnresolved      Outcome = "unresolved"       // Платёж по external_id не найден
	OutcomeAlreadyTerminal Outcome = "already_terminal" // Платёж уже PAID или FAIL
	OutcomeDuplicate       Outcome = "duplicate"        // Уведомление уже обработано
)

// ReconcileResult — результат ReconcileNotification.
// Payment равен nil для ignored_type, unresolved и duplicate.
type ReconcileResult struct {
	Outcome Outcome
	Payment *domain.Payment
}

// PaymentEvent — payload доменного события.
type PaymentEvent struct {
	PaymentID      string    `json:"payment_id"`
	ExternalID     string    `json:"external_id,omitempty"`
	Method         string    `json:"payment_method"`
	Amount         string    `json:"amount"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// =============================================================================
// Интерфейс сервиса
// =============================================================================

// PaymentService — интерфейс бизнес-логики платежей.
type PaymentService interface {
	// CreatePayment сохраняет платёж в статусе PENDING; для CREDIT_CARD
	// затем создаёт checkout в шлюзе и сохраняет external_id.
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResult, error)

	// UpdatePayment — административное обновление статуса и/или описания.
	UpdatePayment(ctx context.Context, id string, req UpdatePaymentRequest) (*domain.Payment, error)

	// GetPayment возвращает платёж по ID.
	GetPayment(ctx context.Context, id string) (*domain.Payment, error)

	// ListPayments возвращает платежи по фильтру, новые первыми.
	ListPayments(ctx context.Context, filter domain.PaymentFilter) ([]*domain.Payment, error)

	// ReconcileNotification сверяет платёж со шлюзом по уведомлению.
	ReconcileNotification(ctx context.Context, n Notification) (*ReconcileResult, error)
}

// =============================================================================
// Реализация сервиса
// =============================================================================

// paymentService — реализация PaymentService.
type paymentService struct {
	repo      repository.PaymentRepository
	gateway   Gateway
	redis     *redis.Client
	events    EventFactory
	tracer    trace.Tracer
	now       func() time.Time
}

// Option — функциональная опция для настройки сервиса.
type Option func(*paymentService)

// WithRedis включает дедупликацию уведомлений через Redis.
func WithRedis(client *redis.Client) Option {
	return func(s *paymentService) {
		s.redis = client
	}
}

// WithEvents включает запись доменных событий в outbox.
func WithEvents(f EventFactory) Option {
	return func(s *paymentService) {
		s.events = f
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(s *paymentService) {
		s.now = now
	}
}

// NewPaymentService создаёт новый сервис платежей.
func NewPaymentService(repo repository.PaymentRepository, gateway Gateway, opts ...Option) PaymentService {
	s := &paymentService{
		repo:    repo,
		gateway: gateway,
		tracer:  tracing.Tracer("payment-service"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePayment создаёт платёж.
// Локальная запись появляется до обращения к шлюзу: external_reference
// в шлюзе всегда указывает на существующий платёж.
func (s *paymentService) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResult, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.CreatePayment",
		trace.WithAttributes(attribute.String("payment.method", string(req.Method))))
	defer span.End()

	log := logger.Ctx(ctx)

	payment, err := domain.NewPayment(req.CPF, req.Description, req.Amount, req.Method, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, payment, s.eventOf(ctx, EventPaymentCreated)); err != nil {
		failSpan(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("payment.id", payment.ID))
	metrics.RecordPaymentCreated(string(payment.Method))

	log.Info().
		Str("payment_id", payment.ID).
		Str("method", string(payment.Method)).
		Str("amount", payment.Amount.StringFixed(2)).
		Msg("Платёж создан")

	if !payment.Method.RequiresGateway() {
		return &CreatePaymentResult{Payment: payment}, nil
	}

	checkout, err := s.gateway.CreatePreference(ctx, payment)
	if err != nil {
		failSpan(span, err)
		log.Error().Err(err).Str("payment_id", payment.ID).
			Msg("Не удалось создать preference в шлюзе, платёж остаётся PENDING без external_id")
		return nil, fmt.Errorf("платёж %s сохранён без external_id: %w", payment.ID, err)
	}

	externalID := checkout.ExternalID
	res, err := s.repo.Update(ctx, payment.ID, domain.PaymentUpdate{ExternalID: &externalID},
		s.eventOf(ctx, EventPaymentExternalized))
	if err != nil {
		failSpan(span, err)
		log.Error().Err(err).Str("payment_id", payment.ID).Str("external_id", externalID).
			Msg("Не удалось сохранить external_id")
		return nil, err
	}

	log.Info().
		Str("payment_id", payment.ID).
		Str("external_id", externalID).
		Msg("Платёж передан в Mercado Pago")

	return &CreatePaymentResult{Payment: res.Payment, Checkout: checkout}, nil
}

// UpdatePayment применяет административное обновление.
// Переходы статусов здесь не ограничиваются.
func (s *paymentService) UpdatePayment(ctx context.Context, id string, req UpdatePaymentRequest) (*domain.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.UpdatePayment",
		trace.WithAttributes(attribute.String("payment.id", id)))
	defer span.End()

	res, err := s.repo.Update(ctx, id, domain.PaymentUpdate{
		Status:      req.Status,
		Description: req.Description,
	}, s.statusChanged(ctx))
	if err != nil {
		failSpan(span, err)
		return nil, err
	}

	if res.Changed && res.Payment.Status != res.PreviousStatus {
		logger.Ctx(ctx).Info().
			Str("payment_id", id).
			Str("from", string(res.PreviousStatus)).
			Str("to", string(res.Payment.Status)).
			Msg("Статус платежа изменён вручную")
	}

	return res.Payment, nil
}

// GetPayment возвращает платёж по ID.
func (s *paymentService) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return s.repo.GetByID(ctx, id)
}

// ListPayments возвращает платежи по фильтру.
func (s *paymentService) ListPayments(ctx context.Context, filter domain.PaymentFilter) ([]*domain.Payment, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, filter)
}

// ReconcileNotification сверяет платёж со шлюзом.
//
// Статус из тела уведомления не используется: новый статус берётся
// только из запроса к шлюзу. Уведомления не о платежах и уведомления
// по неизвестному external_id — штатный трафик, не ошибка.
func (s *paymentService) ReconcileNotification(ctx context.Context, n Notification) (*ReconcileResult, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.ReconcileNotification",
		trace.WithAttributes(
			attribute.String("notification.id", n.ID),
			attribute.String("notification.type", n.Type),
			attribute.String("notification.data_id", n.DataID),
		))
	defer span.End()

	result, err := s.reconcile(ctx, n)
	if err != nil {
		failSpan(span, err)
		metrics.RecordReconciliation("error")
		return nil, err
	}

	span.SetAttributes(attribute.String("reconcile.outcome", string(result.Outcome)))
	metrics.RecordReconciliation(string(result.Outcome))

	return result, nil
}

func (s *paymentService) reconcile(ctx context.Context, n Notification) (*ReconcileResult, error) {
	log := logger.Ctx(ctx).With().
		Str("notification_id", n.ID).
		Str("notification_type", n.Type).
		Str("external_id", n.DataID).
		Logger()

	// 1. Фильтр по типу
	if n.Type != NotificationTypePayment {
		log.Debug().Msg("Уведомление не о платеже, пропускаем")
		return &ReconcileResult{Outcome: OutcomeIgnoredType}, nil
	}

	if n.DataID == "" {
		return nil, fmt.Errorf("%w: в уведомлении нет data.id", domain.ErrValidation)
	}

	if s.alreadyProcessed(ctx, n.ID) {
		log.Info().Msg("Уведомление уже обработано (идемпотентность)")
		return &ReconcileResult{Outcome: OutcomeDuplicate}, nil
	}

	// 2. Поиск платежа по external_id
	payment, err := s.repo.GetByExternalID(ctx, n.DataID)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			// external_id мог ещё не сохраниться после CreatePreference
			log.Warn().Msg("Платёж по external_id не найден, уведомление пропущено")
			return &ReconcileResult{Outcome: OutcomeUnresolved}, nil
		}
		return nil, err
	}

	if payment.Status.IsTerminal() {
		log.Info().Str("payment_id", payment.ID).Str("status", string(payment.Status)).
			Msg("Платёж уже в финальном статусе, запрос к шлюзу не нужен")
		s.markProcessed(ctx, n.ID)
		return &ReconcileResult{Outcome: OutcomeAlreadyTerminal, Payment: payment}, nil
	}

	// 3. Актуальный статус из шлюза
	gatewayStatus, err := s.gateway.GetPaymentStatus(ctx, n.DataID)
	if err != nil {
		return nil, err
	}

	// 4. Перевод статуса
	next := domain.TranslateGatewayStatus(gatewayStatus)
	if next == payment.Status {
		log.Debug().Str("payment_id", payment.ID).Str("gateway_status", gatewayStatus).
			Msg("Статус не изменился")
		return &ReconcileResult{Outcome: OutcomeUnchanged, Payment: payment}, nil
	}

	// 5. Сохранение под блокировкой строки, событие пишется в той же транзакции
	res, err := s.repo.Update(ctx, payment.ID, domain.PaymentUpdate{Status: &next, Reconciliation: true},
		s.statusChanged(ctx))
	if err != nil {
		return nil, err
	}

	if !res.Changed {
		// Параллельная сверка успела раньше
		outcome := OutcomeUnchanged
		if res.Payment.Status.IsTerminal() {
			outcome = OutcomeAlreadyTerminal
			s.markProcessed(ctx, n.ID)
		}
		return &ReconcileResult{Outcome: outcome, Payment: res.Payment}, nil
	}

	s.markProcessed(ctx, n.ID)

	log.Info().
		Str("payment_id", res.Payment.ID).
		Str("gateway_status", gatewayStatus).
		Str("from", string(res.PreviousStatus)).
		Str("to", string(res.Payment.Status)).
		Msg("Статус платежа обновлён по уведомлению")

	return &ReconcileResult{Outcome: OutcomeApplied, Payment: res.Payment}, nil
}

// =============================================================================
// Идемпотентность уведомлений
// =============================================================================

// alreadyProcessed проверяет ключ уведомления в Redis.
// Ошибка Redis не блокирует обработку: повторная сверка безопасна.
func (s *paymentService) alreadyProcessed(ctx context.Context, notificationID string) bool {
	if s.redis == nil || notificationID == "" {
		return false
	}

	n, err := s.redis.Exists(ctx, notificationKeyPrefix+notificationID).Result()
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("notification_id", notificationID).
			Msg("Ошибка Redis при проверке идемпотентности")
		return false
	}
	return n > 0
}

// markProcessed запоминает уведомление, которое больше не может ничего изменить.
func (s *paymentService) markProcessed(ctx context.Context, notificationID string) {
	if s.redis == nil || notificationID == "" {
		return
	}

	if err := s.redis.SetNX(ctx, notificationKeyPrefix+notificationID, "processed", notificationTTL).Err(); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("notification_id", notificationID).
			Msg("Ошибка Redis при сохранении ключа идемпотентности")
	}
}

// =============================================================================
// События
// =============================================================================

// eventOf возвращает EventsFunc с одним событием eventType, если платёж изменился.
func (s *paymentService) eventOf(ctx context.Context, eventType string) repository.EventsFunc {
	if s.events == nil {
		return nil
	}
	return func(res *repository.UpdateResult) ([]*outbox.Event, error) {
		if !res.Changed {
			return nil, nil
		}
		return s.newEvent(ctx, eventType, res.Payment, "")
	}
}

// statusChanged возвращает EventsFunc, который пишет payment.status_changed
// только при фактической смене статуса.
func (s *paymentService) statusChanged(ctx context.Context) repository.EventsFunc {
	if s.events == nil {
		return nil
	}
	return func(res *repository.UpdateResult) ([]*outbox.Event, error) {
		if !res.Changed || res.Payment.Status == res.PreviousStatus {
			return nil, nil
		}
		return s.newEvent(ctx, EventPaymentStatusChanged, res.Payment, res.PreviousStatus)
	}
}

func (s *paymentService) newEvent(ctx context.Context, eventType string, p *domain.Payment, previous domain.PaymentStatus) ([]*outbox.Event, error) {
	payload := PaymentEvent{
		PaymentID:      p.ID,
		Method:         string(p.Method),
		Amount:         p.Amount.StringFixed(2),
		Status:         string(p.Status),
		PreviousStatus: string(previous),
		OccurredAt:     s.now(),
	}
	if p.ExternalID != nil {
		payload.ExternalID = *p.ExternalID
	}

	event, err := s.events.NewEvent(ctx, eventType, p.ID, payload)
	if err != nil {
		return nil, fmt.Errorf("событие %s для платежа %s: %w", eventType, p.ID, err)
	}
	return []*outbox.Event{event}, nil
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
