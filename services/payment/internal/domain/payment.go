// Package domain содержит бизнес-сущности Payment Service.
package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// =============================================================================
// Метод оплаты
// =============================================================================

// PaymentMethod — способ расчёта, выбирается при создании и не меняется.
type PaymentMethod string

const (
	// PaymentMethodPix — мгновенный расчёт, внешний шлюз не участвует.
	PaymentMethodPix PaymentMethod = "PIX"

	// PaymentMethodCreditCard — отложенный расчёт, подтверждается через Mercado Pago.
	PaymentMethodCreditCard PaymentMethod = "CREDIT_CARD"
)

// IsValid проверяет, что метод известен системе.
func (m PaymentMethod) IsValid() bool {
	return m == PaymentMethodPix || m == PaymentMethodCreditCard
}

// RequiresGateway возвращает true для отложенного метода (нужен checkout во внешнем шлюзе).
func (m PaymentMethod) RequiresGateway() bool {
	return m == PaymentMethodCreditCard
}

// =============================================================================
// Статус платежа
// =============================================================================

// PaymentStatus — статус платежа в системе.
type PaymentStatus string

const (
	// PaymentStatusPending — платёж создан, ожидает подтверждения.
	PaymentStatusPending PaymentStatus = "PENDING"

	// PaymentStatusPaid — платёж оплачен.
	PaymentStatusPaid PaymentStatus = "PAID"

	// PaymentStatusFail — платёж отклонён или отменён.
	PaymentStatusFail PaymentStatus = "FAIL"
)

// IsValid проверяет, что статус известен системе.
func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFail:
		return true
	}
	return false
}

// IsTerminal возвращает true для PAID и FAIL.
// Сверка со шлюзом терминальный статус не меняет.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusPaid || s == PaymentStatusFail
}

// =============================================================================
// Payment — доменная сущность
// =============================================================================

// Ограничения полей, совпадают со схемой таблицы payments.
const (
	// AmountScale — знаков после запятой в сумме, decimal(10,2).
	AmountScale = 2

	// MaxDescriptionLength — максимальная длина описания в символах, varchar(255).
	MaxDescriptionLength = 255
)

var (
	// MinAmount — минимальная сумма платежа.
	MinAmount = decimal.New(1, -AmountScale)

	// MaxAmount — максимальная сумма, помещающаяся в decimal(10,2).
	MaxAmount = decimal.RequireFromString("99999999.99")
)

// Payment — платёж в системе.
type Payment struct {
	ID          string          // UUID платежа, назначается хранилищем
	CPF         string          // CPF плательщика, 11 цифр
	Description string          // Описание (изменяемое)
	Amount      decimal.Decimal // Сумма, от 0.01, два знака после запятой
	Method      PaymentMethod   // Метод оплаты
	Status      PaymentStatus   // Текущий статус
	ExternalID  *string         // ID во внешнем шлюзе (только CREDIT_CARD)
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewPayment создаёт платёж в статусе PENDING без external_id.
func NewPayment(cpf, description string, amount decimal.Decimal, method PaymentMethod, now time.Time) (*Payment, error) {
	p := &Payment{
		CPF:         cpf,
		Description: strings.TrimSpace(description),
		Amount:      amount,
		Method:      method,
		Status:      PaymentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate проверяет корректность полей платежа.
func (p *Payment) Validate() error {
	if !IsValidCPF(p.CPF) {
		return fmt.Errorf("%w: cpf должен содержать 11 цифр", ErrValidation)
	}
	if err := ValidateDescription(p.Description); err != nil {
		return err
	}
	if err := ValidateAmount(p.Amount); err != nil {
		return err
	}
	if !p.Method.IsValid() {
		return fmt.Errorf("%w: неизвестный метод оплаты %q", ErrValidation, p.Method)
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("%w: неизвестный статус %q", ErrValidation, p.Status)
	}
	if p.ExternalID != nil && !p.Method.RequiresGateway() {
		return ErrExternalIDNotAllowed
	}
	return nil
}

// HasExternalID возвращает true, если платёж уже передан во внешний шлюз.
func (p *Payment) HasExternalID() bool {
	return p.ExternalID != nil && *p.ExternalID != ""
}

// Apply применяет частичное обновление.
// Отсутствующие поля не трогаются. Возвращает true, если платёж изменился;
// в этом случае UpdatedAt обновляется.
func (p *Payment) Apply(u PaymentUpdate, now time.Time) (bool, error) {
	if err := p.checkUpdate(u); err != nil {
		return false, err
	}

	changed := false

	if u.ExternalID != nil && !p.HasExternalID() {
		id := *u.ExternalID
		p.ExternalID = &id
		changed = true
	}

	if u.Status != nil && *u.Status != p.Status {
		// При сверке терминальный статус не перезаписывается
		if !(u.Reconciliation && p.Status.IsTerminal()) {
			p.Status = *u.Status
			changed = true
		}
	}

	if u.Description != nil {
		desc := strings.TrimSpace(*u.Description)
		if desc != p.Description {
			p.Description = desc
			changed = true
		}
	}

	if changed {
		p.UpdatedAt = now
		if p.UpdatedAt.Before(p.CreatedAt) {
			p.UpdatedAt = p.CreatedAt
		}
	}

	return changed, nil
}

// checkUpdate проверяет обновление целиком до изменения полей.
func (p *Payment) checkUpdate(u PaymentUpdate) error {
	if u.Status != nil && !u.Status.IsValid() {
		return fmt.Errorf("%w: неизвестный статус %q", ErrValidation, *u.Status)
	}
	if u.Description != nil {
		if err := ValidateDescription(*u.Description); err != nil {
			return err
		}
	}
	if u.ExternalID != nil {
		if *u.ExternalID == "" {
			return fmt.Errorf("%w: пустой external_id", ErrValidation)
		}
		if !p.Method.RequiresGateway() {
			return ErrExternalIDNotAllowed
		}
		if p.HasExternalID() && *p.ExternalID != *u.ExternalID {
			return ErrExternalIDAlreadySet
		}
	}
	return nil
}

// =============================================================================
// Обновление и фильтр
// =============================================================================

// PaymentUpdate — частичное обновление платежа. nil-поля не меняются.
type PaymentUpdate struct {
	Status      *PaymentStatus
	Description *string
	ExternalID  *string

	// Reconciliation — обновление пришло из сверки со шлюзом:
	// терминальный статус в этом случае остаётся как есть.
	Reconciliation bool
}

// IsEmpty возвращает true, если обновление ничего не меняет.
func (u PaymentUpdate) IsEmpty() bool {
	return u.Status == nil && u.Description == nil && u.ExternalID == nil
}

// PaymentFilter — фильтр списка платежей. Пустые поля не участвуют, заданные объединяются по AND.
type PaymentFilter struct {
	CPF    string
	Method PaymentMethod
	Status PaymentStatus
}

// Validate проверяет значения заданных полей фильтра.
func (f PaymentFilter) Validate() error {
	if f.CPF != "" && !IsValidCPF(f.CPF) {
		return fmt.Errorf("%w: cpf должен содержать 11 цифр", ErrValidation)
	}
	if f.Method != "" && !f.Method.IsValid() {
		return fmt.Errorf("%w: неизвестный метод оплаты %q", ErrValidation, f.Method)
	}
	if f.Status != "" && !f.Status.IsValid() {
		return fmt.Errorf("%w: неизвестный статус %q", ErrValidation, f.Status)
	}
	return nil
}

// Checkout — результат создания платежа во внешнем шлюзе.
type Checkout struct {
	ExternalID       string // ID preference в шлюзе
	InitPoint        string // Ссылка на оплату
	SandboxInitPoint string // Ссылка на оплату в sandbox
}

// ValidateAmount проверяет сумму: от 0.01 до 99999999.99, не больше двух знаков после запятой.
// Нули в конце не считаются: 1.500 допустимо.
func ValidateAmount(amount decimal.Decimal) error {
	if amount.LessThan(MinAmount) {
		return fmt.Errorf("%w: amount должен быть не меньше %s", ErrValidation, MinAmount.StringFixed(AmountScale))
	}
	if amount.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: amount должен быть не больше %s", ErrValidation, MaxAmount.StringFixed(AmountScale))
	}
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return fmt.Errorf("%w: amount допускает не больше %d знаков после запятой", ErrValidation, AmountScale)
	}
	return nil
}

// ValidateDescription проверяет, что описание не пустое и помещается в колонку.
func ValidateDescription(description string) error {
	desc := strings.TrimSpace(description)
	if desc == "" {
		return fmt.Errorf("%w: description обязателен", ErrValidation)
	}
	if utf8.RuneCountInString(desc) > MaxDescriptionLength {
		return fmt.Errorf("%w: description длиннее %d символов", ErrValidation, MaxDescriptionLength)
	}
	return nil
}

// IsValidCPF проверяет формат CPF: ровно 11 цифр.
func IsValidCPF(cpf string) bool {
	if len(cpf) != 11 {
		return false
	}
	for _, r := range cpf {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
