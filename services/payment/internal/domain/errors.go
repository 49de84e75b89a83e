package domain

import "errors"

// Доменные ошибки Payment Service.
// Вызывающий код проверяет их через errors.Is.
var (
	// ErrPaymentNotFound — платёж не найден.
	ErrPaymentNotFound = errors.New("платёж не найден")

	// ErrValidation — некорректные входные данные.
	ErrValidation = errors.New("некорректные данные платежа")

	// ErrGatewayUnavailable — платёжный шлюз не ответил или вернул ошибку.
	// Локальная запись PENDING при этом сохраняется.
	ErrGatewayUnavailable = errors.New("платёжный шлюз недоступен")

	// ErrStoreUnavailable — ошибка хранилища платежей.
	ErrStoreUnavailable = errors.New("хранилище платежей недоступно")

	// ErrExternalIDAlreadySet — external_id уже назначен и не может быть изменён.
	ErrExternalIDAlreadySet = errors.New("external_id уже назначен")

	// ErrExternalIDNotAllowed — external_id допустим только для методов со шлюзом.
	ErrExternalIDNotAllowed = errors.New("external_id недопустим для этого метода оплаты")
)
