// Package repository содержит unit тесты для PaymentRepository.
package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/payment-service/pkg/outbox"
	"example.com/payment-service/services/payment/internal/domain"
)

// =====================================
// Вспомогательные функции
// =====================================

var fixedNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

var paymentColumns = []string{
	"id", "cpf", "description", "amount", "payment_method", "status", "external_id", "created_at", "updated_at",
}

// setupMockDB создаёт мок базы данных с GORM.
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err, "Ошибка создания sqlmock")

	dialector := mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "Ошибка инициализации GORM")

	return gormDB, mock, func() { _ = db.Close() }
}

// newTestRepository возвращает репозиторий с фиксированными часами.
func newTestRepository(db *gorm.DB) *paymentRepository {
	return &paymentRepository{db: db, now: func() time.Time { return fixedNow }}
}

func strPtr(s string) *string { return &s }

// =====================================
// Тесты Create
// =====================================

func TestCreate(t *testing.T) {
	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectedErr error
	}{
		{
			name: "успешное создание",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `payments`")).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "ошибка БД",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `payments`")).
					WillReturnError(errors.New("connection lost"))
				mock.ExpectRollback()
			},
			expectedErr: domain.ErrStoreUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, cleanup := setupMockDB(t)
			defer cleanup()

			tt.mockSetup(mock)
			repo := newTestRepository(db)

			payment := &domain.Payment{
				CPF:         "12345678901",
				Description: "Assinatura",
				Amount:      decimal.RequireFromString("100.00"),
				Method:      domain.PaymentMethodPix,
				Status:      domain.PaymentStatusPending,
			}

			err := repo.Create(context.Background(), payment, nil)

			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				require.NoError(t, err)
				assert.Len(t, payment.ID, 36, "ID назначается хранилищем (UUID)")
				assert.Equal(t, fixedNow, payment.CreatedAt)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// statusEvent возвращает EventsFunc с одним событием и запоминает результат записи.
func statusEvent(t *testing.T, got **UpdateResult) EventsFunc {
	return func(res *UpdateResult) ([]*outbox.Event, error) {
		*got = res
		event, err := outbox.NewEvent(context.Background(), "payment", res.Payment.ID, "payment.status_changed", "payments.events",
			map[string]string{"status": string(res.Payment.Status)})
		require.NoError(t, err)
		return []*outbox.Event{event}, nil
	}
}

func TestCreate_WritesOutboxInSameTransaction(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := newTestRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `payments`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `payment_outbox`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	payment := &domain.Payment{
		CPF: "12345678901", Description: "Assinatura", Amount: decimal.RequireFromString("100.00"),
		Method: domain.PaymentMethodPix, Status: domain.PaymentStatusPending,
	}
	var got *UpdateResult

	err := repo.Create(context.Background(), payment, statusEvent(t, &got))

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, payment.ID, got.Payment.ID, "событие строится по сохранённому платежу")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_OutboxErrorRollsBackPayment(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := newTestRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `payments`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `payment_outbox`")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	payment := &domain.Payment{
		CPF: "12345678901", Description: "Assinatura", Amount: decimal.RequireFromString("100.00"),
		Method: domain.PaymentMethodPix, Status: domain.PaymentStatusPending,
	}
	var got *UpdateResult

	err := repo.Create(context.Background(), payment, statusEvent(t, &got))

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// =====================================
// Тесты чтения
// =====================================

func TestGetByID(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := newTestRepository(db)

	rows := sqlmock.NewRows(paymentColumns).
		AddRow("pay-1", "12345678901", "Assinatura", "100.00", "CREDIT_CARD", "PENDING", "pref_1", fixedNow, fixedNow)

	mock.ExpectQuery("SELECT \\* FROM `payments` WHERE id = \\? ORDER BY `payments`.`id` LIMIT \\?").
		WithArgs("pay-1", 1).
		WillReturnRows(rows)

	payment, err := repo.GetByID(context.Background(), "pay-1")

	require.NoError(t, err)
	assert.Equal(t, "pay-1", payment.ID)
	assert.Equal(t, domain.PaymentMethodCreditCard, payment.Method)
	assert.True(t, payment.Amount.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, payment.ExternalID)
	assert.Equal(t, "pref_1", *payment.ExternalID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByID_NotFound(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := newTestRepository(db)

	mock.ExpectQuery("SELECT \\* FROM `payments` WHERE id = \\?").
		WillReturnRows(sqlmock.NewRows(paymentColumns))

	_, err := repo.GetByID(context.Background(), "missing")

	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByID_StoreError(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := newTestRepository(db)

	mock.ExpectQuery("SELECT \\* FROM `payments` WHERE id = \\?").
		WillReturnError(errors.New("too many connections"))

	_, err := repo.GetByID(context.Background(), "pay-1")

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestGetByExternalID(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := newTestRepository(db)

	rows := sqlmock.NewRows(paymentColumns).
		AddRow("pay-1", "12345678901", "Assinatura", "100.00", "CREDIT_CARD", "PENDING", "pref_1", fixedNow, fixedNow)

	mock.ExpectQuery("SELECT \\* FROM `payments` WHERE external_id = \\? ORDER BY `payments`.`id` LIMIT \\?").
		WithArgs("pref_1", 1).
		WillReturnRows(rows)

	payment, err := repo.GetByExternalID(context.Background(), "pref_1")

	require.NoError(t, err)
	assert.Equal(t, "pay-1", payment.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList(t *testing.T) {
	tests := []struct {
		name   string
		filter domain.PaymentFilter
		query  string
		args   []driver.Value
	}{
		{
			name:   "без фильтра",
			filter: domain.PaymentFilter{},
			query:  "SELECT \\* FROM `payments` ORDER BY created_at DESC",
		},
		{
			name:   "cpf и метод",
			filter: domain.PaymentFilter{CPF: "12345678901", Method: domain.PaymentMethodPix},
			query:  "SELECT \\* FROM `payments` WHERE cpf = \\? AND payment_method = \\? ORDER BY created_at DESC",
			args:   []driver.Value{"12345678901", "PIX"},
		},
		{
			name:   "только статус",
			filter: domain.PaymentFilter{Status: domain.PaymentStatusPaid},
			query:  "SELECT \\* FROM `payments` WHERE status = \\? ORDER BY created_at DESC",
			args:   []driver.Value{"PAID"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, cleanup := setupMockDB(t)
			defer cleanup()
			repo := newTestRepository(db)

			rows := sqlmock.NewRows(paymentColumns).
				AddRow("pay-2", "12345678901", "B", "20.00", "PIX", "PAID", nil, fixedNow.Add(time.Hour), fixedNow.Add(time.Hour)).
				AddRow("pay-1", "12345678901", "A", "10.00", "PIX", "PAID", nil, fixedNow, fixedNow)

			expect := mock.ExpectQuery(tt.query)
			if len(tt.args) > 0 {
				expect = expect.WithArgs(tt.args...)
			}
			expect.WillReturnRows(rows)

			payments, err := repo.List(context.Background(), tt.filter)

			require.NoError(t, err)
			require.Len(t, payments, 2)
			assert.Equal(t, "pay-2", payments[0].ID)
			assert.Nil(t, payments[0].ExternalID)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestList_Empty(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := newTestRepository(db)

	mock.ExpectQuery("SELECT \\* FROM `payments`").
		WillReturnRows(sqlmock.NewRows(paymentColumns))

	payments, err := repo.List(context.Background(), domain.PaymentFilter{CPF: "00000000000"})

	require.NoError(t, err)
	assert.NotNil(t, payments)
	assert.Empty(t, payments)
}

// =====================================
// Тесты Update
// =====================================

const selectForUpdate = "SELECT \\* FROM `payments` WHERE id = \\? ORDER BY `payments`.`id` LIMIT \\? FOR UPDATE"

func TestUpdate_AppliesPresentFields(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := newTestRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).
		WithArgs("pay-1", 1).
		WillReturnRows(sqlmock.NewRows(paymentColumns).
			AddRow("pay-1", "12345678901", "Assinatura", "100.00", "CREDIT_CARD", "PENDING", "pref_1", fixedNow.Add(-time.Hour), fixedNow.Add(-time.Hour)))
	mock.ExpectExec("UPDATE `payments` SET `status`=\\?,`updated_at`=\\? WHERE id = \\?").
		WithArgs("PAID", sqlmock.AnyArg(), "pay-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	paid := domain.PaymentStatusPaid
	result, err := repo.Update(context.Background(), "pay-1", domain.PaymentUpdate{Status: &paid, Reconciliation: true}, nil)

	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, domain.PaymentStatusPending, result.PreviousStatus)
	assert.Equal(t, domain.PaymentStatusPaid, result.Payment.Status)
	assert.Equal(t, "Assinatura", result.Payment.Description, "description не передан — не меняется")
	assert.Equal(t, fixedNow, result.Payment.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_NoChangeSkipsWrite(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := newTestRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).
		WillReturnRows(sqlmock.NewRows(paymentColumns).
			AddRow("pay-1", "12345678901", "Assinatura", "100.00", "CREDIT_CARD", "PAID", "pref_1", fixedNow, fixedNow))
	mock.ExpectCommit()

	fail := domain.PaymentStatusFail
	result, err := repo.Update(context.Background(), "pay-1", domain.PaymentUpdate{Status: &fail, Reconciliation: true}, nil)

	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Equal(t, domain.PaymentStatusPaid, result.Payment.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_NotFound(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := newTestRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).
		WillReturnRows(sqlmock.NewRows(paymentColumns))
	mock.ExpectRollback()

	_, err := repo.Update(context.Background(), "missing", domain.PaymentUpdate{Description: strPtr("x")}, nil)

	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet(), "UPDATE не должен выполняться")
}

func TestUpdate_ExternalIDAlreadySet(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := newTestRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).
		WillReturnRows(sqlmock.NewRows(paymentColumns).
			AddRow("pay-1", "12345678901", "Assinatura", "100.00", "CREDIT_CARD", "PENDING", "pref_1", fixedNow, fixedNow))
	mock.ExpectRollback()

	_, err := repo.Update(context.Background(), "pay-1", domain.PaymentUpdate{ExternalID: strPtr("pref_2")}, nil)

	assert.ErrorIs(t, err, domain.ErrExternalIDAlreadySet)
	assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_StoreError(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := newTestRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).
		WillReturnRows(sqlmock.NewRows(paymentColumns).
			AddRow("pay-1", "12345678901", "Assinatura", "100.00", "PIX", "PENDING", nil, fixedNow, fixedNow))
	mock.ExpectExec("UPDATE `payments` SET").
		WillReturnError(errors.New("lock wait timeout"))
	mock.ExpectRollback()

	_, err := repo.Update(context.Background(), "pay-1", domain.PaymentUpdate{Description: strPtr("Nova")}, nil)

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_WritesOutboxInSameTransaction(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := newTestRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).
		WithArgs("pay-1", 1).
		WillReturnRows(sqlmock.NewRows(paymentColumns).
			AddRow("pay-1", "12345678901", "Assinatura", "100.00", "CREDIT_CARD", "PENDING", "pref_1", fixedNow.Add(-time.Hour), fixedNow.Add(-time.Hour)))
	mock.ExpectExec("UPDATE `payments` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `payment_outbox`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	paid := domain.PaymentStatusPaid
	var got *UpdateResult

	result, err := repo.Update(context.Background(), "pay-1", domain.PaymentUpdate{Status: &paid, Reconciliation: true}, statusEvent(t, &got))

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.PaymentStatusPending, got.PreviousStatus)
	assert.Equal(t, domain.PaymentStatusPaid, got.Payment.Status)
	assert.Same(t, result, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Ошибка записи события откатывает смену статуса: повторное уведомление применит её заново.
func TestUpdate_OutboxErrorRollsBackStatus(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := newTestRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).
		WillReturnRows(sqlmock.NewRows(paymentColumns).
			AddRow("pay-1", "12345678901", "Assinatura", "100.00", "CREDIT_CARD", "PENDING", "pref_1", fixedNow, fixedNow))
	mock.ExpectExec("UPDATE `payments` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `payment_outbox`")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	paid := domain.PaymentStatusPaid
	var got *UpdateResult

	_, err := repo.Update(context.Background(), "pay-1", domain.PaymentUpdate{Status: &paid, Reconciliation: true}, statusEvent(t, &got))

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_NoChangeWritesNoEvents(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()
	repo := newTestRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(selectForUpdate).
		WillReturnRows(sqlmock.NewRows(paymentColumns).
			AddRow("pay-1", "12345678901", "Assinatura", "100.00", "CREDIT_CARD", "PAID", "pref_1", fixedNow, fixedNow))
	mock.ExpectCommit()

	fail := domain.PaymentStatusFail
	var got *UpdateResult

	result, err := repo.Update(context.Background(), "pay-1", domain.PaymentUpdate{Status: &fail, Reconciliation: true}, statusEvent(t, &got))

	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Nil(t, got, "события не строятся, если платёж не изменился")
	assert.NoError(t, mock.ExpectationsWereMet())
}
