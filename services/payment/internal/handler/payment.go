package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"example.com/payment-service/pkg/logger"
	"example.com/payment-service/services/payment/internal/domain"
	"example.com/payment-service/services/payment/internal/service"
)

// PaymentHandler — обработчик REST API платежей.
type PaymentHandler struct {
	service service.PaymentService
}

// NewPaymentHandler создаёт обработчик платежей.
func NewPaymentHandler(svc service.PaymentService) *PaymentHandler {
	return &PaymentHandler{service: svc}
}

// =============================================================================
// Request/Response DTOs
// =============================================================================

// CreatePaymentRequest — запрос на создание платежа.
type CreatePaymentRequest struct {
	CPF           string          `json:"cpf" binding:"required,len=11,numeric"`
	Description   string          `json:"description" binding:"required,max=255"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod" binding:"required,oneof=PIX CREDIT_CARD"`
}

// UpdatePaymentRequest — частичное обновление платежа.
type UpdatePaymentRequest struct {
	Status      *string `json:"status" binding:"omitempty,oneof=PENDING PAID FAIL"`
	Description *string `json:"description" binding:"omitempty,min=1,max=255"`
}

// ListPaymentsQuery — фильтры списка платежей.
type ListPaymentsQuery struct {
	CPF           string `form:"cpf" binding:"omitempty,len=11,numeric"`
	PaymentMethod string `form:"paymentMethod" binding:"omitempty,oneof=PIX CREDIT_CARD"`
	Status        string `form:"status" binding:"omitempty,oneof=PENDING PAID FAIL"`
}

// PaymentResponse — платёж в ответе API.
type PaymentResponse struct {
	ID            string      `json:"id"`
	CPF           string      `json:"cpf"`
	Description   string      `json:"description"`
	Amount        json.Number `json:"amount"`
	PaymentMethod string      `json:"paymentMethod"`
	Status        string      `json:"status"`
	ExternalID    *string     `json:"externalId,omitempty"`
	CreatedAt     string      `json:"createdAt"`
	UpdatedAt     string      `json:"updatedAt"`
}

// CreatePaymentResponse — созданный платёж и ссылки на оплату CREDIT_CARD.
type CreatePaymentResponse struct {
	PaymentResponse
	InitPoint        string `json:"initPoint,omitempty"`
	SandboxInitPoint string `json:"sandboxInitPoint,omitempty"`
}

func toPaymentResponse(p *domain.Payment) PaymentResponse {
	return PaymentResponse{
		ID:            p.ID,
		CPF:           p.CPF,
		Description:   p.Description,
		Amount:        json.Number(p.Amount.StringFixed(2)),
		PaymentMethod: string(p.Method),
		Status:        string(p.Status),
		ExternalID:    p.ExternalID,
		CreatedAt:     p.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// =============================================================================
// Handlers
// =============================================================================

// CreatePayment создаёт платёж.
// POST /api/payment
func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug().Err(err).Msg("Невалидный запрос на создание платежа")
		invalidRequest(c, "Невалидные данные запроса")
		return
	}
	if err := domain.ValidateAmount(req.Amount); err != nil {
		log.Debug().Err(err).Str("amount", req.Amount.String()).Msg("Невалидная сумма платежа")
		invalidRequest(c, "amount должен быть от 0.01 до 99999999.99, не больше двух знаков после запятой")
		return
	}

	result, err := h.service.CreatePayment(ctx, service.CreatePaymentRequest{
		CPF:         req.CPF,
		Description: req.Description,
		Amount:      req.Amount,
		Method:      domain.PaymentMethod(req.PaymentMethod),
	})
	if err != nil {
		HandleServiceError(c, err, "CreatePayment")
		return
	}

	resp := CreatePaymentResponse{PaymentResponse: toPaymentResponse(result.Payment)}
	if result.Checkout != nil {
		resp.InitPoint = result.Checkout.InitPoint
		resp.SandboxInitPoint = result.Checkout.SandboxInitPoint
	}

	c.JSON(http.StatusCreated, resp)
}

// UpdatePayment — административное обновление платежа.
// PUT /api/payment/:id
func (h *PaymentHandler) UpdatePayment(c *gin.Context) {
	ctx := c.Request.Context()

	id, ok := paymentID(c)
	if !ok {
		return
	}

	var req UpdatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		log := logger.FromContext(ctx)
		log.Debug().Err(err).Msg("Невалидный запрос на обновление платежа")
		invalidRequest(c, "Невалидные данные запроса")
		return
	}

	update := service.UpdatePaymentRequest{Description: req.Description}
	if req.Status != nil {
		status := domain.PaymentStatus(*req.Status)
		update.Status = &status
	}

	payment, err := h.service.UpdatePayment(ctx, id, update)
	if err != nil {
		HandleServiceError(c, err, "UpdatePayment")
		return
	}

	c.JSON(http.StatusOK, toPaymentResponse(payment))
}

// GetPayment возвращает платёж по ID.
// GET /api/payment/:id
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}

	payment, err := h.service.GetPayment(c.Request.Context(), id)
	if err != nil {
		HandleServiceError(c, err, "GetPayment")
		return
	}

	c.JSON(http.StatusOK, toPaymentResponse(payment))
}

// ListPayments возвращает платежи по фильтрам.
// GET /api/payment?cpf=&paymentMethod=&status=
func (h *PaymentHandler) ListPayments(c *gin.Context) {
	var q ListPaymentsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		invalidRequest(c, "Невалидные параметры фильтра")
		return
	}

	payments, err := h.service.ListPayments(c.Request.Context(), domain.PaymentFilter{
		CPF:    q.CPF,
		Method: domain.PaymentMethod(q.PaymentMethod),
		Status: domain.PaymentStatus(q.Status),
	})
	if err != nil {
		HandleServiceError(c, err, "ListPayments")
		return
	}

	resp := make([]PaymentResponse, 0, len(payments))
	for _, p := range payments {
		resp = append(resp, toPaymentResponse(p))
	}

	c.JSON(http.StatusOK, resp)
}

// paymentID извлекает и проверяет UUID из пути.
func paymentID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		invalidRequest(c, "id должен быть UUID")
		return "", false
	}
	return id, true
}
