package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"

	"example.com/payment-service/pkg/logger"
	"example.com/payment-service/services/payment/internal/mercadopago"
	"example.com/payment-service/services/payment/internal/service"
)

// NotificationSchema — контракт тела уведомления Mercado Pago.
// id и data.id приходят строкой или числом.
const NotificationSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["id", "type", "data"],
	"properties": {
		"id":   {"type": ["string", "integer"], "minLength": 1},
		"type": {"type": "string", "minLength": 1},
		"data": {
			"type": "object",
			"required": ["id"],
			"properties": {
				"id": {"type": ["string", "integer"], "minLength": 1}
			}
		}
	}
}`

const (
	headerSignature = "x-signature"
	headerRequestID = "x-request-id"
)

// flexibleID принимает JSON строку или число.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexibleID(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexibleID(s)
	return nil
}

type webhookNotification struct {
	ID   flexibleID `json:"id"`
	Type string     `json:"type"`
	Data struct {
		ID flexibleID `json:"id"`
	} `json:"data"`
}

// WebhookHandler принимает уведомления Mercado Pago.
type WebhookHandler struct {
	service service.PaymentService
	schema  *gojsonschema.Schema
	secret  string
}

// NewWebhookHandler создаёт обработчик уведомлений.
// Пустой secret отключает проверку x-signature.
func NewWebhookHandler(svc service.PaymentService, secret string) (*WebhookHandler, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(NotificationSchema))
	if err != nil {
		return nil, fmt.Errorf("ошибка компиляции схемы уведомления: %w", err)
	}

	return &WebhookHandler{service: svc, schema: schema, secret: secret}, nil
}

// MercadoPago обрабатывает уведомление.
// POST /api/payment/webhook/mercadopago
func (h *WebhookHandler) MercadoPago(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	body, err := c.GetRawData()
	if err != nil {
		invalidRequest(c, "Не удалось прочитать тело запроса")
		return
	}

	if problems, err := h.validate(body); err != nil {
		log.Debug().Err(err).Msg("Тело уведомления не является JSON")
		invalidRequest(c, "Невалидный JSON")
		return
	} else if len(problems) > 0 {
		log.Warn().Strs("errors", problems).Msg("Уведомление не соответствует контракту")
		invalidRequest(c, strings.Join(problems, "; "))
		return
	}

	var n webhookNotification
	if err := json.Unmarshal(body, &n); err != nil {
		invalidRequest(c, "Невалидный JSON")
		return
	}

	if h.secret != "" {
		err := mercadopago.VerifySignature(h.secret, c.GetHeader(headerSignature), c.GetHeader(headerRequestID), string(n.Data.ID))
		if err != nil {
			log.Warn().Str("notification_id", string(n.ID)).Msg("Невалидная подпись уведомления")
			c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "invalid_signature",
				Message: "Подпись уведомления не прошла проверку",
			})
			return
		}
	}

	if _, err := h.service.ReconcileNotification(ctx, service.Notification{
		ID:     string(n.ID),
		Type:   n.Type,
		DataID: string(n.Data.ID),
	}); err != nil {
		HandleServiceError(c, err, "ReconcileNotification")
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// validate возвращает список нарушений схемы.
func (h *WebhookHandler) validate(body []byte) ([]string, error) {
	result, err := h.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, err
	}
	if result.Valid() {
		return nil, nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return problems, nil
}
