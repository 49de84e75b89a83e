// Package handler содержит HTTP обработчики Payment Service.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/payment-service/pkg/logger"
	"example.com/payment-service/services/payment/internal/domain"
)

// ErrorResponse — стандартный формат ошибки API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HandleServiceError преобразует ошибку сервиса в HTTP ответ.
// err не должен быть nil.
func HandleServiceError(c *gin.Context, err error, method string) {
	log := logger.FromContext(c.Request.Context())

	if err == nil {
		log.Error().Str("method", method).Msg("HandleServiceError вызван с nil ошибкой")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Внутренняя ошибка сервера",
		})
		return
	}

	var (
		httpStatus int
		code       string
		message    = err.Error()
	)

	switch {
	case errors.Is(err, domain.ErrPaymentNotFound):
		httpStatus, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrValidation):
		httpStatus, code = http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrExternalIDAlreadySet), errors.Is(err, domain.ErrExternalIDNotAllowed):
		httpStatus, code = http.StatusConflict, "failed_precondition"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		httpStatus, code = http.StatusBadGateway, "gateway_unavailable"
		message = "Платёжный шлюз временно недоступен"
		log.Error().Err(err).Str("method", method).Msg("Платёжный шлюз недоступен")
	case errors.Is(err, domain.ErrStoreUnavailable):
		httpStatus, code = http.StatusServiceUnavailable, "service_unavailable"
		message = "Хранилище временно недоступно"
		log.Error().Err(err).Str("method", method).Msg("Хранилище недоступно")
	default:
		httpStatus, code = http.StatusInternalServerError, "internal_error"
		message = "Внутренняя ошибка сервера"
		log.Error().Err(err).Str("method", method).Msg("Внутренняя ошибка")
	}

	c.JSON(httpStatus, ErrorResponse{Error: code, Message: message})
}

func invalidRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "invalid_request",
		Message: message,
	})
}
