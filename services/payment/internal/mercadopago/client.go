// Package mercadopago реализует клиент REST API Mercado Pago:
// создание checkout preference и запрос текущего статуса платежа.
package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"example.com/payment-service/pkg/circuitbreaker"
	"example.com/payment-service/pkg/config"
	"example.com/payment-service/pkg/logger"
	"example.com/payment-service/pkg/metrics"
	"example.com/payment-service/pkg/tracing"
	"example.com/payment-service/services/payment/internal/domain"
)

const (
	opCreatePreference = "create_preference"
	opGetPaymentStatus = "get_payment_status"

	// maxResponseBody — ограничение на размер ответа шлюза.
	maxResponseBody = 1 << 20
)

// =============================================================================
// Формат API
// =============================================================================

type preferenceItem struct {
	Title      string      `json:"title"`
	Quantity   int         `json:"quantity"`
	UnitPrice  json.Number `json:"unit_price"`
	CurrencyID string      `json:"currency_id"`
}

type backURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type preferenceRequest struct {
	Items             []preferenceItem `json:"items"`
	ExternalReference string           `json:"external_reference"`
	NotificationURL   string           `json:"notification_url,omitempty"`
	BackURLs          *backURLs        `json:"back_urls,omitempty"`
	AutoReturn        string           `json:"auto_return,omitempty"`
}

type preferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

type paymentResponse struct {
	Status string `json:"status"`
}

// statusError — ответ шлюза с не-2xx кодом.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("mercadopago: HTTP %d: %s", e.Code, e.Body)
}

// isBreakerFailure — в breaker учитываются сетевые ошибки, 5xx и 429.
// Остальные 4xx говорят о запросе, а не о доступности шлюза.
func isBreakerFailure(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError || se.Code == http.StatusTooManyRequests
	}
	return true
}

// =============================================================================
// Client
// =============================================================================

// Client — HTTP клиент Mercado Pago.
type Client struct {
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	tracer     trace.Tracer
	cfg        config.MercadoPagoConfig
}

// Option — функциональная опция для настройки Client.
type Option func(*Client)

// WithHTTPClient подменяет http.Client (для тестов).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBreaker подменяет Circuit Breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// NewClient создаёт клиент Mercado Pago.
func NewClient(cfg config.MercadoPagoConfig, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.CurrencyID == "" {
		cfg.CurrencyID = "BRL"
	}

	settings := circuitbreaker.DefaultSettings()
	settings.IsFailure = isBreakerFailure

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    circuitbreaker.NewWithSettings("mercadopago", settings),
		tracer:     tracing.Tracer("mercadopago"),
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreatePreference создаёт checkout preference для платежа.
// ID платежа передаётся как external_reference.
func (c *Client) CreatePreference(ctx context.Context, payment *domain.Payment) (*domain.Checkout, error) {
	ctx, span := c.tracer.Start(ctx, "mercadopago.CreatePreference",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("payment.id", payment.ID)),
	)
	defer span.End()

	body := preferenceRequest{
		Items: []preferenceItem{{
			Title:      payment.Description,
			Quantity:   1,
			UnitPrice:  json.Number(payment.Amount.StringFixed(2)),
			CurrencyID: c.cfg.CurrencyID,
		}},
		ExternalReference: payment.ID,
		NotificationURL:   c.cfg.WebhookURL,
	}
	if base := strings.TrimRight(c.cfg.WebhookURL, "/"); base != "" {
		body.BackURLs = &backURLs{
			Success: base + "/success",
			Failure: base + "/failure",
			Pending: base + "/pending",
		}
		body.AutoReturn = "approved"
	}

	var resp preferenceResponse
	if err := c.do(ctx, opCreatePreference, http.MethodPost, "/checkout/preferences", body, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create preference failed")
		return nil, err
	}

	if resp.ID == "" {
		err := fmt.Errorf("%w: в ответе нет id preference", domain.ErrGatewayUnavailable)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("mercadopago.preference_id", resp.ID))

	return &domain.Checkout{
		ExternalID:       resp.ID,
		InitPoint:        resp.InitPoint,
		SandboxInitPoint: resp.SandboxInitPoint,
	}, nil
}

// GetPaymentStatus возвращает текущий статус платежа в шлюзе ("approved", "pending", ...).
func (c *Client) GetPaymentStatus(ctx context.Context, externalID string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "mercadopago.GetPaymentStatus",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("mercadopago.payment_id", externalID)),
	)
	defer span.End()

	var resp paymentResponse
	path := "/v1/payments/" + url.PathEscape(externalID)
	if err := c.do(ctx, opGetPaymentStatus, http.MethodGet, path, nil, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get payment status failed")
		return "", err
	}

	span.SetAttributes(attribute.String("mercadopago.status", resp.Status))
	return resp.Status, nil
}

// do выполняет запрос через Circuit Breaker.
// Любая ошибка возвращается обёрнутой в domain.ErrGatewayUnavailable.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	start := time.Now()

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.roundTrip(ctx, method, path, in, out)
	})

	metrics.RecordGatewayRequest(op, err, time.Since(start))

	if err != nil {
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("operation", op).
			Dur("duration", time.Since(start)).
			Msg("Ошибка вызова Mercado Pago")
		return fmt.Errorf("%w: %s: %w", domain.ErrGatewayUnavailable, op, err)
	}

	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("сериализация запроса: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("чтение ответа: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{Code: resp.StatusCode, Body: truncate(string(data), 256)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("разбор ответа: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
