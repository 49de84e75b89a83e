package mercadopago

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/payment-service/pkg/circuitbreaker"
	"example.com/payment-service/pkg/config"
	"example.com/payment-service/services/payment/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.MercadoPagoConfig{
		AccessToken: "TEST-token",
		BaseURL:     srv.URL + "/",
		WebhookURL:  "https://api.example.com/api/payment/webhook/mercadopago",
		CurrencyID:  "BRL",
		Timeout:     2 * time.Second,
	}
	return NewClient(cfg, opts...)
}

func testPayment() *domain.Payment {
	return &domain.Payment{
		ID:          "pay-1",
		CPF:         "12345678901",
		Description: "Assinatura mensal",
		Amount:      decimal.RequireFromString("100.5"),
		Method:      domain.PaymentMethodCreditCard,
		Status:      domain.PaymentStatusPending,
	}
}

// =============================================================================
// CreatePreference
// =============================================================================

func TestClient_CreatePreference(t *testing.T) {
	var got map[string]any

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/checkout/preferences", r.URL.Path)
		assert.Equal(t, "Bearer TEST-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pref_1","init_point":"https://mp/init","sandbox_init_point":"https://sandbox.mp/init"}`))
	})

	checkout, err := client.CreatePreference(context.Background(), testPayment())

	require.NoError(t, err)
	assert.Equal(t, "pref_1", checkout.ExternalID)
	assert.Equal(t, "https://mp/init", checkout.InitPoint)
	assert.Equal(t, "https://sandbox.mp/init", checkout.SandboxInitPoint)

	assert.Equal(t, "pay-1", got["external_reference"])
	assert.Equal(t, "https://api.example.com/api/payment/webhook/mercadopago", got["notification_url"])
	assert.Equal(t, "approved", got["auto_return"])

	items := got["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "Assinatura mensal", item["title"])
	assert.Equal(t, float64(1), item["quantity"])
	assert.Equal(t, 100.5, item["unit_price"], "unit_price — число, не строка")
	assert.Equal(t, "BRL", item["currency_id"])

	back := got["back_urls"].(map[string]any)
	assert.Equal(t, "https://api.example.com/api/payment/webhook/mercadopago/success", back["success"])
	assert.Equal(t, "https://api.example.com/api/payment/webhook/mercadopago/failure", back["failure"])
	assert.Equal(t, "https://api.example.com/api/payment/webhook/mercadopago/pending", back["pending"])
}

func TestClient_CreatePreference_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "5xx",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "401",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"message":"invalid access token"}`))
			},
		},
		{
			name: "битый JSON",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"id":`))
			},
		},
		{
			name: "нет id",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"init_point":"https://mp/init"}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.handler)

			checkout, err := client.CreatePreference(context.Background(), testPayment())

			assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
			assert.Nil(t, checkout)
		})
	}
}

func TestClient_CreatePreference_Timeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.CreatePreference(ctx, testPayment())

	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
}

// =============================================================================
// GetPaymentStatus
// =============================================================================

func TestClient_GetPaymentStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/payments/123456789", r.URL.Path)
		assert.Equal(t, "Bearer TEST-token", r.Header.Get("Authorization"))

		_, _ = w.Write([]byte(`{"id":123456789,"status":"approved","status_detail":"accredited"}`))
	})

	status, err := client.GetPaymentStatus(context.Background(), "123456789")

	require.NoError(t, err)
	assert.Equal(t, "approved", status)
}

func TestClient_GetPaymentStatus_NotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetPaymentStatus(context.Background(), "missing")

	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
}

// =============================================================================
// Circuit Breaker
// =============================================================================

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	calls := 0
	settings := circuitbreaker.DefaultSettings()
	settings.MinRequests = 2
	settings.Timeout = time.Hour
	settings.IsFailure = isBreakerFailure

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}, WithBreaker(circuitbreaker.NewWithSettings("test-mp", settings)))

	for i := 0; i < 2; i++ {
		_, err := client.GetPaymentStatus(context.Background(), "1")
		assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	}

	_, err := client.GetPaymentStatus(context.Background(), "1")

	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, calls, "при открытом breaker запрос не уходит")
}

func TestIsBreakerFailure(t *testing.T) {
	assert.True(t, isBreakerFailure(&statusError{Code: http.StatusBadGateway}))
	assert.True(t, isBreakerFailure(&statusError{Code: http.StatusTooManyRequests}))
	assert.False(t, isBreakerFailure(&statusError{Code: http.StatusNotFound}))
	assert.True(t, isBreakerFailure(context.DeadlineExceeded))
}
