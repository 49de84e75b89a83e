package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestServer_Readyz(t *testing.T) {
	tests := []struct {
		name       string
		check      func(ctx context.Context) error
		wantStatus int
		wantBody   string
	}{
		{"без проверки", nil, http.StatusOK, `{"status":"ready"}`},
		{"зависимости доступны", func(context.Context) error { return nil }, http.StatusOK, `{"status":"ready"}`},
		{"зависимость недоступна", func(context.Context) error { return errors.New("mysql down") }, http.StatusServiceUnavailable, `{"status":"not_ready"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.check != nil {
				opts = append(opts, WithReadinessCheck(tt.check))
			}
			srv := NewServer(":0", "test", opts...)

			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestServer_Healthz(t *testing.T) {
	srv := NewServer(":0", "test")

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"alive"}`, w.Body.String())
}

func TestRecordReconciliation(t *testing.T) {
	before := testutil.ToFloat64(ReconciliationsTotal.WithLabelValues("applied"))

	RecordReconciliation("applied")

	assert.Equal(t, before+1, testutil.ToFloat64(ReconciliationsTotal.WithLabelValues("applied")))
}

func TestRecordGatewayRequest(t *testing.T) {
	okBefore := testutil.ToFloat64(GatewayRequestsTotal.WithLabelValues("get_status", "success"))
	errBefore := testutil.ToFloat64(GatewayRequestsTotal.WithLabelValues("get_status", "error"))

	RecordGatewayRequest("get_status", nil, 10*time.Millisecond)
	RecordGatewayRequest("get_status", errors.New("timeout"), time.Second)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(GatewayRequestsTotal.WithLabelValues("get_status", "success")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(GatewayRequestsTotal.WithLabelValues("get_status", "error")))
}

func TestRecordOutboxEvent(t *testing.T) {
	before := testutil.ToFloat64(OutboxEventsTotal.WithLabelValues("dead_letter"))

	RecordOutboxEvent("dead_letter")

	assert.Equal(t, before+1, testutil.ToFloat64(OutboxEventsTotal.WithLabelValues("dead_letter")))
}
