// Package metrics предоставляет Prometheus метрики Payment Service
// и HTTP сервер для /metrics, /healthz и /readyz.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/payment-service/pkg/logger"
)

// =============================================================================
// Метрики
// =============================================================================

var (
	// RequestsTotal — счётчик HTTP запросов.
	// PromQL: rate(requests_total{service="payment-service"}[5m])
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Общее количество запросов по сервису, методу и статусу",
		},
		[]string{"service", "method", "status"},
	)

	// RequestDuration — гистограмма latency запросов (от 5ms до 10s).
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Время выполнения запроса в секундах",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method"},
	)

	// PaymentsCreatedTotal — созданные платежи по методу оплаты.
	PaymentsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_created_total",
			Help: "Количество созданных платежей по методу оплаты",
		},
		[]string{"method"},
	)

	// ReconciliationsTotal — результаты обработки уведомлений шлюза.
	// outcome: applied, unchanged, ignored_type, unresolved, already_terminal, duplicate, error
	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_reconciliations_total",
			Help: "Количество обработанных уведомлений шлюза по результату",
		},
		[]string{"outcome"},
	)

	// GatewayRequestsTotal — вызовы внешнего платёжного шлюза.
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_gateway_requests_total",
			Help: "Количество вызовов платёжного шлюза по операции и статусу",
		},
		[]string{"operation", "status"},
	)

	// GatewayRequestDuration — latency вызовов платёжного шлюза.
	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_gateway_request_duration_seconds",
			Help:    "Время вызова платёжного шлюза в секундах",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	// OutboxEventsTotal — результаты доставки событий outbox в Kafka.
	// result: sent, failed, dead_letter
	OutboxEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_outbox_events_total",
			Help: "Количество событий outbox по результату доставки",
		},
		[]string{"result"},
	)
)

// =============================================================================
// HTTP Server для /metrics endpoint
// =============================================================================

// ReadinessChecker — проверка готовности сервиса.
// Возвращает nil, если сервис готов принимать трафик.
type ReadinessChecker func(ctx context.Context) error

// Server — HTTP сервер для экспорта метрик Prometheus.
type Server struct {
	httpServer     *http.Server
	service        string
	readinessCheck ReadinessChecker
}

// Option — функциональная опция для настройки Server.
type Option func(*Server)

// WithReadinessCheck добавляет проверку готовности для /readyz.
// Ошибка проверки — 503 Service Unavailable.
func WithReadinessCheck(checker func(ctx context.Context) error) Option {
	return func(s *Server) {
		s.readinessCheck = checker
	}
}

// NewServer создаёт новый metrics server.
func NewServer(addr, service string, opts ...Option) *Server {
	s := &Server{service: service}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	})
	mux.HandleFunc("/readyz", s.readyz)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler возвращает http.Handler сервера (для тестов).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.readinessCheck == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.readinessCheck(ctx); err != nil {
		// Детали ошибки наружу не отдаём
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not_ready"}`))
		logger.Warn().Err(err).Str("service", s.service).Msg("Readiness check не пройден")
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// Start запускает HTTP сервер для метрик.
// Блокирующий вызов — запускать в горутине.
func (s *Server) Start() error {
	logger.Info().Str("service", s.service).Str("addr", s.httpServer.Addr).Msg("Запуск Metrics Server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// Запись метрик
// =============================================================================

// RecordRequest записывает метрики запроса.
// status — "success" или "error".
func RecordRequest(service, method, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(service, method, status).Inc()
	RequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// RecordPaymentCreated увеличивает счётчик созданных платежей.
func RecordPaymentCreated(method string) {
	PaymentsCreatedTotal.WithLabelValues(method).Inc()
}

// RecordReconciliation записывает результат обработки уведомления.
func RecordReconciliation(outcome string) {
	ReconciliationsTotal.WithLabelValues(outcome).Inc()
}

// RecordGatewayRequest записывает метрики вызова платёжного шлюза.
func RecordGatewayRequest(operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	GatewayRequestsTotal.WithLabelValues(operation, status).Inc()
	GatewayRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordOutboxEvent записывает результат доставки события outbox.
func RecordOutboxEvent(result string) {
	OutboxEventsTotal.WithLabelValues(result).Inc()
}

// GinMetricsMiddleware возвращает Gin middleware для сбора HTTP метрик.
func GinMetricsMiddleware(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := "success"
		if c.Writer.Status() >= 400 {
			status = "error"
		}

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		RecordRequest(service, c.Request.Method+" "+path, status, time.Since(start))
	}
}
