package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"example.com/payment-service/pkg/metrics"
	"example.com/payment-service/services/payment/internal/middleware"
	"example.com/payment-service/services/payment/internal/service"
)

// ReadinessChecker — функция проверки готовности сервиса.
type ReadinessChecker func(ctx context.Context) error

// RouterConfig — параметры для создания роутера.
type RouterConfig struct {
	Service        service.PaymentService
	ServiceName    string                  // Имя для otelgin и метрик
	AdminAuth      *middleware.AdminAuth   // nil — PUT без авторизации (только для development)
	RateLimiter    *middleware.RateLimiter // nil — без ограничения
	CORS           *middleware.CORSConfig  // nil — DefaultCORSConfig
	WebhookSecret  string
	ReadinessCheck ReadinessChecker
	Debug          bool
}

// Router — HTTP роутер Payment Service.
type Router struct {
	engine         *gin.Engine
	readinessCheck ReadinessChecker
}

// NewRouter создаёт и настраивает HTTP роутер.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "payment-service"
	}
	corsCfg := middleware.DefaultCORSConfig()
	if cfg.CORS != nil {
		corsCfg = *cfg.CORS
	}

	webhooks, err := NewWebhookHandler(cfg.Service, cfg.WebhookSecret)
	if err != nil {
		return nil, err
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(corsCfg))
	engine.Use(middleware.SecurityHeaders())
	engine.Use(otelgin.Middleware(cfg.ServiceName))
	engine.Use(metrics.GinMetricsMiddleware(cfg.ServiceName))
	engine.Use(middleware.RequestIDs())

	r := &Router{engine: engine, readinessCheck: cfg.ReadinessCheck}

	engine.GET("/healthz", r.livenessCheck)
	engine.GET("/readyz", r.readinessCheckHandler)

	payments := NewPaymentHandler(cfg.Service)
	api := engine.Group("/api/payment")

	// Уведомления шлюза не ограничиваются по IP
	api.POST("/webhook/mercadopago", webhooks.MercadoPago)

	limited := api.Group("")
	if cfg.RateLimiter != nil {
		limited.Use(cfg.RateLimiter.Handle())
	}
	{
		limited.POST("", payments.CreatePayment)
		limited.GET("", payments.ListPayments)
		limited.GET("/:id", payments.GetPayment)

		admin := []gin.HandlerFunc{}
		if cfg.AdminAuth != nil {
			admin = append(admin, cfg.AdminAuth.Handle())
		}
		limited.PUT("/:id", append(admin, payments.UpdatePayment)...)
	}

	return r, nil
}

// Engine возвращает gin engine для запуска сервера.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (r *Router) readinessCheckHandler(c *gin.Context) {
	if r.readinessCheck == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := r.readinessCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
