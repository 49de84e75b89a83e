// Payment Service — HTTP API платежей PIX / CREDIT_CARD.
// Создаёт платежи, передаёт CREDIT_CARD в Mercado Pago и сверяет статусы
// по уведомлениям шлюза. Доменные события пишутся в outbox и
// переносятся outbox relay в Kafka (payments.events).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"example.com/payment-service/pkg/config"
	dbpkg "example.com/payment-service/pkg/db"
	"example.com/payment-service/pkg/healthcheck"
	"example.com/payment-service/pkg/jwt"
	"example.com/payment-service/pkg/kafka"
	"example.com/payment-service/pkg/logger"
	"example.com/payment-service/pkg/metrics"
	"example.com/payment-service/pkg/outbox"
	"example.com/payment-service/pkg/tracing"
	"example.com/payment-service/services/payment/internal/handler"
	"example.com/payment-service/services/payment/internal/mercadopago"
	"example.com/payment-service/services/payment/internal/middleware"
	"example.com/payment-service/services/payment/internal/repository"
	"example.com/payment-service/services/payment/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Pretty: cfg.App.LogPretty,
	})

	log := logger.With().Str("service", cfg.App.Name).Logger()

	log.Info().
		Str("env", cfg.App.Env).
		Str("addr", cfg.HTTP.Addr()).
		Msg("Запуск Payment Service")

	// === Observability: Tracing ===

	shutdownTracing, err := tracing.InitTracer(tracing.Config{
		ServiceName:    cfg.App.Name,
		Environment:    cfg.App.Env,
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось инициализировать tracing")
	}

	// === Подключение к зависимостям ===

	db, err := dbpkg.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}
	log.Info().Msg("Подключение к MySQL установлено")

	if cfg.MySQL.AutoMigrate {
		if err := repository.AutoMigrate(db); err != nil {
			log.Fatal().Err(err).Msg("Ошибка миграции таблицы payments")
		}
		if err := outbox.AutoMigrate(db); err != nil {
			log.Fatal().Err(err).Msg("Ошибка миграции таблицы outbox")
		}
	}

	checks := []healthcheck.Check{healthcheck.MySQL(db)}

	// Redis нужен только для дедупликации уведомлений и rate limit.
	// Без него сервис работает, повторная сверка безопасна.
	rdb, err := dbpkg.ConnectRedis(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Redis недоступен, дедупликация уведомлений и rate limit отключены")
	} else {
		log.Info().Msg("Подключение к Redis установлено")
		checks = append(checks, healthcheck.Redis(rdb))
	}

	readinessCheck := healthcheck.Composite(checks...)

	// === Observability: Metrics ===

	var metricsServer *metrics.Server
	var metricsWg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(
			cfg.Metrics.Addr(),
			cfg.App.Name,
			metrics.WithReadinessCheck(readinessCheck),
		)
		metricsWg.Add(1)
		go func() {
			defer metricsWg.Done()
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// === Kafka + Outbox ===

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		kafkaProducer *kafka.Producer
		events        service.EventFactory
		workersWg     sync.WaitGroup
	)

	if len(cfg.Kafka.Brokers) > 0 {
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Инициализация Kafka")

		if err := kafka.EnsureTopics(cfg.Kafka.Brokers, kafka.DefaultPaymentTopics(cfg.Kafka.EventsTopic)); err != nil {
			log.Warn().Err(err).Msg("Не удалось создать топики (возможно Kafka недоступна)")
		}

		kafkaProducer, err = kafka.NewProducer(kafka.Config{Brokers: cfg.Kafka.Brokers})
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка создания Kafka Producer")
		}

		outboxStore := outbox.NewStore(db, "payment")
		events = outbox.NewFactory("payment", cfg.Kafka.EventsTopic)

		relay := outbox.NewRelay(outboxStore, kafkaProducer, outbox.DefaultRelayConfig())
		workersWg.Add(1)
		go func() {
			defer workersWg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Паника в outbox relay")
				}
			}()
			relay.Run(ctx)
		}()

		log.Info().Str("topic", cfg.Kafka.EventsTopic).Msg("Outbox relay запущен")
	} else {
		log.Warn().Msg("Kafka не настроена — публикация событий платежей отключена")
	}

	// === Бизнес-логика ===

	gateway := mercadopago.NewClient(cfg.MercadoPago)

	opts := []service.Option{}
	if rdb != nil {
		opts = append(opts, service.WithRedis(rdb))
	}
	if events != nil {
		opts = append(opts, service.WithEvents(events))
	}
	paymentService := service.NewPaymentService(repository.NewPaymentRepository(db), gateway, opts...)

	// === HTTP ===

	routerCfg := handler.RouterConfig{
		Service:        paymentService,
		ServiceName:    cfg.App.Name,
		WebhookSecret:  cfg.MercadoPago.WebhookSecret,
		ReadinessCheck: handler.ReadinessChecker(readinessCheck),
		Debug:          cfg.IsDevelopment(),
	}

	if cfg.JWT.Enabled() {
		verifier, err := jwt.NewVerifier(jwt.Config{PublicKeyPath: cfg.JWT.PublicKeyPath, Issuer: cfg.JWT.Issuer})
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка инициализации JWT")
		}
		routerCfg.AdminAuth = middleware.NewAdminAuth(verifier, cfg.JWT.AdminRole)
	} else if cfg.IsProduction() {
		log.Fatal().Msg("JWT_PUBLIC_KEY_PATH обязателен в production")
	} else {
		log.Warn().Msg("JWT не настроен — PUT /api/payment/:id без авторизации")
	}

	if cfg.RateLimit.Enabled && rdb != nil {
		routerCfg.RateLimiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			Redis:  rdb,
			Limit:  cfg.RateLimit.RequestsLimit,
			Window: cfg.RateLimit.Window,
		})
	}

	router, err := handler.NewRouter(routerCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания роутера")
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router.Engine(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP сервер запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Ошибка HTTP сервера")
		}
	}()

	// Ожидаем сигнал завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем сервер...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Сначала перестаём принимать запросы, затем останавливаем воркеры
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки HTTP сервера")
	}

	cancel()
	workersWg.Wait()

	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Kafka Producer")
		}
	}

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Redis")
		}
	}

	if err := dbpkg.Close(db); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия MySQL")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
		metricsWg.Wait()
	}

	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Tracing")
		}
	}

	log.Info().Msg("Payment Service остановлен")
}
