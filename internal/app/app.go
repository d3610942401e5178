package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconciler"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const readHeaderTimeout = 10 * time.Second

// Service собранное приложение: HTTP API, health-проверки и фоновые воркеры.
type Service struct {
	cfg      Config
	logger   *log.Entry
	deps     *runtimeDependencies
	producer *kafka.Producer

	api           http.Handler
	health        *healthcheck.Handler
	outboxWorker  *outbox.Worker
	cleanupWorker *idempotency.CleanupWorker
}

// New собирает зависимости и сервисы, ничего не запуская.
func New(ctx context.Context, cfg Config, logger *log.Entry) (*Service, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	processor, signatureHeader, err := newPaymentProcessor(cfg, logger)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}

	shopMetrics := metrics.NewShopMetrics()

	cartSvc := cart.NewService(deps.carts, deps.catalog,
		cart.WithCache(deps.cartCache),
		cart.WithMetrics(shopMetrics),
		cart.WithLogger(logger.WithField("layer", "cart")),
	)
	checkoutSvc := checkout.NewService(deps.orders, deps.carts, processor, checkout.Config{
		Currency:         cfg.Currency,
		SuccessURL:       cfg.SuccessURL,
		CancelURL:        cfg.CancelURL,
		ProcessorTimeout: cfg.ProcessorTimeout,
	},
		checkout.WithMetrics(shopMetrics),
		checkout.WithLogger(logger.WithField("layer", "checkout")),
	)
	orderSvc := orders.NewService(deps.orders, deps.timelineRepo,
		orders.WithMetrics(shopMetrics),
		orders.WithLogger(logger.WithField("layer", "orders")),
	)
	rec := reconciler.New(deps.orders, processor,
		reconciler.WithCartInvalidator(cartSvc),
		reconciler.WithMetrics(shopMetrics),
		reconciler.WithLogger(logger.WithField("layer", "reconciler")),
	)

	handler := httpapi.NewHandler(cartSvc, checkoutSvc, orderSvc, rec, httpapi.Config{
		Currency:        cfg.Currency,
		SignatureHeader: signatureHeader,
		IdempotencyTTL:  cfg.IdempotencyTTL,
		RequestTimeout:  cfg.RequestTimeout,
	},
		httpapi.WithIdempotency(deps.idempotencyRepo),
		httpapi.WithMetrics(shopMetrics),
		httpapi.WithLogger(logger.WithField("layer", "http")),
	)

	// Kafka необязательна: без неё события outbox пишутся в лог.
	producer, _ := initKafkaProducer(cfg.KafkaBrokers, cfg.KafkaClientID, logger)
	publisher, dlqPublisher := outboxPublishers(producer, logger)

	outboxWorker := outbox.NewWorker(deps.outboxRepo, publisher,
		outbox.WithDLQPublisher(dlqPublisher),
		outbox.WithLogger(logger.WithField("worker", "outbox")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)
	cleanupWorker := idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("worker", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		idempotency.WithProcessingLease(cfg.IdempotencyProcessingLease),
	)

	healthHandler := healthcheck.NewHandler(version.Version())
	for name, checker := range deps.checkers {
		healthHandler.RegisterChecker(name, checker)
	}

	return &Service{
		cfg:           cfg,
		logger:        logger,
		deps:          deps,
		producer:      producer,
		api:           handler.Routes(),
		health:        healthHandler,
		outboxWorker:  outboxWorker,
		cleanupWorker: cleanupWorker,
	}, nil
}

// APIHandler возвращает HTTP-обработчик API магазина.
func (s *Service) APIHandler() http.Handler { return s.api }

// HealthHandler возвращает агрегатор health-проверок.
func (s *Service) HealthHandler() *healthcheck.Handler { return s.health }

// StartWorkers запускает outbox и очистку idempotency-ключей; возвращённая
// функция ждёт их завершения после отмены ctx.
func (s *Service) StartWorkers(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.outboxWorker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.cleanupWorker.Run(ctx)
	}()
	return wg.Wait
}

// Close освобождает внешние подключения.
func (s *Service) Close() {
	closeKafka(s.producer, s.logger)
	if err := s.deps.Close(); err != nil {
		s.logger.WithError(err).Warn("failed to close dependencies")
	}
}

// Run собирает приложение и обслуживает HTTP API, gRPC health и метрики до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	svc, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	workerCtx, stopWorkers := context.WithCancel(ctx)
	waitWorkers := svc.StartWorkers(workerCtx)
	defer func() {
		stopWorkers()
		waitWorkers()
	}()

	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, svc.health)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger, cfg.ShutdownTimeout)
		return err
	}

	apiSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           svc.api,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Infof("gRPC health сервер слушает %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
	case runErr = <-errCh:
		logger.WithError(runErr).Error("сервер завершился с ошибкой")
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownHTTP(apiSrv, logger, cfg.ShutdownTimeout)
	stopGRPC(grpcServer, logger, cfg.ShutdownTimeout)
	shutdownHTTP(metricsSrv, logger, cfg.ShutdownTimeout)

	if runErr != nil {
		return runErr
	}
	return ctx.Err()
}

// startMetricsServer запускает HTTP-сервер с /metrics и health-эндпоинтами.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMetricsMux(healthHandler),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger, 0)
	}()

	return srv
}

func newMetricsMux(healthHandler *healthcheck.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	return mux
}

// stopGRPC останавливает gRPC-сервер, принудительно по истечении таймаута.
func stopGRPC(srv *grpc.Server, logger *log.Entry, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	stoppedCh := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(timeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		srv.Stop()
	}
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry, timeout time.Duration) {
	if srv == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
