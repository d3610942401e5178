package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
	defaultProcessingLease  = 5 * time.Minute
)

// Причины удаления записи.
const (
	ReasonExpired = "expired"
	ReasonStale   = "stale"
)

var (
	idempotencyCleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_idempotency_cleanup_runs_total",
		Help: "Idempotency sweeps grouped by result.",
	}, []string{"result"})
	idempotencyCleanupDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_idempotency_cleanup_deleted_total",
		Help: "Deleted idempotency records by API operation and reason.",
	}, []string{"operation", "reason"})
)

// CleanupOptions задает параметры воркера очистки idempotency ключей.
type CleanupOptions struct {
	Logger          *log.Entry
	Interval        time.Duration
	BatchSize       int
	ProcessingLease time.Duration
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Logger = logger
	}
}

// WithInterval задает интервал между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize задает размер batch для одного удаления.
func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.BatchSize = batchSize
	}
}

// WithProcessingLease задает, сколько ключ может висеть в processing
// до принудительного освобождения.
func WithProcessingLease(lease time.Duration) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.ProcessingLease = lease
	}
}

// SweepReport итог одного прохода по операциям API.
type SweepReport struct {
	Expired domain.IdempotencyPurge
	Stale   domain.IdempotencyPurge
}

// CleanupWorker удаляет просроченные ключи checkout и pay-later и освобождает
// ключи, чей запрос так и не сохранил ответ.
type CleanupWorker struct {
	repo      domain.IdempotencyRepository
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	lease     time.Duration
}

// NewCleanupWorker создает воркер очистки idempotency ключей.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{
		Interval:        defaultCleanupInterval,
		BatchSize:       defaultCleanupBatchSize,
		ProcessingLease: defaultProcessingLease,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "idempotency-cleanup-worker")
	}

	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}
	if opts.ProcessingLease <= 0 {
		opts.ProcessingLease = defaultProcessingLease
	}

	return &CleanupWorker{
		repo:      repo,
		logger:    logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		lease:     opts.ProcessingLease,
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	w.run(ctx, time.Now().UTC())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.run(ctx, time.Now().UTC())
		}
	}
}

func (w *CleanupWorker) run(ctx context.Context, now time.Time) {
	report, err := w.Sweep(ctx, now)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		idempotencyCleanupRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("idempotency cleanup run failed")
		return
	}
	idempotencyCleanupRunsTotal.WithLabelValues("ok").Inc()

	w.logPurge(report.Expired, ReasonExpired, "idempotency keys expired")
	w.logPurge(report.Stale, ReasonStale, "stale processing idempotency keys released")
}

func (w *CleanupWorker) logPurge(purged domain.IdempotencyPurge, reason, msg string) {
	if purged.Total() == 0 {
		return
	}
	fields := log.Fields{"reason": reason, "deleted": purged.Total()}
	for _, op := range purged.Operations() {
		fields["op_"+op] = purged[op]
	}
	w.logger.WithFields(fields).Info(msg)
}

// Sweep удаляет ключи с ttl <= now и processing-ключи старше аренды.
func (w *CleanupWorker) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	report := SweepReport{Expired: domain.IdempotencyPurge{}, Stale: domain.IdempotencyPurge{}}

	err := w.drain(ctx, ReasonExpired, report.Expired, func(ctx context.Context) (domain.IdempotencyPurge, error) {
		return w.repo.DeleteExpired(ctx, now, w.batchSize)
	})
	if err != nil {
		return report, err
	}

	err = w.drain(ctx, ReasonStale, report.Stale, func(ctx context.Context) (domain.IdempotencyPurge, error) {
		return w.repo.ReleaseStale(ctx, now.Add(-w.lease), w.batchSize)
	})
	return report, err
}

// drain повторяет batch, пока он заполняется целиком.
func (w *CleanupWorker) drain(ctx context.Context, reason string, into domain.IdempotencyPurge, batch func(context.Context) (domain.IdempotencyPurge, error)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		purged, err := batch(ctx)
		if err != nil {
			return err
		}

		for _, op := range purged.Operations() {
			idempotencyCleanupDeletedTotal.WithLabelValues(op, reason).Add(float64(purged[op]))
		}
		into.Merge(purged)

		if purged.Total() < w.batchSize {
			return nil
		}
	}
}
