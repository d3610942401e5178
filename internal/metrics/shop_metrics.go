package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты оформления заказа для метки result.
const (
	CheckoutOK             = "ok"
	CheckoutEmptyCart      = "empty_cart"
	CheckoutProcessorError = "processor_error"
	CheckoutError          = "error"
)

// ShopMetrics содержит метрики оформления заказов и обработки платёжных событий.
// Методы допускают nil-получатель, поэтому сервисы работают и без метрик.
type ShopMetrics struct {
	checkoutResults   *prometheus.CounterVec
	checkoutDuration  prometheus.Histogram
	processorDuration prometheus.Histogram

	paymentEvents   *prometheus.CounterVec
	webhookDuration prometheus.Histogram
	webhookRejected prometheus.Counter

	cartCache          *prometheus.CounterVec
	fulfillmentChanges *prometheus.CounterVec
	ordersDeleted      prometheus.Counter

	lastWebhookAt prometheus.Gauge
}

// NewShopMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewShopMetrics() *ShopMetrics {
	return NewShopMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewShopMetricsWithRegisterer регистрирует метрики в переданном registerer.
func NewShopMetricsWithRegisterer(registerer prometheus.Registerer) *ShopMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ShopMetrics{
		checkoutResults: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_checkout_total",
			Help: "Total number of checkout attempts grouped by result.",
		}, []string{"operation", "result"}),
		checkoutDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "shop_checkout_duration_seconds",
			Help:    "Duration of checkout requests including the processor call.",
			Buckets: prometheus.DefBuckets,
		}),
		processorDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "shop_payment_session_duration_seconds",
			Help:    "Duration of payment session creation at the processor.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		paymentEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_payment_events_total",
			Help: "Total number of processor events grouped by type and outcome.",
		}, []string{"type", "outcome"}),
		webhookDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "shop_webhook_duration_seconds",
			Help:    "Duration of webhook handling.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		webhookRejected: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_webhook_rejected_total",
			Help: "Total number of webhooks rejected because of an invalid signature or body.",
		}),
		cartCache: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_cart_cache_lookups_total",
			Help: "Cart view cache lookups grouped by result.",
		}, []string{"result"}),
		fulfillmentChanges: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_fulfillment_changes_total",
			Help: "Admin fulfillment status changes grouped by target status.",
		}, []string{"status"}),
		ordersDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_unpaid_orders_deleted_total",
			Help: "Total number of unpaid orders deleted by buyers.",
		}),
		lastWebhookAt: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "shop_webhook_last_received_timestamp_seconds",
			Help: "Unix time of the last verified webhook.",
		}),
	}
}

// RecordCheckout учитывает попытку оформления (operation: checkout или pay_later).
func (m *ShopMetrics) RecordCheckout(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.checkoutResults.WithLabelValues(operation, result).Inc()
	m.checkoutDuration.Observe(duration.Seconds())
}

// RecordProcessorCall записывает время создания платёжной сессии.
func (m *ShopMetrics) RecordProcessorCall(duration time.Duration) {
	if m == nil {
		return
	}
	m.processorDuration.Observe(duration.Seconds())
}

// RecordPaymentEvent учитывает событие провайдера и результат его обработки.
func (m *ShopMetrics) RecordPaymentEvent(eventType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.paymentEvents.WithLabelValues(eventType, outcome).Inc()
	m.webhookDuration.Observe(duration.Seconds())
	m.lastWebhookAt.SetToCurrentTime()
}

// RecordWebhookRejected учитывает отклонённый webhook.
func (m *ShopMetrics) RecordWebhookRejected() {
	if m == nil {
		return
	}
	m.webhookRejected.Inc()
}

// RecordCartCache учитывает обращение к кэшу корзины: hit, miss или error.
func (m *ShopMetrics) RecordCartCache(result string) {
	if m == nil {
		return
	}
	m.cartCache.WithLabelValues(result).Inc()
}

// RecordFulfillmentChange учитывает ручную смену статуса выполнения.
func (m *ShopMetrics) RecordFulfillmentChange(status string) {
	if m == nil {
		return
	}
	m.fulfillmentChanges.WithLabelValues(status).Inc()
}

// RecordOrderDeleted учитывает удаление неоплаченного заказа.
func (m *ShopMetrics) RecordOrderDeleted() {
	if m == nil {
		return
	}
	m.ordersDeleted.Inc()
}
