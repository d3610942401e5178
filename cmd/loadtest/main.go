// Command loadtest нагружает HTTP API магазина сценариями корзина → checkout → webhook.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
)

const (
	stepScenario = "scenario"
	stepAddLine  = "AddLine"
	stepCheckout = "Checkout"
	stepWebhook  = "PaymentWebhook"
	stepRefund   = "RefundWebhook"
)

type loadMode string

const (
	modeCheckout          loadMode = "checkout"
	modeCheckoutPay       loadMode = "checkout-pay"
	modeCheckoutPayRefund loadMode = "checkout-pay-refund"
)

type config struct {
	addr          string
	total         int
	totalSet      bool
	duration      time.Duration
	concurrency   int
	connections   int
	timeout       time.Duration
	mode          loadMode
	productID     string
	quantity      int
	customerTag   string
	webhookSecret string
	outputPath    string
}

func parseConfig(args []string) (config, error) {
	var cfg config
	var modeValue string

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.addr, "addr", "http://localhost:8080", "shop-service HTTP base URL")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m, 15m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.IntVar(&cfg.connections, "connections", 20, "max HTTP connections to the service")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCheckout), "load mode: checkout | checkout-pay | checkout-pay-refund")
	fs.StringVar(&cfg.productID, "product", "tee-classic", "catalog product id to buy")
	fs.IntVar(&cfg.quantity, "quantity", 1, "quantity per cart line")
	fs.StringVar(&cfg.customerTag, "customer-tag", "load", "user id prefix")
	fs.StringVar(&cfg.webhookSecret, "webhook-secret", "whsec_local", "mock processor webhook secret (checkout-pay modes)")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.addr = strings.TrimRight(strings.TrimSpace(cfg.addr), "/")

	if cfg.addr == "" {
		return cfg, errors.New("addr is required")
	}
	if cfg.duration < 0 {
		return cfg, errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when duration is not set")
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.connections <= 0 {
		return cfg, errors.New("connections must be > 0")
	}
	if cfg.timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	if cfg.quantity <= 0 {
		return cfg, errors.New("quantity must be > 0")
	}
	if strings.TrimSpace(cfg.productID) == "" {
		return cfg, errors.New("product is required")
	}
	if strings.TrimSpace(cfg.customerTag) == "" {
		return cfg, errors.New("customer-tag is required")
	}
	if cfg.mode != modeCheckout && cfg.webhookSecret == "" {
		return cfg, errors.New("webhook-secret is required for checkout-pay modes")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeCheckout:
		return modeCheckout, nil
	case modeCheckoutPay:
		return modeCheckoutPay, nil
	case modeCheckoutPayRefund:
		return modeCheckoutPayRefund, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	result := run(cfg, newShopClient(cfg))

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// run выполняет сценарии пулом воркеров и собирает отчёт.
func run(cfg config, client *shopClient) report {
	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var failures int64
	var wg sync.WaitGroup

	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if runErr := runScenario(client, cfg, id, runID, col); runErr != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = ratio(result.FailedScenarios, result.TotalScenarios)
	}
	return result
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func runScenario(client *shopClient, cfg config, index int, runID string, col *collector) error {
	scenarioStart := time.Now()
	scenarioStatus := http.StatusOK
	defer func() {
		col.record(stepScenario, time.Since(scenarioStart), scenarioStatus)
	}()

	user := fmt.Sprintf("%s-%s-%d", cfg.customerTag, runID, index)

	status, _, err := client.call(stepAddLine, col, http.MethodPost, "/api/v1/cart/lines", user, nil, map[string]any{
		"productId": cfg.productID,
		"quantity":  cfg.quantity,
	})
	if err != nil {
		scenarioStatus = status
		return err
	}

	headers := map[string]string{httpapi.HeaderIdempotencyKey: fmt.Sprintf("lt-checkout-%s-%d", runID, index)}
	status, body, err := client.call(stepCheckout, col, http.MethodPost, "/api/v1/checkout", user, headers, nil)
	if err != nil {
		scenarioStatus = status
		return err
	}
	var res checkout.Result
	if err := json.Unmarshal(body, &res); err != nil || res.OrderID == "" {
		scenarioStatus = http.StatusInternalServerError
		return errors.New("checkout response returned empty order id")
	}

	if cfg.mode == modeCheckout {
		return nil
	}

	eventID := fmt.Sprintf("evt_lt_%s_%d", runID, index)
	paymentIntent := "pi_" + eventID
	status, err = client.webhook(stepWebhook, col, payment.MockEvent{
		ID:              eventID,
		Type:            payment.MockEventSessionCompleted,
		SessionID:       res.SessionID,
		PaymentIntentID: paymentIntent,
		Metadata:        map[string]string{domain.MetadataOrderID: res.OrderID, domain.MetadataUserID: user},
	})
	if err != nil {
		scenarioStatus = status
		return err
	}

	if cfg.mode == modeCheckoutPayRefund {
		status, err = client.webhook(stepRefund, col, payment.MockEvent{
			ID:              eventID + "_refund",
			Type:            payment.MockEventChargeRefunded,
			PaymentIntentID: paymentIntent,
		})
		if err != nil {
			scenarioStatus = status
			return err
		}
	}

	return nil
}

// shopClient HTTP-клиент API магазина с подписью mock-webhook.
type shopClient struct {
	http    *http.Client
	baseURL string
	timeout time.Duration
	signer  *payment.MockProcessor
}

func newShopClient(cfg config) *shopClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = cfg.connections
	transport.MaxIdleConnsPerHost = cfg.connections
	return &shopClient{
		http:    &http.Client{Transport: transport},
		baseURL: cfg.addr,
		timeout: cfg.timeout,
		signer:  payment.NewMockProcessor(cfg.webhookSecret, ""),
	}
}

// call выполняет запрос и записывает шаг; не-2xx ответ считается ошибкой.
func (c *shopClient) call(
	step string,
	col *collector,
	method, path, user string,
	headers map[string]string,
	body any,
) (int, []byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, nil, err
		}
	}
	if user != "" {
		merged := map[string]string{httpapi.HeaderUserID: user}
		for k, v := range headers {
			merged[k] = v
		}
		headers = merged
	}
	return c.send(step, col, method, path, headers, payload)
}

func (c *shopClient) webhook(step string, col *collector, event payment.MockEvent) (int, error) {
	payload, sig, err := c.signer.SignedEvent(event)
	if err != nil {
		return 0, err
	}
	status, _, err := c.send(step, col, http.MethodPost, "/webhooks/payment",
		map[string]string{payment.MockSignatureHeader: sig}, payload)
	return status, err
}

func (c *shopClient) send(step string, col *collector, method, path string, headers map[string]string, payload []byte) (int, []byte, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		col.record(step, time.Since(start), 0)
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		col.record(step, time.Since(start), 0)
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	col.record(step, time.Since(start), resp.StatusCode)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if !isSuccess(resp.StatusCode) {
		return resp.StatusCode, body, fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp.StatusCode, body, nil
}
