package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/app"
)

func TestParseMode(t *testing.T) {
	for _, mode := range []loadMode{modeCheckout, modeCheckoutPay, modeCheckoutPayRefund} {
		got, err := parseMode(" " + string(mode) + " ")
		require.NoError(t, err)
		assert.Equal(t, mode, got)
	}
	_, err := parseMode("create-pay-cancel")
	assert.Error(t, err)
}

func TestParseConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := parseConfig(nil)
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8080", cfg.addr)
		assert.Equal(t, 400, cfg.total)
		assert.False(t, cfg.totalSet)
		assert.Equal(t, modeCheckout, cfg.mode)
		assert.Equal(t, 5*time.Second, cfg.timeout)
	})

	t.Run("overrides", func(t *testing.T) {
		cfg, err := parseConfig([]string{
			"-addr", "http://shop:8080/",
			"-total", "10",
			"-duration", "1m",
			"-mode", "checkout-pay-refund",
			"-quantity", "2",
		})
		require.NoError(t, err)
		assert.Equal(t, "http://shop:8080", cfg.addr)
		assert.True(t, cfg.totalSet)
		assert.Equal(t, time.Minute, cfg.duration)
		assert.Equal(t, modeCheckoutPayRefund, cfg.mode)
		assert.Equal(t, 2, cfg.quantity)
	})

	invalid := map[string][]string{
		"unknown flag":       {"-grpc", "x"},
		"bad mode":           {"-mode", "create"},
		"negative duration":  {"-duration", "-1s"},
		"zero total":         {"-total", "0"},
		"zero concurrency":   {"-concurrency", "0"},
		"zero connections":   {"-connections", "0"},
		"zero timeout":       {"-timeout", "0s"},
		"zero quantity":      {"-quantity", "0"},
		"empty product":      {"-product", " "},
		"empty customer":     {"-customer-tag", ""},
		"pay without secret": {"-mode", "checkout-pay", "-webhook-secret", ""},
		"empty addr":         {"-addr", " "},
	}
	for name, args := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := parseConfig(args)
			assert.Error(t, err)
		})
	}
}

func TestDispatchJobs(t *testing.T) {
	jobs := make(chan int, 10)
	dispatchJobs(jobs, config{total: 3})

	var got []int
	for id := range jobs {
		got = append(got, id)
	}
	assert.Equal(t, []int{0, 1, 2}, got)

	jobs = make(chan int, 100)
	dispatchJobs(jobs, config{duration: time.Second, total: 5, totalSet: true})
	count := 0
	for range jobs {
		count++
	}
	assert.Equal(t, 5, count)
}

func TestCollectorAndReport(t *testing.T) {
	col := newCollector()
	col.record(stepScenario, 10*time.Millisecond, http.StatusOK)
	col.record(stepScenario, 30*time.Millisecond, 0)
	col.record(stepCheckout, 5*time.Millisecond, http.StatusCreated)
	col.record(stepCheckout, 7*time.Millisecond, http.StatusBadGateway)

	result := col.buildReport(time.Now(), 2*time.Second)
	assert.Equal(t, int64(2), result.TotalScenarios)
	assert.Equal(t, int64(1), result.FailedScenarios)
	assert.InDelta(t, 0.5, result.ErrorRate, 1e-9)
	assert.InDelta(t, 1.0, result.RPS, 1e-9)
	assert.Equal(t, map[string]int64{"201": 1, "502": 1}, result.Steps[stepCheckout].Statuses)
	assert.Equal(t, map[string]int64{"200": 1, "transport_error": 1}, result.Steps[stepScenario].Statuses)

	var out bytes.Buffer
	printReport(&out, result, config{mode: modeCheckout, total: 2})
	assert.Contains(t, out.String(), "mode=checkout run=count:2 total=2 success=1 failed=1")
	assert.Contains(t, out.String(), "Checkout: calls=2 success=1 failed=1")
	assert.NotContains(t, out.String(), "scenario: calls")
}

func TestLatencyHelpers(t *testing.T) {
	assert.Equal(t, latencySummary{}, buildLatencySummary(nil))
	summary := buildLatencySummary([]float64{4, 1, 3, 2})
	assert.Equal(t, 1.0, summary.Min)
	assert.Equal(t, 4.0, summary.Max)
	assert.Equal(t, 2.5, summary.Avg)
	assert.InDelta(t, 2.5, summary.P50, 1e-9)
	assert.Equal(t, 7.0, percentile([]float64{7}, 99))
	assert.Zero(t, ratio(1, 0))
	assert.Equal(t, "duration:1m0s,max-total:5", runTarget(config{duration: time.Minute, total: 5, totalSet: true}))
	assert.Equal(t, "duration:1m0s", runTarget(config{duration: time.Minute}))
}

func TestWriteJSONReport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")
	require.NoError(t, writeJSONReport(path, report{TotalScenarios: 3}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, int64(3), decoded.TotalScenarios)

	assert.Error(t, writeJSONReport(".", report{}))
	assert.Error(t, writeJSONReport("../escape.json", report{}))
}

func TestRunAgainstInMemoryService(t *testing.T) {
	svcCfg := app.DefaultConfig()
	svc, err := app.New(context.Background(), svcCfg, log.WithField("test", "loadtest"))
	require.NoError(t, err)
	defer svc.Close()

	server := httptest.NewServer(svc.APIHandler())
	defer server.Close()

	for _, mode := range []loadMode{modeCheckout, modeCheckoutPay, modeCheckoutPayRefund} {
		t.Run(string(mode), func(t *testing.T) {
			cfg, err := parseConfig([]string{
				"-addr", server.URL,
				"-total", "6",
				"-concurrency", "3",
				"-mode", string(mode),
				"-webhook-secret", svcCfg.MockWebhookSecret,
			})
			require.NoError(t, err)

			result := run(cfg, newShopClient(cfg))
			assert.Equal(t, int64(6), result.TotalScenarios)
			assert.Zero(t, result.FailedScenarios, "%+v", result.Steps)
			assert.Equal(t, int64(6), result.Steps[stepCheckout].Success)
			if mode != modeCheckout {
				assert.Equal(t, int64(6), result.Steps[stepWebhook].Success)
			}
		})
	}
}

func TestRunReportsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg, err := parseConfig([]string{"-addr", server.URL, "-total", "2", "-concurrency", "1"})
	require.NoError(t, err)

	result := run(cfg, newShopClient(cfg))
	assert.Equal(t, int64(2), result.FailedScenarios)
	assert.Equal(t, int64(2), result.Steps[stepAddLine].Statuses["503"])
	_, checkoutCalled := result.Steps[stepCheckout]
	assert.False(t, checkoutCalled)
}
