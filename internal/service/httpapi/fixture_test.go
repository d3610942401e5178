package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconciler"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

const webhookSecret = "whsec_test"

type apiFixture struct {
	store     *memory.Store
	processor *payment.MockProcessor
	router    http.Handler
}

type requestOpts struct {
	user    string
	admin   bool
	body    any
	headers map[string]string
}

func newAPIFixture(t testing.TB) *apiFixture {
	t.Helper()

	store := memory.NewStore()
	catalog := store.Catalog()
	catalog.PutProduct(domain.Product{ID: "A", Name: "Shirt", PriceMinor: 5000, ImageURL: "https://img.test/a.png"})
	catalog.PutProduct(domain.Product{ID: "B", Name: "Cap", PriceMinor: 3000})
	catalog.PutColor("red", "Red")
	catalog.PutSize("m", "M")

	shopMetrics := metrics.NewShopMetricsWithRegisterer(prometheus.NewRegistry())
	processor := payment.NewMockProcessor(webhookSecret, "https://pay.test")

	cartSvc := cart.NewService(store.Carts(), store.Catalog(), cart.WithMetrics(shopMetrics))
	checkoutSvc := checkout.NewService(store.Orders(), store.Carts(), processor, checkout.Config{
		Currency:         "usd",
		SuccessURL:       "https://shop.test/success?order={ORDER_ID}",
		CancelURL:        "https://shop.test/cancel",
		ProcessorTimeout: time.Second,
	}, checkout.WithMetrics(shopMetrics))
	orderSvc := orders.NewService(store.Orders(), store.Timeline(), orders.WithMetrics(shopMetrics))
	rec := reconciler.New(store.Orders(), processor,
		reconciler.WithCartInvalidator(cartSvc),
		reconciler.WithMetrics(shopMetrics),
	)

	handler := httpapi.NewHandler(cartSvc, checkoutSvc, orderSvc, rec, httpapi.Config{
		Currency:        "usd",
		SignatureHeader: payment.MockSignatureHeader,
	},
		httpapi.WithIdempotency(store.Idempotency()),
		httpapi.WithMetrics(shopMetrics),
	)

	return &apiFixture{store: store, processor: processor, router: handler.Routes()}
}

func (f *apiFixture) do(t testing.TB, method, path string, opts requestOpts) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if opts.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(opts.body))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if opts.user != "" {
		req.Header.Set(httpapi.HeaderUserID, opts.user)
	}
	if opts.admin {
		req.Header.Set(httpapi.HeaderUserRole, "admin")
	}
	for k, v := range opts.headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) addLine(t testing.TB, user, productID string, qty int32) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/cart/lines", requestOpts{
		user: user,
		body: map[string]any{"productId": productID, "quantity": qty},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (f *apiFixture) checkout(t testing.TB, user string) checkout.Result {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/checkout", requestOpts{user: user})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res checkout.Result
	decode(t, rec, &res)
	return res
}

func (f *apiFixture) deliver(t testing.TB, event payment.MockEvent) *httptest.ResponseRecorder {
	t.Helper()

	payload, sig, err := f.processor.SignedEvent(event)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(payload))
	req.Header.Set(payment.MockSignatureHeader, sig)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func completedEvent(id string, res checkout.Result, user string) payment.MockEvent {
	return payment.MockEvent{
		ID:              id,
		Type:            payment.MockEventSessionCompleted,
		Created:         time.Now().Unix(),
		SessionID:       res.SessionID,
		PaymentIntentID: "pi_" + id,
		Metadata:        map[string]string{domain.MetadataOrderID: res.OrderID, domain.MetadataUserID: user},
		Shipping:        &payment.MockShipping{Name: "Ann Buyer", Phone: "+100000", Address: "1 Main St, Springfield, US"},
	}
}

func decode(t testing.TB, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func errorCode(t testing.TB, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	decode(t, rec, &body)
	return body.Code
}
