package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// Routes возвращает chi-роутер API магазина.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	if h.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(h.cfg.RequestTimeout))
	}

	r.Post("/webhooks/payment", h.paymentWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate)

		r.Group(func(r chi.Router) {
			r.Use(RequireUser)

			r.Route("/cart", func(r chi.Router) {
				r.Get("/", h.getCart)
				r.Delete("/", h.clearCart)
				r.Post("/lines", h.addCartLine)
				r.Patch("/lines/{lineID}", h.updateCartLine)
				r.Delete("/lines/{lineID}", h.removeCartLine)
			})

			r.Post("/checkout", h.startCheckout)

			r.Route("/orders", func(r chi.Router) {
				r.Get("/", h.myOrders)
				r.Get("/unpaid", h.myUnpaidOrders)
				r.Get("/{orderID}", h.myOrder)
				r.Post("/{orderID}/pay", h.payOrder)
				r.Delete("/{orderID}", h.deleteOrder)
			})
		})

		r.Route("/admin/orders", func(r chi.Router) {
			r.Use(RequireAdmin)

			r.Get("/", h.adminListOrders)
			r.Get("/stats", h.adminStats)
			r.Get("/revenue", h.adminRevenue)
			r.Patch("/{orderID}/status", h.adminSetStatus)
			r.Get("/{orderID}/timeline", h.adminTimeline)
		})
	})

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		h.logger.WithFields(log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}
