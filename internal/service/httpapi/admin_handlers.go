package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) adminListOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.OrderFilter{
		Fulfillment: domain.FulfillmentStatus(strings.ToUpper(strings.TrimSpace(query.Get("fulfillment_status")))),
		Payment:     domain.PaymentStatus(strings.ToUpper(strings.TrimSpace(query.Get("payment_status")))),
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.respondDomainError(w, r, fmt.Errorf("limit must be a non-negative integer: %w", domain.ErrValidation))
			return
		}
		filter.Limit = limit
	}

	orders, err := h.orders.ListOrders(r.Context(), filter)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderViews(orders))
}

func (h *Handler) adminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orders.Stats(r.Context())
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toStatsView(stats))
}

func (h *Handler) adminRevenue(w http.ResponseWriter, r *http.Request) {
	year := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("year")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.respondDomainError(w, r, fmt.Errorf("year must be an integer: %w", domain.ErrValidation))
			return
		}
		year = parsed
	}

	months, err := h.orders.MonthlyRevenue(r.Context(), year)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toRevenueViews(months))
}

func (h *Handler) adminSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	status := domain.FulfillmentStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	order, err := h.orders.SetFulfillmentStatus(r.Context(), chi.URLParam(r, "orderID"), status)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderView(order))
}

func (h *Handler) adminTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := h.orders.Timeline(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTimelineViews(events))
}
